package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRetriesExhausted is returned when an operation kept failing
	// transiently until the attempt ceiling was reached.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrMountNotObserved is returned when the shared filesystem is not
	// visible in the mount table after mounting.
	ErrMountNotObserved = errors.New("mount not observed")

	// ErrChecksumMismatch is returned when a fetched artifact does not match its expected digest.
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
)

// ConfigError is a fatal configuration error: a required value is missing
// or invalid. Retrying cannot fix it.
type ConfigError struct {
	Keys   []string
	Reason string
}

func (e *ConfigError) Error() string {
	if len(e.Keys) == 0 {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Reason, strings.Join(e.Keys, ", "))
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
