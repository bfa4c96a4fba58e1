package interfaces

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Strategy selects how the application is installed on an instance. It is
// chosen once at the start of a bootstrap run and never changes during it.
type Strategy string

const (
	// StrategyPackagedScript fetches a versioned install script from the
	// object store and executes it.
	StrategyPackagedScript Strategy = "packaged-script"
	// StrategyPlaybook clones a configuration-management repository and runs
	// its playbook with the full merged variable set.
	StrategyPlaybook Strategy = "playbook"
	// StrategyPrebuiltImage skips installation; the image already carries
	// the application tree and only needs reconfiguring.
	StrategyPrebuiltImage Strategy = "prebuilt-image"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyPackagedScript:
		return StrategyPackagedScript, nil
	case StrategyPlaybook:
		return StrategyPlaybook, nil
	case StrategyPrebuiltImage:
		return StrategyPrebuiltImage, nil
	default:
		return "", &ConfigError{Reason: fmt.Sprintf("unknown deployment strategy %q", s)}
	}
}

func (s Strategy) String() string {
	return string(s)
}

// InstallState is the application's initialization state as reported by the
// shared datastore, never by local instance state.
type InstallState int

const (
	NotInstalled InstallState = iota
	Installed
)

func (s InstallState) String() string {
	switch s {
	case Installed:
		return "installed"
	default:
		return "not-installed"
	}
}

// Runtime configuration keys. The artifact on disk holds exactly these
// names; the application config template and the health verifier read them.
const (
	KeyDBHost     = "DB_HOST"
	KeyDBPort     = "DB_PORT"
	KeyDBName     = "DB_NAME"
	KeyDBUser     = "DB_USER"
	KeyDBPassword = "DB_PASSWORD"
	KeyDBSSLMode  = "DB_SSL_MODE"
	KeyDBCABundle = "DB_CA_BUNDLE"

	KeyCacheHost      = "CACHE_HOST"
	KeyCachePort      = "CACHE_PORT"
	KeyCacheAuthToken = "CACHE_AUTH_TOKEN"
	KeyCacheTLS       = "CACHE_TLS"

	KeyAppURL               = "APP_URL"
	KeyAppTitle             = "APP_TITLE"
	KeyAppVersion           = "APP_VERSION"
	KeyRuntimeVersion       = "RUNTIME_VERSION"
	KeyAppAPIURL            = "APP_API_URL"
	KeyAppAPIRequiredFields = "APP_API_REQUIRED_FIELDS"
	KeyAppTablePrefix       = "APP_TABLE_PREFIX"
	KeyAppDocroot           = "APP_DOCROOT"
)

// SaltKeys are the application's cryptographic salts, in artifact naming.
var SaltKeys = []string{
	"AUTH_KEY",
	"SECURE_AUTH_KEY",
	"LOGGED_IN_KEY",
	"NONCE_KEY",
	"AUTH_SALT",
	"SECURE_AUTH_SALT",
	"LOGGED_IN_SALT",
	"NONCE_SALT",
}

// RequiredRuntimeKeys must be present and non-empty before services start.
var RequiredRuntimeKeys = append([]string{
	KeyDBHost,
	KeyDBPort,
	KeyDBName,
	KeyDBUser,
	KeyDBPassword,
	KeyAppURL,
	KeyAppAPIURL,
}, SaltKeys...)

// SecretRuntimeKeys hold credentials. Health messages are scrubbed of their
// values and they are never logged.
var SecretRuntimeKeys = append([]string{KeyDBPassword, KeyCacheAuthToken}, SaltKeys...)

// RuntimeConfig is the flat key/value Runtime Configuration passed explicitly
// through the pipeline and persisted once to the configuration artifact.
type RuntimeConfig map[string]string

// Get returns the value for key, or "" if unset.
func (c RuntimeConfig) Get(key string) string {
	return c[key]
}

// GetDefault returns the value for key, or def if unset or empty.
func (c RuntimeConfig) GetDefault(key, def string) string {
	if v := c[key]; v != "" {
		return v
	}
	return def
}

// Int parses key as an integer.
func (c RuntimeConfig) Int(key string) (int, error) {
	v, ok := c[key]
	if !ok || v == "" {
		return 0, &ConfigError{Keys: []string{key}, Reason: "missing value"}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Keys: []string{key}, Reason: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

// Bool reports whether key is set to a truthy value.
func (c RuntimeConfig) Bool(key string) bool {
	switch strings.ToLower(c[key]) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// List splits a comma separated value, dropping empty items.
func (c RuntimeConfig) List(key string) []string {
	var out []string
	for _, item := range strings.Split(c[key], ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Missing returns the keys from required that are absent or empty, sorted.
func (c RuntimeConfig) Missing(required []string) []string {
	var missing []string
	for _, key := range required {
		if c[key] == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// Clone returns a copy safe to mutate.
func (c RuntimeConfig) Clone() RuntimeConfig {
	out := make(RuntimeConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// SecretValues returns the non-empty values of the secret keys.
func (c RuntimeConfig) SecretValues() []string {
	var out []string
	for _, key := range SecretRuntimeKeys {
		if v := c[key]; v != "" {
			out = append(out, v)
		}
	}
	return out
}
