package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// StoreLocation is a parsed location URI for an object or secret store.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname, bucket or region
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStoreLocation parses a location URI of the form
// [scheme]://[auth@]host[:port][/path][?params].
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	if parsed.Scheme == "" {
		return StoreLocation{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalidLocationURI, uri)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: strings.ToLower(parsed.Scheme),
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrObjectNotFound is returned when a requested object does not exist in the object store.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBackendUnavailable is returned when a store cannot be reached.
	ErrBackendUnavailable = errors.New("store backend unavailable")

	// ErrInvalidLocationURI is returned when a store location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid store location URI")

	// ErrSecretStoreUnavailable is returned when the secret store cannot be reached
	// or refuses access. It usually means a permissions or network misconfiguration.
	ErrSecretStoreUnavailable = errors.New("secret store unavailable")

	// ErrSecretNotFound is returned when a named secret bundle does not exist.
	ErrSecretNotFound = errors.New("secret bundle not found")

	// ErrMalformedSecret is returned for empty payloads, non-object payloads
	// and bundles missing required fields.
	ErrMalformedSecret = errors.New("malformed secret bundle")
)

// ObjectStore retrieves installation artifacts by stable key.
type ObjectStore interface {
	// Fetch retrieves the object stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Available checks if the store is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this store.
	LocationURI() string
}

// SecretStore returns the flat field mapping of a named secret bundle.
// Implementations never return a partially decoded mapping together with a nil error.
type SecretStore interface {
	// GetBundle fetches the raw field mapping for name.
	GetBundle(ctx context.Context, name string) (map[string]string, error)

	// Name returns identifier for logging.
	Name() string
}
