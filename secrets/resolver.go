package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// Bundle roles used by the pipeline.
const (
	RoleDatabase    = "database"
	RoleCache       = "cache"
	RoleApplication = "application"
)

// Field names of the standardised bundle schema. Every strategy reads these
// names; no strategy-specific aliases exist.
const (
	FieldUsername      = "username"
	FieldPassword      = "password"
	FieldAuthToken     = "auth_token"
	FieldAdminUser     = "admin_user"
	FieldAdminPassword = "admin_password"
	FieldAdminEmail    = "admin_email"
)

// SaltFields maps bundle salt field names to runtime configuration keys.
var SaltFields = map[string]string{
	"auth_key":         "AUTH_KEY",
	"secure_auth_key":  "SECURE_AUTH_KEY",
	"logged_in_key":    "LOGGED_IN_KEY",
	"nonce_key":        "NONCE_KEY",
	"auth_salt":        "AUTH_SALT",
	"secure_auth_salt": "SECURE_AUTH_SALT",
	"logged_in_salt":   "LOGGED_IN_SALT",
	"nonce_salt":       "NONCE_SALT",
}

// BundleSpec names a bundle in the secret store and the fields it must carry.
type BundleSpec struct {
	Role     string
	Name     string
	Required []string
}

// DatabaseBundle describes the datastore credentials bundle.
func DatabaseBundle(name string) BundleSpec {
	return BundleSpec{Role: RoleDatabase, Name: name, Required: []string{FieldUsername, FieldPassword}}
}

// CacheBundle describes the cache auth token bundle.
func CacheBundle(name string) BundleSpec {
	return BundleSpec{Role: RoleCache, Name: name, Required: []string{FieldAuthToken}}
}

// ApplicationBundle describes the admin account and salts bundle.
func ApplicationBundle(name string) BundleSpec {
	required := []string{FieldAdminUser, FieldAdminPassword, FieldAdminEmail}
	for field := range SaltFields {
		required = append(required, field)
	}
	sort.Strings(required[3:])
	return BundleSpec{Role: RoleApplication, Name: name, Required: required}
}

// Bundle is a resolved secret bundle. It is immutable for the run.
type Bundle struct {
	Role   string
	Name   string
	fields map[string]string
}

// NewBundle copies fields into a Bundle.
func NewBundle(role, name string, fields map[string]string) Bundle {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Bundle{Role: role, Name: name, fields: copied}
}

// Get returns a field value.
func (b Bundle) Get(field string) string {
	return b.fields[field]
}

// Fields returns a copy of the field mapping.
func (b Bundle) Fields() map[string]string {
	out := make(map[string]string, len(b.fields))
	for k, v := range b.fields {
		out[k] = v
	}
	return out
}

// identityFields name an account rather than authenticate it.
var identityFields = map[string]bool{
	FieldUsername:   true,
	FieldAdminUser:  true,
	FieldAdminEmail: true,
}

// Values returns the field values to keep out of files, logs and reports.
// Credentials are returned whatever their length. Identity values shorter
// than minScrubLength, such as a user named "app", are left out so they do
// not wipe unrelated lines.
func (b Bundle) Values() []string {
	out := make([]string, 0, len(b.fields))
	for field, v := range b.fields {
		if v == "" || (identityFields[field] && len(v) < minScrubLength) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Bundles holds the resolved bundles of a run, keyed by role.
type Bundles map[string]Bundle

// Get returns the bundle for role.
func (bs Bundles) Get(role string) (Bundle, bool) {
	b, ok := bs[role]
	return b, ok
}

// Values returns the secret values of all bundles.
func (bs Bundles) Values() []string {
	var out []string
	for _, b := range bs {
		out = append(out, b.Values()...)
	}
	return out
}

// ResolveError reports which bundle failed to resolve and why.
type ResolveError struct {
	Bundle string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving secret bundle %q: %v", e.Bundle, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Resolver fetches secret bundles from a single secret store. Failures are
// fatal: they are never retried here.
type Resolver struct {
	store interfaces.SecretStore
	log   *slog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store interfaces.SecretStore, log *slog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve fetches one bundle. It returns either a bundle carrying every
// required field or a *ResolveError; never a partial bundle.
func (r *Resolver) Resolve(ctx context.Context, spec BundleSpec) (Bundle, error) {
	start := time.Now()

	if spec.Name == "" {
		return Bundle{}, &ResolveError{Bundle: spec.Role, Err: &interfaces.ConfigError{Reason: "secret bundle name is empty"}}
	}

	fields, err := r.store.GetBundle(ctx, spec.Name)
	if err != nil {
		if !errors.Is(err, interfaces.ErrSecretNotFound) &&
			!errors.Is(err, interfaces.ErrMalformedSecret) &&
			!errors.Is(err, interfaces.ErrSecretStoreUnavailable) &&
			!interfaces.IsConfigError(err) {
			err = fmt.Errorf("%w: %v", interfaces.ErrSecretStoreUnavailable, err)
		}
		r.log.Error("Failed to fetch secret bundle",
			slog.String("bundle", spec.Name),
			slog.String("store", r.store.Name()),
			"err", err)
		return Bundle{}, &ResolveError{Bundle: spec.Name, Err: err}
	}

	if len(fields) == 0 {
		return Bundle{}, &ResolveError{Bundle: spec.Name, Err: fmt.Errorf("%w: empty payload", interfaces.ErrMalformedSecret)}
	}

	var missing []string
	for _, field := range spec.Required {
		if fields[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Bundle{}, &ResolveError{
			Bundle: spec.Name,
			Err:    fmt.Errorf("%w: missing fields %s", interfaces.ErrMalformedSecret, strings.Join(missing, ", ")),
		}
	}

	r.log.Info("Resolved secret bundle",
		slog.String("bundle", spec.Name),
		slog.String("role", spec.Role),
		slog.Int("fields", len(fields)),
		slog.Duration("duration", time.Since(start)))

	return NewBundle(spec.Role, spec.Name, fields), nil
}

// ResolveAll resolves every spec independently. If any bundle fails the
// returned error names each failing bundle and no bundles are returned.
func (r *Resolver) ResolveAll(ctx context.Context, specs []BundleSpec) (Bundles, error) {
	bundles := make(Bundles, len(specs))
	var errs []error

	for _, spec := range specs {
		b, err := r.Resolve(ctx, spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bundles[spec.Role] = b
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return bundles, nil
}
