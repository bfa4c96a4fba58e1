// Package interfaces defines the types shared by the bootstrap pipeline and
// the health verifier, separating them from their implementations.
//
// # Store Interfaces
//
// ObjectStore: retrieves installation artifacts (packaged install scripts)
// by stable key from S3-compatible or local storage.
//
// SecretStore: returns named secret bundles as flat field mappings from
// AWS Secrets Manager, Vault or a local directory.
//
// # Pipeline Types
//
//   - Strategy: packaged-script, playbook or prebuilt-image
//   - RuntimeConfig: the flat Runtime Configuration and its key names
//   - InstallState: whether the shared datastore completed first-time setup
//
// # Errors
//
// Sentinel errors classify failures so callers can tell transient
// exhaustion (ErrRetriesExhausted) from fatal configuration problems
// (*ConfigError) and secret store failures (ErrSecretStoreUnavailable,
// ErrSecretNotFound, ErrMalformedSecret).
package interfaces
