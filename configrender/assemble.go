// Package configrender assembles the Runtime Configuration from static
// parameters and resolved secret bundles, and materialises it on disk.
package configrender

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/hashicorp/go-version"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/secrets"
)

// Defaults applied by Assemble when a parameter is not set.
const (
	DefaultDBPort             = "3306"
	DefaultCachePort          = "6379"
	DefaultTablePrefix        = "wp_"
	DefaultAPIRequiredFields  = "name,url"
	defaultSSLMode            = "preferred"
	defaultSSLModeWithTrustCA = "verify-identity"
)

// Assemble merges static parameters with the resolved bundles into a
// complete Runtime Configuration.
//
// Parameters:
//   - params: non-sensitive parameters (hosts, ports, versions, URLs)
//   - bundles: resolved secret bundles keyed by role
//
// Returns:
//   - The merged configuration
//   - A *interfaces.ConfigError naming every missing or invalid key
//
// Admin credentials from the application bundle are not copied; they are
// consumed in memory by the install-state checker only.
func Assemble(params interfaces.RuntimeConfig, bundles secrets.Bundles) (interfaces.RuntimeConfig, error) {
	cfg := params.Clone()

	setDefault(cfg, interfaces.KeyDBPort, DefaultDBPort)
	setDefault(cfg, interfaces.KeyAppTablePrefix, DefaultTablePrefix)
	setDefault(cfg, interfaces.KeyAppAPIRequiredFields, DefaultAPIRequiredFields)
	if cfg.Get(interfaces.KeyDBCABundle) != "" {
		setDefault(cfg, interfaces.KeyDBSSLMode, defaultSSLModeWithTrustCA)
	} else {
		setDefault(cfg, interfaces.KeyDBSSLMode, defaultSSLMode)
	}
	if cfg.Get(interfaces.KeyCacheHost) != "" {
		setDefault(cfg, interfaces.KeyCachePort, DefaultCachePort)
	}

	if db, ok := bundles.Get(secrets.RoleDatabase); ok {
		cfg[interfaces.KeyDBUser] = db.Get(secrets.FieldUsername)
		cfg[interfaces.KeyDBPassword] = db.Get(secrets.FieldPassword)
	}
	if cache, ok := bundles.Get(secrets.RoleCache); ok {
		cfg[interfaces.KeyCacheAuthToken] = cache.Get(secrets.FieldAuthToken)
	}
	if app, ok := bundles.Get(secrets.RoleApplication); ok {
		for field, key := range secrets.SaltFields {
			cfg[key] = app.Get(field)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required key is present and that typed values
// parse. All problems are reported in one error.
func Validate(cfg interfaces.RuntimeConfig) error {
	if missing := cfg.Missing(interfaces.RequiredRuntimeKeys); len(missing) > 0 {
		return &interfaces.ConfigError{Keys: missing, Reason: "missing required runtime configuration"}
	}

	var invalid []string
	for _, key := range []string{interfaces.KeyDBPort, interfaces.KeyCachePort} {
		if v := cfg.Get(key); v != "" {
			if port, err := strconv.Atoi(v); err != nil || port < 1 || port > 65535 {
				invalid = append(invalid, key)
			}
		}
	}
	for _, key := range []string{interfaces.KeyAppVersion, interfaces.KeyRuntimeVersion} {
		if v := cfg.Get(key); v != "" {
			if _, err := version.NewVersion(v); err != nil {
				invalid = append(invalid, key)
			}
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return &interfaces.ConfigError{Keys: invalid, Reason: "invalid runtime configuration values"}
	}
	return nil
}

// RequireMinVersion fails when the version stored under key is older than min.
// An unset key passes.
func RequireMinVersion(cfg interfaces.RuntimeConfig, key, min string) error {
	v := cfg.Get(key)
	if v == "" {
		return nil
	}
	got, err := version.NewVersion(v)
	if err != nil {
		return &interfaces.ConfigError{Keys: []string{key}, Reason: "invalid version"}
	}
	constraint, err := version.NewConstraint(">= " + min)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", min, err)
	}
	if !constraint.Check(got) {
		return &interfaces.ConfigError{Keys: []string{key}, Reason: fmt.Sprintf("version %s is older than the supported minimum %s", got, min)}
	}
	return nil
}

func setDefault(cfg interfaces.RuntimeConfig, key, value string) {
	if cfg[key] == "" {
		cfg[key] = value
	}
}
