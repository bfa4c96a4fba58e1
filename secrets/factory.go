package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// StoreFactory creates the secret store for a run from its location URI.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates a secret store from a location URI.
//
// Supported schemes:
//   - secretsmanager://<region>[?endpoint=https://...] - AWS Secrets Manager
//   - vault://host:port/<mount>[?tls=false&token_file=/path] - Vault KV v2
//   - file:///absolute/dir - JSON files, one per bundle
func (f *StoreFactory) StoreFor(location string) (interfaces.SecretStore, error) {
	loc, err := interfaces.NewStoreLocation(location)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "secretsmanager":
		return f.createSecretsManagerStore(loc)
	case "vault":
		return f.createVaultStore(loc)
	case "file":
		return f.createFileStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported secret store scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// createSecretsManagerStore uses the host part as the AWS region.
func (f *StoreFactory) createSecretsManagerStore(loc interfaces.StoreLocation) (interfaces.SecretStore, error) {
	f.log.Debug("Creating Secrets Manager store", slog.String("uri", loc.String()))

	region := loc.Host
	if region == "" {
		return nil, fmt.Errorf("%w: secretsmanager URI needs a region, e.g. secretsmanager://us-east-1", interfaces.ErrInvalidLocationURI)
	}

	return NewSecretsManagerStore(region, loc.GetParam("endpoint"), nil, f.log)
}

// createVaultStore builds an https address unless tls=false is given. The
// token is read from token_file when set, otherwise from VAULT_TOKEN.
func (f *StoreFactory) createVaultStore(loc interfaces.StoreLocation) (interfaces.SecretStore, error) {
	f.log.Debug("Creating Vault store", slog.String("uri", loc.String()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: vault URI needs a host", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.Query.Has("tls") && !loc.GetParamBool("tls") {
		scheme = "http"
	}

	mount := strings.Trim(loc.Path, "/")
	if mount == "" {
		mount = "secret"
	}

	var token string
	if tokenFile := loc.GetParam("token_file"); tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading vault token file: %v", interfaces.ErrSecretStoreUnavailable, err)
		}
		token = strings.TrimSpace(string(data))
	}

	return NewVaultStore(scheme+"://"+loc.Host, mount, token, f.log)
}

func (f *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.SecretStore, error) {
	f.log.Debug("Creating file secret store", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileStore(path, f.log), nil
}
