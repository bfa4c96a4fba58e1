package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// VaultStore reads bundles from a HashiCorp Vault KV v2 mount. The bundle
// name is the secret path inside the mount.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault KV v2 backed store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - token: Vault token; when empty the client falls back to VAULT_TOKEN
//   - log: Structured logger for operational insights
func NewVaultStore(address, mountPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Transport: config.HttpClient.Transport,
		Timeout:   10 * time.Second,
	}
	config.MaxRetries = 1

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s", address, mountPath),
	}, nil
}

// GetBundle reads the KV v2 secret at name and returns its data fields.
func (s *VaultStore) GetBundle(ctx context.Context, name string) (map[string]string, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/data/%s", s.mountPath, strings.Trim(name, "/"))

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSecretStoreUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSecretNotFound, name)
	}

	// KV v2 wraps the fields in a "data" object next to "metadata".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		if secret.Data["data"] == nil {
			// Deleted or destroyed latest version.
			return nil, fmt.Errorf("%w: %s", interfaces.ErrSecretNotFound, name)
		}
		return nil, fmt.Errorf("%w: invalid data format in Vault response for %s", interfaces.ErrMalformedSecret, name)
	}

	fields, err := flattenFields(data)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}

	s.log.Debug("Fetched secret from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return fields, nil
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s", s.mountPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}
