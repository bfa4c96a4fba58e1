package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_GetBundle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "webapp"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "webapp", "db.json"),
		[]byte(`{"username":"app","password":"db-secret-pw"}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "webapp", "broken.json"), []byte(`[1,2]`), 0600))

	store := NewFileStore(dir, testLogger())
	ctx := context.Background()

	fields, err := store.GetBundle(ctx, "webapp/db")
	require.NoError(t, err)
	assert.Equal(t, "db-secret-pw", fields["password"])

	_, err = store.GetBundle(ctx, "webapp/missing")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	_, err = store.GetBundle(ctx, "webapp/broken")
	assert.ErrorIs(t, err, interfaces.ErrMalformedSecret)

	_, err = store.GetBundle(ctx, "../etc/passwd")
	assert.True(t, interfaces.IsConfigError(err))
}

func TestVaultStore_GetBundle(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Vault-Token")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/webapp/db":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     map[string]interface{}{"username": "app", "password": "db-secret-pw"},
					"metadata": map[string]interface{}{"version": 3},
				},
			})
		case "/v1/secret/data/webapp/denied":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		case "/v1/secret/data/webapp/nested":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data": map[string]interface{}{"username": map[string]interface{}{"x": "y"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer server.Close()

	store, err := NewVaultStore(server.URL, "/secret/", "test-token", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "vault-secret", store.Name())

	ctx := context.Background()

	fields, err := store.GetBundle(ctx, "webapp/db")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": "app", "password": "db-secret-pw"}, fields)
	assert.Equal(t, "test-token", gotToken)

	_, err = store.GetBundle(ctx, "webapp/missing")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	_, err = store.GetBundle(ctx, "webapp/denied")
	assert.ErrorIs(t, err, interfaces.ErrSecretStoreUnavailable)

	_, err = store.GetBundle(ctx, "webapp/nested")
	assert.ErrorIs(t, err, interfaces.ErrMalformedSecret)
}

func TestSecretsManagerStore_GetBundle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SecretId string
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")

		switch req.SecretId {
		case "webapp/db":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ARN":          "arn:aws:secretsmanager:us-east-1:000000000000:secret:webapp/db",
				"Name":         "webapp/db",
				"SecretString": `{"username":"app","password":"db-secret-pw"}`,
			})
		case "webapp/denied":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"__type":"AccessDeniedException","message":"not authorized"}`))
		case "webapp/empty":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"Name":         "webapp/empty",
				"SecretString": "",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"__type":"ResourceNotFoundException","message":"Secrets Manager can't find the specified secret."}`))
		}
	}))
	defer server.Close()

	creds := credentials.NewStaticCredentials("AKID", "SECRET", "")
	store, err := NewSecretsManagerStore("us-east-1", server.URL, creds, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "secretsmanager-us-east-1", store.Name())

	ctx := context.Background()

	fields, err := store.GetBundle(ctx, "webapp/db")
	require.NoError(t, err)
	assert.Equal(t, "db-secret-pw", fields["password"])

	_, err = store.GetBundle(ctx, "webapp/missing")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	_, err = store.GetBundle(ctx, "webapp/denied")
	assert.ErrorIs(t, err, interfaces.ErrSecretStoreUnavailable)

	_, err = store.GetBundle(ctx, "webapp/empty")
	assert.ErrorIs(t, err, interfaces.ErrMalformedSecret)
}

func TestStoreFactory_StoreFor(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("s.token\n"), 0600))

	factory := NewStoreFactory(testLogger())

	tests := []struct {
		name     string
		uri      string
		wantName string
		wantErr  error
	}{
		{name: "file", uri: "file://" + dir, wantName: "file-" + dir},
		{name: "secrets manager", uri: "secretsmanager://eu-west-1", wantName: "secretsmanager-eu-west-1"},
		{name: "vault", uri: "vault://127.0.0.1:8200/kv?tls=false&token_file=" + tokenFile, wantName: "vault-kv"},
		{name: "vault default mount", uri: "vault://127.0.0.1:8200", wantName: "vault-secret"},
		{name: "secrets manager without region", uri: "secretsmanager://", wantErr: interfaces.ErrInvalidLocationURI},
		{name: "unsupported scheme", uri: "ftp://example.com/x", wantErr: interfaces.ErrInvalidLocationURI},
		{name: "no scheme", uri: "/just/a/path", wantErr: interfaces.ErrInvalidLocationURI},
		{name: "unreadable token", uri: "vault://127.0.0.1:8200/kv?token_file=" + filepath.Join(dir, "nope"), wantErr: interfaces.ErrSecretStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := factory.StoreFor(tt.uri)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, store.Name())
		})
	}
}
