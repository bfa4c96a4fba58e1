package datastore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRow implements Row for use in tests.
type mockRow struct {
	scanErr error
	val     any
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	switch ptr := dest[0].(type) {
	case *int:
		*ptr = r.val.(int)
	case *string:
		*ptr = r.val.(string)
	}
	return nil
}

// mockConn implements Conn; rows are picked by a substring of the query.
type mockConn struct {
	rows    map[string]Row
	queries []string
}

func (m *mockConn) Ping(context.Context) error { return nil }
func (m *mockConn) Close() error               { return nil }
func (m *mockConn) QueryRow(_ context.Context, query string, _ ...any) Row {
	m.queries = append(m.queries, query)
	for frag, row := range m.rows {
		if strings.Contains(query, frag) {
			return row
		}
	}
	return &mockRow{scanErr: errors.New("unexpected query")}
}

func testRuntimeConfig() interfaces.RuntimeConfig {
	return interfaces.RuntimeConfig{
		interfaces.KeyDBHost:     "db.internal",
		interfaces.KeyDBName:     "webapp",
		interfaces.KeyDBUser:     "app",
		interfaces.KeyDBPassword: "db-secret-pw",
	}
}

func writeTestCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "webapp test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	return path
}

func TestSiteInstalled(t *testing.T) {
	tests := []struct {
		name      string
		rows      map[string]Row
		installed bool
		wantErr   bool
	}{
		{
			name:      "no options table",
			rows:      map[string]Row{"information_schema": &mockRow{val: 0}},
			installed: false,
		},
		{
			name: "table without siteurl",
			rows: map[string]Row{
				"information_schema": &mockRow{val: 1},
				"siteurl":            &mockRow{scanErr: sql.ErrNoRows},
			},
			installed: false,
		},
		{
			name: "empty siteurl",
			rows: map[string]Row{
				"information_schema": &mockRow{val: 1},
				"siteurl":            &mockRow{val: ""},
			},
			installed: false,
		},
		{
			name: "installed",
			rows: map[string]Row{
				"information_schema": &mockRow{val: 1},
				"siteurl":            &mockRow{val: "https://blog.example.com"},
			},
			installed: true,
		},
		{
			name:    "query failure",
			rows:    map[string]Row{"information_schema": &mockRow{scanErr: errors.New("conn reset")}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &mockConn{rows: tt.rows}
			installed, err := SiteInstalled(context.Background(), conn, "wp_")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.installed, installed)
		})
	}
}

func TestSiteInstalled_QuotesTable(t *testing.T) {
	conn := &mockConn{rows: map[string]Row{
		"information_schema": &mockRow{val: 1},
		"siteurl":            &mockRow{val: "x"},
	}}
	_, err := SiteInstalled(context.Background(), conn, "blog_")
	require.NoError(t, err)
	require.Len(t, conn.queries, 2)
	assert.Contains(t, conn.queries[1], "`blog_options`")
}

func TestOptionsTable_RejectsInjection(t *testing.T) {
	_, err := OptionsTable("wp_; DROP TABLE users; --")
	assert.True(t, interfaces.IsConfigError(err))
}

func TestDriverConfig(t *testing.T) {
	cfg := testRuntimeConfig()
	cfg[interfaces.KeyDBPort] = "3307"
	cfg[interfaces.KeyDBPassword] = "p@ss/word:with?chars"

	driverCfg, err := DriverConfig(cfg, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tcp", driverCfg.Net)
	assert.Equal(t, "db.internal:3307", driverCfg.Addr)
	assert.Equal(t, "webapp", driverCfg.DBName)
	assert.Equal(t, "app", driverCfg.User)
	assert.Equal(t, "p@ss/word:with?chars", driverCfg.Passwd)
	assert.Equal(t, 2*time.Second, driverCfg.Timeout)
	assert.Equal(t, "preferred", driverCfg.TLSConfig)

	delete(cfg, interfaces.KeyDBPort)
	driverCfg, err = DriverConfig(cfg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "db.internal:3306", driverCfg.Addr)
}

func TestDriverConfig_SSLModes(t *testing.T) {
	ca := writeTestCA(t)

	tests := []struct {
		name    string
		mode    string
		ca      string
		tlsName string
		errKey  string
	}{
		{name: "disable", mode: "disable", tlsName: "false"},
		{name: "mysql spelling", mode: "DISABLED", tlsName: "false"},
		{name: "prefer", mode: "prefer", tlsName: "preferred"},
		{name: "require without CA", mode: "require", tlsName: "skip-verify"},
		{name: "require with CA", mode: "required", ca: ca, tlsName: tlsConfigName},
		{name: "verify-full", mode: "verify-full", ca: ca, tlsName: tlsConfigName},
		{name: "verify-ca", mode: "verify-ca", ca: ca, tlsName: tlsConfigName},
		{name: "CA implies verification", ca: ca, tlsName: tlsConfigName},
		{name: "verify without CA", mode: "verify-identity", errKey: interfaces.KeyDBCABundle},
		{name: "unreadable CA", mode: "verify-full", ca: filepath.Join(t.TempDir(), "missing-ca.pem"), errKey: interfaces.KeyDBCABundle},
		{name: "unknown mode", mode: "sometimes", errKey: interfaces.KeyDBSSLMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRuntimeConfig()
			if tt.mode != "" {
				cfg[interfaces.KeyDBSSLMode] = tt.mode
			}
			if tt.ca != "" {
				cfg[interfaces.KeyDBCABundle] = tt.ca
			}

			driverCfg, err := DriverConfig(cfg, time.Second)
			if tt.errKey != "" {
				var cfgErr *interfaces.ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, []string{tt.errKey}, cfgErr.Keys)
				assert.NotContains(t, err.Error(), "db-secret-pw")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tlsName, driverCfg.TLSConfig)
		})
	}
}

func TestDriverConfig_GarbageCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0600))
	cfg := testRuntimeConfig()
	cfg[interfaces.KeyDBCABundle] = path

	_, err := DriverConfig(cfg, time.Second)
	assert.True(t, interfaces.IsConfigError(err))
}

func TestDriverConfig_MissingKeys(t *testing.T) {
	_, err := DriverConfig(interfaces.RuntimeConfig{interfaces.KeyDBHost: "db"}, time.Second)
	var cfgErr *interfaces.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{interfaces.KeyDBName, interfaces.KeyDBUser}, cfgErr.Keys)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testRuntimeConfig()
	cfg[interfaces.KeyDBHost] = "127.0.0.1"
	cfg[interfaces.KeyDBPort] = "1"
	cfg[interfaces.KeyDBSSLMode] = "disable"

	_, err := Connect(context.Background(), cfg, 500*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
	assert.NotContains(t, err.Error(), "db-secret-pw")
}
