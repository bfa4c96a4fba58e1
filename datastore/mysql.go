// Package datastore opens short-lived connections to the shared MySQL
// datastore described by the Runtime Configuration.
package datastore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

const (
	// DefaultConnectTimeout bounds connection attempts from health checks.
	DefaultConnectTimeout = 3 * time.Second
	// DefaultPort is the MySQL port used when DB_PORT is unset.
	DefaultPort = "3306"

	// tlsConfigName is the driver registry key for the CA-pinned config.
	tlsConfigName = "webapp-datastore"
)

// TLS modes accepted in DB_SSL_MODE, after the MySQL client's --ssl-mode.
const (
	SSLModeDisabled       = "disabled"
	SSLModePreferred      = "preferred"
	SSLModeRequired       = "required"
	SSLModeVerifyCA       = "verify-ca"
	SSLModeVerifyIdentity = "verify-identity"
)

var sslModeAliases = map[string]string{
	"disable":         SSLModeDisabled,
	"disabled":        SSLModeDisabled,
	"prefer":          SSLModePreferred,
	"preferred":       SSLModePreferred,
	"require":         SSLModeRequired,
	"required":        SSLModeRequired,
	"verify-ca":       SSLModeVerifyCA,
	"verify-full":     SSLModeVerifyIdentity,
	"verify-identity": SSLModeVerifyIdentity,
}

// Row is the single-row result of QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Conn abstracts the database handle so tests can inject a fake without
// standing up a real database.
type Conn interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, query string, args ...any) Row
	Close() error
}

// Connector opens a connection for a Runtime Configuration.
type Connector func(ctx context.Context, cfg interfaces.RuntimeConfig, timeout time.Duration) (Conn, error)

type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }
func (c *sqlConn) Close() error                   { return c.db.Close() }
func (c *sqlConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// Connect opens a single-connection pool and pings it.
func Connect(ctx context.Context, cfg interfaces.RuntimeConfig, timeout time.Duration) (Conn, error) {
	driverCfg, err := DriverConfig(cfg, timeout)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(driverCfg)
	if err != nil {
		return nil, &interfaces.ConfigError{Reason: "invalid datastore connection parameters (ssl mode, CA bundle or port)"}
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", driverCfg.Addr, err)
	}
	return &sqlConn{db: db}, nil
}

// DriverConfig builds the driver configuration. With a CA bundle configured
// the connection verifies the server against that bundle.
func DriverConfig(cfg interfaces.RuntimeConfig, timeout time.Duration) (*mysql.Config, error) {
	if missing := cfg.Missing([]string{interfaces.KeyDBHost, interfaces.KeyDBName, interfaces.KeyDBUser}); len(missing) > 0 {
		return nil, &interfaces.ConfigError{Keys: missing, Reason: "datastore connection parameters missing"}
	}

	host := cfg.Get(interfaces.KeyDBHost)
	driverCfg := mysql.NewConfig()
	driverCfg.User = cfg.Get(interfaces.KeyDBUser)
	driverCfg.Passwd = cfg.Get(interfaces.KeyDBPassword)
	driverCfg.Net = "tcp"
	driverCfg.Addr = net.JoinHostPort(host, cfg.GetDefault(interfaces.KeyDBPort, DefaultPort))
	driverCfg.DBName = cfg.Get(interfaces.KeyDBName)
	driverCfg.ConnectionAttributes = "program_name:webapp-provisioning"
	if timeout > 0 {
		driverCfg.Timeout = timeout
		driverCfg.ReadTimeout = timeout
		driverCfg.WriteTimeout = timeout
	}

	tlsName, err := tlsConfig(cfg, host)
	if err != nil {
		return nil, err
	}
	driverCfg.TLSConfig = tlsName
	return driverCfg, nil
}

// tlsConfig resolves DB_SSL_MODE to a driver TLS config name, registering
// the CA-pinned config when the mode needs one.
func tlsConfig(cfg interfaces.RuntimeConfig, host string) (string, error) {
	caBundle := cfg.Get(interfaces.KeyDBCABundle)
	requested := cfg.Get(interfaces.KeyDBSSLMode)
	if requested == "" {
		requested = SSLModePreferred
		if caBundle != "" {
			requested = SSLModeVerifyIdentity
		}
	}
	mode, ok := sslModeAliases[strings.ToLower(requested)]
	if !ok {
		return "", &interfaces.ConfigError{Keys: []string{interfaces.KeyDBSSLMode}, Reason: fmt.Sprintf("unknown ssl mode %q", requested)}
	}

	switch mode {
	case SSLModeDisabled:
		return "false", nil
	case SSLModePreferred:
		return "preferred", nil
	case SSLModeRequired:
		if caBundle == "" {
			return "skip-verify", nil
		}
		mode = SSLModeVerifyCA
	}
	if caBundle == "" {
		return "", &interfaces.ConfigError{Keys: []string{interfaces.KeyDBCABundle}, Reason: "ssl mode " + mode + " needs a CA bundle"}
	}

	pem, err := os.ReadFile(caBundle)
	if err != nil {
		return "", &interfaces.ConfigError{Keys: []string{interfaces.KeyDBCABundle}, Reason: fmt.Sprintf("reading CA bundle: %v", err)}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return "", &interfaces.ConfigError{Keys: []string{interfaces.KeyDBCABundle}, Reason: "CA bundle holds no PEM certificates"}
	}

	tlsCfg := &tls.Config{
		RootCAs:    pool,
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
	if mode == SSLModeVerifyCA {
		// Chain is checked against the bundle, the host name is not.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChain(pool)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return "", fmt.Errorf("registering datastore TLS config: %w", err)
	}
	return tlsConfigName, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("datastore presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parsing datastore certificate: %w", err)
			}
			certs[i] = cert
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// OptionsTable returns the application's options table for a table prefix.
func OptionsTable(prefix string) (string, error) {
	if !tablePrefixPattern.MatchString(prefix) {
		return "", &interfaces.ConfigError{Keys: []string{interfaces.KeyAppTablePrefix}, Reason: fmt.Sprintf("invalid table prefix %q", prefix)}
	}
	return prefix + "options", nil
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// SiteInstalled reports whether the application's first-time setup has
// completed: the options table exists and holds a siteurl row.
func SiteInstalled(ctx context.Context, conn Conn, prefix string) (bool, error) {
	table, err := OptionsTable(prefix)
	if err != nil {
		return false, err
	}

	var tables int
	err = conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		table).Scan(&tables)
	if err != nil {
		return false, fmt.Errorf("checking for table %s: %w", table, err)
	}
	if tables == 0 {
		return false, nil
	}

	var siteURL string
	query := fmt.Sprintf("SELECT option_value FROM %s WHERE option_name = 'siteurl'", quoteIdentifier(table))
	err = conn.QueryRow(ctx, query).Scan(&siteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading siteurl from %s: %w", table, err)
	}
	return siteURL != "", nil
}
