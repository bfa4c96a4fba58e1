package bootstrap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/datastore"
	"github.com/ruteri/webapp-instance-provisioning/install"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/secrets"
	"github.com/ruteri/webapp-instance-provisioning/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sharedDatastore is the application database every instance talks to.
type sharedDatastore struct {
	mu        sync.Mutex
	installed bool
}

func (d *sharedDatastore) connect(ctx context.Context, cfg interfaces.RuntimeConfig, timeout time.Duration) (datastore.Conn, error) {
	return &dsConn{db: d}, nil
}

type dsConn struct{ db *sharedDatastore }

func (c *dsConn) Ping(context.Context) error { return nil }
func (c *dsConn) Close() error               { return nil }
func (c *dsConn) QueryRow(_ context.Context, query string, _ ...any) datastore.Row {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if strings.Contains(query, "information_schema") {
		tables := 0
		if c.db.installed {
			tables = 1
		}
		return dsRow{val: tables}
	}
	if !c.db.installed {
		return dsRow{err: sql.ErrNoRows}
	}
	return dsRow{val: "https://blog.example.com"}
}

type dsRow struct {
	val any
	err error
}

func (r dsRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch ptr := dest[0].(type) {
	case *int:
		*ptr = r.val.(int)
	case *string:
		*ptr = r.val.(string)
	}
	return nil
}

// hostCommands plays the commands a run executes on the instance.
type hostCommands struct {
	db       *sharedDatastore
	commands []interfaces.Command
	failOn   string
}

func (h *hostCommands) Run(ctx context.Context, cmd interfaces.Command) ([]byte, error) {
	h.commands = append(h.commands, cmd)
	if h.failOn != "" && cmd.Name == h.failOn {
		return []byte("fatal: task failed"), errors.New("exit status 2")
	}
	if cmd.Name == "wp" {
		h.db.mu.Lock()
		h.db.installed = true
		h.db.mu.Unlock()
	}
	return nil, nil
}

func (h *hostCommands) names() []string {
	var out []string
	for _, c := range h.commands {
		out = append(out, c.String())
	}
	return out
}

func (h *hostCommands) count(prefix string) int {
	n := 0
	for _, name := range h.names() {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

type MockSecretStore struct {
	mock.Mock
}

func (m *MockSecretStore) GetBundle(ctx context.Context, name string) (map[string]string, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockSecretStore) Name() string { return "mock-secrets" }

type testEnv struct {
	dir     string
	params  *Params
	secrets interfaces.SecretStore
	objects interfaces.ObjectStore
	db      *sharedDatastore
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	secretDir := filepath.Join(dir, "secrets")
	writeJSON(t, filepath.Join(secretDir, "webapp", "db.json"), map[string]string{
		"username": "app",
		"password": "db-secret-pw",
	})
	app := map[string]string{
		"admin_user":     "admin",
		"admin_password": "admin-secret-pw",
		"admin_email":    "ops@example.com",
	}
	for field := range secrets.SaltFields {
		app[field] = "salt-value-" + field
	}
	writeJSON(t, filepath.Join(secretDir, "webapp", "app.json"), app)

	objectDir := filepath.Join(dir, "objects")
	require.NoError(t, os.MkdirAll(filepath.Join(objectDir, "install"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(objectDir, "install", "webapp-6.5.2.sh"), []byte("#!/bin/bash\necho installing\n"), 0o644))

	params, err := LoadParams("")
	require.NoError(t, err)
	params.ImageMarker = filepath.Join(dir, "no-marker")
	params.ArtifactPath = filepath.Join(dir, "runtime.env")
	params.AppConfigPath = filepath.Join(dir, "wp-config.php")
	params.WorkDir = filepath.Join(dir, "work")
	params.Retry = RetryParams{Attempts: 3, Interval: time.Millisecond, FetchAttempts: 2}
	params.Runtime = map[string]string{
		"db_host":     "db.internal",
		"db_name":     "webapp",
		"app_url":     "https://blog.example.com",
		"app_api_url": "https://blog.example.com/wp-json/",
		"app_title":   "Example Blog",
		"app_version": "6.5.2",
		"app_docroot": "/var/www/html",
	}

	return &testEnv{
		dir:     dir,
		params:  params,
		secrets: secrets.NewFileStore(secretDir, testLogger()),
		objects: storage.NewFileStore(objectDir, testLogger()),
		db:      &sharedDatastore{},
	}
}

func (e *testEnv) runner(cmds *hostCommands) *Runner {
	return NewRunner(e.params, Deps{
		SecretStore: e.secrets,
		Objects:     e.objects,
		Commands:    cmds,
		Connect:     e.db.connect,
	}, testLogger())
}

func TestRun_SecretStoreUnreachable(t *testing.T) {
	env := newTestEnv(t)
	store := new(MockSecretStore)
	store.On("GetBundle", mock.Anything, mock.Anything).Return(nil, interfaces.ErrSecretStoreUnavailable)
	env.secrets = store

	cmds := &hostCommands{db: env.db}
	_, err := env.runner(cmds).Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSecrets, stageErr.Stage)
	assert.ErrorIs(t, err, interfaces.ErrSecretStoreUnavailable)
	assert.Empty(t, cmds.commands, "no install step may run")
	assert.NoFileExists(t, env.params.ArtifactPath)
}

func TestRun_SetupOnceAcrossRuns(t *testing.T) {
	env := newTestEnv(t)

	first := &hostCommands{db: env.db}
	out, err := env.runner(first).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StrategyPackagedScript, out.Strategy)
	assert.Equal(t, interfaces.Installed, out.InstallState)
	assert.True(t, out.SetupRan)
	assert.Equal(t, 1, first.count("wp core install"))
	assert.Equal(t, 1, first.count("bash "))

	names := first.names()
	assert.True(t, strings.HasPrefix(names[0], "bash "), "install runs before setup: %v", names)
	assert.True(t, strings.HasPrefix(names[1], "wp core install"), "setup runs before services: %v", names)
	assert.Equal(t, "systemctl restart php-fpm.service", names[2])

	for _, c := range first.commands {
		assert.NotContains(t, c.String(), "admin-secret-pw")
	}

	artifact, err := os.ReadFile(env.params.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), `DB_PASSWORD="db-secret-pw"`)
	assert.NotContains(t, string(artifact), "admin-secret-pw")
	assert.FileExists(t, env.params.AppConfigPath)

	second := &hostCommands{db: env.db}
	out, err = env.runner(second).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, out.SetupRan)
	assert.Equal(t, interfaces.Installed, out.InstallState)
	assert.Zero(t, second.count("wp "))
}

func TestRun_PrebuiltImageSkipsInstall(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.params.ImageMarker, nil, 0o644))
	env.db.installed = true

	cmds := &hostCommands{db: env.db}
	out, err := env.runner(cmds).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StrategyPrebuiltImage, out.Strategy)
	assert.Zero(t, cmds.count("bash "))
	assert.Equal(t, 2, cmds.count("systemctl restart"))
}

func TestRun_InstallFailureStopsAndScrubs(t *testing.T) {
	env := newTestEnv(t)
	env.params.Strategy = "playbook"
	env.params.Install.PlaybookRepo = "https://git.example.com/ops/webapp-playbook.git"

	cmds := &hostCommands{db: env.db, failOn: "ansible-playbook"}
	r := NewRunner(env.params, Deps{
		SecretStore: env.secrets,
		Commands:    cmds,
		Cloner:      playbookCloner{},
		Connect:     env.db.connect,
	}, testLogger())

	_, err := r.Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageInstall, stageErr.Stage)
	var stepErr *install.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "ansible-playbook", stepErr.Step)

	assert.Zero(t, cmds.count("wp "))
	assert.Zero(t, cmds.count("systemctl"))

	vars, err := os.ReadFile(filepath.Join(env.params.WorkDir, "playbook-vars.yml"))
	require.NoError(t, err)
	assert.NotContains(t, string(vars), "db-secret-pw")
	assert.NotContains(t, string(vars), "admin-secret-pw")
	assert.Contains(t, string(vars), "db_host")
}

func TestRun_MissingRuntimeKeyFailsConfigStage(t *testing.T) {
	env := newTestEnv(t)
	delete(env.params.Runtime, "app_api_url")

	cmds := &hostCommands{db: env.db}
	_, err := env.runner(cmds).Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageConfig, stageErr.Stage)
	assert.True(t, interfaces.IsConfigError(err))
	assert.Empty(t, cmds.commands)
}

func TestRun_UnknownStrategy(t *testing.T) {
	env := newTestEnv(t)
	env.params.Strategy = "docker"

	_, err := env.runner(&hostCommands{db: env.db}).Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageStrategy, stageErr.Stage)
}

// playbookCloner stands in for a remote repository holding site.yml.
type playbookCloner struct{}

func (playbookCloner) Clone(ctx context.Context, url, ref, dir string) error {
	return os.WriteFile(filepath.Join(dir, "site.yml"), []byte("- hosts: localhost\n"), 0o644)
}

func TestRerender_DoesNotReinstall(t *testing.T) {
	env := newTestEnv(t)
	cmds := &hostCommands{db: env.db}
	r := env.runner(cmds)

	require.NoError(t, r.Rerender(context.Background(), false))
	assert.Empty(t, cmds.commands)
	assert.FileExists(t, env.params.ArtifactPath)

	env.params.Runtime["db_host"] = "db-new.internal"
	require.NoError(t, r.Rerender(context.Background(), true))
	assert.Zero(t, cmds.count("bash "))
	assert.Zero(t, cmds.count("wp "))
	assert.Equal(t, 2, cmds.count("systemctl restart"))

	artifact, err := os.ReadFile(env.params.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), `DB_HOST="db-new.internal"`)
}
