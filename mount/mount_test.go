package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSystem stands in for the kernel: running "mount" appends to the
// mount table file and switches the target's filesystem identity.
type fakeSystem struct {
	mu         sync.Mutex
	table      string
	events     []string
	mountCalls int
	mountErr   error
	// visible controls whether a mount shows up in the table.
	visible bool
	mounted map[string]bool
}

func newFakeSystem(t *testing.T, initial string) *fakeSystem {
	table := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(table, []byte(initial), 0644))
	return &fakeSystem{table: table, visible: true, mounted: map[string]bool{}}
}

func (f *fakeSystem) Run(ctx context.Context, cmd interfaces.Command) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "run:"+cmd.String())
	if cmd.Name != "mount" {
		return nil, fmt.Errorf("unexpected command %s", cmd.Name)
	}
	f.mountCalls++
	if f.mountErr != nil {
		return []byte("mount: permission denied"), f.mountErr
	}
	if f.visible {
		source, target := cmd.Args[len(cmd.Args)-2], cmd.Args[len(cmd.Args)-1]
		line := fmt.Sprintf("%s %s nfs4 rw,relatime 0 0\n", source, target)
		file, err := os.OpenFile(f.table, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		if _, err := file.WriteString(line); err != nil {
			return nil, err
		}
		f.mounted[target] = true
	}
	return nil, nil
}

func (f *fakeSystem) identity(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mounted[path] {
		return "nfs:" + path, nil
	}
	return "root", nil
}

func (f *fakeSystem) chown(path string, uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("chown:%d:%d", uid, gid))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, fs *fakeSystem, cfg Config) *Manager {
	m, err := NewManager(cfg, fs, retry.New(3, 5*time.Millisecond, testLogger()), testLogger())
	require.NoError(t, err)
	m.WithMountTable(fs.table)
	m.fsIdentity = fs.identity
	m.chown = fs.chown
	return m
}

func testConfig(t *testing.T) Config {
	return Config{
		FileSystemID:  "fs-0123abcd",
		AccessPointID: "fsap-0456",
		Target:        filepath.Join(t.TempDir(), "uploads"),
		UID:           33,
		GID:           33,
	}
}

func TestEnsure_MountsThenChowns(t *testing.T) {
	fs := newFakeSystem(t, "proc /proc proc rw 0 0\n")
	cfg := testConfig(t)
	m := newTestManager(t, fs, cfg)

	require.NoError(t, m.Ensure(context.Background()))

	require.Len(t, fs.events, 2)
	assert.Equal(t, "run:mount -t efs -o tls,accesspoint=fsap-0456 fs-0123abcd:/ "+cfg.Target, fs.events[0])
	assert.Equal(t, "chown:33:33", fs.events[1])

	info, err := os.Stat(cfg.Target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsure_Idempotent(t *testing.T) {
	fs := newFakeSystem(t, "")
	m := newTestManager(t, fs, testConfig(t))

	require.NoError(t, m.Ensure(context.Background()))
	require.NoError(t, m.Ensure(context.Background()))

	assert.Equal(t, 1, fs.mountCalls)
}

func TestEnsure_AlreadyMountedViaTLSHelper(t *testing.T) {
	cfg := testConfig(t)
	fs := newFakeSystem(t, fmt.Sprintf("127.0.0.1:/ %s nfs4 rw,port=20049 0 0\n", cfg.Target))
	m := newTestManager(t, fs, cfg)

	require.NoError(t, m.Ensure(context.Background()))
	assert.Equal(t, 0, fs.mountCalls)
	assert.Equal(t, []string{"chown:33:33"}, fs.events)
}

func TestEnsure_DifferentSourceIsAnError(t *testing.T) {
	cfg := testConfig(t)
	fs := newFakeSystem(t, fmt.Sprintf("fs-ffffffff:/ %s nfs4 rw 0 0\n", cfg.Target))
	m := newTestManager(t, fs, cfg)

	err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, interfaces.IsConfigError(err))
	assert.Equal(t, 0, fs.mountCalls)
	assert.Empty(t, fs.events)
}

func TestEnsure_NotObservedIsFatal(t *testing.T) {
	fs := newFakeSystem(t, "")
	fs.visible = false
	m := newTestManager(t, fs, testConfig(t))

	err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrMountNotObserved)
	assert.ErrorIs(t, err, interfaces.ErrRetriesExhausted)
	for _, e := range fs.events {
		assert.NotContains(t, e, "chown", "ownership must not change on an unmounted directory")
	}
}

func TestEnsure_MountCommandFails(t *testing.T) {
	fs := newFakeSystem(t, "")
	fs.mountErr = errors.New("exit status 32")
	m := newTestManager(t, fs, testConfig(t))

	err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, []string{"run:mount -t efs -o tls,accesspoint=fsap-0456 fs-0123abcd:/ " + m.cfg.Target}, fs.events)
}

func TestEnsure_SkipChown(t *testing.T) {
	fs := newFakeSystem(t, "")
	cfg := testConfig(t)
	cfg.UID, cfg.GID = -1, -1
	m := newTestManager(t, fs, cfg)

	require.NoError(t, m.Ensure(context.Background()))
	assert.Len(t, fs.events, 1)
}

func TestNewManager_Validation(t *testing.T) {
	fs := newFakeSystem(t, "")
	_, err := NewManager(Config{Target: "/mnt/x"}, fs, retry.New(1, time.Millisecond, testLogger()), testLogger())
	assert.True(t, interfaces.IsConfigError(err))

	_, err = NewManager(Config{FileSystemID: "fs-1", Target: "relative"}, fs, retry.New(1, time.Millisecond, testLogger()), testLogger())
	assert.True(t, interfaces.IsConfigError(err))
}

func TestReadMountTable(t *testing.T) {
	table := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(table, []byte(
		"/dev/root / ext4 rw 0 0\n"+
			"fs-1:/ /mnt/my\\040share nfs4 rw,vers=4.1 0 0\n"+
			"garbage\n"+
			"fs-2:/ /mnt/x nfs4 rw 0 0\n"+
			"fs-3:/ /mnt/x nfs4 ro 0 0\n"), 0644))

	entries, err := readMountTable(table)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "/mnt/my share", entries[1].Target)
	assert.Equal(t, []string{"rw", "vers=4.1"}, entries[1].Options)

	e, ok := findMount(entries, "/mnt/x/")
	require.True(t, ok)
	assert.Equal(t, "fs-3:/", e.Source)

	_, ok = findMount(entries, "/mnt")
	assert.False(t, ok)
}
