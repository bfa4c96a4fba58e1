// Package mount ensures the shared network filesystem holding the
// application's uploads is mounted before the application starts.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/retry"
	"golang.org/x/sys/unix"
)

// Config describes the shared filesystem and where it goes.
type Config struct {
	// FileSystemID is the stable identifier of the filesystem, e.g. fs-0123abcd.
	FileSystemID string
	// AccessPointID scopes access within the filesystem. Optional.
	AccessPointID string
	// Target is the mount point.
	Target string
	// FSType defaults to efs.
	FSType string
	// Options are passed with -o. Defaults to tls.
	Options []string
	// UID and GID own the mount point after mounting. Negative values skip chown.
	UID int
	GID int
}

func (c Config) source() string {
	return c.FileSystemID + ":/"
}

func (c Config) options() []string {
	opts := c.Options
	if len(opts) == 0 {
		opts = []string{"tls"}
	}
	if c.AccessPointID != "" {
		opts = append(append([]string(nil), opts...), "accesspoint="+c.AccessPointID)
	}
	return opts
}

// Manager mounts the shared filesystem idempotently.
type Manager struct {
	cfg        Config
	runner     interfaces.CommandRunner
	retry      *retry.Executor
	log        *slog.Logger
	mountTable string

	fsIdentity func(path string) (string, error)
	chown      func(path string, uid, gid int) error
}

// NewManager creates a Manager. waiter bounds how long a fresh mount may
// take to appear in the mount table.
func NewManager(cfg Config, runner interfaces.CommandRunner, waiter *retry.Executor, log *slog.Logger) (*Manager, error) {
	if cfg.FileSystemID == "" || cfg.Target == "" {
		return nil, &interfaces.ConfigError{Reason: "shared filesystem id and mount target are required"}
	}
	if !filepath.IsAbs(cfg.Target) {
		return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("mount target %q is not absolute", cfg.Target)}
	}
	if cfg.FSType == "" {
		cfg.FSType = "efs"
	}
	cfg.Target = filepath.Clean(cfg.Target)

	return &Manager{
		cfg:        cfg,
		runner:     runner,
		retry:      waiter,
		log:        log,
		mountTable: DefaultMountTable,
		fsIdentity: statfsIdentity,
		chown:      os.Chown,
	}, nil
}

// WithMountTable points the manager at a different mount table file.
func (m *Manager) WithMountTable(path string) *Manager {
	m.mountTable = path
	return m
}

// Ensure mounts the filesystem unless it is already mounted from the
// expected source, waits until the mount is observable and then fixes
// ownership of the mount point.
func (m *Manager) Ensure(ctx context.Context) error {
	entries, err := readMountTable(m.mountTable)
	if err != nil {
		return err
	}

	if entry, ok := findMount(entries, m.cfg.Target); ok {
		if !m.sameSource(entry) {
			return &interfaces.ConfigError{Reason: fmt.Sprintf("%s is already mounted from %s (%s), expected %s",
				m.cfg.Target, entry.Source, entry.FSType, m.cfg.source())}
		}
		m.log.Info("Shared filesystem already mounted",
			slog.String("target", m.cfg.Target),
			slog.String("source", entry.Source))
		return m.fixOwnership()
	}

	if err := os.MkdirAll(m.cfg.Target, 0755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}

	cmd := interfaces.Command{
		Name: "mount",
		Args: []string{"-t", m.cfg.FSType, "-o", strings.Join(m.cfg.options(), ","), m.cfg.source(), m.cfg.Target},
	}
	m.log.Info("Mounting shared filesystem",
		slog.String("source", m.cfg.source()),
		slog.String("target", m.cfg.Target))
	if out, err := m.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("mounting %s on %s: %w: %s", m.cfg.source(), m.cfg.Target, err, strings.TrimSpace(string(out)))
	}

	if err := m.retry.Do(ctx, "mount-visible", m.observe); err != nil {
		return fmt.Errorf("%w: %s: %w", interfaces.ErrMountNotObserved, m.cfg.Target, err)
	}

	return m.fixOwnership()
}

// observe succeeds once the target is in the mount table and is a different
// filesystem from its parent directory.
func (m *Manager) observe(ctx context.Context) error {
	entries, err := readMountTable(m.mountTable)
	if err != nil {
		return err
	}
	entry, ok := findMount(entries, m.cfg.Target)
	if !ok {
		return fmt.Errorf("%s not in mount table yet", m.cfg.Target)
	}
	if !m.sameSource(entry) {
		return retry.Fatal(fmt.Errorf("%s mounted from unexpected source %s", m.cfg.Target, entry.Source))
	}

	targetFS, err := m.fsIdentity(m.cfg.Target)
	if err != nil {
		return err
	}
	parentFS, err := m.fsIdentity(filepath.Dir(m.cfg.Target))
	if err != nil {
		return err
	}
	if targetFS == parentFS {
		return fmt.Errorf("%s still resolves to the parent filesystem", m.cfg.Target)
	}
	return nil
}

// sameSource accepts the plain "<fs-id>:/" source, the DNS form
// "<fs-id>.efs.<region>.amazonaws.com:/" and, for TLS mounts, the local
// stunnel endpoint the mount helper substitutes.
func (m *Manager) sameSource(e Entry) bool {
	host, _, _ := strings.Cut(e.Source, ":")
	id := m.cfg.FileSystemID
	switch {
	case e.Source == m.cfg.source(), host == id, strings.HasPrefix(host, id+"."):
		return true
	case host == "127.0.0.1" && strings.HasPrefix(e.FSType, "nfs") && hasOption(m.cfg.options(), "tls"):
		return true
	default:
		return false
	}
}

func (m *Manager) fixOwnership() error {
	if m.cfg.UID < 0 || m.cfg.GID < 0 {
		return nil
	}
	if err := m.chown(m.cfg.Target, m.cfg.UID, m.cfg.GID); err != nil {
		return fmt.Errorf("setting ownership of %s: %w", m.cfg.Target, err)
	}
	m.log.Debug("Set mount point ownership",
		slog.String("target", m.cfg.Target),
		slog.Int("uid", m.cfg.UID),
		slog.Int("gid", m.cfg.GID))
	return nil
}

// LookupOwner resolves a user name (and optional ":group") to numeric ids.
func LookupOwner(spec string) (int, int, error) {
	name, group, _ := strings.Cut(spec, ":")
	u, err := user.Lookup(name)
	if err != nil {
		return -1, -1, &interfaces.ConfigError{Reason: fmt.Sprintf("unknown owner %q: %v", name, err)}
	}
	gidStr := u.Gid
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return -1, -1, &interfaces.ConfigError{Reason: fmt.Sprintf("unknown group %q: %v", group, err)}
		}
		gidStr = g.Gid
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1, -1, errors.New("non-numeric uid")
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return -1, -1, errors.New("non-numeric gid")
	}
	return uid, gid, nil
}

func hasOption(opts []string, name string) bool {
	for _, o := range opts {
		if o == name {
			return true
		}
	}
	return false
}

func statfsIdentity(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %s: %w", path, err)
	}
	return fmt.Sprintf("%x:%v", st.Type, st.Fsid), nil
}
