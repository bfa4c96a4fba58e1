// Package installstate decides, from the shared datastore, whether the
// application still needs its one-time setup and runs it when it does.
package installstate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/common"
	"github.com/ruteri/webapp-instance-provisioning/datastore"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/retry"
	"github.com/ruteri/webapp-instance-provisioning/secrets"
)

// Child environment variables carrying the admin account to the setup command.
const (
	EnvAdminUser     = "ADMIN_USER"
	EnvAdminPassword = "ADMIN_PASSWORD"
	EnvAdminEmail    = "ADMIN_EMAIL"
)

// SetupError is a failed first-time setup that was not explained by another
// instance completing it first.
type SetupError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *SetupError) Error() string {
	msg := fmt.Sprintf("first-time setup failed (exit code %d): %v", e.ExitCode, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Checker queries the install state and performs first-time setup at most
// once per application lifetime. Concurrent instances are not coordinated
// here: a duplicate setup attempt fails against the datastore's uniqueness
// constraints and is recognised by re-reading the state.
type Checker struct {
	cfg     interfaces.RuntimeConfig
	connect datastore.Connector
	runner  interfaces.CommandRunner
	retry   *retry.Executor
	setup   []string
	log     *slog.Logger
}

// NewChecker creates a Checker. setup overrides the setup command line; when
// empty the WP-CLI "core install" invocation built from cfg is used.
func NewChecker(cfg interfaces.RuntimeConfig, connect datastore.Connector, runner interfaces.CommandRunner, waiter *retry.Executor, setup []string, log *slog.Logger) *Checker {
	if connect == nil {
		connect = datastore.Connect
	}
	return &Checker{
		cfg:     cfg,
		connect: connect,
		runner:  runner,
		retry:   waiter,
		setup:   setup,
		log:     log,
	}
}

// State reads the install state, retrying while the datastore is not
// reachable.
func (c *Checker) State(ctx context.Context) (interfaces.InstallState, error) {
	prefix := c.cfg.GetDefault(interfaces.KeyAppTablePrefix, "wp_")
	if _, err := datastore.OptionsTable(prefix); err != nil {
		return interfaces.NotInstalled, err
	}

	state := interfaces.NotInstalled
	err := c.retry.Do(ctx, "read-install-state", func(ctx context.Context) error {
		conn, err := c.connect(ctx, c.cfg, datastore.DefaultConnectTimeout)
		if err != nil {
			return err
		}
		defer conn.Close()

		installed, err := datastore.SiteInstalled(ctx, conn, prefix)
		if err != nil {
			return err
		}
		if installed {
			state = interfaces.Installed
		}
		return nil
	})
	if err != nil {
		return interfaces.NotInstalled, fmt.Errorf("reading install state: %w", secretFree(err, c.cfg))
	}
	return state, nil
}

// Ensure makes sure the application is installed. It returns the final
// state and whether this run performed the setup.
func (c *Checker) Ensure(ctx context.Context, admin secrets.Bundle) (interfaces.InstallState, bool, error) {
	start := time.Now()

	state, err := c.State(ctx)
	if err != nil {
		return state, false, err
	}
	if state == interfaces.Installed {
		c.log.Info("Application already installed, skipping first-time setup")
		return state, false, nil
	}

	cmd, err := c.setupCommand(admin)
	if err != nil {
		return state, false, err
	}

	c.log.Info("Application not installed, running first-time setup", slog.String("cmd", cmd.String()))
	out, runErr := c.runner.Run(ctx, cmd)

	after, err := c.State(ctx)
	if err != nil {
		return after, false, err
	}

	if runErr != nil {
		if after == interfaces.Installed {
			c.log.Warn("First-time setup failed but the datastore reports installed, another instance completed it",
				"err", runErr)
			return after, false, nil
		}
		return after, false, &SetupError{
			ExitCode: common.ExitCode(runErr),
			Output:   secrets.Redact(strings.TrimSpace(string(out)), append(admin.Values(), c.cfg.SecretValues()...)),
			Err:      runErr,
		}
	}

	if after != interfaces.Installed {
		return after, false, &SetupError{ExitCode: 0, Err: fmt.Errorf("setup exited successfully but the datastore still reports %s", after)}
	}

	c.log.Info("First-time setup completed", slog.Duration("duration", time.Since(start)))
	return after, true, nil
}

// setupCommand builds the setup invocation. Credentials travel in the child
// environment and, for the default WP-CLI command, the password on stdin.
func (c *Checker) setupCommand(admin secrets.Bundle) (interfaces.Command, error) {
	user := admin.Get(secrets.FieldAdminUser)
	password := admin.Get(secrets.FieldAdminPassword)
	email := admin.Get(secrets.FieldAdminEmail)
	if user == "" || password == "" || email == "" {
		return interfaces.Command{}, &interfaces.ConfigError{Reason: "admin account fields missing from the application bundle"}
	}

	env := []string{
		EnvAdminUser + "=" + user,
		EnvAdminPassword + "=" + password,
		EnvAdminEmail + "=" + email,
	}

	if len(c.setup) > 0 {
		return interfaces.Command{
			Name: c.setup[0],
			Args: c.setup[1:],
			Env:  env,
			Dir:  c.cfg.Get(interfaces.KeyAppDocroot),
		}, nil
	}

	docroot := c.cfg.Get(interfaces.KeyAppDocroot)
	if docroot == "" {
		return interfaces.Command{}, &interfaces.ConfigError{Keys: []string{interfaces.KeyAppDocroot}, Reason: "first-time setup needs the document root"}
	}

	return interfaces.Command{
		Name: "wp",
		Args: []string{
			"core", "install",
			"--path=" + docroot,
			"--url=" + c.cfg.Get(interfaces.KeyAppURL),
			"--title=" + c.cfg.GetDefault(interfaces.KeyAppTitle, "Site"),
			"--admin_user=" + user,
			"--admin_email=" + email,
			"--prompt=admin_password",
			"--skip-email",
			"--allow-root",
		},
		Env:   env,
		Dir:   docroot,
		Stdin: []byte(password + "\n"),
	}, nil
}

// secretFree redacts configuration secrets from driver errors, which may
// quote connection parameters.
func secretFree(err error, cfg interfaces.RuntimeConfig) error {
	msg := err.Error()
	redacted := secrets.Redact(msg, cfg.SecretValues())
	if redacted == msg {
		return err
	}
	return &redactedError{msg: redacted, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
