// Package bootstrap runs the instance bootstrap stages in order: strategy
// selection, secret resolution, configuration rendering, shared filesystem
// mount, installation, first-time setup, service start and secret hygiene.
//
// A run aborts on the first failing stage. The returned *StageError names the
// stage so the operator can tell a missing secret from a failed install.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/common"
	"github.com/ruteri/webapp-instance-provisioning/configrender"
	"github.com/ruteri/webapp-instance-provisioning/datastore"
	"github.com/ruteri/webapp-instance-provisioning/install"
	"github.com/ruteri/webapp-instance-provisioning/installstate"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/mount"
	"github.com/ruteri/webapp-instance-provisioning/retry"
	"github.com/ruteri/webapp-instance-provisioning/secrets"
	"github.com/ruteri/webapp-instance-provisioning/service"
	"github.com/ruteri/webapp-instance-provisioning/storage"
)

// Stage names a bootstrap step.
type Stage string

const (
	StageStrategy     Stage = "strategy"
	StageSecrets      Stage = "secrets"
	StageConfig       Stage = "config"
	StageMount        Stage = "mount"
	StageInstall      Stage = "install"
	StageInstallState Stage = "install-state"
	StageServices     Stage = "services"
	StageHygiene      Stage = "hygiene"
)

// StageError attributes a failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("bootstrap stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Deps are the external systems a run talks to. Nil fields are built from
// Params when first needed, so construction errors surface in the stage that
// uses them.
type Deps struct {
	SecretStore interfaces.SecretStore
	Objects     interfaces.ObjectStore
	Commands    interfaces.CommandRunner
	Cloner      install.Cloner
	Connect     datastore.Connector
}

// Outcome summarises a successful run.
type Outcome struct {
	Strategy     interfaces.Strategy
	InstallState interfaces.InstallState
	SetupRan     bool
	Scrubbed     secrets.ScrubResult
}

// Runner executes one bootstrap run.
type Runner struct {
	params *Params
	deps   Deps
	log    *slog.Logger
}

func NewRunner(params *Params, deps Deps, log *slog.Logger) *Runner {
	if deps.Commands == nil {
		deps.Commands = common.NewExecRunner(log)
	}
	if deps.Connect == nil {
		deps.Connect = datastore.Connect
	}
	if deps.Cloner == nil {
		deps.Cloner = &install.GitCloner{Token: params.Install.GitToken, Log: log}
	}
	return &Runner{params: params, deps: deps, log: log}
}

// Run executes every stage strictly in order.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}

	strategy, err := SelectStrategy(r.params.Strategy, r.params.ImageMarker)
	if err != nil {
		return nil, r.fail(StageStrategy, err)
	}
	out.Strategy = strategy
	r.log.Info("Selected deployment strategy", slog.String("strategy", strategy.String()))

	bundles, err := r.resolveSecrets(ctx)
	if err != nil {
		return nil, r.fail(StageSecrets, err)
	}

	scrubber := secrets.NewScrubber(r.log)
	var cfg interfaces.RuntimeConfig
	// Registered files are scrubbed even when a later stage fails.
	defer func() {
		values := append(bundles.Values(), cfg.SecretValues()...)
		res, err := scrubber.Scrub(values)
		if err != nil {
			r.log.Warn("Secret hygiene incomplete", slog.String("stage", string(StageHygiene)), "err", err)
		}
		out.Scrubbed = res
	}()

	cfg, err = r.renderConfig(bundles)
	if err != nil {
		return nil, r.fail(StageConfig, err)
	}

	if err := r.mountShared(ctx); err != nil {
		return nil, r.fail(StageMount, err)
	}

	if err := r.installApp(ctx, strategy, cfg, bundles, scrubber); err != nil {
		return nil, r.fail(StageInstall, err)
	}

	admin, _ := bundles.Get(secrets.RoleApplication)
	checker := installstate.NewChecker(cfg, r.deps.Connect, r.deps.Commands, r.waiter(), r.params.SetupCommand, r.log)
	out.InstallState, out.SetupRan, err = checker.Ensure(ctx, admin)
	if err != nil {
		return nil, r.fail(StageInstallState, err)
	}

	starter := service.NewStarter(r.params.Services, r.deps.Commands, r.waiter(), r.log)
	if err := starter.Start(ctx); err != nil {
		return nil, r.fail(StageServices, err)
	}

	r.log.Info("Bootstrap completed",
		slog.String("strategy", strategy.String()),
		slog.String("install_state", out.InstallState.String()),
		slog.Bool("setup_ran", out.SetupRan),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

func (r *Runner) fail(stage Stage, err error) error {
	r.log.Error("Bootstrap stage failed", slog.String("stage", string(stage)), "err", err)
	return &StageError{Stage: stage, Err: err}
}

func (r *Runner) waiter() *retry.Executor {
	return retry.New(r.params.Retry.Attempts, r.params.Retry.Interval, r.log)
}

func (r *Runner) resolveSecrets(ctx context.Context) (secrets.Bundles, error) {
	store := r.deps.SecretStore
	if store == nil {
		if r.params.SecretStore == "" {
			return nil, &interfaces.ConfigError{Reason: "no secret store location configured"}
		}
		var err error
		store, err = secrets.NewStoreFactory(r.log).StoreFor(r.params.SecretStore)
		if err != nil {
			return nil, err
		}
	}

	specs := []secrets.BundleSpec{
		secrets.DatabaseBundle(r.params.Secrets.Database),
		secrets.ApplicationBundle(r.params.Secrets.Application),
	}
	if r.params.RuntimeConfig().Get(interfaces.KeyCacheHost) != "" && r.params.Secrets.Cache != "" {
		specs = append(specs, secrets.CacheBundle(r.params.Secrets.Cache))
	}
	return secrets.NewResolver(store, r.log).ResolveAll(ctx, specs)
}

func (r *Runner) renderConfig(bundles secrets.Bundles) (interfaces.RuntimeConfig, error) {
	cfg, err := configrender.Assemble(r.params.RuntimeConfig(), bundles)
	if err != nil {
		return nil, err
	}
	if r.params.MinAppVersion != "" {
		if err := configrender.RequireMinVersion(cfg, interfaces.KeyAppVersion, r.params.MinAppVersion); err != nil {
			return nil, err
		}
	}
	renderer := configrender.NewRenderer(r.params.ArtifactPath, r.params.AppConfigPath, r.log)
	if err := renderer.Render(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *Runner) mountShared(ctx context.Context) error {
	mp := r.params.Mount
	if mp.FileSystemID == "" {
		r.log.Info("No shared filesystem configured, skipping mount")
		return nil
	}

	uid, gid := -1, -1
	if mp.Owner != "" {
		var err error
		if uid, gid, err = mount.LookupOwner(mp.Owner); err != nil {
			return err
		}
	}

	m, err := mount.NewManager(mount.Config{
		FileSystemID:  mp.FileSystemID,
		AccessPointID: mp.AccessPointID,
		Target:        mp.Target,
		FSType:        mp.FSType,
		Options:       mp.Options,
		UID:           uid,
		GID:           gid,
	}, r.deps.Commands, r.waiter(), r.log)
	if err != nil {
		return err
	}
	if mp.MountTable != "" {
		m = m.WithMountTable(mp.MountTable)
	}
	return m.Ensure(ctx)
}

func (r *Runner) installApp(ctx context.Context, strategy interfaces.Strategy, cfg interfaces.RuntimeConfig, bundles secrets.Bundles, scrubber *secrets.Scrubber) error {
	ip := r.params.Install
	scriptKey := ip.ScriptKey
	objects := r.deps.Objects

	if strategy == interfaces.StrategyPackagedScript {
		var err error
		if scriptKey, err = install.ScriptKey(ip.ScriptKey, cfg); err != nil {
			return err
		}
		if objects == nil {
			if len(r.params.ArtifactStores) == 0 {
				return &interfaces.ConfigError{Reason: "no artifact store configured for the packaged-script strategy"}
			}
			if objects, err = storage.NewStoreFactory(r.log).CreateMultiStore(r.params.ArtifactStores); err != nil {
				return err
			}
		}
	}

	if r.params.WorkDir != "" {
		if err := os.MkdirAll(r.params.WorkDir, 0o700); err != nil {
			return fmt.Errorf("creating work directory: %w", err)
		}
	}

	pipeline := install.NewPipeline(install.Config{
		ArtifactPath: r.params.ArtifactPath,
		WorkDir:      r.params.WorkDir,
		ScriptKey:    scriptKey,
		ScriptSHA256: ip.ScriptSHA256,
		Interpreter:  ip.Interpreter,
		PlaybookRepo: ip.PlaybookRepo,
		PlaybookRef:  ip.PlaybookRef,
		PlaybookPath: ip.PlaybookPath,
	}, objects, r.deps.Commands, r.deps.Cloner, scrubber,
		retry.New(r.params.Retry.FetchAttempts, r.params.Retry.Interval, r.log), r.log)

	return pipeline.Run(ctx, strategy, cfg, bundles)
}

// Rerender resolves the secrets again and rewrites the runtime artifact and
// application config without touching the installation. With restart set the
// services are restarted afterwards to pick the new values up.
func (r *Runner) Rerender(ctx context.Context, restart bool) error {
	bundles, err := r.resolveSecrets(ctx)
	if err != nil {
		return r.fail(StageSecrets, err)
	}
	if _, err := r.renderConfig(bundles); err != nil {
		return r.fail(StageConfig, err)
	}
	if !restart {
		return nil
	}
	if err := service.NewStarter(r.params.Services, r.deps.Commands, r.waiter(), r.log).Start(ctx); err != nil {
		return r.fail(StageServices, err)
	}
	return nil
}
