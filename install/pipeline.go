// Package install runs the installation step of the selected deployment
// strategy. Only this step branches on the strategy; everything before
// and after it is shared.
package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/common"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/retry"
	"github.com/ruteri/webapp-instance-provisioning/secrets"
	"gopkg.in/yaml.v3"
)

// VersionPlaceholder in a script key is replaced with APP_VERSION.
const VersionPlaceholder = "{{version}}"

// Config holds the parameters of every strategy. Fields of the strategies
// not selected are ignored.
type Config struct {
	// ArtifactPath is the rendered runtime configuration, exported to the
	// install script as RUNTIME_CONFIG.
	ArtifactPath string
	// WorkDir holds temporary scripts, clones and variable files.
	WorkDir string

	ScriptKey    string
	ScriptSHA256 string
	Interpreter  string

	PlaybookRepo string
	PlaybookRef  string
	PlaybookPath string
}

// StepError is a failed installation step. It is never retried: a partial
// install cannot be resumed, the instance is replaced instead.
type StepError struct {
	Strategy interfaces.Strategy
	Step     string
	ExitCode int
	// Output is the redacted tail of the step's output.
	Output string
	Err    error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: step %s failed (exit code %d): %v", e.Strategy, e.Step, e.ExitCode, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Pipeline dispatches the installation step.
type Pipeline struct {
	cfg      Config
	objects  interfaces.ObjectStore
	runner   interfaces.CommandRunner
	cloner   Cloner
	scrubber *secrets.Scrubber
	fetch    *retry.Executor
	log      *slog.Logger
}

// NewPipeline creates a pipeline. objects is only needed for the
// packaged-script strategy and cloner only for the playbook strategy.
// fetchRetry bounds retries of transient object store failures.
func NewPipeline(cfg Config, objects interfaces.ObjectStore, runner interfaces.CommandRunner, cloner Cloner, scrubber *secrets.Scrubber, fetchRetry *retry.Executor, log *slog.Logger) *Pipeline {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "bash"
	}
	if cfg.PlaybookPath == "" {
		cfg.PlaybookPath = "site.yml"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Pipeline{
		cfg:      cfg,
		objects:  objects,
		runner:   runner,
		cloner:   cloner,
		scrubber: scrubber,
		fetch:    fetchRetry,
		log:      log,
	}
}

// Run executes the installation step for strategy.
func (p *Pipeline) Run(ctx context.Context, strategy interfaces.Strategy, cfg interfaces.RuntimeConfig, bundles secrets.Bundles) error {
	start := time.Now()
	log := p.log.With(slog.String("strategy", strategy.String()))

	var err error
	switch strategy {
	case interfaces.StrategyPackagedScript:
		err = p.runPackagedScript(ctx, cfg, bundles)
	case interfaces.StrategyPlaybook:
		err = p.runPlaybook(ctx, cfg, bundles)
	case interfaces.StrategyPrebuiltImage:
		log.Info("Application tree is part of the image, skipping installation")
		return nil
	default:
		return &interfaces.ConfigError{Reason: fmt.Sprintf("unknown deployment strategy %q", strategy)}
	}
	if err != nil {
		return err
	}

	log.Info("Installation finished", slog.Duration("duration", time.Since(start)))
	return nil
}

func (p *Pipeline) runPackagedScript(ctx context.Context, cfg interfaces.RuntimeConfig, bundles secrets.Bundles) error {
	if p.objects == nil {
		return &interfaces.ConfigError{Reason: "packaged-script strategy needs an artifact store"}
	}
	key, err := ScriptKey(p.cfg.ScriptKey, cfg)
	if err != nil {
		return err
	}

	script, err := p.fetchScript(ctx, key)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(p.cfg.WorkDir, "install-*.sh")
	if err != nil {
		return fmt.Errorf("creating install script file: %w", err)
	}
	scriptPath := f.Name()
	defer os.Remove(scriptPath)

	if err := f.Chmod(0700); err != nil {
		f.Close()
		return fmt.Errorf("securing install script file: %w", err)
	}
	if _, err := f.Write(script); err != nil {
		f.Close()
		return fmt.Errorf("writing install script file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing install script file: %w", err)
	}

	return p.runStep(ctx, interfaces.StrategyPackagedScript, "install-script", interfaces.Command{
		Name: p.cfg.Interpreter,
		Args: []string{scriptPath},
		Env:  []string{"RUNTIME_CONFIG=" + p.cfg.ArtifactPath},
		Dir:  p.cfg.WorkDir,
	}, secretValues(cfg, bundles))
}

func (p *Pipeline) fetchScript(ctx context.Context, key string) ([]byte, error) {
	var script []byte
	fetch := func(ctx context.Context) error {
		data, err := p.objects.Fetch(ctx, key)
		if err != nil {
			if errors.Is(err, interfaces.ErrObjectNotFound) || interfaces.IsConfigError(err) {
				return retry.Fatal(err)
			}
			return err
		}
		script = data
		return nil
	}

	var err error
	if p.fetch != nil {
		err = p.fetch.Do(ctx, "fetch-install-script", fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching install script %s from %s: %w", key, p.objects.Name(), err)
	}

	if want := strings.ToLower(strings.TrimSpace(p.cfg.ScriptSHA256)); want != "" {
		sum := sha256.Sum256(script)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, fmt.Errorf("%w: %s: got %s, want %s", interfaces.ErrChecksumMismatch, key, got, want)
		}
	}

	p.log.Info("Fetched install script",
		slog.String("key", key),
		slog.String("store", p.objects.Name()),
		slog.Int("size", len(script)))
	return script, nil
}

func (p *Pipeline) runPlaybook(ctx context.Context, cfg interfaces.RuntimeConfig, bundles secrets.Bundles) error {
	if p.cloner == nil || p.cfg.PlaybookRepo == "" {
		return &interfaces.ConfigError{Reason: "playbook strategy needs a playbook repository"}
	}

	repoDir, err := os.MkdirTemp(p.cfg.WorkDir, "playbook-")
	if err != nil {
		return fmt.Errorf("creating playbook directory: %w", err)
	}
	defer os.RemoveAll(repoDir)

	if err := p.cloner.Clone(ctx, p.cfg.PlaybookRepo, p.cfg.PlaybookRef, repoDir); err != nil {
		return &StepError{Strategy: interfaces.StrategyPlaybook, Step: "fetch-playbook", ExitCode: -1, Err: err}
	}

	playbook := filepath.Join(repoDir, filepath.Clean("/"+p.cfg.PlaybookPath))
	if _, err := os.Stat(playbook); err != nil {
		return &interfaces.ConfigError{Reason: fmt.Sprintf("playbook %s not found in %s", p.cfg.PlaybookPath, p.cfg.PlaybookRepo)}
	}

	varsPath := filepath.Join(p.cfg.WorkDir, "playbook-vars.yml")
	data, err := yaml.Marshal(PlaybookVars(cfg, bundles))
	if err != nil {
		return fmt.Errorf("encoding playbook variables: %w", err)
	}
	// Registered before writing so a failed write is still scrubbed.
	if p.scrubber != nil {
		p.scrubber.Register(varsPath)
	}
	if err := common.WriteFileAtomic(varsPath, data, 0600); err != nil {
		return fmt.Errorf("writing playbook variables: %w", err)
	}

	return p.runStep(ctx, interfaces.StrategyPlaybook, "ansible-playbook", interfaces.Command{
		Name: "ansible-playbook",
		Args: []string{"-i", "localhost,", "-c", "local", playbook, "-e", "@" + varsPath},
		Dir:  repoDir,
	}, secretValues(cfg, bundles))
}

func (p *Pipeline) runStep(ctx context.Context, strategy interfaces.Strategy, step string, cmd interfaces.Command, secretVals []string) error {
	p.log.Info("Running installation step",
		slog.String("step", step),
		slog.String("cmd", cmd.String()))

	out, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return &StepError{
			Strategy: strategy,
			Step:     step,
			ExitCode: common.ExitCode(err),
			Output:   secrets.Redact(tail(string(out), 20), secretVals),
			Err:      err,
		}
	}
	return nil
}

// ScriptKey expands the version placeholder of a packaged script key.
func ScriptKey(pattern string, cfg interfaces.RuntimeConfig) (string, error) {
	if pattern == "" {
		return "", &interfaces.ConfigError{Reason: "install script key is not set"}
	}
	if !strings.Contains(pattern, VersionPlaceholder) {
		return pattern, nil
	}
	v := cfg.Get(interfaces.KeyAppVersion)
	if v == "" {
		return "", &interfaces.ConfigError{Keys: []string{interfaces.KeyAppVersion}, Reason: "install script key needs the application version"}
	}
	return strings.ReplaceAll(pattern, VersionPlaceholder, v), nil
}

// PlaybookVars is the merged variable set handed to the playbook: every
// runtime key in lower case plus every bundle field as <role>_<field>.
func PlaybookVars(cfg interfaces.RuntimeConfig, bundles secrets.Bundles) map[string]string {
	vars := make(map[string]string, len(cfg))
	for k, v := range cfg {
		vars[strings.ToLower(k)] = v
	}
	for role, b := range bundles {
		for field, v := range b.Fields() {
			vars[role+"_"+field] = v
		}
	}
	return vars
}

func secretValues(cfg interfaces.RuntimeConfig, bundles secrets.Bundles) []string {
	return append(cfg.SecretValues(), bundles.Values()...)
}

func tail(s string, lines int) string {
	s = strings.TrimRight(s, "\n")
	parts := strings.Split(s, "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
