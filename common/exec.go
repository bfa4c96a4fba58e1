package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// maxCapturedOutput bounds how much of a command's output is kept.
const maxCapturedOutput = 64 * 1024

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Log *slog.Logger
}

// NewExecRunner creates a runner logging to log.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{Log: log}
}

// Run executes cmd and waits for it. The child inherits the process
// environment plus cmd.Env.
func (r *ExecRunner) Run(ctx context.Context, cmd interfaces.Command) ([]byte, error) {
	start := time.Now()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	out := &tailBuffer{limit: maxCapturedOutput}
	c.Stdout = out
	c.Stderr = out

	r.Log.Debug("Running command", slog.String("cmd", cmd.String()))
	err := c.Run()

	r.Log.Info("Command finished",
		slog.String("cmd", cmd.Name),
		slog.Int("exit_code", ExitCode(err)),
		slog.Duration("duration", time.Since(start)))

	if err != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return out.Bytes(), nil
}

// ExitCode extracts the exit status from a command error: 0 for nil, -1
// when the command did not run to completion.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return append([]byte(nil), t.buf.Bytes()...)
}
