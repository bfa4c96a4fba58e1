package common

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := r.Run(context.Background(), interfaces.Command{
		Name:  "sh",
		Args:  []string{"-c", `read line; echo "$GREETING $line"`},
		Env:   []string{"GREETING=hello"},
		Stdin: []byte("world\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))
	assert.Equal(t, 0, ExitCode(err))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := r.Run(context.Background(), interfaces.Command{
		Name: "sh",
		Args: []string{"-c", "echo failing >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.Equal(t, "failing\n", string(out))
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := r.Run(context.Background(), interfaces.Command{Name: "definitely-not-a-real-binary"})
	require.Error(t, err)
	assert.Equal(t, -1, ExitCode(err))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("0123"))
	_, _ = b.Write([]byte("456789"))
	assert.Equal(t, "23456789", string(b.Bytes()))

	_, _ = b.Write([]byte(strings.Repeat("x", 20)))
	assert.Equal(t, "xxxxxxxx", string(b.Bytes()))
}

func TestCommandString(t *testing.T) {
	cmd := interfaces.Command{Name: "wp", Args: []string{"core", "install"}, Env: []string{"ADMIN_PASSWORD=secret"}}
	assert.Equal(t, "wp core install", cmd.String())
}
