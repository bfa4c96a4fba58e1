package interfaces

import (
	"context"
	"strings"
)

// Command is an external program invocation. Env entries (KEY=value) are
// appended to the parent environment. Env and Stdin are never logged.
type Command struct {
	Name  string
	Args  []string
	Env   []string
	Dir   string
	Stdin []byte
}

// String renders the command line for logs. It never includes Env.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// CommandRunner executes external commands. Run returns the combined output
// and a non-nil error for a non-zero exit.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}
