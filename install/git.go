package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Cloner fetches a playbook repository into dir.
type Cloner interface {
	Clone(ctx context.Context, url, ref, dir string) error
}

// GitCloner makes shallow single-branch clones with go-git.
type GitCloner struct {
	// Token authenticates https clones of private repositories. Optional.
	Token string
	Log   *slog.Logger
}

// Clone checks out ref (a branch, a tag or a full refs/ name) at depth 1.
// An empty ref clones the remote HEAD.
func (c *GitCloner) Clone(ctx context.Context, url, ref, dir string) error {
	start := time.Now()

	candidates := []plumbing.ReferenceName{""}
	switch {
	case strings.HasPrefix(ref, "refs/"):
		candidates = []plumbing.ReferenceName{plumbing.ReferenceName(ref)}
	case ref != "":
		candidates = []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(ref),
			plumbing.NewTagReferenceName(ref),
		}
	}

	var errs []error
	for _, refName := range candidates {
		opts := &git.CloneOptions{
			URL:           url,
			ReferenceName: refName,
			SingleBranch:  true,
			Depth:         1,
			Tags:          git.NoTags,
		}
		if c.Token != "" {
			opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.Token}
		}

		_, err := git.PlainCloneContext(ctx, dir, false, opts)
		if err == nil {
			c.Log.Info("Cloned playbook repository",
				slog.String("url", url),
				slog.String("ref", refName.String()),
				slog.Duration("duration", time.Since(start)))
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", refName, err))

		// a failed clone leaves a partial .git behind
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return errors.Join(append(errs, rmErr)...)
		}
	}

	return fmt.Errorf("cloning %s: %w", url, errors.Join(errs...))
}
