// Package workspace manages the working copies job instances run in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/models"
)

// Path returns the workspace directory of a job instance below baseDir.
func Path(baseDir string, jid models.JobId) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(base, filepath.Join(jid.Rkey, jid.String()))
}

// Create makes an empty workspace for a job instance and returns its path.
func Create(baseDir string, jid models.JobId) (string, error) {
	dir, err := Path(baseDir, jid)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes the workspace of a job instance along with the pipeline
// directory once it is empty.
func Remove(baseDir string, jid models.JobId) error {
	dir, err := Path(baseDir, jid)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	// fails while siblings still exist
	os.Remove(filepath.Dir(dir))
	return nil
}

// Checkout populates dst with a working copy of the repository at src and
// returns the commit that was checked out.
//
// A shallow clone only contains the tip of the branch. When the requested
// commit is not part of it the clone is retried with full history.
func Checkout(ctx context.Context, src, dst string, opts models.CheckoutOpts) (string, error) {
	l := log.FromContext(ctx).With("component", "workspace", "src", src)

	if opts.Clean {
		if err := clearDir(dst); err != nil {
			return "", fmt.Errorf("cleaning workspace: %w", err)
		}
	}

	repo, err := clone(ctx, src, dst, opts)
	if err != nil {
		return "", err
	}

	if opts.Sha == "" {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolving head: %w", err)
		}
		return head.Hash().String(), nil
	}

	hash := plumbing.NewHash(opts.Sha)
	if _, err := repo.CommitObject(hash); err != nil {
		if opts.Depth == 0 {
			return "", fmt.Errorf("commit %s not found in %s: %w", opts.Sha, src, err)
		}

		l.Info("commit not in shallow clone, fetching full history", "sha", opts.Sha, "depth", opts.Depth)
		if err := clearDir(dst); err != nil {
			return "", err
		}
		full := opts
		full.Depth = 0
		if repo, err = clone(ctx, src, dst, full); err != nil {
			return "", err
		}
		if _, err := repo.CommitObject(hash); err != nil {
			return "", fmt.Errorf("commit %s not found in %s: %w", opts.Sha, src, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", fmt.Errorf("checking out %s: %w", opts.Sha, err)
	}

	return hash.String(), nil
}

func clone(ctx context.Context, src, dst string, opts models.CheckoutOpts) (*git.Repository, error) {
	// reuse a previous checkout when the workspace is kept
	if !opts.Clean {
		if repo, err := git.PlainOpen(dst); err == nil {
			return repo, nil
		}
	}

	co := &git.CloneOptions{
		URL:   src,
		Depth: opts.Depth,
		Tags:  git.NoTags,
	}
	if opts.Ref != "" {
		co.ReferenceName = plumbing.NewBranchReferenceName(opts.Ref)
		co.SingleBranch = true
	}
	if opts.Submodules {
		co.RecurseSubmodules = git.DefaultSubmoduleRecursionDepth
	}

	repo, err := git.PlainCloneContext(ctx, dst, false, co)
	if err != nil {
		return nil, fmt.Errorf("cloning %s into workspace: %w", src, err)
	}
	return repo, nil
}

// clearDir empties dir but keeps the directory itself, since it may be
// mounted into a container.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Head reports the checked out branch and commit of the repository
// containing path. The branch is empty on a detached head.
func Head(path string) (branch, sha string, err error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", fmt.Errorf("opening %s: %w", path, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("getting head of %s: %w", path, err)
	}

	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return branch, head.Hash().String(), nil
}

// Root returns the top level directory of the repository containing path.
func Root(path string) (string, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	return wt.Filesystem.Root(), nil
}
