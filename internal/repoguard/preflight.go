package repoguard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// lockFiles are the git metadata locks a crashed process can leave behind.
var lockFiles = []string{"index.lock", "HEAD.lock"}

// preflight validates the project directory before fn runs. All checks run
// inside the lease so their results cannot go stale.
func (g *Guard) preflight(h *Handle, opts Options) error {
	info, err := os.Stat(h.path)
	if err != nil || !info.IsDir() {
		return xerrors.Newf(xerrors.KindProjectMissing, "project directory %s does not exist", h.path).
			WithContext("project_id", h.projectID)
	}

	if !opts.RequireGit {
		return nil
	}

	gitDir := filepath.Join(h.path, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return xerrors.Newf(xerrors.KindNotARepository, "%s is not a git repository", h.path).
			WithContext("project_id", h.projectID)
	}

	if err := g.clearStaleLocks(h.projectID, gitDir); err != nil {
		return err
	}

	detached, err := h.IsDetached()
	if err != nil {
		return err
	}
	if detached {
		return xerrors.New(xerrors.KindDetachedHead, "repository HEAD is detached, check out a branch first").
			WithContext("project_id", h.projectID)
	}
	return nil
}

// clearStaleLocks removes git lock files older than the threshold. A fresh
// lock means another process is actively touching the repository, which is
// surfaced rather than stolen.
func (g *Guard) clearStaleLocks(projectID, gitDir string) error {
	for _, name := range lockFiles {
		lockPath := filepath.Join(gitDir, name)
		info, err := os.Stat(lockPath)
		if err != nil {
			continue
		}

		age := time.Since(info.ModTime())
		if g.staleLockThreshold > 0 && age < g.staleLockThreshold {
			return xerrors.Newf(xerrors.KindStaleLock,
				"git lock file %s is held (age %s), another process may be using the repository", name, age.Round(time.Second)).
				WithContext("project_id", projectID).
				WithContext("lock_file", name)
		}

		if err := os.Remove(lockPath); err != nil {
			return xerrors.Wrap(err, xerrors.KindStaleLock,
				fmt.Sprintf("could not clear stale git lock file %s", name)).
				WithContext("project_id", projectID)
		}
		slog.Warn("Cleared stale git lock file",
			logfields.ProjectID(projectID),
			logfields.Path(lockPath),
			"age", age.Round(time.Second).String())
	}
	return nil
}
