package repoguard

import (
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/apkforge/apkforge/internal/xerrors"
)

// Handle gives guarded code read access to the project repository. It is only
// valid for the duration of the WithProject callback.
type Handle struct {
	projectID string
	path      string
}

// ProjectID returns the id of the leased project.
func (h *Handle) ProjectID() string { return h.projectID }

// Path returns the project's working directory.
func (h *Handle) Path() string { return h.path }

func (h *Handle) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(h.path)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindNotARepository, "open repository").
			WithContext("project_id", h.projectID)
	}
	return repo, nil
}

// CurrentBranch returns the short name of the checked out branch.
func (h *Handle) CurrentBranch() (string, error) {
	repo, err := h.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}
	if !head.Name().IsBranch() {
		return "", xerrors.New(xerrors.KindDetachedHead, "HEAD is not on a branch")
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the full hash of the current HEAD commit.
func (h *Handle) HeadCommit() (string, error) {
	repo, err := h.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}
	return head.Hash().String(), nil
}

// IsDetached reports whether HEAD points at a commit instead of a branch.
func (h *Handle) IsDetached() (bool, error) {
	repo, err := h.open()
	if err != nil {
		return false, err
	}
	head, err := repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			// Empty repository with no commits yet, treat as attached.
			return false, nil
		}
		return false, xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}
	return !head.Name().IsBranch(), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (h *Handle) IsClean() (bool, error) {
	repo, err := h.open()
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, xerrors.Wrap(err, xerrors.KindUnavailable, "open worktree")
	}
	status, err := wt.Status()
	if err != nil {
		return false, xerrors.Wrap(err, xerrors.KindUnavailable, "read worktree status")
	}
	return status.IsClean(), nil
}
