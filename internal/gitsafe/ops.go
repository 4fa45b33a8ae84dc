package gitsafe

import (
	"context"
	"fmt"
	"log/slog"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// CommitOptions controls AtomicCommit.
type CommitOptions struct {
	Message string
	// Paths restricts staging to these paths. Empty stages every tracked
	// modification, never untracked files.
	Paths      []string
	AllowEmpty bool
	// WithSnapshot captures a light snapshot before the commit.
	WithSnapshot bool
}

// AtomicCommit acquires the project lease and commits.
func (s *Service) AtomicCommit(ctx context.Context, p *model.Project, opts CommitOptions) (string, error) {
	var hash string
	err := s.withLease(ctx, p, func(h *repoguard.Handle) error {
		var err error
		hash, err = s.AtomicCommitLeased(ctx, h, opts)
		return err
	})
	return hash, err
}

// AtomicCommitLeased commits under a lease the caller already holds. It
// stages the requested paths, commits, and verifies HEAD moved unless
// AllowEmpty. On failure HEAD and index are restored to their pre-commit
// values.
func (s *Service) AtomicCommitLeased(ctx context.Context, h *repoguard.Handle, opts CommitOptions) (string, error) {
	repo, wt, err := openWorktree(h.Path())
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}
	preCommit := head.Hash().String()

	snapshotID := ""
	if opts.WithSnapshot {
		sn, err := s.SnapshotLeased(ctx, h, model.SnapshotLight, s.snapshotTTL)
		if err != nil {
			return "", err
		}
		snapshotID = sn.ID
	}

	op, err := s.beginOp(ctx, h.ProjectID(), model.GitOpCommit, head.Name().Short(), preCommit, opts.Message, snapshotID)
	if err != nil {
		return "", err
	}

	hash, files, err := s.commit(repo, wt, opts)
	if err != nil {
		s.recoverToCommit(ctx, h, snapshotID, preCommit, git.MixedReset)
		s.finishOp(ctx, op, "", err)
		return "", err
	}

	op.FilesAffected = files
	s.finishOp(ctx, op, hash, nil)
	slog.Info("Committed",
		logfields.ProjectID(h.ProjectID()),
		logfields.OperationID(op.ID),
		"commit", shortHash(hash),
		"files", len(files))
	return hash, nil
}

func (s *Service) commit(repo *git.Repository, wt *git.Worktree, opts CommitOptions) (string, []string, error) {
	status, err := wt.Status()
	if err != nil {
		return "", nil, xerrors.Wrap(err, xerrors.KindUnavailable, "read worktree status")
	}

	var files []string
	if len(opts.Paths) > 0 {
		for _, path := range opts.Paths {
			if _, err := wt.Add(path); err != nil {
				return "", nil, xerrors.Wrap(err, xerrors.KindInternal, fmt.Sprintf("stage %s", path))
			}
			files = append(files, path)
		}
	} else {
		for path, st := range status {
			if st.Worktree == git.Untracked {
				continue
			}
			if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
				continue
			}
			if _, err := wt.Add(path); err != nil {
				return "", nil, xerrors.Wrap(err, xerrors.KindInternal, fmt.Sprintf("stage %s", path))
			}
			files = append(files, path)
		}
	}

	if len(files) == 0 && !opts.AllowEmpty {
		return "", nil, xerrors.New(xerrors.KindValidation, "nothing to commit")
	}

	hash, err := wt.Commit(opts.Message, &git.CommitOptions{
		Author:            s.signature(),
		AllowEmptyCommits: opts.AllowEmpty,
	})
	if err != nil {
		return "", nil, xerrors.Wrap(err, xerrors.KindInternal, "commit")
	}
	return hash.String(), files, nil
}

// Rollback hard resets the current branch to targetCommit. The target must be
// an ancestor of HEAD; arbitrary rewrites are rejected.
func (s *Service) Rollback(ctx context.Context, p *model.Project, targetCommit string, withSnapshot bool) error {
	return s.withLease(ctx, p, func(h *repoguard.Handle) error {
		return s.RollbackLeased(ctx, h, targetCommit, withSnapshot)
	})
}

// RollbackLeased performs a rollback under a lease the caller already holds.
func (s *Service) RollbackLeased(ctx context.Context, h *repoguard.Handle, targetCommit string, withSnapshot bool) error {
	repo, wt, err := openWorktree(h.Path())
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}
	preCommit := head.Hash().String()

	target, err := repo.CommitObject(plumbing.NewHash(targetCommit))
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindNotFound, fmt.Sprintf("commit %s not found", shortHash(targetCommit)))
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD commit")
	}
	isAncestor, err := target.IsAncestor(headCommit)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "ancestor check")
	}
	if !isAncestor {
		return xerrors.Newf(xerrors.KindValidation,
			"commit %s is not an ancestor of HEAD, rollback only undoes recent work on the current branch",
			shortHash(targetCommit))
	}

	snapshotID := ""
	if withSnapshot {
		sn, err := s.SnapshotLeased(ctx, h, model.SnapshotLight, s.snapshotTTL)
		if err != nil {
			return err
		}
		snapshotID = sn.ID
	}

	op, err := s.beginOp(ctx, h.ProjectID(), model.GitOpRollback, head.Name().Short(), preCommit, "", snapshotID)
	if err != nil {
		return err
	}

	err = wt.Reset(&git.ResetOptions{Commit: target.Hash, Mode: git.HardReset})
	if err != nil {
		err = xerrors.Wrap(err, xerrors.KindInternal, "hard reset")
		s.recoverToCommit(ctx, h, snapshotID, preCommit, git.HardReset)
		s.finishOp(ctx, op, "", err)
		return err
	}

	s.finishOp(ctx, op, targetCommit, nil)
	slog.Info("Rolled back",
		logfields.ProjectID(h.ProjectID()),
		logfields.OperationID(op.ID),
		"from", shortHash(preCommit),
		"to", shortHash(targetCommit))
	return nil
}

// CheckoutBranch switches the repository to the named branch. Refuses on a
// dirty tree. With createIfMissing the branch is created from current HEAD.
func (s *Service) CheckoutBranch(ctx context.Context, p *model.Project, name string, createIfMissing bool) error {
	return s.withLease(ctx, p, func(h *repoguard.Handle) error {
		return s.CheckoutBranchLeased(ctx, h, name, createIfMissing)
	})
}

// CheckoutBranchLeased switches branch under a lease the caller already holds.
func (s *Service) CheckoutBranchLeased(ctx context.Context, h *repoguard.Handle, name string, createIfMissing bool) error {
	repo, wt, err := openWorktree(h.Path())
	if err != nil {
		return err
	}
	status, err := wt.Status()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read worktree status")
	}
	if !status.IsClean() {
		return xerrors.New(xerrors.KindWorkingTreeDirty,
			"working tree has uncommitted changes, commit or reset them before switching branch").
			WithContext("project_id", h.ProjectID())
	}

	head, err := repo.Head()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}
	preCommit := head.Hash().String()

	branchRef := plumbing.NewBranchReferenceName(name)
	_, refErr := repo.Reference(branchRef, true)
	create := false
	kind := model.GitOpBranchSwitch
	if refErr != nil {
		if !createIfMissing {
			return xerrors.Newf(xerrors.KindNotFound, "branch %s does not exist", name)
		}
		create = true
		kind = model.GitOpBranchCreate
	}

	op, err := s.beginOp(ctx, h.ProjectID(), kind, name, preCommit, "", "")
	if err != nil {
		return err
	}

	err = wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: create})
	if err != nil {
		err = xerrors.Wrap(err, xerrors.KindInternal, fmt.Sprintf("checkout %s", name))
		s.finishOp(ctx, op, "", err)
		return err
	}

	// Post-condition: HEAD must sit on the requested branch.
	newHead, err := repo.Head()
	if err != nil || newHead.Name() != branchRef {
		err = xerrors.Newf(xerrors.KindInternal, "HEAD is not on %s after checkout", name)
		s.finishOp(ctx, op, "", err)
		return err
	}

	s.finishOp(ctx, op, newHead.Hash().String(), nil)
	slog.Info("Switched branch",
		logfields.ProjectID(h.ProjectID()),
		logfields.Branch(name),
		"created", create)
	return nil
}

// CreateBranch creates a branch pointing at current HEAD without switching
// to it.
func (s *Service) CreateBranch(ctx context.Context, p *model.Project, name string) error {
	return s.withLease(ctx, p, func(h *repoguard.Handle) error {
		return s.CreateBranchLeased(ctx, h, name)
	})
}

// CreateBranchLeased creates a branch under a lease the caller already holds.
func (s *Service) CreateBranchLeased(ctx context.Context, h *repoguard.Handle, name string) error {
	repo, _, err := openWorktree(h.Path())
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}

	branchRef := plumbing.NewBranchReferenceName(name)
	if _, refErr := repo.Reference(branchRef, true); refErr == nil {
		return xerrors.Newf(xerrors.KindConflict, "branch %s already exists", name)
	}

	op, err := s.beginOp(ctx, h.ProjectID(), model.GitOpBranchCreate, name, head.Hash().String(), "", "")
	if err != nil {
		return err
	}

	ref := plumbing.NewHashReference(branchRef, head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		err = xerrors.Wrap(err, xerrors.KindInternal, fmt.Sprintf("create branch %s", name))
		s.finishOp(ctx, op, "", err)
		return err
	}

	s.finishOp(ctx, op, head.Hash().String(), nil)
	slog.Info("Created branch",
		logfields.ProjectID(h.ProjectID()),
		logfields.Branch(name),
		"at", shortHash(head.Hash().String()))
	return nil
}

// ResetWorkingTree discards unstaged changes and removes untracked files,
// leaving HEAD unchanged. It never takes a snapshot.
func (s *Service) ResetWorkingTree(ctx context.Context, p *model.Project) error {
	return s.withLease(ctx, p, func(h *repoguard.Handle) error {
		return s.ResetWorkingTreeLeased(ctx, h)
	})
}

// ResetWorkingTreeLeased resets under a lease the caller already holds.
func (s *Service) ResetWorkingTreeLeased(ctx context.Context, h *repoguard.Handle) error {
	repo, wt, err := openWorktree(h.Path())
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}

	op, err := s.beginOp(ctx, h.ProjectID(), model.GitOpReset, head.Name().Short(), head.Hash().String(), "", "")
	if err != nil {
		return err
	}

	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		err = xerrors.Wrap(err, xerrors.KindInternal, "hard reset")
		s.finishOp(ctx, op, "", err)
		return err
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		err = xerrors.Wrap(err, xerrors.KindInternal, "clean untracked files")
		s.finishOp(ctx, op, "", err)
		return err
	}

	s.finishOp(ctx, op, head.Hash().String(), nil)
	slog.Info("Reset working tree", logfields.ProjectID(h.ProjectID()), logfields.Branch(head.Name().Short()))
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
