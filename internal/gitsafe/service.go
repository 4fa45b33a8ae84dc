// Package gitsafe treats git mutations as transactions: a pre-operation
// snapshot on request, an auditable GitOperation record per write, and
// best-effort restore of HEAD when an operation fails midway.
package gitsafe

import (
	"context"
	"log/slog"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// Service performs guarded git writes for registered projects.
type Service struct {
	store store.Store
	guard *repoguard.Guard
	bus   *events.Bus

	snapshotsDir string
	snapshotTTL  time.Duration

	authorName  string
	authorEmail string
}

// New creates the git safety service. snapshotsDir is the storage root for
// snapshot artifacts; snapshotTTL is the default expiry for new snapshots.
func New(st store.Store, guard *repoguard.Guard, snapshotsDir string, snapshotTTL time.Duration) *Service {
	return &Service{
		store:        st,
		guard:        guard,
		snapshotsDir: snapshotsDir,
		snapshotTTL:  snapshotTTL,
		authorName:   "apkforge",
		authorEmail:  "apkforge@localhost",
	}
}

// Guard exposes the underlying lease registry so callers composing several
// operations can hold one lease across all of them.
func (s *Service) Guard() *repoguard.Guard { return s.guard }

// SetEventBus enables GitOperationRecorded events for terminal operation
// outcomes. Optional; nil disables publishing.
func (s *Service) SetEventBus(bus *events.Bus) { s.bus = bus }

// withLease acquires the project lease with git preflight and runs fn.
func (s *Service) withLease(ctx context.Context, p *model.Project, fn func(h *repoguard.Handle) error) error {
	return s.guard.WithProject(ctx, p.ID, p.Path, repoguard.Options{RequireGit: true}, fn)
}

// beginOp persists a pending GitOperation and immediately moves it to
// in_progress. Both transitions happen under the caller's lease.
func (s *Service) beginOp(ctx context.Context, projectID string, kind model.GitOpKind, branch, preCommit, message, snapshotID string) (*model.GitOperation, error) {
	op := &model.GitOperation{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Kind:       kind,
		Status:     model.GitOpPending,
		Branch:     branch,
		PreCommit:  preCommit,
		Message:    message,
		SnapshotID: snapshotID,
		CreatedAt:  time.Now(),
	}
	if err := s.store.GitOps().Create(ctx, op); err != nil {
		return nil, err
	}
	if err := s.store.GitOps().UpdateStatus(ctx, op.ID, model.GitOpInProgress, "", ""); err != nil {
		return nil, err
	}
	op.Status = model.GitOpInProgress
	return op, nil
}

func (s *Service) finishOp(ctx context.Context, op *model.GitOperation, postCommit string, opErr error) {
	status := model.GitOpCompleted
	errMsg := ""
	if opErr != nil {
		status = model.GitOpFailed
		errMsg = opErr.Error()
	}
	if err := s.store.GitOps().UpdateStatus(ctx, op.ID, status, postCommit, errMsg); err != nil {
		slog.Error("Failed to record git operation outcome",
			logfields.OperationID(op.ID), logfields.Error(err))
	}

	if s.bus != nil {
		recorded := *op
		recorded.Status = status
		recorded.PostCommit = postCommit
		recorded.Error = errMsg
		s.bus.Publish(events.GitOperationRecorded{Operation: &recorded, At: time.Now()})
	}
}

// recoverToCommit resets HEAD and the index to a known commit when an
// operation fails midway. mode decides the working tree's fate: commit
// recovery uses MixedReset so the user's uncommitted edits survive, rollback
// recovery uses HardReset because that operation's contract is a full tree
// restore. On recovery failure the associated snapshot is preserved past its
// TTL for manual repair.
func (s *Service) recoverToCommit(ctx context.Context, h *repoguard.Handle, snapshotID, commit string, mode git.ResetMode) {
	_, wt, err := openWorktree(h.Path())
	if err == nil {
		err = wt.Reset(&git.ResetOptions{
			Commit: plumbing.NewHash(commit),
			Mode:   mode,
		})
	}
	if err == nil {
		return
	}

	slog.Error("Recovery reset failed, preserving snapshot past TTL",
		logfields.ProjectID(h.ProjectID()),
		logfields.SnapshotID(snapshotID),
		logfields.Error(err))
	if snapshotID != "" {
		keepUntil := time.Now().Add(30 * 24 * time.Hour)
		if exErr := s.store.Snapshots().ExtendExpiry(ctx, snapshotID, keepUntil); exErr != nil {
			slog.Error("Failed to extend snapshot expiry", logfields.SnapshotID(snapshotID), logfields.Error(exErr))
		}
	}
}

func openWorktree(path string) (*git.Repository, *git.Worktree, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, xerrors.KindNotARepository, "open repository")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, xerrors.Wrap(err, xerrors.KindUnavailable, "open worktree")
	}
	return repo, wt, nil
}

// RepoStatus is the read view of a project repository.
type RepoStatus struct {
	Branch     string   `json:"branch"`
	HeadCommit string   `json:"head_commit"`
	Clean      bool     `json:"clean"`
	Modified   []string `json:"modified,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
}

// CommitInfo is one history entry.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// Status reads the current branch, HEAD and dirty state under the lease.
func (s *Service) Status(ctx context.Context, p *model.Project) (*RepoStatus, error) {
	var out *RepoStatus
	err := s.withLease(ctx, p, func(h *repoguard.Handle) error {
		repo, wt, err := openWorktree(h.Path())
		if err != nil {
			return err
		}
		head, err := repo.Head()
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
		}
		status, err := wt.Status()
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindUnavailable, "read worktree status")
		}

		rs := &RepoStatus{
			Branch:     head.Name().Short(),
			HeadCommit: head.Hash().String(),
			Clean:      status.IsClean(),
		}
		for path, st := range status {
			if st.Worktree == git.Untracked {
				rs.Untracked = append(rs.Untracked, path)
				continue
			}
			if st.Worktree != git.Unmodified || st.Staging != git.Unmodified {
				rs.Modified = append(rs.Modified, path)
			}
		}
		out = rs
		return nil
	})
	return out, err
}

// Branches lists local branch names.
func (s *Service) Branches(ctx context.Context, p *model.Project) ([]string, error) {
	var names []string
	err := s.withLease(ctx, p, func(h *repoguard.Handle) error {
		repo, err := git.PlainOpen(h.Path())
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindNotARepository, "open repository")
		}
		iter, err := repo.Branches()
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindUnavailable, "list branches")
		}
		return iter.ForEach(func(ref *plumbing.Reference) error {
			names = append(names, ref.Name().Short())
			return nil
		})
	})
	return names, err
}

// History returns up to limit commits from HEAD backwards.
func (s *Service) History(ctx context.Context, p *model.Project, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	var commits []CommitInfo
	err := s.withLease(ctx, p, func(h *repoguard.Handle) error {
		repo, err := git.PlainOpen(h.Path())
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindNotARepository, "open repository")
		}
		head, err := repo.Head()
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
		}
		iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindUnavailable, "read log")
		}
		defer iter.Close()

		for len(commits) < limit {
			c, err := iter.Next()
			if err != nil {
				break
			}
			commits = append(commits, CommitInfo{
				Hash:    c.Hash.String(),
				Author:  c.Author.Name,
				Message: c.Message,
				When:    c.Author.When,
			})
		}
		return nil
	})
	return commits, err
}

// Operations lists recorded git operations for a project.
func (s *Service) Operations(ctx context.Context, projectID string, filter store.GitOpFilter) ([]*model.GitOperation, error) {
	return s.store.GitOps().ListByProject(ctx, projectID, filter)
}

func (s *Service) signature() *object.Signature {
	return &object.Signature{Name: s.authorName, Email: s.authorEmail, When: time.Now()}
}
