package gitsafe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// Snapshot captures the repository state for later restore, under a fresh
// lease.
func (s *Service) Snapshot(ctx context.Context, p *model.Project, kind model.SnapshotKind, ttl time.Duration) (*model.Snapshot, error) {
	var sn *model.Snapshot
	err := s.withLease(ctx, p, func(h *repoguard.Handle) error {
		var err error
		sn, err = s.SnapshotLeased(ctx, h, kind, ttl)
		return err
	})
	return sn, err
}

// SnapshotLeased captures a snapshot under a lease the caller already holds.
// A full snapshot copies the entire working tree including .git (hooks
// included) into the snapshot's storage directory. A light snapshot records
// HEAD and branch, plus a copy of any dirty files.
func (s *Service) SnapshotLeased(ctx context.Context, h *repoguard.Handle, kind model.SnapshotKind, ttl time.Duration) (*model.Snapshot, error) {
	if ttl <= 0 {
		ttl = s.snapshotTTL
	}
	repo, wt, err := openWorktree(h.Path())
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "read HEAD")
	}

	op, err := s.beginOp(ctx, h.ProjectID(), model.GitOpBackup, head.Name().Short(), head.Hash().String(), "", "")
	if err != nil {
		return nil, err
	}

	sn := &model.Snapshot{
		ID:           uuid.NewString(),
		ProjectID:    h.ProjectID(),
		Kind:         kind,
		SourceBranch: head.Name().Short(),
		SourceCommit: head.Hash().String(),
		Active:       true,
		OperationID:  op.ID,
		CreatedAt:    time.Now(),
	}
	sn.ExpiresAt = sn.CreatedAt.Add(ttl)
	sn.StoragePath = filepath.Join(s.snapshotsDir, sn.ProjectID, sn.ID)

	if err := s.writeSnapshotArtifact(sn, h.Path(), wt, kind); err != nil {
		_ = os.RemoveAll(sn.StoragePath)
		s.finishOp(ctx, op, "", err)
		return nil, err
	}

	if err := s.store.Snapshots().Create(ctx, sn); err != nil {
		_ = os.RemoveAll(sn.StoragePath)
		s.finishOp(ctx, op, "", err)
		return nil, err
	}

	s.finishOp(ctx, op, head.Hash().String(), nil)
	slog.Info("Snapshot captured",
		logfields.ProjectID(sn.ProjectID),
		logfields.SnapshotID(sn.ID),
		"kind", string(kind),
		logfields.Path(sn.StoragePath))
	return sn, nil
}

func (s *Service) writeSnapshotArtifact(sn *model.Snapshot, projectPath string, wt *git.Worktree, kind model.SnapshotKind) error {
	switch kind {
	case model.SnapshotFull:
		treeDir := filepath.Join(sn.StoragePath, "tree")
		if err := copyTree(projectPath, treeDir); err != nil {
			return xerrors.Wrap(err, xerrors.KindInternal, "copy working tree")
		}
	case model.SnapshotLight:
		status, err := wt.Status()
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindUnavailable, "read worktree status")
		}
		if status.IsClean() {
			if err := os.MkdirAll(sn.StoragePath, 0o755); err != nil {
				return xerrors.Wrap(err, xerrors.KindInternal, "create snapshot directory")
			}
			return nil
		}
		stashDir := filepath.Join(sn.StoragePath, "stash")
		for path := range status {
			src := filepath.Join(projectPath, path)
			if _, err := os.Stat(src); err != nil {
				continue // deleted file, restore comes from the commit
			}
			dst := filepath.Join(stashDir, path)
			if err := copyFile(src, dst); err != nil {
				return xerrors.Wrap(err, xerrors.KindInternal, fmt.Sprintf("stash %s", path))
			}
		}
		sn.StashRef = "stash"
	default:
		return xerrors.Newf(xerrors.KindValidation, "unknown snapshot kind %q", kind)
	}
	return nil
}

// RestoreSnapshot replaces the repository state from a snapshot. Refuses on a
// dirty tree unless force.
func (s *Service) RestoreSnapshot(ctx context.Context, p *model.Project, snapshotID string, force bool) error {
	return s.withLease(ctx, p, func(h *repoguard.Handle) error {
		return s.RestoreSnapshotLeased(ctx, h, snapshotID, force)
	})
}

// RestoreSnapshotLeased restores under a lease the caller already holds. On
// restore failure the snapshot is preserved past its TTL for manual recovery.
func (s *Service) RestoreSnapshotLeased(ctx context.Context, h *repoguard.Handle, snapshotID string, force bool) error {
	sn, err := s.store.Snapshots().GetByID(ctx, snapshotID)
	if err != nil {
		return err
	}
	if sn.ProjectID != h.ProjectID() {
		return xerrors.Newf(xerrors.KindValidation, "snapshot %s belongs to another project", snapshotID)
	}
	if !sn.Active {
		return xerrors.Newf(xerrors.KindSnapshotMissing, "snapshot %s is no longer active", snapshotID)
	}
	if _, err := os.Stat(sn.StoragePath); err != nil {
		return xerrors.Newf(xerrors.KindSnapshotMissing, "snapshot %s storage is missing on disk", snapshotID)
	}

	if !force {
		clean, err := h.IsClean()
		if err != nil {
			return err
		}
		if !clean {
			return xerrors.New(xerrors.KindWorkingTreeDirty,
				"working tree has uncommitted changes, pass force to overwrite them")
		}
	}

	op, err := s.beginOp(ctx, h.ProjectID(), model.GitOpRestore, sn.SourceBranch, sn.SourceCommit, "", sn.ID)
	if err != nil {
		return err
	}

	switch sn.Kind {
	case model.SnapshotFull:
		err = restoreFull(h.Path(), sn)
	case model.SnapshotLight:
		err = restoreLight(h.Path(), sn)
	default:
		err = xerrors.Newf(xerrors.KindValidation, "unknown snapshot kind %q", sn.Kind)
	}

	if err != nil {
		err = xerrors.Wrap(err, xerrors.KindRestoreFailed, "snapshot restore failed")
		keepUntil := time.Now().Add(30 * 24 * time.Hour)
		if exErr := s.store.Snapshots().ExtendExpiry(ctx, sn.ID, keepUntil); exErr != nil {
			slog.Error("Failed to extend snapshot expiry", logfields.SnapshotID(sn.ID), logfields.Error(exErr))
		}
		s.finishOp(ctx, op, "", err)
		return err
	}

	s.finishOp(ctx, op, sn.SourceCommit, nil)
	slog.Info("Snapshot restored",
		logfields.ProjectID(h.ProjectID()),
		logfields.SnapshotID(sn.ID),
		logfields.Branch(sn.SourceBranch),
		"commit", shortHash(sn.SourceCommit))
	return nil
}

// restoreFull swaps the project directory for the snapshot's copy. The copy
// is staged next to the project first so the swap itself is two renames.
func restoreFull(projectPath string, sn *model.Snapshot) error {
	treeDir := filepath.Join(sn.StoragePath, "tree")
	if _, err := os.Stat(treeDir); err != nil {
		return fmt.Errorf("snapshot tree missing: %w", err)
	}

	staging := projectPath + ".restore-" + shortHash(sn.ID)
	old := projectPath + ".old-" + shortHash(sn.ID)
	_ = os.RemoveAll(staging)
	_ = os.RemoveAll(old)

	if err := copyTree(treeDir, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("stage snapshot copy: %w", err)
	}
	if err := os.Rename(projectPath, old); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("move current tree aside: %w", err)
	}
	if err := os.Rename(staging, projectPath); err != nil {
		// Put the original back, the swap failed halfway.
		_ = os.Rename(old, projectPath)
		_ = os.RemoveAll(staging)
		return fmt.Errorf("move snapshot copy into place: %w", err)
	}
	return os.RemoveAll(old)
}

// restoreLight resets to the recorded commit and branch, then replays the
// stashed dirty files if the snapshot captured any.
func restoreLight(projectPath string, sn *model.Snapshot) error {
	repo, wt, err := openWorktree(projectPath)
	if err != nil {
		return err
	}

	branchRef := plumbing.NewBranchReferenceName(sn.SourceBranch)
	if _, err := repo.Reference(branchRef, true); err == nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
			return fmt.Errorf("checkout %s: %w", sn.SourceBranch, err)
		}
	}
	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(sn.SourceCommit), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", shortHash(sn.SourceCommit), err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean untracked files: %w", err)
	}

	if sn.StashRef == "" {
		return nil
	}
	stashDir := filepath.Join(sn.StoragePath, sn.StashRef)
	return filepath.Walk(stashDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stashDir, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(projectPath, rel))
	})
}

// DeleteSnapshot marks a snapshot inactive and removes its storage.
func (s *Service) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	sn, err := s.store.Snapshots().GetByID(ctx, snapshotID)
	if err != nil {
		return err
	}
	if err := s.store.Snapshots().MarkInactive(ctx, sn.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(sn.StoragePath); err != nil {
		return xerrors.Wrap(err, xerrors.KindInternal, "remove snapshot storage")
	}
	slog.Info("Snapshot deleted", logfields.SnapshotID(sn.ID), logfields.ProjectID(sn.ProjectID))
	return nil
}

// ListSnapshots returns the active snapshots for a project.
func (s *Service) ListSnapshots(ctx context.Context, projectID string) ([]*model.Snapshot, error) {
	return s.store.Snapshots().ListActiveByProject(ctx, projectID)
}

// CleanupExpired marks expired snapshots inactive and removes their storage.
// The record is flipped before the files go, so a crash between the two steps
// leaves an orphaned directory rather than a dangling record.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.store.Snapshots().ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sn := range expired {
		if err := s.store.Snapshots().MarkInactive(ctx, sn.ID); err != nil {
			slog.Error("Failed to mark snapshot inactive", logfields.SnapshotID(sn.ID), logfields.Error(err))
			continue
		}
		if err := os.RemoveAll(sn.StoragePath); err != nil {
			slog.Error("Failed to remove snapshot storage",
				logfields.SnapshotID(sn.ID), logfields.Path(sn.StoragePath), logfields.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Expired snapshots removed", "count", removed)
	}
	return removed, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFileMode(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return copyFileMode(src, dst, info.Mode().Perm())
}

func copyFileMode(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
