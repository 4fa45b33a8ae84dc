package gitsafe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/xerrors"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	guard := repoguard.New(2*time.Second, 30*time.Minute)
	svc := New(st, guard, t.TempDir(), 7*24*time.Hour)
	return svc, st
}

func newProject(t *testing.T) *model.Project {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFile(t, dir, "README.md", "hello\n")
	commitAll(t, repo, "initial")

	return &model.Project{ID: "p1", Name: "demo", Path: dir, Active: true}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func commitAll(t *testing.T, repo *git.Repository, msg string) string {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func headHash(t *testing.T, dir string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	return head.Hash().String()
}

func TestAtomicCommit(t *testing.T) {
	svc, st := newService(t)
	p := newProject(t)
	ctx := context.Background()

	before := headHash(t, p.Path)
	writeFile(t, p.Path, "README.md", "changed\n")

	hash, err := svc.AtomicCommit(ctx, p, CommitOptions{Message: "update readme"})
	require.NoError(t, err)
	assert.NotEqual(t, before, hash)
	assert.Equal(t, hash, headHash(t, p.Path))

	ops, err := st.GitOps().ListByProject(ctx, p.ID, store.GitOpFilter{Kind: model.GitOpCommit})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.GitOpCompleted, ops[0].Status)
	assert.Equal(t, before, ops[0].PreCommit)
	assert.Equal(t, hash, ops[0].PostCommit)
	assert.Equal(t, []string{"README.md"}, ops[0].FilesAffected)
}

func TestAtomicCommitNothingToCommit(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)

	_, err := svc.AtomicCommit(context.Background(), p, CommitOptions{Message: "noop"})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
}

func TestAtomicCommitAllowEmpty(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)

	hash, err := svc.AtomicCommit(context.Background(), p, CommitOptions{Message: "empty", AllowEmpty: true})
	require.NoError(t, err)
	assert.Equal(t, hash, headHash(t, p.Path))
}

func TestAtomicCommitSkipsUntracked(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)

	writeFile(t, p.Path, "README.md", "changed\n")
	writeFile(t, p.Path, "scratch.txt", "untracked\n")

	_, err := svc.AtomicCommit(context.Background(), p, CommitOptions{Message: "update"})
	require.NoError(t, err)

	repo, err := git.PlainOpen(p.Path)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	status, err := wt.Status()
	require.NoError(t, err)
	assert.Equal(t, git.Untracked, status.File("scratch.txt").Worktree)
}

func TestFailedCommitPreservesUncommittedEdits(t *testing.T) {
	svc, st := newService(t)
	p := newProject(t)
	ctx := context.Background()

	head := headHash(t, p.Path)
	writeFile(t, p.Path, "README.md", "in progress\n")

	_, err := svc.AtomicCommit(ctx, p, CommitOptions{
		Message: "bad paths",
		Paths:   []string{"does-not-exist.txt"},
	})
	require.Error(t, err)

	// Recovery restores HEAD and the index but never touches the tree.
	assert.Equal(t, head, headHash(t, p.Path))
	data, err := os.ReadFile(filepath.Join(p.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "in progress\n", string(data))

	ops, err := st.GitOps().ListByProject(ctx, p.ID, store.GitOpFilter{Kind: model.GitOpCommit})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.GitOpFailed, ops[0].Status)
}

func TestRollback(t *testing.T) {
	svc, st := newService(t)
	p := newProject(t)
	ctx := context.Background()

	first := headHash(t, p.Path)
	writeFile(t, p.Path, "README.md", "v2\n")
	repo, err := git.PlainOpen(p.Path)
	require.NoError(t, err)
	commitAll(t, repo, "second")

	require.NoError(t, svc.Rollback(ctx, p, first, false))
	assert.Equal(t, first, headHash(t, p.Path))

	data, err := os.ReadFile(filepath.Join(p.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	ops, err := st.GitOps().ListByProject(ctx, p.ID, store.GitOpFilter{Kind: model.GitOpRollback})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.GitOpCompleted, ops[0].Status)
}

func TestRollbackRejectsNonAncestor(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)
	other := newProject(t) // unrelated history

	err := svc.Rollback(context.Background(), p, headHash(t, other.Path), false)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	// A descendant of HEAD is also rejected.
	ctx := context.Background()
	head := headHash(t, p.Path)
	writeFile(t, p.Path, "README.md", "v2\n")
	repo, err := git.PlainOpen(p.Path)
	require.NoError(t, err)
	newer := commitAll(t, repo, "second")
	require.NoError(t, svc.Rollback(ctx, p, head, false))

	err = svc.Rollback(ctx, p, newer, false)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
}

func TestCheckoutBranchRefusesDirtyTree(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)

	writeFile(t, p.Path, "README.md", "dirty\n")
	err := svc.CheckoutBranch(context.Background(), p, "feature", true)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindWorkingTreeDirty, xerrors.KindOf(err))
}

func TestCheckoutBranchCreate(t *testing.T) {
	svc, st := newService(t)
	p := newProject(t)
	ctx := context.Background()

	err := svc.CheckoutBranch(ctx, p, "feature", false)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	require.NoError(t, svc.CheckoutBranch(ctx, p, "feature", true))

	branch, err := svc.Status(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "feature", branch.Branch)

	ops, err := st.GitOps().ListByProject(ctx, p.ID, store.GitOpFilter{Kind: model.GitOpBranchCreate})
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestResetWorkingTree(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)
	ctx := context.Background()

	head := headHash(t, p.Path)
	writeFile(t, p.Path, "README.md", "dirty\n")
	writeFile(t, p.Path, "junk/extra.txt", "untracked\n")

	require.NoError(t, svc.ResetWorkingTree(ctx, p))

	assert.Equal(t, head, headHash(t, p.Path))
	data, err := os.ReadFile(filepath.Join(p.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	_, statErr := os.Stat(filepath.Join(p.Path, "junk", "extra.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFullSnapshotRestoreRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)
	ctx := context.Background()

	preHead := headHash(t, p.Path)
	sn, err := svc.Snapshot(ctx, p, model.SnapshotFull, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, preHead, sn.SourceCommit)
	assert.DirExists(t, filepath.Join(sn.StoragePath, "tree", ".git"))

	// Mutate: new commit plus an untracked file.
	writeFile(t, p.Path, "README.md", "v2\n")
	repo, err := git.PlainOpen(p.Path)
	require.NoError(t, err)
	commitAll(t, repo, "second")
	writeFile(t, p.Path, "junk.txt", "junk\n")

	require.NoError(t, svc.RestoreSnapshot(ctx, p, sn.ID, true))

	assert.Equal(t, preHead, headHash(t, p.Path))
	data, err := os.ReadFile(filepath.Join(p.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	_, statErr := os.Stat(filepath.Join(p.Path, "junk.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestoreRefusesDirtyTreeWithoutForce(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)
	ctx := context.Background()

	sn, err := svc.Snapshot(ctx, p, model.SnapshotFull, time.Hour)
	require.NoError(t, err)

	writeFile(t, p.Path, "README.md", "dirty\n")
	err = svc.RestoreSnapshot(ctx, p, sn.ID, false)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindWorkingTreeDirty, xerrors.KindOf(err))
}

func TestRestoreMissingSnapshot(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)

	err := svc.RestoreSnapshot(context.Background(), p, "no-such-id", true)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindSnapshotMissing, xerrors.KindOf(err))
}

func TestLightSnapshotRestoresDirtyFiles(t *testing.T) {
	svc, _ := newService(t)
	p := newProject(t)
	ctx := context.Background()

	writeFile(t, p.Path, "README.md", "work in progress\n")
	sn, err := svc.Snapshot(ctx, p, model.SnapshotLight, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "stash", sn.StashRef)

	require.NoError(t, svc.ResetWorkingTree(ctx, p))
	require.NoError(t, svc.RestoreSnapshot(ctx, p, sn.ID, true))

	data, err := os.ReadFile(filepath.Join(p.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "work in progress\n", string(data))
}

func TestCleanupExpired(t *testing.T) {
	svc, st := newService(t)
	p := newProject(t)
	ctx := context.Background()

	sn, err := svc.Snapshot(ctx, p, model.SnapshotFull, time.Hour)
	require.NoError(t, err)
	require.NoError(t, st.Snapshots().ExtendExpiry(ctx, sn.ID, time.Now().Add(-time.Hour)))

	removed, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, statErr := os.Stat(sn.StoragePath)
	assert.True(t, os.IsNotExist(statErr))

	stored, err := st.Snapshots().GetByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}
