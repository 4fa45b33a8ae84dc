package repoguard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/xerrors"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	path := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestWithProjectRunsCallback(t *testing.T) {
	dir := newTestRepo(t)
	g := New(time.Second, 30*time.Minute)

	ran := false
	err := g.WithProject(context.Background(), "p1", dir, Options{RequireGit: true}, func(h *Handle) error {
		ran = true
		assert.Equal(t, "p1", h.ProjectID())
		assert.Equal(t, dir, h.Path())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithProjectMissingDirectory(t *testing.T) {
	g := New(time.Second, 30*time.Minute)

	err := g.WithProject(context.Background(), "p1", "/nonexistent/project", Options{}, func(h *Handle) error {
		t.Fatal("callback must not run")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindProjectMissing, xerrors.KindOf(err))
}

func TestWithProjectNotARepository(t *testing.T) {
	dir := t.TempDir()
	g := New(time.Second, 30*time.Minute)

	err := g.WithProject(context.Background(), "p1", dir, Options{RequireGit: true}, func(h *Handle) error {
		t.Fatal("callback must not run")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindNotARepository, xerrors.KindOf(err))
}

func TestWithProjectSkipsGitChecksWhenNotRequired(t *testing.T) {
	dir := t.TempDir()
	g := New(time.Second, 30*time.Minute)

	err := g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithProjectTimeout(t *testing.T) {
	dir := newTestRepo(t)
	g := New(50*time.Millisecond, 30*time.Minute)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
		t.Error("callback must not run while lease is held")
		return nil
	})
	close(release)

	require.Error(t, err)
	assert.Equal(t, xerrors.KindLockTimeout, xerrors.KindOf(err))
}

func TestWithProjectFIFOOrder(t *testing.T) {
	dir := newTestRepo(t)
	g := New(5*time.Second, 30*time.Minute)

	var mu sync.Mutex
	var order []int

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
			close(holding)
			<-release
			return nil
		})
		close(done)
	}()
	<-holding

	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each waiter time to enqueue before starting the next.
		time.Sleep(30 * time.Millisecond)
	}

	close(release)
	<-done
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestWithProjectIndependentProjects(t *testing.T) {
	dirA := newTestRepo(t)
	dirB := newTestRepo(t)
	g := New(time.Second, 30*time.Minute)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.WithProject(context.Background(), "a", dirA, Options{}, func(h *Handle) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	// Project b acquires immediately even though a is held.
	err := g.WithProject(context.Background(), "b", dirB, Options{}, func(h *Handle) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithProjectPanicRecovered(t *testing.T) {
	dir := newTestRepo(t)
	g := New(time.Second, 30*time.Minute)

	err := g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInternal, xerrors.KindOf(err))

	// Lease must be free again after the panic.
	err = g.WithProject(context.Background(), "p1", dir, Options{}, func(h *Handle) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestStaleLockCleared(t *testing.T) {
	dir := newTestRepo(t)
	lockPath := filepath.Join(dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	g := New(time.Second, 30*time.Minute)
	err := g.WithProject(context.Background(), "p1", dir, Options{RequireGit: true}, func(h *Handle) error {
		return nil
	})
	require.NoError(t, err)

	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr), "stale lock should be removed")
}

func TestFreshLockSurfaced(t *testing.T) {
	dir := newTestRepo(t)
	lockPath := filepath.Join(dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))

	g := New(time.Second, 30*time.Minute)
	err := g.WithProject(context.Background(), "p1", dir, Options{RequireGit: true}, func(h *Handle) error {
		t.Fatal("callback must not run")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindStaleLock, xerrors.KindOf(err))

	_, statErr := os.Stat(lockPath)
	assert.NoError(t, statErr, "fresh lock must not be removed")
}

func TestHandleReadQueries(t *testing.T) {
	dir := newTestRepo(t)
	g := New(time.Second, 30*time.Minute)

	err := g.WithProject(context.Background(), "p1", dir, Options{RequireGit: true}, func(h *Handle) error {
		branch, err := h.CurrentBranch()
		require.NoError(t, err)
		assert.Equal(t, "master", branch)

		head, err := h.HeadCommit()
		require.NoError(t, err)
		assert.Len(t, head, 40)

		clean, err := h.IsClean()
		require.NoError(t, err)
		assert.True(t, clean)
		return nil
	})
	require.NoError(t, err)
}
