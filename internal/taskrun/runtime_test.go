package taskrun

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// fakeExecutor runs a per-task script, or blocks until the context ends.
type fakeExecutor struct {
	mu      sync.Mutex
	started []string
	run     func(ctx context.Context, task *model.Task) error
}

func (f *fakeExecutor) Execute(ctx context.Context, task *model.Task) error {
	f.mu.Lock()
	f.started = append(f.started, task.ID)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, task)
	}
	return nil
}

func (f *fakeExecutor) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func newRuntime(t *testing.T, maxRunning int, deadline time.Duration) (*Runtime, *fakeExecutor, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exec := &fakeExecutor{}
	rt := New(st, events.NewBus(), maxRunning, deadline)
	rt.SetExecutor(exec)
	return rt, exec, st
}

func createTask(t *testing.T, rt *Runtime, projectID string) *model.Task {
	t.Helper()
	task, err := rt.Create(context.Background(), CreateParams{
		ProjectID: projectID, Kind: model.TaskKindBuild, Branch: "main", ArchivePath: "/tmp/a.zip",
	})
	require.NoError(t, err)
	return task
}

func waitForStatus(t *testing.T, rt *Runtime, taskID string, want model.TaskStatus) *model.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := rt.Get(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := rt.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last status %s", taskID, want, task.Status)
	return nil
}

func TestCreateValidation(t *testing.T) {
	rt, _, _ := newRuntime(t, 3, time.Minute)

	_, err := rt.Create(context.Background(), CreateParams{Kind: model.TaskKindBuild})
	assert.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))

	_, err = rt.Create(context.Background(), CreateParams{ProjectID: "p1", Kind: "bogus"})
	assert.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
}

func TestCreateRefusesSecondActiveTask(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, time.Minute)

	gate := make(chan struct{})
	exec.run = func(ctx context.Context, task *model.Task) error {
		<-gate
		return nil
	}

	first := createTask(t, rt, "p1")

	// Pending already counts: a project holds at most one live task.
	_, err := rt.Create(context.Background(), CreateParams{
		ProjectID: "p1", Kind: model.TaskKindBuild, Branch: "main",
	})
	assert.Equal(t, xerrors.KindConflict, xerrors.KindOf(err))

	require.NoError(t, rt.Start(first.ID))
	_, err = rt.Create(context.Background(), CreateParams{
		ProjectID: "p1", Kind: model.TaskKindBuild, Branch: "main",
	})
	assert.Equal(t, xerrors.KindConflict, xerrors.KindOf(err))

	// Other projects are unaffected.
	createTask(t, rt, "p2")

	close(gate)
	waitForStatus(t, rt, first.ID, model.TaskCompleted)
	createTask(t, rt, "p1")
}

func TestTaskRunsToCompleted(t *testing.T) {
	rt, _, st := newRuntime(t, 3, time.Minute)
	task := createTask(t, rt, "p1")

	require.NoError(t, rt.Start(task.ID))
	final := waitForStatus(t, rt, task.ID, model.TaskCompleted)
	assert.Equal(t, 100, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	// Persisted copy matches.
	stored, err := st.Tasks().GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
}

func TestExecutorErrorMapsToFailed(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, time.Minute)
	exec.run = func(ctx context.Context, task *model.Task) error {
		return xerrors.New(xerrors.KindGradleExitNonZero, "gradle exited with status 1")
	}
	task := createTask(t, rt, "p1")
	require.NoError(t, rt.Start(task.ID))

	final := waitForStatus(t, rt, task.ID, model.TaskFailed)
	assert.Equal(t, string(xerrors.KindGradleExitNonZero), final.ErrorKind)
	assert.Contains(t, final.ErrorMessage, "status 1")
}

func TestExecutorPanicMapsToFailed(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, time.Minute)
	exec.run = func(ctx context.Context, task *model.Task) error { panic("boom") }
	task := createTask(t, rt, "p1")
	require.NoError(t, rt.Start(task.ID))

	final := waitForStatus(t, rt, task.ID, model.TaskFailed)
	assert.Equal(t, string(xerrors.KindInternal), final.ErrorKind)
}

func TestConcurrencyLimitFIFO(t *testing.T) {
	rt, exec, _ := newRuntime(t, 2, time.Minute)

	gate := make(chan struct{})
	exec.run = func(ctx context.Context, task *model.Task) error {
		<-gate
		return nil
	}

	var ids []string
	for i := 0; i < 4; i++ {
		task := createTask(t, rt, fmt.Sprintf("p%d", i+1))
		ids = append(ids, task.ID)
		require.NoError(t, rt.Start(task.ID))
	}

	// Only the first two are admitted.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ids[:2], exec.startedIDs())
	third, err := rt.Get(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, third.Status)

	close(gate)
	for _, id := range ids {
		waitForStatus(t, rt, id, model.TaskCompleted)
	}
	assert.Equal(t, ids, exec.startedIDs(), "admission preserves FIFO order")
}

func TestCancelPendingIsImmediate(t *testing.T) {
	rt, exec, _ := newRuntime(t, 1, time.Minute)

	gate := make(chan struct{})
	exec.run = func(ctx context.Context, task *model.Task) error {
		<-gate
		return nil
	}

	blocker := createTask(t, rt, "p1")
	require.NoError(t, rt.Start(blocker.ID))
	queued := createTask(t, rt, "p2")
	require.NoError(t, rt.Start(queued.ID))

	require.NoError(t, rt.Cancel(queued.ID))
	cancelled, err := rt.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, cancelled.Status)
	assert.Equal(t, string(xerrors.KindCancelled), cancelled.ErrorKind)

	close(gate)
	waitForStatus(t, rt, blocker.ID, model.TaskCompleted)
	assert.Equal(t, []string{blocker.ID}, exec.startedIDs(), "cancelled task never ran")
}

func TestCancelRunningSignalsContext(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, time.Minute)

	started := make(chan struct{})
	exec.run = func(ctx context.Context, task *model.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	task := createTask(t, rt, "p1")
	require.NoError(t, rt.Start(task.ID))
	<-started

	require.NoError(t, rt.Cancel(task.ID))
	final := waitForStatus(t, rt, task.ID, model.TaskCancelled)
	assert.Equal(t, string(xerrors.KindCancelled), final.ErrorKind)
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, 50*time.Millisecond)
	exec.run = func(ctx context.Context, task *model.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}
	task := createTask(t, rt, "p1")
	require.NoError(t, rt.Start(task.ID))

	final := waitForStatus(t, rt, task.ID, model.TaskFailed)
	assert.Equal(t, string(xerrors.KindTimeout), final.ErrorKind)
}

func TestStartRequiresPending(t *testing.T) {
	rt, _, _ := newRuntime(t, 3, time.Minute)
	task := createTask(t, rt, "p1")

	require.NoError(t, rt.Start(task.ID))
	waitForStatus(t, rt, task.ID, model.TaskCompleted)

	err := rt.Start(task.ID)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err), "terminal tasks leave the live set")
}

func TestProgressIsMonotone(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, time.Minute)

	gate := make(chan struct{})
	release := make(chan struct{})
	exec.run = func(ctx context.Context, task *model.Task) error {
		close(gate)
		<-release
		return nil
	}
	task := createTask(t, rt, "p1")
	require.NoError(t, rt.Start(task.ID))
	<-gate

	rt.SetProgress(task.ID, 40)
	rt.SetProgress(task.ID, 25) // regression, ignored
	got, err := rt.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	rt.SetProgress(task.ID, 150) // clamped
	got, err = rt.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	close(release)
	waitForStatus(t, rt, task.ID, model.TaskCompleted)
}

func TestHasActiveTask(t *testing.T) {
	rt, exec, _ := newRuntime(t, 3, time.Minute)

	gate := make(chan struct{})
	exec.run = func(ctx context.Context, task *model.Task) error {
		<-gate
		return nil
	}
	task := createTask(t, rt, "p1")
	assert.True(t, rt.HasActiveTask("p1"), "pending counts as active")
	assert.False(t, rt.HasActiveTask("other"))

	require.NoError(t, rt.Start(task.ID))
	assert.True(t, rt.HasActiveTask("p1"))

	close(gate)
	waitForStatus(t, rt, task.ID, model.TaskCompleted)
	assert.False(t, rt.HasActiveTask("p1"))
}

func TestRecoverAbandoned(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	task := &model.Task{
		ID: "t-old", ProjectID: "p1", Kind: model.TaskKindBuild,
		Branch: "main", Status: model.TaskRunning, CreatedAt: time.Now(),
	}
	require.NoError(t, st.Tasks().Create(ctx, task))
	require.NoError(t, st.Tasks().UpdateStatus(ctx, task.ID, model.TaskRunning, store.TaskUpdate{}))
	require.NoError(t, st.Close())

	// Simulated restart.
	st2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st2.Close()

	rt := New(st2, events.NewBus(), 3, time.Minute)
	n, err := rt.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := st2.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, recovered.Status)
	assert.Equal(t, string(xerrors.KindAbandoned), recovered.ErrorKind)
}
