// Package taskrun owns the canonical task state machine: FIFO admission up
// to a process-wide concurrency limit, cancellation, per-run deadlines, and
// write-behind persistence. For a live task the in-memory state is
// authoritative; the store is an at-least-once mirror.
package taskrun

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/retry"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// Executor runs the work of a task. The pipeline is the only production
// implementation. A nil error means the task completed; otherwise the error
// kind decides the terminal status.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) error
}

// Runtime schedules and tracks tasks.
type Runtime struct {
	store store.Store
	bus   *events.Bus
	exec  Executor

	maxRunning int
	deadline   time.Duration

	mu      sync.Mutex
	live    map[string]*liveTask
	queue   []string
	running int
	wg      sync.WaitGroup
}

type liveTask struct {
	task            *model.Task
	cancel          context.CancelFunc
	cancelRequested bool
}

// New creates the runtime. exec may be set later via SetExecutor to break
// the construction cycle with the pipeline.
func New(st store.Store, bus *events.Bus, maxRunning int, deadline time.Duration) *Runtime {
	if maxRunning <= 0 {
		maxRunning = 3
	}
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	return &Runtime{
		store:      st,
		bus:        bus,
		maxRunning: maxRunning,
		deadline:   deadline,
		live:       make(map[string]*liveTask),
	}
}

// SetExecutor wires the executor. Must be called before the first Start.
func (r *Runtime) SetExecutor(exec Executor) { r.exec = exec }

// CreateParams describes a new task.
type CreateParams struct {
	ProjectID     string
	Kind          model.TaskKind
	Branch        string
	ArchivePath   string
	ConfigOptions map[string]string
}

// Create persists a pending task. It does not schedule it; Start does.
func (r *Runtime) Create(ctx context.Context, params CreateParams) (*model.Task, error) {
	if params.ProjectID == "" {
		return nil, xerrors.New(xerrors.KindValidation, "project id is required")
	}
	if params.Kind != model.TaskKindBuild && params.Kind != model.TaskKindResourceReplace {
		return nil, xerrors.Newf(xerrors.KindValidation, "unknown task kind %q", params.Kind)
	}

	task := &model.Task{
		ID:            uuid.NewString(),
		ProjectID:     params.ProjectID,
		Kind:          params.Kind,
		Branch:        params.Branch,
		ArchivePath:   params.ArchivePath,
		ConfigOptions: params.ConfigOptions,
		Status:        model.TaskPending,
		CreatedAt:     time.Now(),
	}

	// One non-terminal task per project. The live slot is reserved before
	// the store write so two concurrent creates cannot both pass the check.
	r.mu.Lock()
	for _, other := range r.live {
		if other.task.ProjectID == params.ProjectID && !other.task.Status.Terminal() {
			r.mu.Unlock()
			return nil, xerrors.Newf(xerrors.KindConflict, "project %s already has an active task", params.ProjectID)
		}
	}
	r.live[task.ID] = &liveTask{task: task}
	r.mu.Unlock()

	if err := r.store.Tasks().Create(ctx, task); err != nil {
		r.mu.Lock()
		delete(r.live, task.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.bus.Publish(events.TaskCreated{Task: task, At: task.CreatedAt})
	slog.Info("Task created",
		logfields.TaskID(task.ID),
		logfields.ProjectID(task.ProjectID),
		"kind", string(task.Kind))
	return task, nil
}

// Start enqueues a pending task. Admission is FIFO across the process,
// bounded by the concurrency limit.
func (r *Runtime) Start(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.live[taskID]
	if !ok {
		return xerrors.Newf(xerrors.KindNotFound, "task %s is not live", taskID)
	}
	if lt.task.Status != model.TaskPending {
		return xerrors.Newf(xerrors.KindConflict, "task %s is %s, only pending tasks can start", taskID, lt.task.Status)
	}
	for _, queued := range r.queue {
		if queued == taskID {
			return xerrors.Newf(xerrors.KindConflict, "task %s is already queued", taskID)
		}
	}

	r.queue = append(r.queue, taskID)
	r.admitLocked()
	return nil
}

// admitLocked starts queued tasks while capacity remains. Caller holds r.mu.
func (r *Runtime) admitLocked() {
	for r.running < r.maxRunning && len(r.queue) > 0 {
		taskID := r.queue[0]
		r.queue = r.queue[1:]

		lt, ok := r.live[taskID]
		if !ok || lt.task.Status != model.TaskPending {
			continue // cancelled while queued
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.deadline)
		lt.cancel = cancel

		now := time.Now()
		lt.task.Status = model.TaskRunning
		lt.task.StartedAt = &now
		r.running++

		r.persist(taskID, model.TaskRunning, store.TaskUpdate{StartedAt: &now})
		r.bus.Publish(events.TaskStarted{TaskID: taskID, ProjectID: lt.task.ProjectID, At: now})

		r.wg.Add(1)
		go r.run(ctx, lt)
	}
}

func (r *Runtime) run(ctx context.Context, lt *liveTask) {
	defer r.wg.Done()
	defer lt.cancel()

	task := lt.task
	slog.Info("Task running", logfields.TaskID(task.ID), logfields.ProjectID(task.ProjectID))

	err := r.execute(ctx, task)

	status, errKind, errMsg := r.outcome(ctx, lt, err)
	r.finish(lt, status, errKind, errMsg)
}

// execute guards against executor panics so a bad pipeline stage cannot take
// the scheduler down.
func (r *Runtime) execute(ctx context.Context, task *model.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Panic in task executor", logfields.TaskID(task.ID), "panic", rec)
			err = xerrors.Newf(xerrors.KindInternal, "panic in task executor: %v", rec)
		}
	}()
	return r.exec.Execute(ctx, task)
}

func (r *Runtime) outcome(ctx context.Context, lt *liveTask, err error) (model.TaskStatus, string, string) {
	if err == nil {
		return model.TaskCompleted, "", ""
	}

	r.mu.Lock()
	cancelRequested := lt.cancelRequested
	r.mu.Unlock()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.TaskFailed, string(xerrors.KindTimeout),
			"task exceeded its deadline of " + r.deadline.String()
	case cancelRequested || errors.Is(err, context.Canceled) || xerrors.IsKind(err, xerrors.KindCancelled):
		return model.TaskCancelled, string(xerrors.KindCancelled), "task was cancelled"
	default:
		return model.TaskFailed, string(xerrors.KindOf(err)), err.Error()
	}
}

// finish applies the terminal transition in memory, mirrors it to the store
// and admits the next queued task.
func (r *Runtime) finish(lt *liveTask, status model.TaskStatus, errKind, errMsg string) {
	now := time.Now()

	r.mu.Lock()
	task := lt.task
	task.Status = status
	task.CompletedAt = &now
	if errKind != "" {
		task.ErrorKind = errKind
		task.ErrorMessage = errMsg
	}
	progress := task.Progress
	if status == model.TaskCompleted {
		progress = 100
		task.Progress = 100
	}
	r.running--
	r.admitLocked()
	r.mu.Unlock()

	update := store.TaskUpdate{Progress: &progress, CompletedAt: &now}
	if errKind != "" {
		update.ErrorKind = &errKind
		update.ErrorMessage = &errMsg
	}
	r.persist(task.ID, status, update)

	duration := time.Duration(0)
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}
	r.bus.Publish(events.TaskFinished{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Status:    status,
		ErrorKind: errKind,
		Duration:  duration,
		At:        now,
	})
	slog.Info("Task finished",
		logfields.TaskID(task.ID),
		logfields.Status(string(status)),
		logfields.DurationMS(float64(duration.Milliseconds())),
		"error_kind", errKind)

	// Terminal tasks leave the live set once persisted; reads fall back to
	// the store.
	r.mu.Lock()
	delete(r.live, task.ID)
	r.mu.Unlock()
}

// Cancel stops a task. Pending tasks go terminal immediately; running tasks
// get their context cancelled and finish through the executor's checkpoint.
func (r *Runtime) Cancel(taskID string) error {
	r.mu.Lock()

	lt, ok := r.live[taskID]
	if !ok {
		r.mu.Unlock()
		return xerrors.Newf(xerrors.KindNotFound, "task %s is not live", taskID)
	}

	switch lt.task.Status {
	case model.TaskPending:
		lt.task.Status = model.TaskCancelled
		now := time.Now()
		lt.task.CompletedAt = &now
		for i, queued := range r.queue {
			if queued == taskID {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		delete(r.live, taskID)
		r.mu.Unlock()

		errKind := string(xerrors.KindCancelled)
		errMsg := "task was cancelled before it started"
		r.persist(taskID, model.TaskCancelled, store.TaskUpdate{
			ErrorKind: &errKind, ErrorMessage: &errMsg, CompletedAt: &now,
		})
		r.bus.Publish(events.TaskFinished{
			TaskID: taskID, ProjectID: lt.task.ProjectID,
			Status: model.TaskCancelled, ErrorKind: errKind, At: now,
		})
		slog.Info("Pending task cancelled", logfields.TaskID(taskID))
		return nil

	case model.TaskRunning:
		lt.cancelRequested = true
		cancel := lt.cancel
		r.mu.Unlock()
		cancel()
		slog.Info("Cancellation requested for running task", logfields.TaskID(taskID))
		return nil

	default:
		r.mu.Unlock()
		return xerrors.Newf(xerrors.KindConflict, "task %s is already %s", taskID, lt.task.Status)
	}
}

// SetProgress applies a monotone progress update. Regressions are ignored.
func (r *Runtime) SetProgress(taskID string, progress int) {
	r.mu.Lock()
	lt, ok := r.live[taskID]
	if !ok || progress <= lt.task.Progress {
		r.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	lt.task.Progress = progress
	status := lt.task.Status
	r.mu.Unlock()

	r.persist(taskID, status, store.TaskUpdate{Progress: &progress})
}

// Get returns the live task if present, otherwise the stored record.
func (r *Runtime) Get(ctx context.Context, taskID string) (*model.Task, error) {
	r.mu.Lock()
	if lt, ok := r.live[taskID]; ok {
		snapshot := *lt.task
		r.mu.Unlock()
		return &snapshot, nil
	}
	r.mu.Unlock()
	return r.store.Tasks().GetByID(ctx, taskID)
}

// HasActiveTask reports whether the project has a non-terminal task.
func (r *Runtime) HasActiveTask(projectID string) bool {
	return r.HasActiveTaskExcept(projectID, "")
}

// HasActiveTaskExcept is HasActiveTask ignoring one task id, so a running
// task can check for competitors without seeing itself.
func (r *Runtime) HasActiveTaskExcept(projectID, exceptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, lt := range r.live {
		if id == exceptID {
			continue
		}
		if lt.task.ProjectID == projectID && !lt.task.Status.Terminal() {
			return true
		}
	}
	return false
}

// Stats reports the current running and queued task counts.
func (r *Runtime) Stats() (running, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, len(r.queue)
}

// RecoverAbandoned marks every stored non-terminal task failed. Called once
// at startup, before any new task is created.
func (r *Runtime) RecoverAbandoned(ctx context.Context) (int, error) {
	n, err := r.store.Tasks().MarkAbandoned(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("Marked in-flight tasks from previous run as failed", "count", n)
	}
	return n, nil
}

// Wait blocks until every running task has finished. Used during shutdown.
func (r *Runtime) Wait() { r.wg.Wait() }

// persist mirrors a transition to the store with bounded retries. Failures
// are logged, never propagated: in-memory state already moved.
func (r *Runtime) persist(taskID string, status model.TaskStatus, update store.TaskUpdate) {
	err := retry.Do(context.Background(), retry.DefaultPolicy(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.store.Tasks().UpdateStatus(ctx, taskID, status, update)
	})
	if err != nil {
		slog.Error("Failed to persist task transition after retries",
			logfields.TaskID(taskID), logfields.Status(string(status)), logfields.Error(err))
	}
}
