// Package repoguard serialises all mutating access to a project's working
// directory and .git metadata. Leases are process-local; entry order is FIFO
// per project and different projects are independent.
package repoguard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// Options controls one guarded section.
type Options struct {
	// Timeout bounds the wait for the lease. Zero means the guard default.
	Timeout time.Duration
	// RequireGit enables the git preflight checks (repository present,
	// HEAD attached, no stale lock files).
	RequireGit bool
}

// Guard is a keyed lock registry over project ids.
type Guard struct {
	mu      sync.Mutex
	entries map[string]*entry

	defaultTimeout     time.Duration
	staleLockThreshold time.Duration
}

type entry struct {
	mu     sync.Mutex
	locked bool
	queue  []*waiter
}

type waiter struct {
	ready   chan struct{}
	granted bool
	gone    bool
}

// New creates a guard. defaultTimeout bounds lease waits when Options.Timeout
// is zero; staleLockThreshold controls auto-clearing of abandoned git locks.
func New(defaultTimeout, staleLockThreshold time.Duration) *Guard {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	return &Guard{
		entries:            make(map[string]*entry),
		defaultTimeout:     defaultTimeout,
		staleLockThreshold: staleLockThreshold,
	}
}

// WithProject runs fn while holding the exclusive lease for projectID.
// The preflight checks run inside the lease, before fn. Panics inside fn are
// converted to errors; the lease is always released.
func (g *Guard) WithProject(ctx context.Context, projectID, projectPath string, opts Options, fn func(h *Handle) error) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	e := g.entry(projectID)
	if err := e.acquire(ctx, timeout); err != nil {
		return xerrors.Wrap(err, xerrors.KindLockTimeout,
			fmt.Sprintf("could not acquire project lease within %s", timeout)).
			WithContext("project_id", projectID)
	}
	defer e.release()

	h := &Handle{projectID: projectID, path: projectPath}
	if err := g.preflight(h, opts); err != nil {
		return err
	}

	return runGuarded(projectID, h, fn)
}

func runGuarded(projectID string, h *Handle, fn func(h *Handle) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic inside guarded section", logfields.ProjectID(projectID), "panic", r)
			err = xerrors.Newf(xerrors.KindInternal, "panic inside guarded section: %v", r)
		}
	}()
	return fn(h)
}

func (g *Guard) entry(projectID string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[projectID]
	if !ok {
		e = &entry{}
		g.entries[projectID] = e
	}
	return e
}

// acquire waits for the lease in FIFO order, bounded by timeout and ctx.
func (e *entry) acquire(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if !e.locked && len(e.queue) == 0 {
		e.locked = true
		e.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	e.queue = append(e.queue, w)
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		return e.abandon(w, context.DeadlineExceeded)
	case <-ctx.Done():
		return e.abandon(w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. If the grant raced the timeout, the
// lease is already ours and must be kept.
func (e *entry) abandon(w *waiter, cause error) error {
	e.mu.Lock()
	if w.granted {
		e.mu.Unlock()
		return nil
	}
	w.gone = true
	e.mu.Unlock()
	return cause
}

func (e *entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		if next.gone {
			continue
		}
		next.granted = true
		close(next.ready)
		return // lease handed over, stays locked
	}
	e.locked = false
}
