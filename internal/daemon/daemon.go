// Package daemon composes the store, the repo guard, the git safety layer,
// the log bus, the task runtime, the pipeline and the HTTP shell into one
// long-running service.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/apkforge/apkforge/internal/config"
	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/extract"
	"github.com/apkforge/apkforge/internal/gitsafe"
	"github.com/apkforge/apkforge/internal/gradle"
	"github.com/apkforge/apkforge/internal/logbus"
	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/metrics"
	"github.com/apkforge/apkforge/internal/natspub"
	"github.com/apkforge/apkforge/internal/pipeline"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/server"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/taskrun"
)

// Status is the daemon lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Daemon owns every component and their start/stop order.
type Daemon struct {
	cfg            *config.Config
	configFilePath string
	status         atomic.Value
	startTime      time.Time

	store      store.Store
	guard      *repoguard.Guard
	git        *gitsafe.Service
	logBus     *logbus.Bus
	eventBus   *events.Bus
	runtime    *taskrun.Runtime
	pipe       *pipeline.Pipeline
	recorder   *metrics.Recorder
	httpServer *server.Server

	natsPub       *natspub.Publisher
	scheduler     *Scheduler
	configWatcher *config.Watcher
	stopWatchers  []func()
}

// New wires the component graph. Nothing runs until Start.
func New(cfg *config.Config, configFilePath string) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{
		cfg:            cfg,
		configFilePath: configFilePath,
		store:          st,
	}
	d.status.Store(StatusStopped)

	d.guard = repoguard.New(cfg.Git.GuardTimeout, cfg.Git.StaleLockThreshold)
	d.git = gitsafe.New(st, d.guard, cfg.Storage.SnapshotsDir, cfg.Git.SnapshotTTL)
	d.logBus = logbus.New(logbus.Options{
		RingSize:          cfg.LogBus.RingSize,
		SubscriberBuffer:  cfg.LogBus.SubscriberBuffer,
		HeartbeatInterval: cfg.LogBus.HeartbeatInterval,
		CloseGrace:        cfg.LogBus.CloseGrace,
	})
	d.eventBus = events.NewBus()
	d.git.SetEventBus(d.eventBus)
	d.runtime = taskrun.New(st, d.eventBus, cfg.Tasks.MaxRunning, cfg.Tasks.Deadline)

	d.pipe = pipeline.New(st, d.runtime, d.git, d.logBus, extract.New(),
		gradle.NewRunner(cfg.Gradle.GracePeriod),
		pipeline.Options{
			TempDir:            cfg.Storage.TempDir,
			GradleTasks:        cfg.Gradle.DefaultTasks,
			InactivityWatchdog: cfg.Gradle.InactivityWatchdog,
			SnapshotTTL:        cfg.Git.SnapshotTTL,
		})
	d.runtime.SetExecutor(d.pipe)

	d.recorder = metrics.NewRecorder(nil)
	d.httpServer = server.New(st, d.runtime, d.git, d.logBus, d.recorder, server.Options{
		Listen:     cfg.Server.Listen,
		UploadsDir: cfg.Storage.UploadsDir,
	})

	d.scheduler, err = NewScheduler(d.git, st, cfg.Git.GCInterval, cfg.Retention.TaskRetention, cfg.Retention.CleanupInterval)
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.NATS.URL != "" {
		pub, err := natspub.New(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			// The mirror is an optional side channel; a missing broker must
			// not keep builds from running.
			slog.Warn("NATS mirror unavailable, continuing without it", logfields.Error(err))
		} else {
			d.natsPub = pub
		}
	}

	return d, nil
}

// Start brings every component up and recovers state left by a previous run.
func (d *Daemon) Start(ctx context.Context) error {
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	// Tasks that were running when the previous process died are failed now,
	// before the API can hand out stale statuses.
	recovered, err := d.runtime.RecoverAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("recover abandoned tasks: %w", err)
	}
	if recovered > 0 {
		slog.Info("Recovered abandoned tasks", "count", recovered)
	}

	d.stopWatchers = append(d.stopWatchers, d.recorder.Watch(d.eventBus))
	if d.natsPub != nil {
		d.natsPub.Watch(d.eventBus)
	}
	d.watchTaskFinished()

	d.scheduler.Start(ctx)

	if d.configFilePath != "" {
		watcher, err := config.NewWatcher(d.configFilePath, d.applyReload)
		if err != nil {
			slog.Warn("Config watcher unavailable", logfields.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			slog.Warn("Config watcher failed to start", logfields.Error(err))
		} else {
			d.configWatcher = watcher
		}
	}

	if err := d.httpServer.Start(ctx); err != nil {
		return err
	}

	d.status.Store(StatusRunning)
	slog.Info("Daemon started", "listen", d.cfg.Server.Listen)
	return nil
}

// watchTaskFinished closes the task's log stream when it reaches a terminal
// state, emitting the final record subscribers wait for.
func (d *Daemon) watchTaskFinished() {
	finished, cancel := events.Subscribe[events.TaskFinished](d.eventBus, 64)
	d.stopWatchers = append(d.stopWatchers, cancel)
	go func() {
		for evt := range finished {
			d.logBus.Close(evt.TaskID, evt.Status)
		}
	}()
}

// applyReload applies the hot-reloadable subset of a changed config file.
func (d *Daemon) applyReload(cfg *config.Config) {
	if level, err := config.ParseLogLevel(cfg.Logging.Level); err == nil {
		config.LogLevel.Set(level)
		slog.Info("Log level updated", "level", cfg.Logging.Level)
	}
	d.cfg.Logging = cfg.Logging
	d.cfg.Retention = cfg.Retention
}

// Stop shuts components down in reverse order of Start. Running tasks are
// given until ctx expires to finish.
func (d *Daemon) Stop(ctx context.Context) error {
	d.status.Store(StatusStopping)

	if d.configWatcher != nil {
		d.configWatcher.Stop()
	}

	if err := d.httpServer.Stop(ctx); err != nil {
		slog.Error("HTTP server shutdown", logfields.Error(err))
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		slog.Error("Scheduler shutdown", logfields.Error(err))
	}

	done := make(chan struct{})
	go func() {
		d.runtime.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown deadline reached with tasks still running")
	}

	for _, stop := range d.stopWatchers {
		stop()
	}
	d.eventBus.Close()

	if d.natsPub != nil {
		if err := d.natsPub.Close(); err != nil {
			slog.Error("NATS close", logfields.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		slog.Error("Store close", logfields.Error(err))
	}

	d.status.Store(StatusStopped)
	slog.Info("Daemon stopped")
	return nil
}

// RunHousekeeping runs one pass of snapshot gc and task retention outside
// the scheduler, for the cleanup CLI command.
func (d *Daemon) RunHousekeeping(ctx context.Context, taskRetention time.Duration) (snapshotsRemoved, tasksDeleted int, err error) {
	snapshotsRemoved, err = d.git.CleanupExpired(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot gc: %w", err)
	}
	if taskRetention > 0 {
		tasksDeleted, err = d.store.Tasks().DeleteTerminalBefore(ctx, time.Now().Add(-taskRetention))
		if err != nil {
			return snapshotsRemoved, 0, fmt.Errorf("task retention: %w", err)
		}
	}
	return snapshotsRemoved, tasksDeleted, nil
}

// Status returns the daemon lifecycle state.
func (d *Daemon) Status() Status {
	return d.status.Load().(Status)
}

// Uptime reports how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.startTime)
}
