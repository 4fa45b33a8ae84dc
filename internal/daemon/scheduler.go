package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/apkforge/apkforge/internal/gitsafe"
	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/store"
)

// Scheduler wraps gocron for the periodic housekeeping jobs: expired
// snapshot collection and terminal task retention.
type Scheduler struct {
	scheduler gocron.Scheduler
	git       *gitsafe.Service
	store     store.Store
	retention time.Duration
}

// NewScheduler registers the housekeeping jobs. Intervals of zero disable
// the corresponding job.
func NewScheduler(git *gitsafe.Service, st store.Store, gcInterval, taskRetention, cleanupInterval time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: sched,
		git:       git,
		store:     st,
		retention: taskRetention,
	}

	if gcInterval > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(gcInterval),
			gocron.NewTask(s.collectExpiredSnapshots),
			gocron.WithName("snapshot-gc"),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule snapshot gc: %w", err)
		}
	}

	if cleanupInterval > 0 && taskRetention > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(cleanupInterval),
			gocron.NewTask(s.cleanupOldTasks),
			gocron.WithName("task-retention"),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule task retention: %w", err)
		}
	}

	return s, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("Starting housekeeping scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	slog.Info("Stopping housekeeping scheduler")
	return s.scheduler.Shutdown()
}

func (s *Scheduler) collectExpiredSnapshots() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := s.git.CleanupExpired(ctx)
	if err != nil {
		slog.Error("Snapshot gc failed", logfields.Error(err))
		return
	}
	if removed > 0 {
		slog.Info("Collected expired snapshots", "count", removed)
	}
}

func (s *Scheduler) cleanupOldTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.store.Tasks().DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Task retention cleanup failed", logfields.Error(err))
		return
	}
	if deleted > 0 {
		slog.Info("Deleted old terminal tasks", "count", deleted, "cutoff", cutoff)
	}
}
