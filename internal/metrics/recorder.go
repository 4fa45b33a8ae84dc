// Package metrics exposes the daemon's operational counters via Prometheus.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/model"
)

// Recorder registers and updates the apkforge metric set.
type Recorder struct {
	tasksCreated prom.Counter
	taskOutcomes *prom.CounterVec
	taskDuration prom.Histogram
	tasksRunning prom.Gauge
	gitOps       *prom.CounterVec
	logDrops     prom.Counter
	sseClients   prom.Gauge
	registry     *prom.Registry
}

// NewRecorder constructs and registers the metric set on reg. Registering the
// same recorder twice on one registry panics, so callers construct it once.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		registry: reg,
		tasksCreated: prom.NewCounter(prom.CounterOpts{
			Namespace: "apkforge",
			Name:      "tasks_created_total",
			Help:      "Tasks created",
		}),
		taskOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "apkforge",
			Name:      "task_outcomes_total",
			Help:      "Task outcomes by final status and error kind",
		}, []string{"status", "error_kind"}),
		taskDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "apkforge",
			Name:      "task_duration_seconds",
			Help:      "Wall time from start to terminal state",
			Buckets:   []float64{1, 5, 15, 60, 180, 600, 1200, 1800},
		}),
		tasksRunning: prom.NewGauge(prom.GaugeOpts{
			Namespace: "apkforge",
			Name:      "tasks_running",
			Help:      "Tasks currently running",
		}),
		gitOps: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "apkforge",
			Name:      "git_operations_total",
			Help:      "Recorded git operations by kind and status",
		}, []string{"kind", "status"}),
		logDrops: prom.NewCounter(prom.CounterOpts{
			Namespace: "apkforge",
			Name:      "log_records_dropped_total",
			Help:      "Log records dropped on slow subscribers",
		}),
		sseClients: prom.NewGauge(prom.GaugeOpts{
			Namespace: "apkforge",
			Name:      "sse_clients",
			Help:      "Open SSE log streams",
		}),
	}
	reg.MustRegister(r.tasksCreated, r.taskOutcomes, r.taskDuration, r.tasksRunning, r.gitOps, r.logDrops, r.sseClients)
	return r
}

// Registry returns the backing registry for the /metrics handler.
func (r *Recorder) Registry() *prom.Registry { return r.registry }

func (r *Recorder) TaskCreated() { r.tasksCreated.Inc() }
func (r *Recorder) TaskStarted() { r.tasksRunning.Inc() }

func (r *Recorder) TaskFinished(status model.TaskStatus, errKind string, duration time.Duration) {
	r.tasksRunning.Dec()
	r.taskOutcomes.WithLabelValues(string(status), errKind).Inc()
	r.taskDuration.Observe(duration.Seconds())
}

func (r *Recorder) GitOperation(kind model.GitOpKind, status model.GitOpStatus) {
	r.gitOps.WithLabelValues(string(kind), string(status)).Inc()
}

func (r *Recorder) LogRecordsDropped(n uint64) { r.logDrops.Add(float64(n)) }
func (r *Recorder) SSEClientConnected()        { r.sseClients.Inc() }
func (r *Recorder) SSEClientDisconnected()     { r.sseClients.Dec() }

// Watch consumes lifecycle events until the subscription closes.
func (r *Recorder) Watch(bus *events.Bus) func() {
	created, cancelCreated := events.Subscribe[events.TaskCreated](bus, 64)
	started, cancelStarted := events.Subscribe[events.TaskStarted](bus, 64)
	finished, cancelFinished := events.Subscribe[events.TaskFinished](bus, 64)
	gitOps, cancelGitOps := events.Subscribe[events.GitOperationRecorded](bus, 64)

	done := make(chan struct{})
	go func() {
		for created != nil || started != nil || finished != nil || gitOps != nil {
			select {
			case _, ok := <-created:
				if !ok {
					created = nil
					continue
				}
				r.TaskCreated()
			case _, ok := <-started:
				if !ok {
					started = nil
					continue
				}
				r.TaskStarted()
			case evt, ok := <-finished:
				if !ok {
					finished = nil
					continue
				}
				r.TaskFinished(evt.Status, evt.ErrorKind, evt.Duration)
			case evt, ok := <-gitOps:
				if !ok {
					gitOps = nil
					continue
				}
				r.GitOperation(evt.Operation.Kind, evt.Operation.Status)
			case <-done:
				return
			}
		}
	}()

	return func() {
		cancelCreated()
		cancelStarted()
		cancelFinished()
		cancelGitOps()
		close(done)
	}
}
