package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apkforge/apkforge/internal/logbus"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// sseWriter frames named Server-Sent-Events onto the response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (sw *sseWriter) event(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// handleLogStream attaches an SSE client to a task's log stream. Event order
// matches the bus subscription order; the terminal record becomes a status
// event followed by a completed event with final=true.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.runtime.Get(r.Context(), taskID)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(taskID, s.opts.ReplayLines)
	defer sub.Cancel()

	if s.recorder != nil {
		s.recorder.SSEClientConnected()
		defer s.recorder.SSEClientDisconnected()
	}

	sw := &sseWriter{w: w, flusher: flusher}
	if err := sw.event("connected", map[string]any{"task_id": taskID, "status": task.Status}); err != nil {
		return
	}

	var timeoutCh <-chan time.Time
	if s.opts.StreamTimeout > 0 {
		timer := time.NewTimer(s.opts.StreamTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var limitSent, terminalSeen bool

	emit := func(rec model.LogRecord) error {
		switch rec.Source {
		case logbus.SourceHeartbeat:
			return sw.event("heartbeat", map[string]any{"timestamp": rec.Timestamp})
		case logbus.SourceFinal:
			terminalSeen = true
			if err := sw.event("status", map[string]any{"status": rec.Message}); err != nil {
				return err
			}
			return sw.event("completed", map[string]any{"status": rec.Message, "final": true})
		default:
			return sw.event("log", rec)
		}
	}

	// A task that finished before this client attached only has its replay;
	// drain it, then synthesize the terminal events from the stored record.
	if task.Status.Terminal() {
	drain:
		for {
			select {
			case rec, ok := <-sub.C:
				if !ok {
					break drain
				}
				if err := emit(rec); err != nil {
					return
				}
			default:
				break drain
			}
		}
		if !terminalSeen {
			_ = sw.event("status", map[string]any{"status": task.Status})
			_ = sw.event("completed", map[string]any{"status": task.Status, "final": true})
		}
		return
	}

	for {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				if terminalSeen {
					return
				}
				// Stream closed between Get and Subscribe; report the stored
				// terminal status rather than hanging up silently.
				final, err := s.runtime.Get(r.Context(), taskID)
				if err != nil || !final.Status.Terminal() {
					_ = sw.event("error", map[string]any{"message": "log stream closed"})
					return
				}
				_ = sw.event("status", map[string]any{"status": final.Status})
				_ = sw.event("completed", map[string]any{"status": final.Status, "final": true})
				return
			}
			if err := emit(rec); err != nil {
				return
			}
			if terminalSeen {
				return
			}
			if dropped := sub.Dropped(); !limitSent && dropped > s.opts.DropThreshold {
				limitSent = true
				if s.recorder != nil {
					s.recorder.LogRecordsDropped(dropped)
				}
				if err := sw.event("limit_reached", map[string]any{"dropped": dropped}); err != nil {
					return
				}
			}
		case <-timeoutCh:
			_ = sw.event("timeout", map[string]any{"message": "stream duration limit reached"})
			return
		case <-r.Context().Done():
			return
		}
	}
}
