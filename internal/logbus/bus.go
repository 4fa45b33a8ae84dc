// Package logbus fans task log lines out to any number of subscribers with
// bounded memory. Each task owns a stream: a ring of recent records for late
// joiners plus one bounded channel per subscriber. Publishers never block;
// slow subscribers lose their own oldest records and only theirs.
package logbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
)

// Record sources with special meaning to transports.
const (
	SourceSystem    = "system"
	SourceGradle    = "gradle"
	SourcePipeline  = "pipeline"
	SourceHeartbeat = "heartbeat"
	SourceFinal     = "final"
)

// Options tunes the bus. Zero values fall back to the defaults.
type Options struct {
	RingSize          int
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	CloseGrace        time.Duration
}

func (o Options) withDefaults() Options {
	if o.RingSize <= 0 {
		o.RingSize = 2000
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 128
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 60 * time.Second
	}
	return o
}

// Bus is the process-wide map from task id to stream.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
	opts    Options
}

func New(opts Options) *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		opts:    opts.withDefaults(),
	}
}

type stream struct {
	mu     sync.Mutex
	bus    *Bus
	taskID string
	opts   Options

	ring    []model.LogRecord // circular, len == count when not yet wrapped
	start   int
	count   int
	nextSeq uint64

	subs      map[*Subscription]struct{}
	closed    bool
	stopBeats chan struct{}
	stopOnce  sync.Once
}

// Subscription is one subscriber's cursor over a task stream. Records arrive
// on C in strictly increasing sequence order; heartbeats carry Seq 0.
type Subscription struct {
	C <-chan model.LogRecord

	ch      chan model.LogRecord
	dropped atomic.Uint64
	once    sync.Once
	stream  *stream
}

// Dropped reports how many records were discarded because this subscriber
// fell behind. Heartbeats never count.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once; publishing and other subscribers are unaffected. Cancelling the
// last subscriber of a stream that never saw a publish releases the stream,
// so an attach to a task that never starts does not pin resources forever.
func (s *Subscription) Cancel() {
	st := s.stream
	st.mu.Lock()
	delete(st.subs, s)
	idle := !st.closed && len(st.subs) == 0 && st.count == 0
	st.mu.Unlock()
	s.once.Do(func() { close(s.ch) })

	if idle {
		st.bus.releaseIfIdle(st)
	}
}

func (b *Bus) getOrCreate(taskID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[taskID]
	if !ok {
		st = &stream{
			bus:       b,
			taskID:    taskID,
			opts:      b.opts,
			ring:      make([]model.LogRecord, b.opts.RingSize),
			subs:      make(map[*Subscription]struct{}),
			stopBeats: make(chan struct{}),
		}
		b.streams[taskID] = st
		go st.heartbeatLoop()
	}
	return st
}

// releaseIfIdle drops a stream that has no subscribers and no records yet.
// The idle state is rechecked under both locks; a concurrent publish or
// subscribe keeps the stream alive. The identity check guards against a
// replacement stream already registered under the same task id.
func (b *Bus) releaseIfIdle(st *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[st.taskID] != st {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || len(st.subs) > 0 || st.count > 0 {
		return
	}
	st.stopOnce.Do(func() { close(st.stopBeats) })
	delete(b.streams, st.taskID)
}

func (b *Bus) lookup(taskID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[taskID]
}

// Publish assigns the next sequence number and delivers the record to the
// ring and every subscriber. Never blocks. Publishing to a closed stream is
// a no-op.
func (b *Bus) Publish(taskID string, rec model.LogRecord) {
	st := b.getOrCreate(taskID)
	st.publish(taskID, rec)
}

func (st *stream) publish(taskID string, rec model.LogRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}

	st.nextSeq++
	rec.Seq = st.nextSeq
	rec.TaskID = taskID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	st.append(rec)
	for sub := range st.subs {
		sub.deliver(rec)
	}
}

// append adds to the circular ring, evicting the oldest record when full.
func (st *stream) append(rec model.LogRecord) {
	if st.count < len(st.ring) {
		st.ring[(st.start+st.count)%len(st.ring)] = rec
		st.count++
		return
	}
	st.ring[st.start] = rec
	st.start = (st.start + 1) % len(st.ring)
}

// deliver pushes a record into the subscriber channel. When the buffer is
// full the subscriber's own oldest record is discarded to make room.
func (s *Subscription) deliver(rec model.LogRecord) {
	for {
		select {
		case s.ch <- rec:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// deliverHeartbeat skips the heartbeat entirely on a full buffer. Heartbeats
// are keepalives, they must never push out real records.
func (s *Subscription) deliverHeartbeat(rec model.LogRecord) {
	select {
	case s.ch <- rec:
	default:
	}
}

// Subscribe attaches a cursor to the task's stream. Up to replay recent
// records from the ring are delivered first, then live records. Subscribing
// to an unknown task creates its stream so clients may attach before the
// first publish.
func (b *Bus) Subscribe(taskID string, replay int) *Subscription {
	st := b.getOrCreate(taskID)

	st.mu.Lock()
	defer st.mu.Unlock()

	history := st.recent(replay)
	sub := &Subscription{
		ch:     make(chan model.LogRecord, st.opts.SubscriberBuffer+len(history)),
		stream: st,
	}
	sub.C = sub.ch
	for _, rec := range history {
		sub.ch <- rec
	}

	if st.closed {
		// Stream already finished: the replay is all there is.
		close(sub.ch)
		return sub
	}
	st.subs[sub] = struct{}{}
	return sub
}

// recent returns the newest n ring records in sequence order.
func (st *stream) recent(n int) []model.LogRecord {
	if n <= 0 || st.count == 0 {
		return nil
	}
	if n > st.count {
		n = st.count
	}
	out := make([]model.LogRecord, 0, n)
	first := st.count - n
	for i := first; i < st.count; i++ {
		out = append(out, st.ring[(st.start+i)%len(st.ring)])
	}
	return out
}

// Close emits a terminal record carrying the final status, closes every
// subscriber channel and schedules the stream for teardown after the grace
// period so stragglers can still read the replay.
func (b *Bus) Close(taskID string, finalStatus model.TaskStatus) {
	st := b.lookup(taskID)
	if st == nil {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}

	st.nextSeq++
	final := model.LogRecord{
		Seq:       st.nextSeq,
		TaskID:    taskID,
		Level:     levelFor(finalStatus),
		Message:   string(finalStatus),
		Source:    SourceFinal,
		Timestamp: time.Now(),
	}
	st.append(final)
	for sub := range st.subs {
		sub.deliver(final)
	}

	st.closed = true
	st.stopOnce.Do(func() { close(st.stopBeats) })
	for sub := range st.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	st.subs = make(map[*Subscription]struct{})
	st.mu.Unlock()

	time.AfterFunc(st.opts.CloseGrace, func() {
		b.mu.Lock()
		if b.streams[taskID] == st {
			delete(b.streams, taskID)
		}
		b.mu.Unlock()
		slog.Debug("Log stream torn down", logfields.TaskID(taskID))
	})
}

func levelFor(status model.TaskStatus) model.LogLevel {
	switch status {
	case model.TaskCompleted:
		return model.LogSuccess
	case model.TaskFailed:
		return model.LogError
	default:
		return model.LogInfo
	}
}

func (st *stream) heartbeatLoop() {
	ticker := time.NewTicker(st.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stopBeats:
			return
		case <-ticker.C:
			st.mu.Lock()
			if st.closed {
				st.mu.Unlock()
				return
			}
			beat := model.LogRecord{
				TaskID:    st.taskID,
				Level:     model.LogDebug,
				Source:    SourceHeartbeat,
				Timestamp: time.Now(),
			}
			for sub := range st.subs {
				sub.deliverHeartbeat(beat)
			}
			st.mu.Unlock()
		}
	}
}
