// Package events is a small typed in-process bus for daemon orchestration.
// It is not durable; its consumers are side channels (metrics, the NATS
// mirror) that must never slow down the task runtime, so delivery is
// best-effort into bounded buffers.
package events

import (
	"reflect"
	"sync"
	"time"

	"github.com/apkforge/apkforge/internal/model"
)

// TaskCreated fires when a task record is persisted.
type TaskCreated struct {
	Task *model.Task
	At   time.Time
}

// TaskStarted fires on the pending to running transition.
type TaskStarted struct {
	TaskID    string
	ProjectID string
	At        time.Time
}

// TaskFinished fires once per task, on the transition to a terminal state.
type TaskFinished struct {
	TaskID    string
	ProjectID string
	Status    model.TaskStatus
	ErrorKind string
	Duration  time.Duration
	At        time.Time
}

// GitOperationRecorded fires when a git operation reaches a terminal status.
type GitOperationRecorded struct {
	Operation *model.GitOperation
	At        time.Time
}

// Bus fans typed events out to subscribers. Publish never blocks; a full
// subscriber buffer loses the event for that subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type]map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	send  func(evt any) bool
	close func()
}

func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type]map[uint64]*subscriber)}
}

// Subscribe registers a buffered subscription for events of type T. The
// returned cancel func detaches the subscription and closes the channel.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	eventType := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID

	var once sync.Once
	closeChannel := func() { once.Do(func() { close(ch) }) }

	sub := &subscriber{
		send: func(evt any) bool {
			typed, ok := evt.(T)
			if !ok {
				return false
			}
			select {
			case ch <- typed:
			default:
			}
			return true
		},
		close: closeChannel,
	}

	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscriber)
	}
	b.subs[eventType][id] = sub

	cancel := func() {
		b.mu.Lock()
		if typeSubs, ok := b.subs[eventType]; ok {
			delete(typeSubs, id)
			if len(typeSubs) == 0 {
				delete(b.subs, eventType)
			}
		}
		b.mu.Unlock()
		closeChannel()
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber of its concrete type.
func (b *Bus) Publish(evt any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[reflect.TypeOf(evt)] {
		sub.send(evt)
	}
}

// Close closes every subscription channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, typeSubs := range b.subs {
		for _, sub := range typeSubs {
			sub.close()
		}
	}
	b.subs = make(map[reflect.Type]map[uint64]*subscriber)
}
