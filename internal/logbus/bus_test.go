package logbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/model"
)

func testBus() *Bus {
	return New(Options{
		RingSize:          8,
		SubscriberBuffer:  4,
		HeartbeatInterval: time.Hour, // keep heartbeats out of the way
		CloseGrace:        50 * time.Millisecond,
	})
}

func record(msg string) model.LogRecord {
	return model.LogRecord{Level: model.LogInfo, Message: msg, Source: SourceGradle}
}

func collect(sub *Subscription, n int) []model.LogRecord {
	out := make([]model.LogRecord, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, rec)
		case <-timeout:
			return out
		}
	}
	return out
}

func TestPublishAssignsDenseSequence(t *testing.T) {
	bus := testBus()
	sub := bus.Subscribe("t1", 0)
	defer sub.Cancel()

	bus.Publish("t1", record("a"))
	bus.Publish("t1", record("b"))
	bus.Publish("t1", record("c"))

	recs := collect(sub, 3)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, "t1", rec.TaskID)
	}
}

func TestSubscribeReplaysRecentRecords(t *testing.T) {
	bus := testBus()
	for i := 0; i < 5; i++ {
		bus.Publish("t1", record(string(rune('a'+i))))
	}

	sub := bus.Subscribe("t1", 3)
	defer sub.Cancel()

	recs := collect(sub, 3)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].Message)
	assert.Equal(t, "d", recs[1].Message)
	assert.Equal(t, "e", recs[2].Message)
	assert.Equal(t, uint64(3), recs[0].Seq)
}

func TestReplayBoundedByRing(t *testing.T) {
	bus := testBus() // ring size 8
	for i := 0; i < 20; i++ {
		bus.Publish("t1", record("x"))
	}

	sub := bus.Subscribe("t1", 100)
	defer sub.Cancel()

	recs := collect(sub, 8)
	require.Len(t, recs, 8)
	assert.Equal(t, uint64(13), recs[0].Seq, "only the newest ring records survive")
	assert.Equal(t, uint64(20), recs[7].Seq)
}

func TestSlowSubscriberDropsItsOldest(t *testing.T) {
	bus := testBus() // subscriber buffer 4
	slow := bus.Subscribe("t1", 0)
	defer slow.Cancel()

	for i := 0; i < 10; i++ {
		bus.Publish("t1", record(string(rune('a'+i))))
	}

	recs := collect(slow, 4)
	require.Len(t, recs, 4)
	assert.Equal(t, uint64(7), recs[0].Seq, "oldest buffered records were dropped")
	assert.Equal(t, uint64(10), recs[3].Seq)
	assert.Equal(t, uint64(6), slow.Dropped())
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := New(Options{
		RingSize:          64,
		SubscriberBuffer:  4,
		HeartbeatInterval: time.Hour,
		CloseGrace:        50 * time.Millisecond,
	})

	slow := bus.Subscribe("t1", 0)
	defer slow.Cancel()
	fast := bus.Subscribe("t1", 0)
	defer fast.Cancel()

	var fastSeen []model.LogRecord
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range fast.C {
			fastSeen = append(fastSeen, rec)
			if len(fastSeen) == 10 {
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		bus.Publish("t1", record("x"))
		time.Sleep(time.Millisecond) // let the fast reader keep up
	}
	<-done

	require.Len(t, fastSeen, 10)
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Greater(t, slow.Dropped(), uint64(0))
}

func TestCloseEmitsFinalRecordAndClosesChannels(t *testing.T) {
	bus := testBus()
	sub := bus.Subscribe("t1", 0)

	bus.Publish("t1", record("a"))
	bus.Close("t1", model.TaskCompleted)

	recs := collect(sub, 2)
	require.Len(t, recs, 2)
	final := recs[1]
	assert.Equal(t, SourceFinal, final.Source)
	assert.Equal(t, string(model.TaskCompleted), final.Message)
	assert.Equal(t, model.LogSuccess, final.Level)

	_, ok := <-sub.C
	assert.False(t, ok, "channel must be closed after the final record")
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	bus := testBus()
	bus.Publish("t1", record("a"))
	bus.Close("t1", model.TaskFailed)
	bus.Publish("t1", record("late"))

	sub := bus.Subscribe("t1", 10)
	recs := collect(sub, 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Message)
	assert.Equal(t, SourceFinal, recs[1].Source)
}

func TestLateSubscriberReadsReplayDuringGrace(t *testing.T) {
	bus := testBus()
	bus.Publish("t1", record("a"))
	bus.Close("t1", model.TaskCompleted)

	sub := bus.Subscribe("t1", 10)
	recs := collect(sub, 2)
	require.Len(t, recs, 2)

	_, ok := <-sub.C
	assert.False(t, ok, "late subscription to a closed stream ends after the replay")
}

func TestStreamTornDownAfterGrace(t *testing.T) {
	bus := testBus()
	bus.Publish("t1", record("a"))
	bus.Close("t1", model.TaskCompleted)

	time.Sleep(120 * time.Millisecond)

	sub := bus.Subscribe("t1", 10)
	defer sub.Cancel()
	recs := collect(sub, 1)
	assert.Empty(t, recs, "ring is gone after teardown")
}

func TestCancelUnsubscribesOnlyItself(t *testing.T) {
	bus := testBus()
	a := bus.Subscribe("t1", 0)
	b := bus.Subscribe("t1", 0)
	defer b.Cancel()

	a.Cancel()
	bus.Publish("t1", record("x"))

	recs := collect(b, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "x", recs[0].Message)

	_, ok := <-a.C
	assert.False(t, ok)
}

func TestIdleStreamReleasedOnLastCancel(t *testing.T) {
	bus := testBus()

	// Attach to a task that never publishes, then walk away.
	sub := bus.Subscribe("t1", 0)
	sub.Cancel()

	bus.mu.Lock()
	_, ok := bus.streams["t1"]
	bus.mu.Unlock()
	assert.False(t, ok, "stream with no records and no subscribers is released")

	// A stream that has seen a publish keeps its ring for replay.
	sub2 := bus.Subscribe("t2", 0)
	bus.Publish("t2", record("a"))
	collect(sub2, 1)
	sub2.Cancel()

	bus.mu.Lock()
	_, ok = bus.streams["t2"]
	bus.mu.Unlock()
	assert.True(t, ok, "published stream survives subscriber churn")

	late := bus.Subscribe("t2", 10)
	defer late.Cancel()
	recs := collect(late, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Message)
}

func TestHeartbeatDelivered(t *testing.T) {
	bus := New(Options{
		RingSize:          8,
		SubscriberBuffer:  4,
		HeartbeatInterval: 10 * time.Millisecond,
		CloseGrace:        50 * time.Millisecond,
	})
	sub := bus.Subscribe("t1", 0)
	defer sub.Cancel()

	select {
	case rec := <-sub.C:
		assert.Equal(t, SourceHeartbeat, rec.Source)
		assert.Zero(t, rec.Seq)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
	assert.Equal(t, uint64(0), sub.Dropped(), "heartbeats never count as drops")
}
