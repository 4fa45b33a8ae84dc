package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, BackoffLinear, p.Mode)
	assert.Equal(t, 100*time.Millisecond, p.Initial)
	assert.Equal(t, time.Second, p.Max)
	assert.Equal(t, 2, p.MaxRetries)
	assert.NoError(t, p.Validate())
}

func TestDelayGrowth(t *testing.T) {
	linear := Policy{Mode: BackoffLinear, Initial: 10 * time.Millisecond, Max: 25 * time.Millisecond}
	assert.Equal(t, time.Duration(0), linear.Delay(0))
	assert.Equal(t, 10*time.Millisecond, linear.Delay(1))
	assert.Equal(t, 20*time.Millisecond, linear.Delay(2))
	assert.Equal(t, 25*time.Millisecond, linear.Delay(3), "capped at max")

	exp := Policy{Mode: BackoffExponential, Initial: 10 * time.Millisecond, Max: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 20*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 35*time.Millisecond, exp.Delay(3), "capped at max")

	fixed := Policy{Mode: BackoffFixed, Initial: 10 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 10*time.Millisecond, fixed.Delay(5))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 3}

	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}

	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: time.Hour, Max: time.Hour, MaxRetries: 2}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func() error {
			calls++
			return errors.New("transient")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
