package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{FirstInterval: time.Millisecond, Coefficient: 2, MaxInterval: 5 * time.Millisecond, MaxAttempts: 4}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("store busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "test", func(ctx context.Context) error {
		calls++
		return errors.New("still busy")
	})

	require.Error(t, err)
	assert.Equal(t, "still busy", err.Error())
	assert.Equal(t, fast.MaxAttempts, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	sentinel := errors.New("403 forbidden")
	err := Do(context.Background(), fast, "test", func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_OncePolicySingleAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Once, "test", func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slow := Policy{FirstInterval: time.Hour, Coefficient: 2, MaxAttempts: 3}
	err := Do(ctx, slow, "test", func(ctx context.Context) error {
		return errors.New("busy")
	})

	require.Error(t, err)
}

func TestDoWithClock_WaitsOnGivenClock(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	slow := Policy{FirstInterval: time.Hour, Coefficient: 2, MaxAttempts: 3}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- DoWithClock(context.Background(), clk, slow, "test", func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("busy")
			}
			return nil
		})
	}()

	require.NoError(t, clk.WaitAdvance(time.Hour, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(2*time.Hour, time.Second, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not finish after the clock advanced")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoWithClock_DoesNotFireEarly(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	slow := Policy{FirstInterval: time.Hour, Coefficient: 2, MaxAttempts: 2}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- DoWithClock(context.Background(), clk, slow, "test", func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("busy")
		})
	}()

	require.NoError(t, clk.WaitAdvance(59*time.Minute, time.Second, 1))
	select {
	case <-done:
		t.Fatal("second attempt ran before the delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(time.Minute)
	select {
	case err := <-done:
		assert.EqualError(t, err, "busy")
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not finish after the clock advanced")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestPolicyBackOff_Intervals(t *testing.T) {
	p := Policy{FirstInterval: time.Second, Coefficient: 2, MaxInterval: 3 * time.Second, MaxAttempts: 4}
	b := p.BackOff()

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "attempts exhausted")
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, StatusWrite.Validate())
	assert.NoError(t, Activity.Validate())
	assert.NoError(t, Once.Validate())
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{MaxAttempts: 3, Coefficient: 2}.Validate())
	assert.Error(t, Policy{MaxAttempts: 3, FirstInterval: time.Second, Coefficient: 0.5}.Validate())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryTransient, Classify(errors.New("timeout")))
	assert.Equal(t, CategoryPermanent, Classify(Permanent(errors.New("bad request"))))
	assert.Nil(t, Permanent(nil))
}
