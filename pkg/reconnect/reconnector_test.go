package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type outcomes struct {
	mu   sync.Mutex
	errs []error
}

func (o *outcomes) record(_ int, err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *outcomes) snapshot() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func TestReconnector_FailsTwiceThenConnects(t *testing.T) {
	var calls atomic.Int32
	var connected atomic.Bool
	attempt := func(context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("refused")
		}
		connected.Store(true)
		return nil
	}
	var out outcomes
	r := New(Policy{Delay: 20 * time.Millisecond}, attempt, out.record)
	r.Start(context.Background())

	require.Eventually(t, connected.Load, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)

	// nothing else fires afterwards
	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, 3, r.Attempts())
	require.False(t, r.Pending())

	errs := out.snapshot()
	require.Len(t, errs, 3)
	require.Error(t, errs[0])
	require.Error(t, errs[1])
	require.NoError(t, errs[2])
}

func TestReconnector_WaitsForDelay(t *testing.T) {
	var calls atomic.Int32
	r := New(Policy{Delay: 150 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}, nil)
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, r.Pending, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestReconnector_StopCancelsPendingRetry(t *testing.T) {
	var calls atomic.Int32
	r := New(Policy{Delay: 50 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}, nil)
	r.Start(context.Background())
	require.Eventually(t, r.Pending, time.Second, 5*time.Millisecond)

	r.Stop()
	require.False(t, r.Pending())
	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())

	// a stopped reconnector never starts again
	r.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestReconnector_StopCancelsRunningAttempt(t *testing.T) {
	started := make(chan struct{})
	var out outcomes
	r := New(Policy{Delay: time.Millisecond}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, out.record)
	r.Start(context.Background())
	<-started
	r.Stop()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, r.Attempts())
	require.Empty(t, out.snapshot())
	require.False(t, r.Pending())
}

func TestReconnector_MaxAttempts(t *testing.T) {
	var out outcomes
	r := New(Policy{Delay: 5 * time.Millisecond, MaxAttempts: 3}, func(context.Context) error {
		return errors.New("nope")
	}, out.record)
	r.Start(context.Background())

	require.Eventually(t, func() bool { return len(out.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	errs := out.snapshot()
	require.Len(t, errs, 3)
	require.True(t, errors.Is(errs[2], ErrGaveUp))
	require.False(t, r.Running())
	require.False(t, r.Pending())
}

func TestReconnector_RestartAfterSuccess(t *testing.T) {
	var calls atomic.Int32
	r := New(DefaultPolicy(), func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)
	r.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() == 1 && !r.Running() }, time.Second, 5*time.Millisecond)

	r.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, r.Attempts())
	r.Stop()
}

func TestReconnector_StartDuringAttemptRunsAgainAtOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	attempt := func(context.Context) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}
	var out outcomes
	r := New(Policy{Delay: time.Hour}, attempt, out.record)
	r.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// the connection opened by the first attempt drops before it returns
	r.Start(context.Background())
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 && !r.Running() }, time.Second, 5*time.Millisecond)
	errs := out.snapshot()
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])
	require.False(t, r.Pending())
	require.Equal(t, 2, r.Attempts())
}
