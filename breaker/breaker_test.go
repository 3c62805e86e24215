package breaker

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chreez/skelly-jelly-sub001/errors"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failingOp(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeedingOp() func(context.Context) error {
	return func(context.Context) error { return nil }
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("storage", Config{
		FailureThreshold: 2,
		CountingWindow:   time.Minute,
		ResetTimeout:     30 * time.Second,
	}, WithClock(clock.Now))

	opErr := stderrors.New("write failed")
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(opErr)))
	assert.Equal(t, StateClosed, b.State())

	require.Error(t, b.Execute(ctx, failingOp(opErr)))
	assert.Equal(t, StateOpen, b.State())

	// Third call must be rejected without invoking the operation
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.False(t, invoked)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.RejectedCalls)
	assert.False(t, stats.OpenedAt.IsZero())
}

func TestBreakerCountingWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	b := New("storage", Config{
		FailureThreshold: 2,
		CountingWindow:   10 * time.Second,
		ResetTimeout:     30 * time.Second,
	}, WithClock(clock.Now))

	opErr := stderrors.New("boom")
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(opErr)))

	// Second failure lands outside the counting window, so it starts a
	// fresh window instead of opening the breaker.
	clock.Advance(11 * time.Second)
	require.Error(t, b.Execute(ctx, failingOp(opErr)))
	assert.Equal(t, StateClosed, b.State())

	require.Error(t, b.Execute(ctx, failingOp(opErr)))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenClosesOnSuccess(t *testing.T) {
	clock := newFakeClock()
	b := New("analysis", Config{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}, WithClock(clock.Now))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(stderrors.New("boom"))))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Probe budget of 3, success threshold 2. Any probe failure
	// reopens, so run three successes and expect closed.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(ctx, succeedingOp()))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("analysis", Config{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}, WithClock(clock.Now))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(stderrors.New("boom"))))
	clock.Advance(10 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeedingOp()))
	require.Error(t, b.Execute(ctx, failingOp(stderrors.New("still broken"))))
	assert.Equal(t, StateOpen, b.State())

	// The reopen restarts the reset timeout from the failure
	clock.Advance(9 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	clock := newFakeClock()
	b := New("ai", Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}, WithClock(clock.Now))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(stderrors.New("boom"))))
	clock.Advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// A slow probe holds the budget; concurrent calls are rejected.
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, func(context.Context) error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to be admitted.
	require.Eventually(t, func() bool {
		return b.Stats().TotalCalls == 2
	}, time.Second, 5*time.Millisecond)

	err := b.Execute(ctx, succeedingOp())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOperationTimeoutCountsAsFailure(t *testing.T) {
	b := New("figurine", Config{
		FailureThreshold: 1,
		OperationTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	err := b.Execute(ctx, func(opCtx context.Context) error {
		<-opCtx.Done()
		return opCtx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int64(1), b.Stats().TotalFailures)
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	clock := newFakeClock()
	b := New("storage", Config{ResetTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	b.ForceOpen()
	err := b.Execute(ctx, succeedingOp())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)

	// Forced open does not decay into half-open
	clock.Advance(time.Hour)
	assert.Equal(t, StateOpen, b.State())

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(ctx, succeedingOp()))
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("gamification", Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	},
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(stderrors.New("boom"))))
	clock.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeedingOp()))

	assert.Equal(t, []string{"closed>open", "half-open>closed"}, transitions)
}

func TestBreakerStats(t *testing.T) {
	b := New("storage", Config{FailureThreshold: 10})
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeedingOp()))
	require.Error(t, b.Execute(ctx, failingOp(stderrors.New("boom"))))

	stats := b.Stats()
	assert.Equal(t, "storage", stats.Name)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
	assert.Equal(t, int64(1), stats.TotalFailures)
	assert.Equal(t, 1, stats.Failures)
}

func TestRegistryLazyCreation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2})

	b1 := r.Get("storage")
	b2 := r.Get("storage")
	assert.Same(t, b1, b2)

	b3 := r.GetWithConfig("ai", Config{FailureThreshold: 1})
	require.Error(t, b3.Execute(context.Background(), failingOp(stderrors.New("boom"))))
	assert.Equal(t, StateOpen, b3.State())
	assert.Equal(t, StateClosed, b1.State())

	assert.ElementsMatch(t, []string{"storage", "ai"}, r.Names())

	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateOpen, stats["ai"].State)

	r.Remove("ai")
	assert.Equal(t, []string{"storage"}, r.Names())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
