package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
)

func newTestBus(t *testing.T, cfg Config) *CoreBus {
	t.Helper()
	b := NewCoreBus(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func readyEnvelope(version string) *message.Envelope {
	return message.NewEnvelope(message.ModuleDataCapture, &message.ModuleReadyPayload{
		Module:  message.ModuleDataCapture,
		Version: version,
	})
}

func collect(t *testing.T, ch <-chan *message.Envelope, n int) []*message.Envelope {
	t.Helper()
	out := make([]*message.Envelope, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-ch:
			require.True(t, ok, "channel closed early")
			out = append(out, env)
		case <-deadline:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 64})

	_, ch, err := b.Subscribe(message.ModuleGamification,
		message.NewFilter(message.WithKinds(message.KindModuleReady)), BestEffort())
	require.NoError(t, err)

	first := readyEnvelope("1.0.0")
	second := readyEnvelope("1.0.1")
	_, err = b.Publish(context.Background(), first)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), second)
	require.NoError(t, err)

	got := collect(t, ch, 2)
	assert.Equal(t, first.ID(), got[0].ID())
	assert.Equal(t, second.ID(), got[1].ID())

	m := b.Metrics()
	assert.Equal(t, int64(2), m.MessagesPublished)
}

func TestFilterExcludesNonMatching(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 64})

	_, ch, err := b.Subscribe(message.ModuleFigurine,
		message.NewFilter(message.WithKinds(message.KindAnimationCommand)), BestEffort())
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), readyEnvelope("1.0.0"))
	require.NoError(t, err)

	anim := message.NewEnvelope(message.ModuleGamification, &message.AnimationCommandPayload{
		Command: "wave",
	})
	_, err = b.Publish(context.Background(), anim)
	require.NoError(t, err)

	got := collect(t, ch, 1)
	assert.Equal(t, message.KindAnimationCommand, got[0].Kind())

	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery: %s", env.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBestEffortDropsOnFullChannel(t *testing.T) {
	// QueueCapacity 8 gives best-effort subscriptions a channel of 1.
	b := newTestBus(t, Config{QueueCapacity: 8})

	id, ch, err := b.Subscribe(message.ModuleStorage, message.NewFilter(), BestEffort())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = b.Publish(context.Background(), readyEnvelope("1.0.0"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		m := b.Metrics()
		return m.MessagesDelivered+m.MessagesDropped == 3
	}, 2*time.Second, 10*time.Millisecond)

	m := b.Metrics()
	assert.Equal(t, int64(1), m.MessagesDelivered)
	assert.Equal(t, int64(2), m.MessagesDropped)

	got := collect(t, ch, 1)
	require.Len(t, got, 1)

	require.NoError(t, b.Unsubscribe(id))
}

func TestLatestOnlyKeepsNewest(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 64})

	_, ch, err := b.Subscribe(message.ModuleFigurine, message.NewFilter(), LatestOnly())
	require.NoError(t, err)

	var last *message.Envelope
	for i := 0; i < 5; i++ {
		last = readyEnvelope("1.0.0")
		_, err = b.Publish(context.Background(), last)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		m := b.Metrics()
		return m.MessagesDelivered == 5
	}, 2*time.Second, 10*time.Millisecond)

	// Drain whatever is buffered; the final message must be the
	// newest one.
	var got *message.Envelope
	for {
		select {
		case env := <-ch:
			got = env
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	require.NotNil(t, got)
	assert.Equal(t, last.ID(), got.ID())
}

func TestReliableWaitsForSpace(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 4}) // reliable channel cap 1

	_, ch, err := b.Subscribe(message.ModuleStorage, message.NewFilter(),
		Reliable(2*time.Second))
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), readyEnvelope("a"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), readyEnvelope("b"))
	require.NoError(t, err)

	// The second delivery blocks until the subscriber drains the
	// first; nothing is dropped.
	got := collect(t, ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), b.Metrics().MessagesDropped)
}

func TestReliableTimeoutDropsAndReportsFailure(t *testing.T) {
	var failed []dropReason
	failure := func(_ *message.Envelope, _ SubscriptionStats, _ DeliveryMode, reason dropReason) {
		failed = append(failed, reason)
	}
	b := NewCoreBus(Config{QueueCapacity: 4}, nil, withDeliveryFailure(failure))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	_, _, err := b.Subscribe(message.ModuleStorage, message.NewFilter(),
		Reliable(30*time.Millisecond))
	require.NoError(t, err)

	// Nobody reads the channel; the second message times out.
	_, err = b.Publish(context.Background(), readyEnvelope("a"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), readyEnvelope("b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().MessagesDropped == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, failed, 1)
	assert.Equal(t, dropDeliveryTimeout, failed[0])
}

func TestPublishQueueFull(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 4, DeliveryTimeout: 50 * time.Millisecond})

	// A reliable subscription with no reader wedges the router, so the
	// publish queue backs up.
	_, _, err := b.Subscribe(message.ModuleStorage, message.NewFilter(), Reliable(time.Minute))
	require.NoError(t, err)

	var sawFull bool
	for i := 0; i < 12; i++ {
		if _, err := b.Publish(context.Background(), readyEnvelope("x")); err != nil {
			assert.ErrorIs(t, err, errors.ErrQueueFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 16})

	id, ch, err := b.Subscribe(message.ModuleStorage, message.NewFilter(), BestEffort())
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(id))

	_, ok := <-ch
	assert.False(t, ok)

	err = b.Unsubscribe(id)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionNotFound)
}

func TestUnsubscribeDuringBlockedReliableDelivery(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 4}) // reliable channel cap 1

	id, ch, err := b.Subscribe(message.ModuleStorage, message.NewFilter(),
		Reliable(2*time.Second))
	require.NoError(t, err)

	// First message fills the channel, second parks the router in the
	// timed reliable send.
	_, err = b.Publish(context.Background(), readyEnvelope("a"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), readyEnvelope("b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.Metrics().QueueDepth == 0
	}, time.Second, 5*time.Millisecond)

	// Removing the subscription under the in-flight send must not kill
	// the router.
	require.NoError(t, b.Unsubscribe(id))

	// The channel drains whatever landed before the removal and then
	// closes.
	closed := false
	deadline := time.After(2 * time.Second)
	for !closed {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("channel did not close after unsubscribe")
		}
	}

	// The router is still alive and delivering.
	_, ch2, err := b.Subscribe(message.ModuleGamification, message.NewFilter(), BestEffort())
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), readyEnvelope("c"))
	require.NoError(t, err)
	got := collect(t, ch2, 1)
	assert.Equal(t, message.ModuleDataCapture, got[0].Source())
}

func TestShutdownIdempotent(t *testing.T) {
	b := NewCoreBus(Config{QueueCapacity: 16}, nil)

	_, ch, err := b.Subscribe(message.ModuleStorage, message.NewFilter(), BestEffort())
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))

	_, ok := <-ch
	assert.False(t, ok)

	_, err = b.Publish(context.Background(), readyEnvelope("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBusClosed)
}

func TestPublishNilAndInvalid(t *testing.T) {
	b := newTestBus(t, Config{QueueCapacity: 16})

	_, err := b.Publish(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidMessage)
}

func TestNopBus(t *testing.T) {
	b := NewNopBus()

	id, err := b.Publish(context.Background(), readyEnvelope("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	subID, ch, err := b.Subscribe(message.ModuleStorage, message.NewFilter(), BestEffort())
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok)

	require.NoError(t, b.Unsubscribe(subID))
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Zero(t, b.Metrics().MessagesPublished)
}
