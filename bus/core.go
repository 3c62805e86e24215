package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/metric"
)

// Bus is the publish/subscribe contract. Implementations: CoreBus
// (in-process production bus), EnhancedBus (core plus resilience), and
// NopBus (disabled).
type Bus interface {
	// Publish enqueues an envelope for delivery and returns its id.
	Publish(ctx context.Context, env *message.Envelope) (string, error)

	// Subscribe registers a filtered subscription and returns its id
	// and receive channel. The channel closes on unsubscribe and at
	// shutdown.
	Subscribe(module message.ModuleID, filter message.Filter, mode DeliveryMode) (string, <-chan *message.Envelope, error)

	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(id string) error

	// Metrics returns a snapshot of bus counters.
	Metrics() Metrics

	// Shutdown drains the router and closes all subscriptions.
	// Idempotent.
	Shutdown(ctx context.Context) error
}

// Metrics is a point-in-time snapshot of bus activity.
type Metrics struct {
	MessagesPublished   int64               `json:"messages_published"`
	MessagesDelivered   int64               `json:"messages_delivered"`
	MessagesDropped     int64               `json:"messages_dropped"`
	PublishRejections   int64               `json:"publish_rejections"`
	QueueDepth          int                 `json:"queue_depth"`
	ActiveSubscriptions int                 `json:"active_subscriptions"`
	Subscriptions       []SubscriptionStats `json:"subscriptions,omitempty"`
}

// dropReason labels why a delivery was dropped.
type dropReason string

const (
	dropChannelFull     dropReason = "channel_full"
	dropDeliveryTimeout dropReason = "delivery_timeout"
	dropOverwritten     dropReason = "overwritten"
	dropSubscriberGone  dropReason = "subscriber_gone"
)

// deliveryFailureFunc is invoked by the router when a delivery is
// finally dropped. The enhanced bus uses it to dead-letter messages.
type deliveryFailureFunc func(env *message.Envelope, sub SubscriptionStats, mode DeliveryMode, reason dropReason)

// Config tunes the core bus.
type Config struct {
	// QueueCapacity bounds the publish queue and sizes subscription
	// channels. Zero means 1024.
	QueueCapacity int

	// DeliveryTimeout is the default bounded wait for reliable
	// subscriptions that did not set one. Zero means 5s.
	DeliveryTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
}

// CoreBus is the in-process bus. A single router goroutine drains the
// publish queue and fans out to matching subscriptions, which
// preserves publish order per subscription.
type CoreBus struct {
	cfg     Config
	manager *subscriptionManager
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	queue      chan *message.Envelope
	routerDone chan struct{}

	publishMu sync.RWMutex
	closed    bool

	shutdownOnce sync.Once

	published  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	rejections atomic.Int64

	onDeliveryFailure deliveryFailureFunc
}

// CoreOption configures a CoreBus.
type CoreOption func(*CoreBus)

// WithMetrics records prometheus counters on the publish and delivery
// paths.
func WithMetrics(m *metric.Metrics) CoreOption {
	return func(b *CoreBus) {
		b.metrics = m
	}
}

// WithClock overrides the bus time source, for tests.
func WithClock(now func() time.Time) CoreOption {
	return func(b *CoreBus) {
		if now != nil {
			b.now = now
		}
	}
}

// withDeliveryFailure installs the dead-letter hook.
func withDeliveryFailure(fn deliveryFailureFunc) CoreOption {
	return func(b *CoreBus) {
		b.onDeliveryFailure = fn
	}
}

// NewCoreBus creates and starts a core bus. The router runs until
// Shutdown.
func NewCoreBus(cfg Config, logger *slog.Logger, opts ...CoreOption) *CoreBus {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &CoreBus{
		cfg:        cfg,
		manager:    newSubscriptionManager(cfg.QueueCapacity),
		logger:     logger.With("component", "bus"),
		now:        time.Now,
		queue:      make(chan *message.Envelope, cfg.QueueCapacity),
		routerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.routerLoop()
	return b
}

// Publish enqueues env without blocking. A full queue returns
// ErrQueueFull; a shut-down bus returns ErrBusClosed.
func (b *CoreBus) Publish(_ context.Context, env *message.Envelope) (string, error) {
	if env == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidMessage, "Bus", "Publish", "nil envelope")
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	b.publishMu.RLock()
	defer b.publishMu.RUnlock()
	if b.closed {
		return "", errors.WrapInvalid(errors.ErrBusClosed, "Bus", "Publish", "bus is shut down")
	}

	select {
	case b.queue <- env:
		b.published.Add(1)
		if b.metrics != nil {
			b.metrics.RecordPublish(string(env.Source()), string(env.Kind()))
		}
		return env.ID(), nil
	default:
		b.rejections.Add(1)
		return "", errors.WrapTransient(errors.ErrQueueFull, "Bus", "Publish",
			"publish queue is full")
	}
}

// Subscribe registers a subscription for module with the given filter
// and delivery mode.
func (b *CoreBus) Subscribe(module message.ModuleID, filter message.Filter, mode DeliveryMode) (string, <-chan *message.Envelope, error) {
	b.publishMu.RLock()
	closed := b.closed
	b.publishMu.RUnlock()
	if closed {
		return "", nil, errors.WrapInvalid(errors.ErrBusClosed, "Bus", "Subscribe", "bus is shut down")
	}
	if mode.Kind == ModeReliable && mode.Timeout <= 0 {
		mode.Timeout = b.cfg.DeliveryTimeout
	}
	sub, err := b.manager.add(module, filter, mode)
	if err != nil {
		return "", nil, err
	}
	b.logger.Debug("subscription added",
		"subscription_id", sub.id,
		"module", string(module),
		"mode", mode.String())
	return sub.id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *CoreBus) Unsubscribe(id string) error {
	return b.manager.remove(id)
}

// Metrics returns a snapshot of bus counters.
func (b *CoreBus) Metrics() Metrics {
	return Metrics{
		MessagesPublished:   b.published.Load(),
		MessagesDelivered:   b.delivered.Load(),
		MessagesDropped:     b.dropped.Load(),
		PublishRejections:   b.rejections.Load(),
		QueueDepth:          len(b.queue),
		ActiveSubscriptions: b.manager.count(),
		Subscriptions:       b.manager.allStats(),
	}
}

// Shutdown stops accepting publishes, drains the router, and closes
// every subscription channel. Safe to call more than once.
func (b *CoreBus) Shutdown(ctx context.Context) error {
	var err error
	b.shutdownOnce.Do(func() {
		b.publishMu.Lock()
		b.closed = true
		close(b.queue)
		b.publishMu.Unlock()

		select {
		case <-b.routerDone:
		case <-ctx.Done():
			err = errors.WrapTransient(ctx.Err(), "Bus", "Shutdown", "waiting for router drain")
		}
		b.manager.closeAll()
		b.logger.Info("bus shut down",
			"published", b.published.Load(),
			"delivered", b.delivered.Load(),
			"dropped", b.dropped.Load())
	})
	return err
}

func (b *CoreBus) routerLoop() {
	defer close(b.routerDone)
	for env := range b.queue {
		for _, sub := range b.manager.matching(env) {
			b.deliver(sub, env)
		}
	}
}

func (b *CoreBus) deliver(sub *subscription, env *message.Envelope) {
	// The bracket keeps the channel open across the send even when the
	// subscription is removed concurrently.
	if !sub.beginSend() {
		return
	}
	defer sub.endSend()

	sub.attempted.Add(1)
	start := b.now()

	switch sub.mode.Kind {
	case ModeBestEffort:
		select {
		case sub.ch <- env:
			b.recordDelivered(sub, start)
		default:
			b.recordDropped(sub, env, dropChannelFull)
		}

	case ModeLatestOnly:
		for {
			select {
			case sub.ch <- env:
				b.recordDelivered(sub, start)
				return
			default:
			}
			// Full: evict the stale message and retry the send.
			select {
			case old := <-sub.ch:
				b.recordDropped(sub, old, dropOverwritten)
			default:
			}
		}

	default: // ModeReliable
		select {
		case sub.ch <- env:
			b.recordDelivered(sub, start)
			return
		default:
		}
		timer := time.NewTimer(sub.mode.Timeout)
		defer timer.Stop()
		select {
		case sub.ch <- env:
			b.recordDelivered(sub, start)
		case <-sub.done:
			b.recordDropped(sub, env, dropSubscriberGone)
		case <-timer.C:
			b.recordDropped(sub, env, dropDeliveryTimeout)
		}
	}
}

func (b *CoreBus) recordDelivered(sub *subscription, start time.Time) {
	sub.markDelivered(b.now())
	b.delivered.Add(1)
	if b.metrics != nil {
		b.metrics.RecordDelivery(string(sub.module), string(sub.mode.Kind), b.now().Sub(start))
		b.metrics.RecordQueueDepth(string(sub.module), len(sub.ch))
	}
}

func (b *CoreBus) recordDropped(sub *subscription, env *message.Envelope, reason dropReason) {
	sub.dropped.Add(1)
	b.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.RecordDrop(string(sub.module), string(reason))
	}
	b.logger.Warn("delivery dropped",
		"subscription_id", sub.id,
		"module", string(sub.module),
		"message_id", env.ID(),
		"reason", string(reason))
	if b.onDeliveryFailure != nil && reason != dropOverwritten {
		b.onDeliveryFailure(env, sub.stats(), sub.mode, reason)
	}
}
