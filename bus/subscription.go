package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// SubscriptionStats is a snapshot of one subscription's counters.
type SubscriptionStats struct {
	ID           string           `json:"id"`
	Module       message.ModuleID `json:"module"`
	Mode         string           `json:"mode"`
	Attempted    int64            `json:"attempted"`
	Delivered    int64            `json:"delivered"`
	Dropped      int64            `json:"dropped"`
	LastDelivery time.Time        `json:"last_delivery,omitempty"`
}

// subscription is one registered subscriber. Counters are mutated only
// on the delivery path. The router may hold a reference past removal,
// so sends are bracketed by beginSend/endSend and the channel closes
// only once no send is in flight.
type subscription struct {
	id     string
	module message.ModuleID
	filter message.Filter
	mode   DeliveryMode
	ch     chan *message.Envelope
	done   chan struct{}

	attempted atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	lastMu       sync.Mutex
	lastDelivery time.Time

	stateMu  sync.Mutex
	closed   bool
	inflight int
	chOnce   sync.Once
}

func newSubscription(id string, module message.ModuleID, filter message.Filter, mode DeliveryMode, queueCapacity int) *subscription {
	return &subscription{
		id:     id,
		module: module,
		filter: filter,
		mode:   mode,
		ch:     make(chan *message.Envelope, mode.channelCapacity(queueCapacity)),
		done:   make(chan struct{}),
	}
}

// beginSend marks a delivery in flight. It returns false once the
// subscription is closed.
func (s *subscription) beginSend() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return false
	}
	s.inflight++
	return true
}

// endSend retires an in-flight delivery. The last one out closes the
// channel when the subscription was removed mid-send.
func (s *subscription) endSend() {
	s.stateMu.Lock()
	s.inflight--
	last := s.closed && s.inflight == 0
	s.stateMu.Unlock()
	if last {
		s.chOnce.Do(func() { close(s.ch) })
	}
}

// close marks the subscription closed and unblocks any pending send via
// done. The receive channel closes immediately when no send is in
// flight, otherwise as soon as the in-flight send observes done.
func (s *subscription) close() {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	inflight := s.inflight
	s.stateMu.Unlock()
	close(s.done)
	if inflight == 0 {
		s.chOnce.Do(func() { close(s.ch) })
	}
}

func (s *subscription) markDelivered(now time.Time) {
	s.delivered.Add(1)
	s.lastMu.Lock()
	s.lastDelivery = now
	s.lastMu.Unlock()
}

func (s *subscription) stats() SubscriptionStats {
	s.lastMu.Lock()
	last := s.lastDelivery
	s.lastMu.Unlock()
	return SubscriptionStats{
		ID:           s.id,
		Module:       s.module,
		Mode:         s.mode.String(),
		Attempted:    s.attempted.Load(),
		Delivered:    s.delivered.Load(),
		Dropped:      s.dropped.Load(),
		LastDelivery: last,
	}
}
