package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// subscriptionManager owns the subscription table. All access goes
// through its methods; the router reads matches, the facade mutates.
type subscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	queueCapacity int
}

func newSubscriptionManager(queueCapacity int) *subscriptionManager {
	return &subscriptionManager{
		subscriptions: make(map[string]*subscription),
		queueCapacity: queueCapacity,
	}
}

func (m *subscriptionManager) add(module message.ModuleID, filter message.Filter, mode DeliveryMode) (*subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	sub := newSubscription(uuid.New().String(), module, filter, mode, m.queueCapacity)
	m.mu.Lock()
	m.subscriptions[sub.id] = sub
	m.mu.Unlock()
	return sub, nil
}

func (m *subscriptionManager) remove(id string) error {
	m.mu.Lock()
	sub, ok := m.subscriptions[id]
	if ok {
		delete(m.subscriptions, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrSubscriptionNotFound, "Bus", "Unsubscribe", id)
	}
	sub.close()
	return nil
}

// matching returns subscriptions whose filter accepts env.
func (m *subscriptionManager) matching(env *message.Envelope) []*subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*subscription
	for _, sub := range m.subscriptions {
		if sub.filter.Matches(env) {
			out = append(out, sub)
		}
	}
	return out
}

func (m *subscriptionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

func (m *subscriptionManager) allStats() []SubscriptionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SubscriptionStats, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub.stats())
	}
	return out
}

// closeAll removes and closes every subscription.
func (m *subscriptionManager) closeAll() {
	m.mu.Lock()
	subs := m.subscriptions
	m.subscriptions = make(map[string]*subscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
