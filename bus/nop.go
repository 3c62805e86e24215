package bus

import (
	"context"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// NopBus accepts every call and delivers nothing. It stands in for the
// real bus when messaging is disabled and in tests that only need the
// contract satisfied.
type NopBus struct{}

// NewNopBus returns a disabled bus.
func NewNopBus() *NopBus {
	return &NopBus{}
}

func (*NopBus) Publish(_ context.Context, env *message.Envelope) (string, error) {
	if env == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidMessage, "NopBus", "Publish", "nil envelope")
	}
	return env.ID(), nil
}

func (*NopBus) Subscribe(message.ModuleID, message.Filter, DeliveryMode) (string, <-chan *message.Envelope, error) {
	ch := make(chan *message.Envelope)
	close(ch)
	return "nop", ch, nil
}

func (*NopBus) Unsubscribe(string) error {
	return nil
}

func (*NopBus) Metrics() Metrics {
	return Metrics{}
}

func (*NopBus) Shutdown(context.Context) error {
	return nil
}

var (
	_ Bus = (*NopBus)(nil)
	_ Bus = (*CoreBus)(nil)
	_ Bus = (*EnhancedBus)(nil)
)
