// Package bus implements the in-process publish/subscribe message bus.
//
// The core bus routes envelopes from a bounded publish queue to every
// subscription whose filter matches, with per-subscription bounded
// channels and mode-specific overflow behavior. The enhanced bus
// composes the core with circuit breakers, retries, the dead letter
// queue, correlation-tracked logging, and the recovery system.
package bus

import (
	"fmt"
	"time"
)

// ModeKind discriminates delivery modes.
type ModeKind string

const (
	ModeReliable   ModeKind = "reliable"
	ModeBestEffort ModeKind = "best_effort"
	ModeLatestOnly ModeKind = "latest_only"
)

// DeliveryMode selects the per-subscription delivery guarantee.
// Reliable waits up to Timeout for channel space; BestEffort drops on
// a full channel; LatestOnly keeps only the newest message.
type DeliveryMode struct {
	Kind    ModeKind
	Timeout time.Duration // Reliable only
}

// Reliable returns a delivery mode that waits up to timeout for the
// subscriber's channel.
func Reliable(timeout time.Duration) DeliveryMode {
	return DeliveryMode{Kind: ModeReliable, Timeout: timeout}
}

// BestEffort returns a fire-and-forget delivery mode.
func BestEffort() DeliveryMode {
	return DeliveryMode{Kind: ModeBestEffort}
}

// LatestOnly returns a delivery mode holding only the newest message,
// dropping the previous one on overflow.
func LatestOnly() DeliveryMode {
	return DeliveryMode{Kind: ModeLatestOnly}
}

// String renders the mode for logs and metrics labels.
func (m DeliveryMode) String() string {
	if m.Kind == ModeReliable {
		return fmt.Sprintf("reliable(%s)", m.Timeout)
	}
	return string(m.Kind)
}

// channelCapacity sizes a subscription channel from the bus queue
// capacity: a quarter for reliable, an eighth for best-effort, one for
// latest-only.
func (m DeliveryMode) channelCapacity(queueCapacity int) int {
	switch m.Kind {
	case ModeReliable:
		return max(1, queueCapacity/4)
	case ModeBestEffort:
		return max(1, queueCapacity/8)
	default:
		return 1
	}
}
