package fanout

import (
	"sync"
	"sync/atomic"

	"androidfarm/transport"
)

// Subscription is one consumer's view of a device stream.
type Subscription struct {
	deviceID string
	consumer string
	ch       chan transport.Frame
	dropped  atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// C returns the frame queue. It is closed when the consumer is unregistered
// or the connection goes away.
func (s *Subscription) C() <-chan transport.Frame { return s.ch }

// DeviceID returns the device this subscription observes.
func (s *Subscription) DeviceID() string { return s.deviceID }

// Consumer returns the consumer handle.
func (s *Subscription) Consumer() string { return s.consumer }

// Dropped returns how many frames were discarded for this consumer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// offer queues fr, evicting the oldest queued frame when full. It reports
// whether a frame was dropped. Callers serialise offers per subscription.
func (s *Subscription) offer(fr transport.Frame) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- fr:
		return false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)

	select {
	case s.ch <- fr:
	default:
		// unreachable while offers are serialised per stream
	}
	return true
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}
