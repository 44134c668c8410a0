// Package fanout multiplexes one device stream to any number of consumers.
//
// A device has exactly one stream here, created when the pool admits a
// connection and removed when the pool closes it. Consumers register against
// that stream; each gets its own bounded queue. A slow consumer loses its
// oldest queued frames and never slows the producer or its siblings.
package fanout

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"androidfarm/logging"
	"androidfarm/metrics"
	"androidfarm/transport"
)

// ErrNoSuchConnection is returned when registering against a device that has
// no pool connection.
var ErrNoSuchConnection = errors.New("no such connection")

// DefaultQueueSize is the per-consumer queue length used when none is configured.
const DefaultQueueSize = 64

// Codec configuration is a handful of NAL units (SPS, PPS); more means the
// cache is being fed something else.
const maxConfigFrames = 4

// Tracker is told when a device gains or loses a distinct consumer.
type Tracker interface {
	ObserverAdded(deviceID string)
	ObserverRemoved(deviceID string)
}

// Fanout owns the per-device streams and their consumer queues.
//
// Open, Close, Register and Unregister belong to the coordination goroutine.
// Publish is called from transport workers and is safe for concurrent use.
type Fanout struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	queueSize int
	tracker   Tracker
	log       zerolog.Logger
}

type stream struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	config     []transport.Frame
	lastConfig bool
	published  uint64
}

// New returns a fanout with queueSize frames per consumer.
func New(queueSize int, tracker Tracker) *Fanout {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Fanout{
		streams:   make(map[string]*stream),
		queueSize: queueSize,
		tracker:   tracker,
		log:       logging.WithComponent("fanout"),
	}
}

// SetTracker replaces the tracker. Call before any registration.
func (f *Fanout) SetTracker(t Tracker) {
	f.tracker = t
}

// Open creates the stream for deviceID. Opening an existing stream is a no-op.
func (f *Fanout) Open(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[deviceID]; ok {
		return
	}
	f.streams[deviceID] = &stream{subs: make(map[string]*Subscription)}
}

// Close removes deviceID's stream and closes every consumer queue.
func (f *Fanout) Close(deviceID string) {
	f.mu.Lock()
	st := f.streams[deviceID]
	delete(f.streams, deviceID)
	f.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	subs := st.subs
	st.subs = make(map[string]*Subscription)
	st.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	if len(subs) > 0 {
		f.log.Debug().
			Str(logging.FieldEvent, "fanout.stream_closed").
			Str(logging.FieldDevice, deviceID).
			Int("observers", len(subs)).
			Msg("stream closed with observers attached")
	}
}

// Register adds consumer to deviceID's stream and returns its subscription.
// Registering a consumer that is already attached returns the existing
// subscription without counting it twice.
func (f *Fanout) Register(deviceID, consumer string) (*Subscription, error) {
	f.mu.RLock()
	st := f.streams[deviceID]
	f.mu.RUnlock()
	if st == nil {
		return nil, ErrNoSuchConnection
	}

	st.mu.Lock()
	if existing, ok := st.subs[consumer]; ok {
		st.mu.Unlock()
		return existing, nil
	}
	sub := &Subscription{
		deviceID: deviceID,
		consumer: consumer,
		ch:       make(chan transport.Frame, f.queueSize),
	}
	// Prime with codec configuration so a late joiner can decode the next keyframe.
	for _, fr := range st.config {
		sub.offer(fr)
	}
	st.subs[consumer] = sub
	st.mu.Unlock()

	if f.tracker != nil {
		f.tracker.ObserverAdded(deviceID)
	}
	return sub, nil
}

// Unregister detaches consumer from deviceID. It reports whether the
// consumer was attached.
func (f *Fanout) Unregister(deviceID, consumer string) bool {
	f.mu.RLock()
	st := f.streams[deviceID]
	f.mu.RUnlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	sub, ok := st.subs[consumer]
	delete(st.subs, consumer)
	st.mu.Unlock()
	if !ok {
		return false
	}

	sub.close()
	if f.tracker != nil {
		f.tracker.ObserverRemoved(deviceID)
	}
	return true
}

// Publish delivers fr to every consumer of fr.DeviceID. It never blocks.
func (f *Fanout) Publish(fr transport.Frame) {
	f.mu.RLock()
	st := f.streams[fr.DeviceID]
	f.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	if fr.Kind == transport.FrameConfig {
		if !st.lastConfig {
			st.config = st.config[:0]
		}
		if len(st.config) == maxConfigFrames {
			st.config = st.config[1:]
		}
		st.config = append(st.config, fr)
		st.lastConfig = true
	} else {
		st.lastConfig = false
	}
	st.published++
	for _, sub := range st.subs {
		if sub.offer(fr) {
			metrics.FanoutDropsTotal.Inc()
		}
	}
	st.mu.Unlock()

	metrics.FanoutFramesTotal.Inc()
}

// ObserverCount returns the number of consumers attached to deviceID.
func (f *Fanout) ObserverCount(deviceID string) int {
	f.mu.RLock()
	st := f.streams[deviceID]
	f.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// Has reports whether deviceID has an open stream.
func (f *Fanout) Has(deviceID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.streams[deviceID]
	return ok
}

// ObserverStats describes one consumer queue.
type ObserverStats struct {
	Consumer string `json:"consumer"`
	Queued   int    `json:"queued"`
	Dropped  uint64 `json:"dropped"`
}

// StreamStats describes one device stream.
type StreamStats struct {
	DeviceID  string          `json:"device_id"`
	Published uint64          `json:"published"`
	Observers []ObserverStats `json:"observers"`
}

// Stats returns counters for deviceID's stream.
func (f *Fanout) Stats(deviceID string) (StreamStats, bool) {
	f.mu.RLock()
	st := f.streams[deviceID]
	f.mu.RUnlock()
	if st == nil {
		return StreamStats{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := StreamStats{DeviceID: deviceID, Published: st.published}
	for _, sub := range st.subs {
		out.Observers = append(out.Observers, ObserverStats{
			Consumer: sub.consumer,
			Queued:   len(sub.ch),
			Dropped:  sub.Dropped(),
		})
	}
	sort.Slice(out.Observers, func(i, j int) bool { return out.Observers[i].Consumer < out.Observers[j].Consumer })
	return out, true
}
