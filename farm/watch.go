package farm

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchBuffer is the queue length of a watcher created with size <= 0.
const DefaultWatchBuffer = 256

// Change describes one tile transition. Removed is set when the device left
// the fleet and the tile was destroyed.
type Change struct {
	DeviceID string    `json:"device_id"`
	From     State     `json:"from,omitempty"`
	To       State     `json:"to"`
	Removed  bool      `json:"removed,omitempty"`
	Tile     Snapshot  `json:"tile"`
	At       time.Time `json:"at"`
}

// Watcher receives tile changes. A watcher that falls behind loses its
// oldest changes; it never slows the farm.
type Watcher struct {
	hub     *watchHub
	id      uint64
	ch      chan Change
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the change queue. It is closed by Close or when the farm stops.
func (w *Watcher) C() <-chan Change { return w.ch }

// Dropped returns how many changes were discarded for this watcher.
func (w *Watcher) Dropped() uint64 { return w.dropped.Load() }

// Close detaches the watcher.
func (w *Watcher) Close() {
	w.hub.remove(w.id)
}

func (w *Watcher) offer(c Change) {
	select {
	case w.ch <- c:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	w.dropped.Add(1)
	select {
	case w.ch <- c:
	default:
	}
}

func (w *Watcher) close() {
	w.once.Do(func() { close(w.ch) })
}

type watchHub struct {
	mu       sync.Mutex
	next     uint64
	closed   bool
	watchers map[uint64]*Watcher
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[uint64]*Watcher)}
}

func (h *watchHub) add(size int) *Watcher {
	if size <= 0 {
		size = DefaultWatchBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	w := &Watcher{hub: h, id: h.next, ch: make(chan Change, size)}
	if h.closed {
		w.close()
		return w
	}
	h.watchers[w.id] = w
	return w
}

func (h *watchHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		w.close()
	}
}

func (h *watchHub) emit(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.watchers {
		w.offer(c)
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, w := range h.watchers {
		delete(h.watchers, id)
		w.close()
	}
}
