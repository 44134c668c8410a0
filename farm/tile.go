package farm

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"androidfarm/quality"
)

// State is a tile's display state.
type State string

const (
	StateNotConnected  State = "not_connected"
	StateConnecting    State = "connecting"
	StateStreaming     State = "streaming"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateNotConnected, StateConnecting, StateStreaming, StateDisconnecting, StateFailed}

// transitions lists the legal edges. Any state may fail. NotConnected and
// Failed go straight to Streaming when the pool still holds a live
// connection for the device.
var transitions = map[State][]State{
	StateNotConnected:  {StateConnecting, StateStreaming, StateFailed},
	StateConnecting:    {StateStreaming, StateDisconnecting, StateFailed},
	StateStreaming:     {StateDisconnecting, StateFailed},
	StateDisconnecting: {StateNotConnected, StateFailed},
	StateFailed:        {StateConnecting, StateStreaming, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports a request that the tile's state does not allow.
type TransitionError struct {
	DeviceID string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tile %s: invalid transition %s -> %s", e.DeviceID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Tile is the display record for one discovered device. Tiles live on the
// coordination goroutine; callers only ever see Snapshots.
type Tile struct {
	DeviceID  string
	State     State
	Quality   *quality.Tier
	LastError string
	UpdatedAt time.Time

	// consumers are registered fanout observers; pending ones wait for the
	// transport to open.
	consumers map[string]struct{}
	pending   map[string]struct{}
	// attempt identifies the acquire whose result the tile is waiting for.
	attempt uint64
}

func newTile(id string, now time.Time) *Tile {
	return &Tile{
		DeviceID:  id,
		State:     StateNotConnected,
		UpdatedAt: now,
		consumers: make(map[string]struct{}),
		pending:   make(map[string]struct{}),
	}
}

func (t *Tile) transition(to State, now time.Time) error {
	if !CanTransition(t.State, to) {
		return &TransitionError{DeviceID: t.DeviceID, From: t.State, To: to}
	}
	t.State = to
	t.UpdatedAt = now
	return nil
}

// holdsConnection reports whether the tile references a pool connection.
func (t *Tile) holdsConnection() bool {
	return t.State == StateConnecting || t.State == StateStreaming
}

func (t *Tile) hasConsumer(consumer string) bool {
	_, ok := t.consumers[consumer]
	return ok
}

func (t *Tile) isPending(consumer string) bool {
	_, ok := t.pending[consumer]
	return ok
}

func (t *Tile) reset() {
	t.Quality = nil
	t.consumers = make(map[string]struct{})
	t.pending = make(map[string]struct{})
}

// Snapshot is an immutable copy of a tile.
type Snapshot struct {
	DeviceID  string        `json:"device_id"`
	State     State         `json:"state"`
	Quality   *quality.Tier `json:"quality,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Consumers []string      `json:"consumers,omitempty"`
	Pending   []string      `json:"pending,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (t *Tile) snapshot() Snapshot {
	s := Snapshot{
		DeviceID:  t.DeviceID,
		State:     t.State,
		LastError: t.LastError,
		Consumers: sortedKeys(t.consumers),
		Pending:   sortedKeys(t.pending),
		UpdatedAt: t.UpdatedAt,
	}
	if t.Quality != nil {
		q := *t.Quality
		s.Quality = &q
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
