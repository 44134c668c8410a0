package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"androidfarm/quality"
)

// Synthetic is an Opener that fabricates frames at the tier's frame rate.
// It backs demo fleets and tests where no adb devices exist.
type Synthetic struct {
	// OpenDelay simulates server push and port forwarding.
	OpenDelay time.Duration
	// MaxPayload caps the generated frame size in bytes.
	MaxPayload int

	opens atomic.Int64

	mu      sync.Mutex
	streams map[string]*syntheticStream
}

// NewSynthetic returns a synthetic opener with the given open delay.
func NewSynthetic(openDelay time.Duration) *Synthetic {
	return &Synthetic{
		OpenDelay:  openDelay,
		MaxPayload: 4096,
		streams:    make(map[string]*syntheticStream),
	}
}

// Opens reports how many times Open succeeded.
func (s *Synthetic) Opens() int64 {
	return s.opens.Load()
}

// Open starts a frame generator for deviceID.
func (s *Synthetic) Open(ctx context.Context, deviceID string, tier quality.Tier, sink Sink) (Handle, error) {
	if s.OpenDelay > 0 {
		t := time.NewTimer(s.OpenDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fps := tier.MaxFPS
	if fps <= 0 {
		fps = 1
	}
	size := tier.BitRate / 8 / fps
	if s.MaxPayload > 0 && size > s.MaxPayload {
		size = s.MaxPayload
	}

	st := &syntheticStream{
		owner:    s,
		deviceID: deviceID,
		interval: time.Second / time.Duration(fps),
		gop:      fps,
		size:     size,
		sink:     sink,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.streams == nil {
		s.streams = make(map[string]*syntheticStream)
	}
	if old, exists := s.streams[deviceID]; exists && !old.stopping() {
		s.mu.Unlock()
		return nil, fmt.Errorf("synthetic: %s already open", deviceID)
	}
	s.streams[deviceID] = st
	s.mu.Unlock()

	s.opens.Add(1)
	go st.run()
	return st, nil
}

// Fail terminates deviceID's stream with err, as a dropped adb link would.
func (s *Synthetic) Fail(deviceID string, err error) bool {
	s.mu.Lock()
	st := s.streams[deviceID]
	s.mu.Unlock()
	if st == nil {
		return false
	}
	st.terminate(err)
	return true
}

func (s *Synthetic) forget(st *syntheticStream) {
	s.mu.Lock()
	if s.streams[st.deviceID] == st {
		delete(s.streams, st.deviceID)
	}
	s.mu.Unlock()
}

type syntheticStream struct {
	owner    *Synthetic
	deviceID string
	interval time.Duration
	gop      int
	size     int
	sink     Sink

	once sync.Once
	err  error
	stop chan struct{}
	done chan struct{}
}

func (st *syntheticStream) DeviceID() string { return st.deviceID }

func (st *syntheticStream) Close() error {
	st.terminate(nil)
	<-st.done
	return nil
}

func (st *syntheticStream) stopping() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

func (st *syntheticStream) terminate(err error) {
	st.once.Do(func() {
		st.err = err
		close(st.stop)
	})
}

func (st *syntheticStream) run() {
	defer close(st.done)
	defer st.owner.forget(st)

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	var seq uint64
	emit := func(kind FrameKind, n int) {
		seq++
		st.sink.Frame(Frame{
			DeviceID: st.deviceID,
			Seq:      seq,
			Kind:     kind,
			Data:     make([]byte, n),
			At:       time.Now(),
		})
	}

	emit(FrameConfig, 16)
	for {
		select {
		case <-st.stop:
			st.sink.Closed(st.err)
			return
		case <-ticker.C:
			if seq%uint64(st.gop) == 1 {
				emit(FrameKey, st.size)
			} else {
				emit(FrameDelta, st.size/4+1)
			}
		}
	}
}
