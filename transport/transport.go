// Package transport defines what the farm needs from a video transport: open a
// device at a quality tier, receive opaque frames, close it.
package transport

import (
	"context"
	"errors"
	"time"

	"androidfarm/quality"
)

// ErrDeviceRemoved reports that the device vanished while a stream was open.
var ErrDeviceRemoved = errors.New("device removed")

// FrameKind classifies a payload for late-joiner priming.
type FrameKind uint8

const (
	FrameDelta  FrameKind = iota // ordinary slice
	FrameKey                     // keyframe (IDR)
	FrameConfig                  // codec configuration (SPS/PPS)
)

// Frame is one opaque payload produced by a device stream.
type Frame struct {
	DeviceID string
	Seq      uint64
	Kind     FrameKind
	Data     []byte
	At       time.Time
}

// Sink receives a stream's output. Frame is called from the transport's own
// worker in production order. Closed is called exactly once when the stream
// ends; err is nil when the stream ended because Close was called.
type Sink interface {
	Frame(f Frame)
	Closed(err error)
}

// Handle is an open device stream.
type Handle interface {
	DeviceID() string
	Close() error
}

// Opener opens device streams. Open may take a while (pushing a server,
// forwarding ports); it must honour ctx cancellation. ctx bounds the open
// only: the stream lives until Close or a transport failure.
type Opener interface {
	Open(ctx context.Context, deviceID string, tier quality.Tier, sink Sink) (Handle, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, deviceID string, tier quality.Tier, sink Sink) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, deviceID string, tier quality.Tier, sink Sink) (Handle, error) {
	return f(ctx, deviceID, tier, sink)
}
