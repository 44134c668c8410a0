// Package scrcpy opens device video streams through a scrcpy server started
// over adb. The server runs in raw_stream mode, so the socket carries a bare
// H.264 Annex-B byte stream that is cut into NAL units here.
package scrcpy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"androidfarm/adb"
	"androidfarm/logging"
	"androidfarm/quality"
	"androidfarm/transport"
)

// ADB is the subset of adb.Client the opener drives.
type ADB interface {
	PushFile(ctx context.Context, deviceID, localPath, remotePath string) error
	Forward(ctx context.Context, deviceID string, localPort int, remoteSocket string) error
	RemoveForward(ctx context.Context, deviceID string, localPort int) error
	StartShell(deviceID string, args []string) (*exec.Cmd, error)
	State(ctx context.Context, deviceID string) (string, error)
}

// Config controls how the scrcpy server is deployed and reached.
type Config struct {
	ServerJar      string        // local path of the scrcpy-server binary
	ServerVersion  string        // must match the pushed server exactly
	RemotePath     string        // where the server is pushed on the device
	StartupDelay   time.Duration // app_process start-up time before dialling
	ConnectRetries int
	RetryDelay     time.Duration
	DialTimeout    time.Duration
	ReadBuffer     int
}

// DefaultConfig returns settings for scrcpy 3.3.3.
func DefaultConfig() Config {
	return Config{
		ServerJar:      filepath.Join("assets", "scrcpy-server"),
		ServerVersion:  "3.3.3",
		RemotePath:     "/data/local/tmp/scrcpy-server.jar",
		StartupDelay:   1500 * time.Millisecond,
		ConnectRetries: 10,
		RetryDelay:     300 * time.Millisecond,
		DialTimeout:    2 * time.Second,
		ReadBuffer:     64 << 10,
	}
}

const cleanupTimeout = 5 * time.Second

// Opener implements transport.Opener on top of adb and scrcpy-server.
type Opener struct {
	adb ADB
	cfg Config
	log zerolog.Logger
}

// NewOpener returns an opener. Zero fields in cfg take DefaultConfig values.
func NewOpener(client ADB, cfg Config) *Opener {
	def := DefaultConfig()
	if cfg.ServerJar == "" {
		cfg.ServerJar = def.ServerJar
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = def.ServerVersion
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = def.RemotePath
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = def.ConnectRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = def.ReadBuffer
	}
	return &Opener{adb: client, cfg: cfg, log: logging.WithComponent("scrcpy")}
}

// Open pushes the server, forwards a local port to its socket, launches it
// with the tier's size, bitrate and frame rate and dials the video socket.
func (o *Opener) Open(ctx context.Context, deviceID string, tier quality.Tier, sink transport.Sink) (transport.Handle, error) {
	// The server parses scid with Integer.parseInt(hex, 16), so bit 31 stays clear.
	scid := rand.Uint32() & 0x7FFFFFFF
	log := o.log.With().
		Str(logging.FieldDevice, deviceID).
		Str(logging.FieldTier, tier.Label).
		Str("scid", fmt.Sprintf("%08x", scid)).
		Logger()

	if err := o.adb.PushFile(ctx, deviceID, o.cfg.ServerJar, o.cfg.RemotePath); err != nil {
		return nil, fmt.Errorf("push scrcpy server: %w", err)
	}

	s := &session{
		deviceID: deviceID,
		adb:      o.adb,
		sink:     sink,
		log:      log,
		bufSize:  o.cfg.ReadBuffer,
		done:     make(chan struct{}),
	}

	port, err := findFreePort()
	if err != nil {
		return nil, err
	}
	socket := fmt.Sprintf("scrcpy_%08x", scid)
	if err := o.adb.Forward(ctx, deviceID, port, socket); err != nil {
		return nil, fmt.Errorf("adb forward: %w", err)
	}
	s.port = port

	cmd, err := o.adb.StartShell(deviceID, o.serverArgs(scid, tier))
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("start scrcpy server: %w", err)
	}
	s.cmd = cmd
	log.Debug().
		Str(logging.FieldEvent, "scrcpy.server_started").
		Int("port", port).
		Msg("scrcpy server started")

	if err := sleepCtx(ctx, o.cfg.StartupDelay); err != nil {
		s.cleanup()
		return nil, err
	}

	conn, err := o.connectWithRetry(ctx, log, port)
	if err != nil {
		s.cleanup()
		return nil, err
	}
	s.conn = conn

	log.Info().
		Str(logging.FieldEvent, "scrcpy.stream_ready").
		Int("max_size", tier.MaxSize).
		Int("bit_rate", tier.BitRate).
		Int("max_fps", tier.MaxFPS).
		Msg("scrcpy stream ready")

	go s.run()
	return s, nil
}

func (o *Opener) serverArgs(scid uint32, tier quality.Tier) []string {
	return []string{
		"CLASSPATH=" + o.cfg.RemotePath,
		"app_process",
		"/",
		"com.genymobile.scrcpy.Server",
		o.cfg.ServerVersion,
		fmt.Sprintf("scid=%08x", scid),
		"log_level=info",
		"video=true",
		"audio=false",
		"control=false",
		fmt.Sprintf("max_size=%d", tier.MaxSize),
		fmt.Sprintf("video_bit_rate=%d", tier.BitRate),
		fmt.Sprintf("max_fps=%d", tier.MaxFPS),
		"tunnel_forward=true",
		"raw_stream=true",
	}
}

func (o *Opener) connectWithRetry(ctx context.Context, log zerolog.Logger, port int) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	dialer := net.Dialer{Timeout: o.cfg.DialTimeout}

	var lastErr error
	for i := 0; i < o.cfg.ConnectRetries; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().
			Err(err).
			Int("attempt", i+1).
			Int("max_attempts", o.cfg.ConnectRetries).
			Msg("video socket not ready, retrying")
		if err := sleepCtx(ctx, o.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("connect to scrcpy server after %d attempts: %w", o.cfg.ConnectRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func findFreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// session is one running scrcpy server and its video socket.
type session struct {
	deviceID string
	adb      ADB
	sink     transport.Sink
	log      zerolog.Logger
	bufSize  int

	port int
	cmd  *exec.Cmd
	conn net.Conn

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) DeviceID() string { return s.deviceID }

// Close stops the reader, kills the server and removes the forward.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.conn.Close()
		<-s.done
		s.cleanup()
	})
	return nil
}

func (s *session) run() {
	defer close(s.done)

	var (
		sp  splitter
		seq uint64
		buf = make([]byte, s.bufSize)
	)
	var err error
	for {
		var n int
		n, err = s.conn.Read(buf)
		if n > 0 {
			sp.write(buf[:n])
			for nal := sp.next(); nal != nil; nal = sp.next() {
				seq++
				s.sink.Frame(transport.Frame{
					DeviceID: s.deviceID,
					Seq:      seq,
					Kind:     classify(nal),
					Data:     nal,
					At:       time.Now(),
				})
			}
		}
		if err != nil {
			break
		}
	}

	if s.closing.Load() {
		s.sink.Closed(nil)
		return
	}
	s.sink.Closed(s.failure(err))
}

// failure turns a read error into the stream's terminal error, telling a
// detached device apart from a dead server.
func (s *session) failure(readErr error) error {
	if errors.Is(readErr, io.EOF) {
		readErr = errors.New("scrcpy stream ended")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := s.adb.State(ctx, s.deviceID); errors.Is(err, adb.ErrNotFound) {
		return fmt.Errorf("%w: %v", transport.ErrDeviceRemoved, readErr)
	}
	s.log.Warn().
		Err(readErr).
		Str(logging.FieldEvent, "scrcpy.read_failed").
		Msg("video stream failed")
	return readErr
}

func (s *session) cleanup() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.port > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.adb.RemoveForward(ctx, s.deviceID, s.port); err != nil {
			s.log.Warn().
				Err(err).
				Str(logging.FieldEvent, "scrcpy.unforward_failed").
				Int("port", s.port).
				Msg("failed to remove adb forward")
		}
		s.port = 0
	}
}
