package farm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"androidfarm/grid"
	"androidfarm/pool"
	"androidfarm/quality"
	"androidfarm/transport"
)

type countingOpener struct {
	calls atomic.Int64
	inner *transport.Synthetic
}

func (c *countingOpener) Open(ctx context.Context, id string, tier quality.Tier, sink transport.Sink) (transport.Handle, error) {
	c.calls.Add(1)
	return c.inner.Open(ctx, id, tier, sink)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	farm   *Orchestrator
	opener *countingOpener
	stop   func()
}

func newFixture(t *testing.T, maxConns int, openDelay time.Duration, mutate ...func(*Options)) *fixture {
	t.Helper()
	opener := &countingOpener{inner: transport.NewSynthetic(openDelay)}
	limits := pool.DefaultLimits()
	limits.MaxConnections = maxConns
	limits.MemoryCeiling = 1 << 40
	opts := Options{
		Limits:          limits,
		Opener:          opener,
		QueueSize:       32,
		CleanupInterval: time.Hour,
	}
	for _, m := range mutate {
		m(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	var once sync.Once
	f := &fixture{farm: o, opener: opener}
	f.stop = func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-errCh)
		})
	}
	t.Cleanup(f.stop)
	return f
}

func devices(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("emulator-%04d", 5554+2*i)
	}
	return ids
}

func (f *fixture) tile(t *testing.T, id string) Snapshot {
	t.Helper()
	snap, err := f.farm.Tile(context.Background(), id)
	require.NoError(t, err)
	return snap
}

func (f *fixture) waitState(t *testing.T, id string, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = f.tile(t, id)
		return snap.State == want
	}, 3*time.Second, 5*time.Millisecond, "tile %s never reached %s", id, want)
	return snap
}

func (f *fixture) stats(t *testing.T) Stats {
	t.Helper()
	st, err := f.farm.Stats(context.Background())
	require.NoError(t, err)
	return st
}

// waitConnections waits until the pool holds n slots; closing connections
// keep theirs until the transport is released.
func (f *fixture) waitConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.stats(t).Pool.Connections == n
	}, 3*time.Second, 5*time.Millisecond, "pool never settled at %d connections", n)
}

func TestDiscoveryNeverConnects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	res, err := f.farm.Reconcile(ctx, devices(78))
	require.NoError(t, err)
	require.Len(t, res.Added, 78)
	require.Empty(t, res.Removed)

	// rediscovery is idempotent
	res, err = f.farm.Reconcile(ctx, devices(78))
	require.NoError(t, err)
	require.Empty(t, res.Added)

	tiles, err := f.farm.Tiles(ctx)
	require.NoError(t, err)
	require.Len(t, tiles, 78)
	for _, tile := range tiles {
		require.Equal(t, StateNotConnected, tile.State)
		require.Nil(t, tile.Quality)
	}

	st := f.stats(t)
	require.Equal(t, 78, st.Fleet)
	require.Zero(t, st.Pool.Active)
	require.Zero(t, st.Pool.Connections)
	require.Equal(t, "Low", st.Tier.Label)
	require.Zero(t, f.opener.calls.Load())

	layout, err := f.farm.Layout(ctx, grid.Viewport{Width: 1240, Height: 900})
	require.NoError(t, err)
	require.Equal(t, grid.Layout{Rows: 8, Cols: 10, Tile: grid.Size{Width: 120, Height: 240}}, layout)

	f.stop()
}

func TestConnectSelectedFillsPoolThenFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	ids := devices(10)
	_, err := f.farm.Reconcile(ctx, ids)
	require.NoError(t, err)

	results, err := f.farm.RequestConnectSelected(ctx, ids, "grid")
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, r := range results {
		if i < 5 {
			assert.Empty(t, r.Error, r.DeviceID)
			continue
		}
		assert.Equal(t, StateFailed, r.State, r.DeviceID)
		assert.True(t, strings.HasPrefix(r.Error, "pool full"), r.Error)
	}

	for _, id := range ids[:5] {
		snap := f.waitState(t, id, StateStreaming)
		require.Equal(t, "High", snap.Quality.Label)
		require.Equal(t, []string{"grid"}, snap.Consumers)
	}
	for _, id := range ids[5:] {
		snap := f.tile(t, id)
		require.Equal(t, StateFailed, snap.State)
		require.True(t, strings.HasPrefix(snap.LastError, "pool full"), snap.LastError)
	}

	st := f.stats(t)
	require.Equal(t, 5, st.Pool.Active)
	require.Equal(t, 5, st.Pool.Connections)
	require.Equal(t, 5, st.Tiles[StateStreaming])
	require.Equal(t, 5, st.Tiles[StateFailed])
	require.EqualValues(t, 5, f.opener.calls.Load())

	f.stop()
}

func TestSecondConsumerSharesConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	_, err = f.farm.RequestConnect(ctx, "D", "primary")
	require.NoError(t, err)
	f.waitState(t, "D", StateStreaming)
	before := f.stats(t).Pool.Active

	snap, err := f.farm.RequestConnect(ctx, "D", "tile")
	require.NoError(t, err)
	require.Equal(t, StateStreaming, snap.State)
	require.Equal(t, []string{"primary", "tile"}, snap.Consumers)

	n, err := f.farm.ObserverCount(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, before, f.stats(t).Pool.Active)
	require.EqualValues(t, 1, f.opener.calls.Load())

	// repeating a request from the same consumer changes nothing
	_, err = f.farm.RequestConnect(ctx, "D", "tile")
	require.NoError(t, err)
	n, err = f.farm.ObserverCount(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// one consumer leaving keeps the stream up for the other
	snap, err = f.farm.RequestDisconnect(ctx, "D", "primary")
	require.NoError(t, err)
	require.Equal(t, StateStreaming, snap.State)
	require.Equal(t, []string{"tile"}, snap.Consumers)

	f.stop()
}

func TestConsumersJoiningDuringOpenShareOneOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 50*time.Millisecond)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	snap, err := f.farm.RequestConnect(ctx, "D", "primary")
	require.NoError(t, err)
	require.Equal(t, StateConnecting, snap.State)
	snap, err = f.farm.RequestConnect(ctx, "D", "tile")
	require.NoError(t, err)
	require.Equal(t, []string{"primary", "tile"}, snap.Pending)

	snap = f.waitState(t, "D", StateStreaming)
	require.Equal(t, []string{"primary", "tile"}, snap.Consumers)
	require.EqualValues(t, 1, f.opener.calls.Load())

	f.stop()
}

func TestDisconnectWhileAcquirePending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 100*time.Millisecond)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	snap, err := f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	require.Equal(t, StateConnecting, snap.State)

	snap, err = f.farm.RequestDisconnect(ctx, "D", "grid")
	require.NoError(t, err)
	require.Equal(t, StateNotConnected, snap.State)
	f.waitConnections(t, 0)

	// well past the open delay the tile is still not connected and nothing leaked
	time.Sleep(250 * time.Millisecond)
	snap = f.tile(t, "D")
	require.Equal(t, StateNotConnected, snap.State)
	st := f.stats(t)
	require.Zero(t, st.Pool.Connections)
	require.Zero(t, f.opener.inner.Opens())

	f.stop()
}

// stalledOpener ignores cancellation and holds every open until gate is
// closed, recording how many opens were in flight at once per device.
type stalledOpener struct {
	gate  chan struct{}
	inner *transport.Synthetic

	mu       sync.Mutex
	inFlight int
	peak     int
	opens    map[string]int
}

func (s *stalledOpener) Open(ctx context.Context, id string, tier quality.Tier, sink transport.Sink) (transport.Handle, error) {
	s.mu.Lock()
	s.inFlight++
	s.opens[id]++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	<-s.gate
	return s.inner.Open(ctx, id, tier, sink)
}

func (s *stalledOpener) counts() (peak int, opens map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opens = make(map[string]int, len(s.opens))
	for id, n := range s.opens {
		opens[id] = n
	}
	return s.peak, opens
}

func TestCancelledConnectKeepsSlotUntilOpenReturns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	stalled := &stalledOpener{
		gate:  make(chan struct{}),
		inner: transport.NewSynthetic(0),
		opens: map[string]int{},
	}
	f := newFixture(t, 1, 0, func(o *Options) { o.Opener = stalled })
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"A", "B"})
	require.NoError(t, err)

	snap, err := f.farm.RequestConnect(ctx, "A", "grid")
	require.NoError(t, err)
	require.Equal(t, StateConnecting, snap.State)
	snap, err = f.farm.RequestDisconnect(ctx, "A", "grid")
	require.NoError(t, err)
	require.Equal(t, StateNotConnected, snap.State)

	// A's open is still running, so its slot is not free
	st := f.stats(t)
	require.Equal(t, 1, st.Pool.Connections)
	require.Equal(t, 1, st.Pool.Closing)

	snap, err = f.farm.RequestConnect(ctx, "B", "grid")
	require.ErrorIs(t, err, pool.ErrCapacityExceeded)
	require.Equal(t, StateFailed, snap.State)

	snap, err = f.farm.RequestConnect(ctx, "A", "grid")
	require.ErrorIs(t, err, pool.ErrAlreadyActive)
	require.Equal(t, StateFailed, snap.State)
	require.Contains(t, snap.LastError, "connection closing")

	peak, opens := stalled.counts()
	require.Equal(t, 1, peak)
	require.Equal(t, map[string]int{"A": 1}, opens)

	close(stalled.gate)
	f.waitConnections(t, 0)

	_, err = f.farm.RequestConnect(ctx, "B", "grid")
	require.NoError(t, err)
	f.waitState(t, "B", StateStreaming)
	require.Equal(t, StateFailed, f.tile(t, "A").State)

	peak, opens = stalled.counts()
	require.Equal(t, 1, peak)
	require.Equal(t, map[string]int{"A": 1, "B": 1}, opens)

	f.stop()
}

func TestIdleConnectionReclaimedAfterTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, 5, 0, func(o *Options) {
		o.Now = clock.Now
		o.Limits.IdleTimeout = time.Minute
	})
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	_, err = f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	f.waitState(t, "D", StateStreaming)

	snap, err := f.farm.RequestDisconnect(ctx, "D", "")
	require.NoError(t, err)
	require.Equal(t, StateNotConnected, snap.State)
	st := f.stats(t)
	require.Equal(t, 1, st.Pool.Idle)
	require.Zero(t, st.Pool.Active)

	clock.Advance(59 * time.Second)
	reclaimed, err := f.farm.Cleanup(ctx)
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	clock.Advance(2 * time.Second)
	reclaimed, err = f.farm.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, reclaimed)
	f.waitConnections(t, 0)

	f.stop()
}

func TestReconnectReusesWarmConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	_, err = f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	f.waitState(t, "D", StateStreaming)
	_, err = f.farm.RequestDisconnect(ctx, "D", "grid")
	require.NoError(t, err)

	snap, err := f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	require.Equal(t, StateStreaming, snap.State)
	require.NotNil(t, snap.Quality)
	require.EqualValues(t, 1, f.opener.calls.Load())

	f.stop()
}

func TestRandomRequestsNeverExceedMaxConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	const maxConns = 5
	f := newFixture(t, maxConns, 0)
	ctx := context.Background()
	ids := devices(20)
	_, err := f.farm.Reconcile(ctx, ids)
	require.NoError(t, err)

	consumers := []string{"grid", "primary"}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 400; i++ {
		id := ids[rng.Intn(len(ids))]
		consumer := consumers[rng.Intn(len(consumers))]
		if rng.Intn(3) == 0 {
			_, err := f.farm.RequestDisconnect(ctx, id, consumer)
			if err != nil {
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
		} else {
			_, _ = f.farm.RequestConnect(ctx, id, consumer)
		}

		st := f.stats(t)
		require.LessOrEqual(t, st.Pool.Connections, maxConns, "step %d", i)
		require.LessOrEqual(t, st.Pool.Active, maxConns, "step %d", i)
		require.LessOrEqual(t, st.Tiles[StateConnecting]+st.Tiles[StateStreaming], maxConns, "step %d", i)
	}

	tiles, err := f.farm.Tiles(ctx)
	require.NoError(t, err)
	for _, tile := range tiles {
		if tile.State != StateStreaming {
			continue
		}
		n, err := f.farm.ObserverCount(ctx, tile.DeviceID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1, tile.DeviceID)
	}

	f.stop()
}

func TestTransportErrorFailsTileAndAllowsRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)
	_, err = f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	f.waitState(t, "D", StateStreaming)

	require.True(t, f.opener.inner.Fail("D", errors.New("broken pipe")))
	snap := f.waitState(t, "D", StateFailed)
	require.Contains(t, snap.LastError, "broken pipe")
	require.Empty(t, snap.Consumers)
	f.waitConnections(t, 0)

	// no automatic retry
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, f.opener.calls.Load())

	snap, err = f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	require.Equal(t, StateConnecting, snap.State)
	require.Empty(t, snap.LastError)
	f.waitState(t, "D", StateStreaming)
	require.EqualValues(t, 2, f.opener.calls.Load())

	f.stop()
}

func TestDeviceRemovedTearsDownTile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"A", "B"})
	require.NoError(t, err)
	_, err = f.farm.RequestConnect(ctx, "A", "grid")
	require.NoError(t, err)
	f.waitState(t, "A", StateStreaming)
	sub, err := f.farm.Subscribe(ctx, "A", "grid")
	require.NoError(t, err)

	res, err := f.farm.Reconcile(ctx, []string{"B"})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Removed)
	_, err = f.farm.Tile(ctx, "A")
	require.ErrorIs(t, err, ErrUnknownDevice)
	f.waitConnections(t, 0)
	for range sub.C() {
	}

	// the transport reporting a vanished device removes the tile too
	_, err = f.farm.RequestConnect(ctx, "B", "grid")
	require.NoError(t, err)
	f.waitState(t, "B", StateStreaming)
	require.True(t, f.opener.inner.Fail("B", fmt.Errorf("adb: %w", transport.ErrDeviceRemoved)))
	require.Eventually(t, func() bool {
		_, err := f.farm.Tile(ctx, "B")
		return errors.Is(err, ErrUnknownDevice)
	}, 3*time.Second, 5*time.Millisecond)

	f.stop()
}

func TestSubscribeDeliversFramesConfigFirst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	_, err = f.farm.Subscribe(ctx, "D", "grid")
	require.ErrorIs(t, err, ErrNotStreaming)

	_, err = f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	f.waitState(t, "D", StateStreaming)

	sub, err := f.farm.Subscribe(ctx, "D", "grid")
	require.NoError(t, err)
	first := <-sub.C()
	require.Equal(t, transport.FrameConfig, first.Kind)
	require.Equal(t, "D", first.DeviceID)

	second, err := f.farm.Subscribe(ctx, "D", "grid")
	require.NoError(t, err)
	require.Same(t, sub, second)

	f.stop()
	for range sub.C() {
	}
}

func TestWatchReportsTransitions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	w := f.farm.Watch(64)
	defer w.Close()

	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)
	_, err = f.farm.RequestConnect(ctx, "D", "grid")
	require.NoError(t, err)
	f.waitState(t, "D", StateStreaming)

	var seen []State
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case c := <-w.C():
			require.Equal(t, "D", c.DeviceID)
			seen = append(seen, c.To)
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	require.Equal(t, []State{StateNotConnected, StateConnecting, StateStreaming}, seen)

	f.stop()
	_, ok := <-w.C()
	require.False(t, ok, "watchers close when the farm stops")
}

func TestInvalidRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, []string{"D"})
	require.NoError(t, err)

	_, err = f.farm.RequestConnect(ctx, "nope", "grid")
	require.ErrorIs(t, err, ErrUnknownDevice)

	_, err = f.farm.RequestDisconnect(ctx, "D", "grid")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, StateNotConnected, terr.From)

	require.Error(t, f.farm.UpdateLimits(ctx, pool.Limits{}))

	f.stop()
	_, err = f.farm.Tiles(ctx)
	require.ErrorIs(t, err, ErrStopped)
}

func TestUnknownBasisRejected(t *testing.T) {
	_, err := New(Options{Opener: transport.NewSynthetic(0), Limits: pool.DefaultLimits(), Basis: "busiest"})
	require.Error(t, err)
}

func TestActiveBasisUsesConnectionCount(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, 5, 0, func(o *Options) { o.Basis = BasisActive })
	ctx := context.Background()
	_, err := f.farm.Reconcile(ctx, devices(78))
	require.NoError(t, err)

	snap, err := f.farm.RequestConnect(ctx, devices(1)[0], "grid")
	require.NoError(t, err)
	require.Equal(t, "Ultra", snap.Quality.Label)

	f.stop()
}
