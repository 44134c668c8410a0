// Package farm coordinates the device fleet: one tile per discovered device,
// and the pool connections that back the tiles somebody asked to watch.
//
// All tile and pool state is owned by a single goroutine started with Run.
// Public methods post work to it and wait for the answer; transport workers
// post open results and stream failures the same way. Discovery only ever
// creates tiles. Connections exist because a consumer asked for one.
package farm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"androidfarm/fanout"
	"androidfarm/grid"
	"androidfarm/logging"
	"androidfarm/metrics"
	"androidfarm/pool"
	"androidfarm/quality"
	"androidfarm/transport"
)

var (
	// ErrUnknownDevice is returned for a device with no tile.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotStreaming is returned when frames are requested from a tile that
	// is not streaming to the consumer.
	ErrNotStreaming = errors.New("not streaming")
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("farm stopped")
)

// DefaultConsumer is used when a request names no consumer.
const DefaultConsumer = "farm"

// Basis selects the count fed to the quality policy.
type Basis string

const (
	// BasisFleet uses the number of tiles.
	BasisFleet Basis = "fleet"
	// BasisActive uses the number of pool connections including the new one.
	BasisActive Basis = "active"
)

// Options configures an Orchestrator.
type Options struct {
	Limits          pool.Limits
	Policy          *quality.Policy
	Opener          transport.Opener
	QueueSize       int
	CleanupInterval time.Duration
	Basis           Basis
	Now             func() time.Time
}

// Orchestrator is the farm's coordination loop.
type Orchestrator struct {
	events  chan func()
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool

	pool    *pool.Pool
	fanout  *fanout.Fanout
	tiles   map[string]*Tile
	basis   Basis
	cleanup time.Duration
	now     func() time.Time
	runCtx  context.Context
	watch   *watchHub
	log     zerolog.Logger
}

// New builds an orchestrator. Call Run to start it.
func New(opts Options) (*Orchestrator, error) {
	if opts.Opener == nil {
		return nil, errors.New("farm: opener is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	switch opts.Basis {
	case "":
		opts.Basis = BasisFleet
	case BasisFleet, BasisActive:
	default:
		return nil, fmt.Errorf("farm: unknown quality basis %q", opts.Basis)
	}

	o := &Orchestrator{
		events:  make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		fanout:  fanout.New(opts.QueueSize, nil),
		tiles:   make(map[string]*Tile),
		basis:   opts.Basis,
		cleanup: opts.CleanupInterval,
		now:     opts.Now,
		watch:   newWatchHub(),
		log:     logging.WithComponent("farm"),
	}
	p, err := pool.New(pool.Options{
		Limits:           opts.Limits,
		Policy:           opts.Policy,
		Opener:           opts.Opener,
		Fanout:           o.fanout,
		Dispatch:         o.dispatch,
		OnTransportError: o.onTransportError,
		Now:              opts.Now,
	})
	if err != nil {
		return nil, err
	}
	o.pool = p
	return o, nil
}

// Run owns the farm until ctx is cancelled. On return every connection is
// closed and every transport worker has finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("farm: already running")
	}
	defer close(o.done)
	o.runCtx = ctx

	ticker := time.NewTicker(o.cleanup)
	defer ticker.Stop()

	o.log.Info().
		Str(logging.FieldEvent, "farm.start").
		Int("max_connections", o.pool.Limits().MaxConnections).
		Str("basis", string(o.basis)).
		Msg("farm started")

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case fn := <-o.events:
			fn()
		case <-ticker.C:
			o.reclaimIdle()
		}
	}
}

func (o *Orchestrator) shutdown() {
	close(o.quit)
	o.pool.CloseAll()
	o.pool.Wait()
	for _, t := range o.tiles {
		if t.holdsConnection() {
			t.reset()
			t.State = StateNotConnected
			t.UpdatedAt = o.now()
		}
	}
	o.publishTileMetrics()
	o.watch.closeAll()
	o.log.Info().Str(logging.FieldEvent, "farm.stop").Msg("farm stopped")
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// dispatch hands fn to the loop. It is the pool's way back in from transport
// workers.
func (o *Orchestrator) dispatch(fn func()) bool {
	select {
	case <-o.quit:
		return false
	default:
	}
	select {
	case o.events <- fn:
		return true
	case <-o.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case o.events <- wrapped:
	case <-o.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// the loop runs fn as soon as it receives it
	<-finished
	return nil
}

// ReconcileResult lists the tiles created and destroyed by Reconcile.
type ReconcileResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Reconcile makes the tile set match ids. New devices get NotConnected tiles
// and nothing else; vanished devices are disconnected and their tiles
// destroyed.
func (o *Orchestrator) Reconcile(ctx context.Context, ids []string) (ReconcileResult, error) {
	var res ReconcileResult
	err := o.do(ctx, func() { res = o.reconcile(ids) })
	return res, err
}

func (o *Orchestrator) reconcile(ids []string) ReconcileResult {
	res := ReconcileResult{Added: []string{}, Removed: []string{}}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := o.tiles[id]; ok {
			continue
		}
		t := newTile(id, o.now())
		o.tiles[id] = t
		res.Added = append(res.Added, id)
		o.emit(t, "", false)
	}
	for id := range o.tiles {
		if _, ok := seen[id]; !ok {
			res.Removed = append(res.Removed, id)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	for _, id := range res.Removed {
		o.removeDevice(id)
	}

	if len(res.Added) > 0 || len(res.Removed) > 0 {
		o.log.Info().
			Str(logging.FieldEvent, "farm.reconcile").
			Int("added", len(res.Added)).
			Int("removed", len(res.Removed)).
			Int("fleet", len(o.tiles)).
			Msg("fleet reconciled")
	}
	o.publishTileMetrics()
	return res
}

func (o *Orchestrator) removeDevice(id string) {
	t := o.tiles[id]
	if t == nil {
		return
	}
	if t.holdsConnection() {
		o.move(t, StateDisconnecting)
		t.reset()
		o.pool.Close(id)
		o.move(t, StateNotConnected)
	} else {
		// an idle connection may outlive its last consumer
		o.pool.Close(id)
	}
	delete(o.tiles, id)
	o.emit(t, t.State, true)
	o.log.Info().
		Str(logging.FieldEvent, "farm.device_removed").
		Str(logging.FieldDevice, id).
		Msg("device removed")
}

// RequestConnect asks for consumer to watch id. The tile moves to Connecting
// while the transport opens, or straight to Streaming when the pool already
// holds a connection for the device. A capacity rejection leaves the tile
// Failed and is also returned.
func (o *Orchestrator) RequestConnect(ctx context.Context, id, consumer string) (Snapshot, error) {
	var (
		snap Snapshot
		cerr error
	)
	err := o.do(ctx, func() { snap, cerr = o.connect(id, consumer) })
	if err != nil {
		return Snapshot{}, err
	}
	return snap, cerr
}

func (o *Orchestrator) connect(id, consumer string) (Snapshot, error) {
	if consumer == "" {
		consumer = DefaultConsumer
	}
	t := o.tiles[id]
	if t == nil {
		return Snapshot{}, fmt.Errorf("connect %s: %w", id, ErrUnknownDevice)
	}

	switch t.State {
	case StateConnecting:
		if !t.isPending(consumer) {
			t.pending[consumer] = struct{}{}
			o.emit(t, t.State, false)
		}
		return t.snapshot(), nil

	case StateStreaming:
		if t.hasConsumer(consumer) {
			return t.snapshot(), nil
		}
		if err := o.register(t, consumer); err != nil {
			return t.snapshot(), err
		}
		o.emit(t, t.State, false)
		return t.snapshot(), nil

	case StateNotConnected, StateFailed:
		// handled below

	default:
		return t.snapshot(), &TransitionError{DeviceID: id, From: t.State, To: StateConnecting}
	}

	if conn, ok := o.pool.Lookup(id); ok && !conn.Opening() {
		// a connection kept warm after its last consumer left
		q := conn.Quality
		t.Quality = &q
		t.LastError = ""
		if err := o.register(t, consumer); err != nil {
			return t.snapshot(), err
		}
		o.move(t, StateStreaming)
		return t.snapshot(), nil
	}

	t.reset()
	t.LastError = ""
	t.attempt++
	conn, err := o.pool.Acquire(o.runCtx, id, o.fleetSize(), o.acquired(id, t.attempt))
	if err != nil {
		o.fail(t, err)
		return t.snapshot(), err
	}
	q := conn.Quality
	t.Quality = &q
	t.pending[consumer] = struct{}{}
	o.move(t, StateConnecting)
	return t.snapshot(), nil
}

func (o *Orchestrator) fleetSize() int {
	if o.basis == BasisActive {
		return o.pool.Count() + 1
	}
	return len(o.tiles)
}

// acquired returns the callback for attempt on id.
func (o *Orchestrator) acquired(id string, attempt uint64) func(pool.Connection, error) {
	return func(conn pool.Connection, err error) {
		t := o.tiles[id]
		if t == nil || t.attempt != attempt || t.State != StateConnecting {
			// the tile moved on while the transport was opening
			if err == nil {
				o.pool.Close(id)
			}
			return
		}
		if errors.Is(err, transport.ErrDeviceRemoved) {
			o.removeDevice(id)
			o.publishTileMetrics()
			return
		}
		if err != nil {
			o.fail(t, err)
			return
		}

		pending := sortedKeys(t.pending)
		t.pending = make(map[string]struct{})
		for _, consumer := range pending {
			if err := o.register(t, consumer); err != nil {
				return
			}
		}
		o.move(t, StateStreaming)
	}
}

// register attaches consumer to the tile's fanout stream. A missing stream is
// a broken contract between tile and pool; the tile fails.
func (o *Orchestrator) register(t *Tile, consumer string) error {
	if _, err := o.fanout.Register(t.DeviceID, consumer); err != nil {
		metrics.RecordInvariantViolation("register_without_connection")
		o.log.Error().
			Err(err).
			Str(logging.FieldEvent, "farm.invariant").
			Str(logging.FieldDevice, t.DeviceID).
			Str(logging.FieldConsumer, consumer).
			Msg("observer registration without connection")
		o.fail(t, err)
		return err
	}
	t.consumers[consumer] = struct{}{}
	return nil
}

// RequestDisconnect detaches consumer from id; an empty consumer detaches
// everyone. The tile returns to NotConnected when nobody is left. A pending
// open with no consumers left is cancelled.
func (o *Orchestrator) RequestDisconnect(ctx context.Context, id, consumer string) (Snapshot, error) {
	var (
		snap Snapshot
		derr error
	)
	err := o.do(ctx, func() { snap, derr = o.disconnect(id, consumer) })
	if err != nil {
		return Snapshot{}, err
	}
	return snap, derr
}

func (o *Orchestrator) disconnect(id, consumer string) (Snapshot, error) {
	t := o.tiles[id]
	if t == nil {
		return Snapshot{}, fmt.Errorf("disconnect %s: %w", id, ErrUnknownDevice)
	}

	switch t.State {
	case StateConnecting:
		if consumer == "" {
			t.pending = make(map[string]struct{})
		} else {
			if !t.isPending(consumer) {
				return t.snapshot(), nil
			}
			delete(t.pending, consumer)
		}
		if len(t.pending) > 0 {
			o.emit(t, t.State, false)
			return t.snapshot(), nil
		}
		o.move(t, StateDisconnecting)
		o.pool.Close(id)
		t.reset()
		o.move(t, StateNotConnected)
		o.log.Info().
			Str(logging.FieldEvent, "farm.cancel_connect").
			Str(logging.FieldDevice, id).
			Msg("pending connect cancelled")
		return t.snapshot(), nil

	case StateStreaming:
		var leaving []string
		if consumer == "" {
			leaving = sortedKeys(t.consumers)
		} else if t.hasConsumer(consumer) {
			leaving = []string{consumer}
		}
		if len(leaving) == 0 {
			return t.snapshot(), nil
		}
		last := len(leaving) == len(t.consumers)
		if last {
			o.move(t, StateDisconnecting)
		}
		for _, c := range leaving {
			o.fanout.Unregister(id, c)
			delete(t.consumers, c)
		}
		o.pool.Release(id)
		if last {
			t.reset()
			o.move(t, StateNotConnected)
		} else {
			o.emit(t, t.State, false)
		}
		return t.snapshot(), nil

	default:
		return t.snapshot(), &TransitionError{DeviceID: id, From: t.State, To: StateDisconnecting}
	}
}

// ConnectResult is the outcome of one device in RequestConnectSelected.
type ConnectResult struct {
	DeviceID string `json:"device_id"`
	State    State  `json:"state"`
	Error    string `json:"error,omitempty"`
}

// RequestConnectSelected connects ids one after another. Each device gets
// its own admission decision against the pool as the previous one left it,
// so rejections are attributable per device.
func (o *Orchestrator) RequestConnectSelected(ctx context.Context, ids []string, consumer string) ([]ConnectResult, error) {
	results := make([]ConnectResult, 0, len(ids))
	for _, id := range ids {
		snap, err := o.RequestConnect(ctx, id, consumer)
		if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return results, err
		}
		r := ConnectResult{DeviceID: id, State: snap.State}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

func (o *Orchestrator) onTransportError(id string, err error) {
	t := o.tiles[id]
	if t == nil || !t.holdsConnection() {
		return
	}
	if errors.Is(err, transport.ErrDeviceRemoved) {
		o.removeDevice(id)
		o.publishTileMetrics()
		return
	}
	o.fail(t, err)
}

// fail moves t to Failed and drops anything it held.
func (o *Orchestrator) fail(t *Tile, err error) {
	if o.pool.Has(t.DeviceID) && t.holdsConnection() {
		o.pool.Close(t.DeviceID)
	}
	t.reset()
	t.LastError = err.Error()
	o.log.Warn().
		Err(err).
		Str(logging.FieldEvent, "farm.tile_failed").
		Str(logging.FieldDevice, t.DeviceID).
		Str(logging.FieldOldState, string(t.State)).
		Msg("tile failed")
	o.move(t, StateFailed)
}

// move applies a transition and announces it. Illegal moves are a bug in
// this package: they are counted and logged, and the tile is left alone.
func (o *Orchestrator) move(t *Tile, to State) {
	from := t.State
	if err := t.transition(to, o.now()); err != nil {
		metrics.RecordInvariantViolation("tile_transition")
		o.log.Error().
			Err(err).
			Str(logging.FieldEvent, "farm.invariant").
			Str(logging.FieldDevice, t.DeviceID).
			Msg("illegal tile transition")
		return
	}
	o.log.Debug().
		Str(logging.FieldEvent, "farm.transition").
		Str(logging.FieldDevice, t.DeviceID).
		Str(logging.FieldOldState, string(from)).
		Str(logging.FieldNewState, string(to)).
		Msg("tile transition")
	o.emit(t, from, false)
	o.publishTileMetrics()
}

func (o *Orchestrator) emit(t *Tile, from State, removed bool) {
	o.watch.emit(Change{
		DeviceID: t.DeviceID,
		From:     from,
		To:       t.State,
		Removed:  removed,
		Tile:     t.snapshot(),
		At:       o.now(),
	})
}

func (o *Orchestrator) publishTileMetrics() {
	counts := make(map[string]int, len(AllStates))
	for _, s := range AllStates {
		counts[string(s)] = 0
	}
	for _, t := range o.tiles {
		counts[string(t.State)]++
	}
	metrics.SetTiles(counts)
}

func (o *Orchestrator) reclaimIdle() []string {
	return o.pool.Cleanup()
}

// Cleanup runs idle reclamation now and returns the reclaimed devices.
func (o *Orchestrator) Cleanup(ctx context.Context) ([]string, error) {
	var ids []string
	err := o.do(ctx, func() { ids = o.reclaimIdle() })
	return ids, err
}

// Watch returns a watcher for tile changes with a queue of size entries.
func (o *Orchestrator) Watch(size int) *Watcher {
	return o.watch.add(size)
}

// Subscribe returns consumer's frame subscription for id. The consumer must
// already be streaming the device.
func (o *Orchestrator) Subscribe(ctx context.Context, id, consumer string) (*fanout.Subscription, error) {
	if consumer == "" {
		consumer = DefaultConsumer
	}
	var (
		sub  *fanout.Subscription
		serr error
	)
	err := o.do(ctx, func() {
		t := o.tiles[id]
		switch {
		case t == nil:
			serr = fmt.Errorf("subscribe %s: %w", id, ErrUnknownDevice)
		case t.State != StateStreaming || !t.hasConsumer(consumer):
			serr = fmt.Errorf("subscribe %s/%s: %w", id, consumer, ErrNotStreaming)
		default:
			sub, serr = o.fanout.Register(id, consumer)
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, serr
}

// Tiles returns a snapshot of every tile ordered by device id.
func (o *Orchestrator) Tiles(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := o.do(ctx, func() {
		out = make([]Snapshot, 0, len(o.tiles))
		for _, t := range o.tiles {
			out = append(out, t.snapshot())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	})
	return out, err
}

// Tile returns one tile's snapshot.
func (o *Orchestrator) Tile(ctx context.Context, id string) (Snapshot, error) {
	var (
		snap Snapshot
		terr error
	)
	err := o.do(ctx, func() {
		t := o.tiles[id]
		if t == nil {
			terr = fmt.Errorf("tile %s: %w", id, ErrUnknownDevice)
			return
		}
		snap = t.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, terr
}

// Stats describes the farm.
type Stats struct {
	Fleet   int                  `json:"fleet"`
	Tiles   map[State]int        `json:"tiles"`
	Tier    quality.Tier         `json:"tier"`
	Pool    pool.Stats           `json:"pool"`
	Streams []fanout.StreamStats `json:"streams"`
}

// Stats returns pool, tile and stream statistics.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := o.do(ctx, func() {
		st.Fleet = len(o.tiles)
		st.Tiles = make(map[State]int, len(AllStates))
		for _, t := range o.tiles {
			st.Tiles[t.State]++
		}
		st.Pool = o.pool.Stats()
		st.Tier = o.currentTier()
		st.Streams = []fanout.StreamStats{}
		for _, id := range st.Pool.ActiveSerials {
			if s, ok := o.fanout.Stats(id); ok {
				st.Streams = append(st.Streams, s)
			}
		}
	})
	return st, err
}

func (o *Orchestrator) currentTier() quality.Tier {
	return o.pool.Policy().SelectTier(o.fleetSize())
}

// Layout returns the grid for the current fleet in vp.
func (o *Orchestrator) Layout(ctx context.Context, vp grid.Viewport) (grid.Layout, error) {
	var l grid.Layout
	err := o.do(ctx, func() { l = grid.Compute(len(o.tiles), vp) })
	return l, err
}

// ObserverCount returns the number of fanout observers on id.
func (o *Orchestrator) ObserverCount(ctx context.Context, id string) (int, error) {
	var n int
	err := o.do(ctx, func() { n = o.fanout.ObserverCount(id) })
	return n, err
}

// UpdatePolicy replaces the tier table for later admissions.
func (o *Orchestrator) UpdatePolicy(ctx context.Context, p *quality.Policy) error {
	return o.do(ctx, func() { o.pool.SetPolicy(p) })
}

// UpdateLimits replaces the pool limits for later admissions.
func (o *Orchestrator) UpdateLimits(ctx context.Context, l pool.Limits) error {
	var uerr error
	if err := o.do(ctx, func() { uerr = o.pool.UpdateLimits(l) }); err != nil {
		return err
	}
	return uerr
}
