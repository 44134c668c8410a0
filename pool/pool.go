// Package pool owns the farm's live device connections.
//
// The pool decides which devices may stream, at what quality, and reclaims
// connections nobody watches. It is not safe for concurrent use: every method
// runs on the coordination goroutine. Transport workers reach the pool only
// through the Dispatch function supplied in Options.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"androidfarm/fanout"
	"androidfarm/logging"
	"androidfarm/metrics"
	"androidfarm/quality"
	"androidfarm/transport"
)

// Reclaim causes reported to metrics.
const (
	causeIdle      = "idle_timeout"
	causeAdmission = "admission"
)

// Limits bounds the pool. Zero MemoryCeiling or MemoryWarning disables that check.
type Limits struct {
	MaxConnections int
	MemoryCeiling  uint64
	MemoryWarning  uint64
	IdleTimeout    time.Duration
	OpenTimeout    time.Duration
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections: 200,
		MemoryCeiling:  2 << 30,
		MemoryWarning:  500 << 20,
		IdleTimeout:    5 * time.Minute,
		OpenTimeout:    30 * time.Second,
	}
}

// Validate checks the limits for obvious mistakes.
func (l Limits) Validate() error {
	if l.MaxConnections <= 0 {
		return fmt.Errorf("pool: max connections must be positive, got %d", l.MaxConnections)
	}
	if l.IdleTimeout < 0 {
		return fmt.Errorf("pool: idle timeout must not be negative, got %s", l.IdleTimeout)
	}
	if l.OpenTimeout < 0 {
		return fmt.Errorf("pool: open timeout must not be negative, got %s", l.OpenTimeout)
	}
	return nil
}

// Options wires a pool to its collaborators.
type Options struct {
	Limits Limits
	Policy *quality.Policy
	Opener transport.Opener
	// Fanout receives the frames of every admitted connection. The pool
	// installs itself as the fanout's tracker.
	Fanout *fanout.Fanout
	// Dispatch runs fn on the coordination goroutine. It reports false when
	// the coordination goroutine has stopped and fn will never run.
	Dispatch func(fn func()) bool
	// OnTransportError is called on the coordination goroutine when an open
	// connection's stream fails. The connection is already closed.
	OnTransportError func(deviceID string, err error)
	Now              func() time.Time
}

type phase uint8

const (
	phaseOpening phase = iota
	phaseOpen
	// torn down but its transport is not gone yet; still holds its slot
	phaseClosing
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseOpening:
		return "opening"
	case phaseOpen:
		return "open"
	case phaseClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Connection is a pool entry. Values returned by the pool are copies.
type Connection struct {
	DeviceID      string
	Quality       quality.Tier
	CreatedAt     time.Time
	LastUsedAt    time.Time
	UsageCount    int
	ObserverCount int

	phase  phase
	handle transport.Handle
	cancel context.CancelFunc
	sink   *connSink
	// evicted for an admission; its slot now belongs to the newcomer, whose
	// open waits for this transport to be released
	handedOff bool
}

// Opening reports whether the transport is still coming up.
func (c Connection) Opening() bool { return c.phase == phaseOpening }

// Pool is the set of live connections.
type Pool struct {
	limits   Limits
	policy   *quality.Policy
	opener   transport.Opener
	fanout   *fanout.Fanout
	dispatch func(func()) bool
	onError  func(string, error)
	now      func() time.Time
	log      zerolog.Logger

	conns  map[string]*Connection
	warned bool
	wg     sync.WaitGroup
}

// New returns a pool. Opener and Dispatch are required.
func New(opts Options) (*Pool, error) {
	if opts.Opener == nil {
		return nil, errors.New("pool: opener is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("pool: dispatch is required")
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		limits:   opts.Limits,
		policy:   opts.Policy,
		opener:   opts.Opener,
		fanout:   opts.Fanout,
		dispatch: opts.Dispatch,
		onError:  opts.OnTransportError,
		now:      opts.Now,
		log:      logging.WithComponent("pool"),
		conns:    make(map[string]*Connection),
	}
	if p.policy == nil {
		p.policy = quality.MustDefault()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.fanout == nil {
		p.fanout = fanout.New(0, nil)
	}
	p.fanout.SetTracker(p)
	return p, nil
}

// Fanout returns the fanout fed by this pool.
func (p *Pool) Fanout() *fanout.Fanout { return p.fanout }

// Policy returns the tier policy used for admissions.
func (p *Pool) Policy() *quality.Policy { return p.policy }

// SetPolicy replaces the tier policy. Connections keep the tier they were
// admitted with.
func (p *Pool) SetPolicy(policy *quality.Policy) {
	if policy != nil {
		p.policy = policy
	}
}

// Limits returns the current limits.
func (p *Pool) Limits() Limits { return p.limits }

// UpdateLimits replaces the limits. Existing connections are kept even when
// they exceed the new bounds; only later admissions see the change.
func (p *Pool) UpdateLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	p.limits = l
	p.log.Info().
		Str(logging.FieldEvent, "pool.limits_updated").
		Int("max_connections", l.MaxConnections).
		Uint64("memory_ceiling", l.MemoryCeiling).
		Dur("idle_timeout", l.IdleTimeout).
		Msg("pool limits updated")
	return nil
}

// Acquire admits a new connection for deviceID at the tier chosen for
// fleetSize and starts opening its transport. The returned connection is in
// the opening phase and already counts against the limits. done runs on the
// coordination goroutine once the open resolves; it receives ErrClosed when
// the connection was closed first, or a *TransportError when the open failed.
//
// While the device's previous connection is still closing Acquire fails with
// ErrClosing. When idle connections were evicted to make room, the open
// starts only after their transports are released.
//
// ctx bounds the open. Acquire itself never blocks.
func (p *Pool) Acquire(ctx context.Context, deviceID string, fleetSize int, done func(Connection, error)) (Connection, error) {
	if prev, ok := p.conns[deviceID]; ok {
		if prev.phase == phaseClosing {
			return Connection{}, fmt.Errorf("acquire %s: %w", deviceID, ErrClosing)
		}
		return Connection{}, fmt.Errorf("acquire %s: %w", deviceID, ErrAlreadyActive)
	}

	tier := p.policy.SelectTier(fleetSize)
	evicted, err := p.admit(deviceID, tier)
	if err != nil {
		return Connection{}, err
	}

	now := p.now()
	c := &Connection{
		DeviceID:   deviceID,
		Quality:    tier,
		CreatedAt:  now,
		LastUsedAt: now,
		phase:      phaseOpening,
	}
	c.sink = newConnSink(p, c)

	openCtx := ctx
	var cancel context.CancelFunc
	if p.limits.OpenTimeout > 0 {
		openCtx, cancel = context.WithTimeout(ctx, p.limits.OpenTimeout)
	} else {
		openCtx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel

	p.conns[deviceID] = c
	p.fanout.Open(deviceID)

	metrics.RecordAdmit(tier.Label)
	p.log.Info().
		Str(logging.FieldEvent, "pool.admit").
		Str(logging.FieldDevice, deviceID).
		Str(logging.FieldTier, tier.Label).
		Int("fleet_size", fleetSize).
		Int("connections", p.slots()).
		Int("evicted", len(evicted)).
		Msg("connection admitted")
	p.checkMemory()
	p.publishGauges()

	p.wg.Add(1)
	go p.open(openCtx, c, evicted, done)

	return *c, nil
}

func (p *Pool) open(ctx context.Context, c *Connection, evicted []*connSink, done func(Connection, error)) {
	defer p.wg.Done()

	var (
		h   transport.Handle
		err error
	)
	for _, s := range evicted {
		select {
		case <-s.released:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		h, err = p.opener.Open(ctx, c.DeviceID, c.Quality, c.sink)
	}
	if err == nil && ctx.Err() != nil {
		// cancelled while the transport was completing; nobody will claim h
		c.sink.stop()
		_ = h.Close()
		h, err = nil, ctx.Err()
	}

	if !p.dispatch(func() { p.resolve(c, h, err, done) }) {
		c.sink.stop()
		if h != nil {
			_ = h.Close()
		}
		c.sink.release()
	}
}

func (p *Pool) resolve(c *Connection, h transport.Handle, err error, done func(Connection, error)) {
	c.cancel()

	if c.phase == phaseClosing {
		if h != nil {
			c.handle = h
			p.closeHandle(c)
		} else {
			c.sink.release()
			p.forget(c)
		}
		metrics.RecordOpen("cancelled")
		if done != nil {
			done(*c, fmt.Errorf("open %s: %w", c.DeviceID, ErrClosed))
		}
		return
	}

	if err != nil {
		delete(p.conns, c.DeviceID)
		c.phase = phaseClosed
		c.sink.stop()
		c.sink.release()
		p.fanout.Close(c.DeviceID)
		p.publishGauges()

		metrics.RecordOpen("error")
		p.log.Warn().
			Err(err).
			Str(logging.FieldEvent, "pool.open_failed").
			Str(logging.FieldDevice, c.DeviceID).
			Str(logging.FieldTier, c.Quality.Label).
			Msg("transport open failed")
		if done != nil {
			done(*c, &TransportError{DeviceID: c.DeviceID, Err: err})
		}
		return
	}

	c.handle = h
	c.phase = phaseOpen
	c.LastUsedAt = p.now()
	p.publishGauges()

	metrics.RecordOpen("ok")
	p.log.Debug().
		Str(logging.FieldEvent, "pool.opened").
		Str(logging.FieldDevice, c.DeviceID).
		Dur("open_duration", c.LastUsedAt.Sub(c.CreatedAt)).
		Msg("transport open")
	if done != nil {
		done(*c, nil)
	}
}

// admit applies both gates, reclaiming idle connections least recently used
// first until they pass. It returns the sinks of the evicted connections; the
// newcomer must not open before they are released.
func (p *Pool) admit(deviceID string, tier quality.Tier) ([]*connSink, error) {
	var evicted []*Connection
	for {
		rejection := p.check(deviceID, tier)
		if rejection == nil {
			sinks := make([]*connSink, len(evicted))
			for i, v := range evicted {
				sinks[i] = v.sink
			}
			return sinks, nil
		}
		victim := p.lruIdle()
		if victim == nil {
			// nobody takes over the evicted slots; they count until released
			for _, v := range evicted {
				v.handedOff = false
			}
			metrics.RecordReject(rejection.Reason)
			p.log.Warn().
				Str(logging.FieldEvent, "pool.reject").
				Str(logging.FieldDevice, deviceID).
				Str(logging.FieldTier, tier.Label).
				Str(logging.FieldReason, rejection.Reason).
				Uint64("current", rejection.Current).
				Uint64("limit", rejection.Limit).
				Msg("admission rejected")
			return nil, rejection
		}
		p.log.Info().
			Str(logging.FieldEvent, "pool.evict").
			Str(logging.FieldDevice, victim.DeviceID).
			Str(logging.FieldReason, rejection.Reason).
			Dur("idle", p.now().Sub(victim.LastUsedAt)).
			Msg("evicting least recently used idle connection")
		p.closeConn(victim, causeAdmission)
		victim.handedOff = true
		evicted = append(evicted, victim)
	}
}

func (p *Pool) check(deviceID string, tier quality.Tier) *AdmissionError {
	if n := p.slots(); n+1 > p.limits.MaxConnections {
		return &AdmissionError{
			DeviceID: deviceID,
			Reason:   ReasonConnections,
			Current:  uint64(n),
			Limit:    uint64(p.limits.MaxConnections),
		}
	}
	if ceiling := p.limits.MemoryCeiling; ceiling > 0 {
		if mem := p.EstimateMemoryUsage(); mem+tier.MemoryBytes > ceiling {
			return &AdmissionError{
				DeviceID: deviceID,
				Reason:   ReasonMemory,
				Current:  mem,
				Limit:    ceiling,
			}
		}
	}
	return nil
}

func (p *Pool) lruIdle() *Connection {
	var victim *Connection
	for _, c := range p.conns {
		if !idle(c) {
			continue
		}
		if victim == nil || c.LastUsedAt.Before(victim.LastUsedAt) ||
			(c.LastUsedAt.Equal(victim.LastUsedAt) && c.DeviceID < victim.DeviceID) {
			victim = c
		}
	}
	return victim
}

func idle(c *Connection) bool {
	return c.phase == phaseOpen && c.ObserverCount == 0
}

func (p *Pool) checkMemory() {
	if p.limits.MemoryWarning == 0 {
		return
	}
	mem := p.EstimateMemoryUsage()
	if mem <= p.limits.MemoryWarning {
		p.warned = false
		return
	}
	if p.warned {
		return
	}
	p.warned = true
	p.log.Warn().
		Str(logging.FieldEvent, "pool.memory_warning").
		Uint64("estimate_mib", mem>>20).
		Uint64("warning_mib", p.limits.MemoryWarning>>20).
		Msg("high memory usage estimate")
}

// Release ends a consumer's use of deviceID. The connection stays open; once
// it has no observers the idle clock runs from now. It reports whether the
// device had a connection.
func (p *Pool) Release(deviceID string) bool {
	c := p.live(deviceID)
	if c == nil {
		return false
	}
	c.LastUsedAt = p.now()
	if c.ObserverCount == 0 {
		p.log.Debug().
			Str(logging.FieldEvent, "pool.idle").
			Str(logging.FieldDevice, deviceID).
			Dur("idle_timeout", p.limits.IdleTimeout).
			Msg("connection idle")
	}
	p.publishGauges()
	return true
}

// Cleanup closes every open connection that has had no observers for longer
// than the idle timeout and returns their device ids in order.
func (p *Pool) Cleanup() []string {
	now := p.now()
	var reclaimed []string
	for id, c := range p.conns {
		if idle(c) && now.Sub(c.LastUsedAt) > p.limits.IdleTimeout {
			reclaimed = append(reclaimed, id)
		}
	}
	sort.Strings(reclaimed)
	for _, id := range reclaimed {
		p.closeConn(p.conns[id], causeIdle)
	}
	if len(reclaimed) > 0 {
		p.log.Info().
			Str(logging.FieldEvent, "pool.cleanup").
			Strs("devices", reclaimed).
			Msg("reclaimed idle connections")
	}
	return reclaimed
}

// Close starts tearing deviceID's connection down, whatever its phase. A
// pending open is cancelled and its acquire callback gets ErrClosed. The
// connection keeps its slot in the closing phase until its transport is
// released. It reports false when there was nothing left to close.
func (p *Pool) Close(deviceID string) bool {
	c := p.live(deviceID)
	if c == nil {
		return false
	}
	p.closeConn(c, "")
	return true
}

// CloseAll tears down every connection.
func (p *Pool) CloseAll() {
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := p.conns[id]; c.phase != phaseClosing {
			p.closeConn(c, "")
		}
	}
}

// Wait blocks until every transport worker started by the pool has returned.
// Call it off the coordination goroutine, after CloseAll.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// closeConn moves c to the closing phase. The entry is forgotten once its
// transport is released: by resolve for a pending open, by closeHandle
// otherwise.
func (p *Pool) closeConn(c *Connection, cause string) {
	prev := c.phase
	c.phase = phaseClosing
	c.sink.stop()
	p.fanout.Close(c.DeviceID)
	switch {
	case prev == phaseOpening:
		c.cancel()
	case c.handle != nil:
		p.closeHandle(c)
	default:
		c.sink.release()
		p.forget(c)
	}
	if cause != "" {
		metrics.RecordReclaim(cause)
	}
	p.log.Info().
		Str(logging.FieldEvent, "pool.close").
		Str(logging.FieldDevice, c.DeviceID).
		Str("phase", prev.String()).
		Str(logging.FieldReason, cause).
		Int("usage_count", c.UsageCount).
		Msg("connection closing")
	p.checkMemory()
	p.publishGauges()
}

// closeHandle closes c's transport off the coordination goroutine and then
// hands the entry back to be forgotten.
func (p *Pool) closeHandle(c *Connection) {
	h := c.handle
	c.handle = nil
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := h.Close(); err != nil {
			p.log.Warn().
				Err(err).
				Str(logging.FieldEvent, "pool.close_failed").
				Str(logging.FieldDevice, c.DeviceID).
				Msg("transport close failed")
		}
		c.sink.release()
		p.dispatch(func() { p.forget(c) })
	}()
}

// forget drops a closing entry whose transport has been released, freeing
// its slot.
func (p *Pool) forget(c *Connection) {
	if p.conns[c.DeviceID] != c {
		return
	}
	delete(p.conns, c.DeviceID)
	c.phase = phaseClosed
	p.log.Debug().
		Str(logging.FieldEvent, "pool.closed").
		Str(logging.FieldDevice, c.DeviceID).
		Msg("connection closed")
	p.checkMemory()
	p.publishGauges()
}

// live returns deviceID's connection unless it is closing.
func (p *Pool) live(deviceID string) *Connection {
	c := p.conns[deviceID]
	if c == nil || c.phase == phaseClosing {
		return nil
	}
	return c
}

// slots counts the entries holding a slot: every connection except those
// evicted in favour of a newcomer.
func (p *Pool) slots() int {
	n := 0
	for _, c := range p.conns {
		if !c.handedOff {
			n++
		}
	}
	return n
}

func (p *Pool) transportFailed(c *Connection, err error) {
	if p.live(c.DeviceID) != c {
		return
	}
	p.log.Warn().
		Err(err).
		Str(logging.FieldEvent, "pool.transport_error").
		Str(logging.FieldDevice, c.DeviceID).
		Msg("stream failed")
	p.closeConn(c, "")
	if p.onError != nil {
		p.onError(c.DeviceID, &TransportError{DeviceID: c.DeviceID, Err: err})
	}
}

// ObserverAdded implements fanout.Tracker.
func (p *Pool) ObserverAdded(deviceID string) {
	c := p.live(deviceID)
	if c == nil {
		metrics.RecordInvariantViolation("observer_without_connection")
		p.log.Error().
			Str(logging.FieldEvent, "pool.invariant").
			Str(logging.FieldDevice, deviceID).
			Msg("observer added without a connection")
		return
	}
	c.ObserverCount++
	c.UsageCount++
	c.LastUsedAt = p.now()
	p.publishGauges()
}

// ObserverRemoved implements fanout.Tracker.
func (p *Pool) ObserverRemoved(deviceID string) {
	c := p.conns[deviceID]
	if c == nil {
		return
	}
	if c.ObserverCount > 0 {
		c.ObserverCount--
	}
	c.LastUsedAt = p.now()
	p.publishGauges()
}

// Lookup returns a copy of deviceID's connection. A closing connection is
// not reported.
func (p *Pool) Lookup(deviceID string) (Connection, bool) {
	c := p.live(deviceID)
	if c == nil {
		return Connection{}, false
	}
	return *c, true
}

// Has reports whether deviceID holds a connection in any phase, closing
// included.
func (p *Pool) Has(deviceID string) bool {
	_, ok := p.conns[deviceID]
	return ok
}

// Count returns the number of slots in use, closing connections included.
func (p *Pool) Count() int { return p.slots() }

// ClosingCount returns connections whose transport is still being released.
func (p *Pool) ClosingCount() int {
	n := 0
	for _, c := range p.conns {
		if c.phase == phaseClosing {
			n++
		}
	}
	return n
}

// ActiveCount returns connections that are opening or have observers.
func (p *Pool) ActiveCount() int {
	n := 0
	for _, c := range p.conns {
		if c.phase != phaseClosing && !idle(c) {
			n++
		}
	}
	return n
}

// IdleCount returns open connections without observers.
func (p *Pool) IdleCount() int {
	n := 0
	for _, c := range p.conns {
		if idle(c) {
			n++
		}
	}
	return n
}

// TotalUsageCount sums the usage counts of live connections.
func (p *Pool) TotalUsageCount() int {
	n := 0
	for _, c := range p.conns {
		n += c.UsageCount
	}
	return n
}

// EstimateMemoryUsage sums the tier footprint of every connection holding a
// slot, including ones still opening or closing.
func (p *Pool) EstimateMemoryUsage() uint64 {
	var total uint64
	for _, c := range p.conns {
		if !c.handedOff {
			total += c.Quality.MemoryBytes
		}
	}
	return total
}

// Stats summarises the pool.
type Stats struct {
	Connections    int      `json:"connections"`
	Active         int      `json:"active"`
	Idle           int      `json:"idle"`
	Opening        int      `json:"opening"`
	Closing        int      `json:"closing"`
	TotalUsage     int      `json:"total_usage"`
	MemoryEstimate uint64   `json:"memory_estimate_bytes"`
	MaxConnections int      `json:"max_connections"`
	MemoryCeiling  uint64   `json:"memory_ceiling_bytes"`
	MemoryWarning  uint64   `json:"memory_warning_bytes"`
	ActiveSerials  []string `json:"active_serials"`
}

// Stats returns a summary of the pool.
func (p *Pool) Stats() Stats {
	s := Stats{
		Connections:    p.slots(),
		TotalUsage:     p.TotalUsageCount(),
		MemoryEstimate: p.EstimateMemoryUsage(),
		MaxConnections: p.limits.MaxConnections,
		MemoryCeiling:  p.limits.MemoryCeiling,
		MemoryWarning:  p.limits.MemoryWarning,
		ActiveSerials:  []string{},
	}
	for id, c := range p.conns {
		switch {
		case c.phase == phaseClosing:
			if !c.handedOff {
				s.Closing++
			}
		case idle(c):
			s.Idle++
		default:
			s.Active++
			s.ActiveSerials = append(s.ActiveSerials, id)
		}
		if c.phase == phaseOpening {
			s.Opening++
		}
	}
	sort.Strings(s.ActiveSerials)
	return s
}

func (p *Pool) publishGauges() {
	metrics.SetPool(p.ActiveCount(), p.IdleCount(), p.EstimateMemoryUsage())
}

// connSink forwards one connection's frames into the fanout and its terminal
// error back to the coordination goroutine. released is closed once the
// connection's transport is gone.
type connSink struct {
	pool     *Pool
	conn     *Connection
	stopped  atomic.Bool
	released chan struct{}
	once     sync.Once
}

func newConnSink(p *Pool, c *Connection) *connSink {
	return &connSink{pool: p, conn: c, released: make(chan struct{})}
}

func (s *connSink) stop() { s.stopped.Store(true) }

func (s *connSink) release() { s.once.Do(func() { close(s.released) }) }

func (s *connSink) Frame(fr transport.Frame) {
	if s.stopped.Load() {
		return
	}
	fr.DeviceID = s.conn.DeviceID
	s.pool.fanout.Publish(fr)
}

func (s *connSink) Closed(err error) {
	if err == nil || s.stopped.Load() {
		return
	}
	c := s.conn
	s.pool.dispatch(func() { s.pool.transportFailed(c, err) })
}
