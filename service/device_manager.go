// Package service discovers devices and keeps the farm's tile set in step
// with them.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"androidfarm/logging"
	"androidfarm/models"
)

// Lister lists the devices currently attached.
type Lister interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// Registry persists scan results.
type Registry interface {
	UpsertDevices(ctx context.Context, devices []models.Device, now time.Time) error
}

// StaticLister reports a fixed fleet. It backs demo farms running on the
// synthetic transport.
type StaticLister []string

// ListDevices returns one online device per id.
func (s StaticLister) ListDevices(context.Context) ([]models.Device, error) {
	out := make([]models.Device, 0, len(s))
	for _, id := range s {
		out = append(out, models.Device{
			ID:          id,
			ADBDeviceID: id,
			Name:        id,
			Status:      models.StatusOnline,
		})
	}
	return out, nil
}

// DeviceManager caches the last scan. Discovery is cheap by contract: it
// never opens a stream.
type DeviceManager struct {
	lister   Lister
	registry Registry
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.RWMutex
	devices  map[string]*models.Device
	lastScan time.Time
}

// NewDeviceManager returns a manager scanning through lister. registry may
// be nil. minGap spaces out scans; zero disables the limit.
func NewDeviceManager(lister Lister, registry Registry, minGap time.Duration) *DeviceManager {
	limit := rate.Inf
	if minGap > 0 {
		limit = rate.Every(minGap)
	}
	return &DeviceManager{
		lister:   lister,
		registry: registry,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		devices:  make(map[string]*models.Device),
		log:      logging.WithComponent("discovery"),
	}
}

// ScanDevices lists attached devices and replaces the cache. Devices missing
// from the scan are dropped. Calls closer together than the configured gap
// wait for their turn.
func (m *DeviceManager) ScanDevices(ctx context.Context) ([]models.Device, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("scan throttled: %w", err)
	}

	start := m.now()
	devices, err := m.lister.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	next := make(map[string]*models.Device, len(devices))
	m.mu.Lock()
	for i := range devices {
		d := devices[i]
		d.LastSeen = start
		if prev, ok := m.devices[d.ID]; ok && !prev.FirstSeen.IsZero() {
			d.FirstSeen = prev.FirstSeen
		} else {
			d.FirstSeen = start
		}
		devices[i] = d
		next[d.ID] = &d
	}
	added, removed := diffKeys(m.devices, next)
	m.devices = next
	m.lastScan = start
	m.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.UpsertDevices(ctx, devices, start); err != nil {
			m.log.Warn().
				Err(err).
				Str(logging.FieldEvent, "discovery.persist_failed").
				Msg("failed to persist scan")
		}
	}

	ev := m.log.Debug()
	if added+removed > 0 {
		ev = m.log.Info()
	}
	ev.Str(logging.FieldEvent, "discovery.scan").
		Int("devices", len(devices)).
		Int("added", added).
		Int("removed", removed).
		Dur("took", m.now().Sub(start)).
		Msg("device scan complete")
	return devices, nil
}

func diffKeys(prev, next map[string]*models.Device) (added, removed int) {
	for id := range next {
		if _, ok := prev[id]; !ok {
			added++
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	return added, removed
}

// GetAllDevices returns the cached devices ordered by id.
func (m *DeviceManager) GetAllDevices() []*models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*models.Device, 0, len(m.devices))
	for _, device := range m.devices {
		d := *device
		devices = append(devices, &d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// GetDevice returns a cached device by id, or nil.
func (m *DeviceManager) GetDevice(id string) *models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[id]
	if !ok {
		return nil
	}
	d := *device
	return &d
}

// LastScan returns when the cache was last refreshed.
func (m *DeviceManager) LastScan() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastScan
}
