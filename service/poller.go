package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"androidfarm/farm"
	"androidfarm/logging"
	"androidfarm/models"
)

// Reconciler is the part of the farm discovery feeds.
type Reconciler interface {
	Reconcile(ctx context.Context, ids []string) (farm.ReconcileResult, error)
}

// Poller scans on an interval and reconciles the farm with the result.
type Poller struct {
	devices  *DeviceManager
	farm     Reconciler
	interval time.Duration
	log      zerolog.Logger
}

// NewPoller returns a poller; interval defaults to five seconds.
func NewPoller(devices *DeviceManager, f Reconciler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		devices:  devices,
		farm:     f,
		interval: interval,
		log:      logging.WithComponent("discovery"),
	}
}

// Poll runs one scan and reconciles. A failed scan leaves the tiles alone:
// an adb hiccup must not tear down the wall.
func (p *Poller) Poll(ctx context.Context) (farm.ReconcileResult, error) {
	devices, err := p.devices.ScanDevices(ctx)
	if err != nil {
		return farm.ReconcileResult{}, err
	}
	return p.farm.Reconcile(ctx, deviceIDs(devices))
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().
				Err(err).
				Str(logging.FieldEvent, "discovery.poll_failed").
				Msg("device poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func deviceIDs(devices []models.Device) []string {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}
