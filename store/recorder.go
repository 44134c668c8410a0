package store

import (
	"context"
	"time"

	"androidfarm/farm"
	"androidfarm/logging"
)

// ChangeSink persists or forwards tile changes.
type ChangeSink interface {
	RecordChange(ctx context.Context, c farm.Change) error
}

const sinkTimeout = 5 * time.Second

// Record drains w into every sink until ctx is done or the watcher closes.
// A failing sink is logged and skipped; it never stops the others.
func Record(ctx context.Context, w *farm.Watcher, sinks ...ChangeSink) error {
	log := logging.WithComponent("store")
	defer w.Close()

	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-w.C():
			if !ok {
				return nil
			}
			for _, sink := range sinks {
				sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
				err := sink.RecordChange(sctx, c)
				cancel()
				if err != nil {
					log.Warn().
						Err(err).
						Str(logging.FieldEvent, "store.record_failed").
						Str(logging.FieldDevice, c.DeviceID).
						Msg("failed to record tile change")
				}
			}
			if dropped := w.Dropped(); dropped > reported {
				log.Warn().
					Str(logging.FieldEvent, "store.changes_dropped").
					Uint64("dropped", dropped-reported).
					Msg("recorder fell behind, tile changes lost")
				reported = dropped
			}
		}
	}
}
