package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"androidfarm/logging"
)

const debounce = 300 * time.Millisecond

// Holder keeps the current configuration and reloads it when the file
// changes. A reload that fails to load or validate leaves the old
// configuration in place.
type Holder struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current Config

	listenMu  sync.Mutex
	listeners []chan<- Config
}

// NewHolder returns a holder for initial, loaded from path.
func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		path:    path,
		current: initial,
		log:     logging.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers ch for successful reloads. Sends never block; a full
// channel misses that reload.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload loads and validates the file and swaps it in.
func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		h.log.Error().
			Err(err).
			Str(logging.FieldEvent, "config.reload_failed").
			Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.logChanges(prev, next)

	h.listenMu.Lock()
	for _, ch := range h.listeners {
		select {
		case ch <- next:
		default:
			h.log.Warn().
				Str(logging.FieldEvent, "config.listener_full").
				Msg("config listener did not keep up")
		}
	}
	h.listenMu.Unlock()
	return nil
}

func (h *Holder) logChanges(prev, next Config) {
	ev := h.log.Info().Str(logging.FieldEvent, "config.reloaded")
	if prev.Pool.MaxConnections != next.Pool.MaxConnections {
		ev = ev.Int("max_connections", next.Pool.MaxConnections)
	}
	if prev.Pool.MemoryCeilingMB != next.Pool.MemoryCeilingMB {
		ev = ev.Int("memory_ceiling_mb", next.Pool.MemoryCeilingMB)
	}
	if prev.Pool.IdleTimeout != next.Pool.IdleTimeout {
		ev = ev.Dur("idle_timeout", next.Pool.IdleTimeout)
	}
	if len(prev.Quality.Tiers) != len(next.Quality.Tiers) {
		ev = ev.Int("tiers", len(next.Quality.Tiers))
	}
	ev.Msg("configuration reloaded")
}

// Watch reloads on changes to the file until ctx is done. The directory is
// watched so editors that replace the file by rename are seen too. With no
// path Watch just waits for ctx.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.log.Info().
		Str(logging.FieldEvent, "config.watch_started").
		Str("path", h.path).
		Msg("watching config file")

	target := filepath.Clean(h.path)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			h.log.Warn().
				Err(err).
				Str(logging.FieldEvent, "config.watch_error").
				Msg("config watcher error")
		case <-timer.C:
			_ = h.Reload()
		}
	}
}
