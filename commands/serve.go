package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"androidfarm/adb"
	"androidfarm/api"
	"androidfarm/config"
	"androidfarm/farm"
	"androidfarm/logging"
	"androidfarm/scrcpy"
	"androidfarm/service"
	"androidfarm/store"
	"androidfarm/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the farm: discovery, connection pool, HTTP API and WebSocket streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				a.close()
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			return a.run(ctx, ln, config.NewHolder(cfg, opts.configPath))
		},
	}
}

// app is one running farm with everything around it.
type app struct {
	cfg     config.Config
	farm    *farm.Orchestrator
	devices *service.DeviceManager
	poller  *service.Poller
	hub     *api.WebSocketHub
	db      *store.SQLite
	redis   *store.RedisPublisher
	server  *http.Server
	log     zerolog.Logger
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logging.WithComponent("serve")}

	client := adb.NewClient(cfg.Transport.ADBPath)
	client.Enrich = cfg.Discovery.Enrich

	var opener transport.Opener
	switch cfg.Transport.Mode {
	case config.TransportSynthetic:
		opener = transport.NewSynthetic(cfg.Transport.SyntheticOpenDelay)
	default:
		opener = scrcpy.NewOpener(client, scrcpy.Config{
			ServerJar:     cfg.Transport.ServerJar,
			ServerVersion: cfg.Transport.ServerVersion,
			StartupDelay:  cfg.Transport.StartupDelay,
		})
	}

	var lister service.Lister = client
	if cfg.Discovery.Mode == config.DiscoveryStatic {
		lister = service.StaticLister(cfg.StaticDevices())
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	f, err := farm.New(farm.Options{
		Limits:          cfg.PoolLimits(),
		Policy:          policy,
		Opener:          opener,
		QueueSize:       cfg.Fanout.QueueSize,
		CleanupInterval: cfg.Pool.CleanupInterval,
		Basis:           farm.Basis(cfg.Quality.Basis),
	})
	if err != nil {
		return nil, err
	}
	a.farm = f

	var (
		registry service.Registry
		events   api.EventLog
	)
	if !cfg.Storage.Disabled {
		db, err := store.OpenSQLite(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, err
		}
		a.db = db
		registry, events = db, db
	}
	if cfg.Redis.Addr != "" {
		a.redis = store.NewRedisPublisher(&redis.Options{Addr: cfg.Redis.Addr}, cfg.Redis.Channel)
	}

	a.devices = service.NewDeviceManager(lister, registry, cfg.Discovery.MinScanGap)
	a.poller = service.NewPoller(a.devices, f, cfg.Discovery.Interval)
	a.hub = api.NewWebSocketHub(f)
	a.server = &http.Server{
		Handler: api.NewRouter(api.Deps{
			Farm:    f,
			Devices: a.devices,
			Poller:  a.poller,
			Events:  events,
			Hub:     a.hub,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *app) sinks() []store.ChangeSink {
	var sinks []store.ChangeSink
	if a.db != nil {
		sinks = append(sinks, a.db)
	}
	if a.redis != nil {
		sinks = append(sinks, a.redis)
	}
	return sinks
}

// run serves on ln until ctx is done or a component fails, then shuts
// everything down.
func (a *app) run(ctx context.Context, ln net.Listener, holder *config.Holder) error {
	defer a.close()

	if a.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx); err != nil {
			a.log.Warn().
				Err(err).
				Str(logging.FieldEvent, "redis.unreachable").
				Msg("redis not reachable; changes will be retried per event")
		}
		cancel()
	}

	// watchers exist before the farm starts so no change is missed
	hubWatch := a.farm.Watch(a.cfg.Fanout.WatchBuffer)
	var recordWatch *farm.Watcher
	sinks := a.sinks()
	if len(sinks) > 0 {
		recordWatch = a.farm.Watch(a.cfg.Fanout.WatchBuffer)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.farm.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx, hubWatch) })
	if recordWatch != nil {
		g.Go(func() error { return store.Record(gctx, recordWatch, sinks...) })
	}
	g.Go(func() error { return a.poller.Run(gctx) })

	if holder != nil {
		reloads := make(chan config.Config, 1)
		holder.Subscribe(reloads)
		g.Go(func() error {
			if err := holder.Watch(gctx); err != nil {
				// serving goes on with the configuration it has
				a.log.Warn().Err(err).Str(logging.FieldEvent, "config.watch_failed").Msg("config watcher stopped")
			}
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case next := <-reloads:
					a.apply(gctx, next)
				}
			}
		})
	}

	g.Go(func() error {
		a.log.Info().
			Str(logging.FieldEvent, "serve.listening").
			Str("addr", ln.Addr().String()).
			Str("transport", a.cfg.Transport.Mode).
			Str("discovery", a.cfg.Discovery.Mode).
			Int("max_connections", a.cfg.Pool.MaxConnections).
			Msg("farm serving")

		errCh := make(chan error, 1)
		go func() { errCh <- a.server.Serve(ln) }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.log.Info().Str(logging.FieldEvent, "serve.stopped").Msg("farm stopped")
	return err
}

// apply pushes the live-reloadable parts of a new configuration into the
// farm. Everything else needs a restart.
func (a *app) apply(ctx context.Context, next config.Config) {
	if err := a.farm.UpdateLimits(ctx, next.PoolLimits()); err != nil {
		a.log.Error().Err(err).Str(logging.FieldEvent, "config.apply_failed").Msg("pool limits not applied")
	}
	policy, err := next.Policy()
	if err == nil {
		err = a.farm.UpdatePolicy(ctx, policy)
	}
	if err != nil {
		a.log.Error().Err(err).Str(logging.FieldEvent, "config.apply_failed").Msg("quality policy not applied")
	}
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close database")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
