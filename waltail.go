package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/waltail/admin"
	"github.com/maxpert/waltail/cfg"
	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/notify"
	"github.com/maxpert/waltail/publisher"
	_ "github.com/maxpert/waltail/publisher/sink"
	_ "github.com/maxpert/waltail/publisher/transformer"
	"github.com/maxpert/waltail/telemetry"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/maxpert/waltail/walaccess"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is reported by the WAL endpoints
var Version = "dev"

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("server_id", cfg.Config.ServerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("version", Version).Msg("waltail - WAL tailing for replication")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("backend", string(cfg.Config.WAL.Backend)).Msg("Opening WAL")
	store, catalogStore, err := openStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
		return
	}
	defer store.Close()

	hub := notify.NewHub()
	defer hub.Close()

	log.Info().Msg("Initializing Database Manager")
	dbMgr, err := db.NewDatabaseManager(wal.NewWriter(store, hub), catalogStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Database Manager")
		return
	}
	defer dbMgr.Close()

	access := walaccess.New(store, dbMgr)
	defer access.Shutdown()

	collector := telemetry.NewMetricsCollector(store, dbMgr, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	var registry *publisher.Registry
	if cfg.Config.Publisher.Enabled {
		log.Info().Int("sinks", len(cfg.Config.Publisher.Sinks)).Msg("Starting publisher")
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			Access:      access,
			Hub:         hub,
			ServerID:    cfg.Config.ServerID,
			ChunkSize:   int(cfg.Config.Tail.DefaultChunkSize),
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize publisher")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publisher")
			return
		}
		defer registry.Stop()
	}

	retention := &Retention{
		Store:  store,
		Keep:   tick.Tick(cfg.Config.WAL.RetentionTicks),
		Floors: nil,
	}
	if registry != nil {
		retention.Floors = append(retention.Floors, registry.MinTick)
	}

	var servers []*http.Server
	if cfg.Config.Admin.Enabled {
		handlers, err := admin.NewHandlers(admin.Config{
			Access:           access,
			Catalog:          dbMgr,
			Publisher:        workerLister(registry),
			ServerID:         cfg.Config.ServerID,
			Version:          Version,
			DefaultChunkSize: int(cfg.Config.Tail.DefaultChunkSize),
			MaxChunkSize:     int(cfg.Config.Tail.MaxChunkSize),
			MaxFollowers:     cfg.Config.Tail.MaxTrackedFollower,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize WAL endpoints")
			return
		}
		retention.Floors = append(retention.Floors, handlers.Followers().MinTick)

		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, handlers, cfg.Config.Admin.Secret)
		if cfg.Config.Prometheus.Enabled && cfg.Config.Prometheus.Port == cfg.Config.Admin.Port {
			mux.Handle("/metrics", telemetry.GetMetricsHandler())
		}
		servers = append(servers, serve(fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port), mux))
	}

	if cfg.Config.Prometheus.Enabled && (!cfg.Config.Admin.Enabled || cfg.Config.Prometheus.Port != cfg.Config.Admin.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
		servers = append(servers, serve(fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port), mux))
	}

	if cfg.Config.WAL.RetentionTicks > 0 {
		go retention.Run(ctx, time.Duration(cfg.Config.WAL.TrimIntervalSeconds)*time.Second)
	}

	log.Info().
		Uint64("server_id", cfg.Config.ServerID).
		Int("admin_port", cfg.Config.Admin.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Server is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("HTTP shutdown failed")
		}
	}
}

// openStorage opens the WAL backend and, for the pebble backend, the
// persistent catalog
func openStorage() (wal.Store, *db.CatalogStore, error) {
	if cfg.Config.WAL.Backend == cfg.WALMemory {
		return wal.NewMemoryLog(), nil, nil
	}

	store, err := wal.OpenPebbleLog(cfg.Config.DataDir, wal.DefaultPebbleOptions())
	if err != nil {
		return nil, nil, err
	}
	catalog, err := db.OpenCatalogStore(cfg.Config.DataDir)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, catalog, nil
}

// workerLister avoids handing a typed nil registry to the admin handlers
func workerLister(r *publisher.Registry) admin.WorkerLister {
	if r == nil {
		return nil
	}
	return r
}

func serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", addr).Msg("HTTP server failed")
		}
	}()
	return srv
}
