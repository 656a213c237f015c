package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/admin"
	"github.com/ao-apps/aoserv-master/cfg"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/handlers"
	"github.com/ao-apps/aoserv-master/id"
	"github.com/ao-apps/aoserv-master/notify"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/publisher"
	_ "github.com/ao-apps/aoserv-master/publisher/sink"
	"github.com/ao-apps/aoserv-master/server"
	"github.com/ao-apps/aoserv-master/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

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
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("protocol", protocol.Current.String()).Msg("AOServ master starting")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	pool, err := db.Open(cfg.Config.Database, cfg.Config.ConnectionPool, cfg.DatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer pool.Close()

	if cfg.Config.Database.Bootstrap {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := pool.Bootstrap(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap schema")
			return
		}
	}

	caches := account.NewCaches(pool)
	gate, err := account.NewGate(caches, nil, cfg.Config.Auth.DNSCacheSize,
		time.Duration(cfg.Config.Auth.DNSCacheTTLSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create authentication gate")
		return
	}

	hub := notify.NewHub(caches, server.Visibility(caches))
	if cfg.Config.Publisher.Enabled {
		mirror, err := publisher.NewRegistry(publisher.RegistryConfig{
			NodeID:      cfg.Config.NodeID,
			BufferSize:  cfg.Config.Publisher.BufferSize,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create invalidation mirror")
			return
		}
		if err := mirror.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start invalidation mirror")
			return
		}
		defer mirror.Stop()
		hub.SetMirror(mirror)
	}

	processes := process.NewRegistry(cfg.Config.Server.HistorySize)
	scheduler := coordinator.NewScheduler(cfg.Config.Scheduler.BackgroundWorkers, cfg.Config.ConnectionPool.PoolSize)
	defer scheduler.Stop()

	registry := coordinator.NewRegistry()
	handlers.Register(registry, handlers.Deps{
		Caches:    caches,
		Processes: processes,
		Now:       func() int64 { return time.Now().UnixMilli() },
	})

	collector := telemetry.NewMetricsCollector(processes, pool, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	deps := server.Deps{
		Pool:       pool,
		Gate:       gate,
		Registry:   registry,
		Scheduler:  scheduler,
		Processes:  processes,
		Hub:        hub,
		Connectors: id.NewConnectorGenerator(cfg.Config.NodeID),
	}
	if cfg.Config.Admin.Enabled {
		adminHandlers := admin.NewHandlers(processes, hub, caches, scheduler, pool)
		deps.HTTP = admin.Router(adminHandlers, cfg.Config.Admin.Secret, telemetry.GetMetricsHandler())
	}

	srv := server.New(server.Config{
		Address:          cfg.ListenAddress(),
		MaxConnections:   cfg.Config.Server.MaxConnections,
		ListenKeepalive:  cfg.ListenKeepalive(),
		HandshakeTimeout: time.Duration(cfg.Config.Server.HandshakeTimeoutMS) * time.Millisecond,
		MaxLongLength:    cfg.Config.Server.MaxLongStringBytes,
	}, deps)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start master server")
		return
	}
	defer srv.Stop()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("address", srv.Addr().String()).
		Str("data_dir", cfg.Config.DataDir).
		Msg("AOServ master is operational")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}
