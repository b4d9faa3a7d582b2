package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/notify"
	"github.com/adred-codev/agentsync/internal/platform"
	"github.com/adred-codev/agentsync/internal/reaper"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/adred-codev/agentsync/internal/router"
	"github.com/adred-codev/agentsync/internal/server"
	"github.com/adred-codev/agentsync/internal/types"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger until the structured one exists.
	startup := log.New(os.Stdout, "[agentsync] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = types.LogLevelDebug
		startup.Printf("Debug mode enabled via flag")
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("Failed to open store")
	}
	// Nothing is connected yet, so nobody may appear online.
	if n, err := st.MarkAllAgentsOffline(ctx, time.Now()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to reset agent status")
	} else if n > 0 {
		logger.Info().Int("agents", n).Msg("Marked agents offline from previous run")
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.NotifyDriver).Msg("Failed to configure notifier")
	}
	bridge := notify.NewBridge(notify.BridgeConfig{
		Notifier: notifier,
		Fallback: notify.NewFallbackLog(cfg.FallbackLogPath, cfg.FallbackLogEntries),
		Timeout:  cfg.NotifyTimeout,
		Logger:   logger,
	})
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Bridge:      bridge,
		QueueSize:   cfg.NotifyQueueSize,
		MinSeverity: types.Severity(cfg.NotifyMinSeverity),
		Logger:      logger,
	})

	mirror, err := newMirror(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.MirrorDriver).Msg("Failed to configure event mirror")
	}

	reg := registry.New()
	limitSet := limits.NewSet(cfg.LimitSet())
	hub := server.NewHub()

	rt := router.New(router.Config{
		Store:        st,
		Registry:     reg,
		Limits:       limitSet,
		Hub:          hub,
		Notifier:     dispatcher,
		Mirror:       mirror,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
	})

	sysMonitor := monitoring.NewSystemMonitor(logger)
	sysMonitor.Start(cfg.MetricsInterval)

	connLimiter := limits.NewConnectionRateLimiter(cfg.ConnectionLimits(logger))

	srv := server.New(server.Config{
		Addr:            cfg.Addr,
		MaxConnections:  cfg.MaxConnections,
		SendBuffer:      cfg.SendBuffer,
		MaxMessageBytes: cfg.MaxMessageBytes,
		PingInterval:    cfg.PingInterval,
		PongWait:        cfg.PongWait,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownGrace:   cfg.ShutdownGrace,
		Hub:             hub,
		Router:          rt,
		Registry:        reg,
		Store:           st,
		ConnLimiter:     connLimiter,
		Monitor:         sysMonitor,
		Logger:          logger,
	})

	reaperCtx, stopReaper := context.WithCancel(ctx)
	var reaperWG sync.WaitGroup
	reaperWG.Add(1)
	go func() {
		defer reaperWG.Done()
		reaper.New(reaper.Config{
			Registry:    reg,
			Releaser:    rt,
			Limits:      limitSet,
			Period:      cfg.ReapInterval,
			Threshold:   cfg.ReapThreshold,
			LimiterIdle: cfg.LimiterIdle,
			Logger:      logger,
		}).Run(reaperCtx)
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace+cfg.NotifyTimeout+5*time.Second)
	defer cancel()

	// Connections first: their disconnects still write the store and queue
	// notifications.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}
	stopReaper()
	reaperWG.Wait()
	connLimiter.Stop()

	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Notifications not fully drained")
	}
	sysMonitor.Shutdown()
	if err := mirror.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing event mirror")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing store")
	}
	logger.Info().Msg("Shutdown complete")
}
