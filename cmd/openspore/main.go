// OpenSpore - Darkspore server emulator.
//
// OpenSpore speaks the Blaze binary protocol the Darkspore client
// uses: a redirector, the main Blaze endpoint with the component
// handlers, a UDP QoS probe responder, and an HTTP bootstrap/operator
// façade, with MQTT telemetry on the side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/api"
	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/cli"
	"github.com/openspore-project/openspore/internal/component"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/qos"
	"github.com/openspore-project/openspore/internal/scheduler"
	"github.com/openspore-project/openspore/internal/sporenet"
	"github.com/openspore-project/openspore/internal/telemetry"
	"github.com/openspore-project/openspore/internal/util"
	"github.com/openspore-project/openspore/internal/worker"
)

const (
	AppName    = "OpenSpore"
	AppVersion = "0.1.0"
	Banner     = `
   ___                   ____
  / _ \ _ __   ___ _ __ / ___| _ __   ___  _ __ ___
 | | | | '_ \ / _ \ '_ \\___ \| '_ \ / _ \| '__/ _ \
 | |_| | |_) |  __/ | | |___) | |_) | (_) | | |  __/
  \___/| .__/ \___|_| |_|____/| .__/ \___/|_|  \___|
       |_|                    |_|  v%s
 Darkspore Server Emulator
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting OpenSpore")

	// Load configuration
	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logCfg := util.LogConfig{
		Level:      cfg.GetString(config.KeyLogLevel),
		Directory:  cfg.GetString(config.KeyLogDirectory),
		MaxBackups: 5,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Log system info
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// The redirector hands host.external to clients; loopback only
	// works for a client on the same machine.
	if cfg.GetString(config.KeyExternalHost) == "127.0.0.1" {
		if ip, err := util.GetLocalIP(); err == nil {
			log.Info().Str("host", ip).Msg("auto-detected external host (host.external was loopback)")
			cfg.Set(config.KeyExternalHost, ip)
			if err := cfg.Save(); err != nil {
				log.Warn().Err(err).Msg("failed to save auto-detected host")
			}
		}
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core plumbing
	eventBus := events.NewEventBus()

	store, err := sporenet.NewStore(cfg.GetString(config.KeyDatabasePath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open SporeNet store")
	}
	defer store.Close()

	pool := worker.NewPool(
		cfg.GetInt(config.KeyWorkerPoolSize),
		cfg.GetInt(config.KeyWorkerQueueCap),
		util.ComponentLogger("worker"),
	)

	// Blaze server: the main endpoint carries every component, the
	// redirector endpoint only answers redirector requests.
	registry := blaze.NewRegistry()
	blazeServer := blaze.NewServer(blaze.ServerConfig{
		Endpoints: []blaze.Endpoint{
			{
				Name: "blaze",
				Addr: fmt.Sprintf(":%d", cfg.GetInt(config.KeyListenBlaze)),
			},
			{
				Name:       "redirector",
				Addr:       fmt.Sprintf(":%d", cfg.GetInt(config.KeyListenRedirector)),
				Components: []uint16{blaze.ComponentRedirector},
			},
		},
		MaxFrameBytes:  uint32(cfg.GetInt(config.KeyFrameMaxBytes)),
		MaxSessions:    cfg.GetInt(config.KeySessionMaxOpen),
		RequestTimeout: cfg.GetDuration(config.KeyRequestTimeoutMS),
	}, registry, eventBus, util.ComponentLogger("blaze"))

	comps := component.New(component.Deps{
		Cfg:    cfg,
		Store:  store,
		Server: blazeServer,
		Pool:   pool,
		Bus:    eventBus,
		Logger: util.ComponentLogger("component"),
	})
	if err := comps.RegisterAll(registry); err != nil {
		log.Fatal().Err(err).Msg("failed to register component handlers")
	}

	// QoS probe responder
	qosResponder := qos.NewResponder(cfg.GetInt(config.KeyListenQoS))

	// HTTP façade
	apiServer := api.NewServer(cfg, eventBus, blazeServer, comps)

	// MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetBool(config.KeyTelemetryEnabled) {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// Scheduler
	sched := scheduler.NewScheduler(cfg, blazeServer, comps, store)
	if mqttHandler != nil {
		sched.SetPublisher(mqttHandler)
	}

	// Interactive CLI
	cliHandler := cli.NewCLI(cfg, eventBus, blazeServer, comps, store)

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: Blaze server (main endpoint + redirector)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().
			Int("blaze_port", cfg.GetInt(config.KeyListenBlaze)).
			Int("redirector_port", cfg.GetInt(config.KeyListenRedirector)).
			Msg("starting Blaze server")
		if err := startWithRetry(ctx, "Blaze server", blazeServer.Start, 15); err != nil {
			log.Error().Err(err).Msg("Blaze server failed after retries")
			errCh <- fmt.Errorf("blaze server: %w", err)
		}
	}()

	// Task 2: QoS probe responder
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetInt(config.KeyListenQoS)).Msg("starting QoS responder")
		if err := startWithRetry(ctx, "QoS responder", qosResponder.Start, 15); err != nil {
			log.Warn().Err(err).Msg("QoS responder failed after retries (non-fatal)")
		}
	}()

	// Task 3: HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.GetInt(config.KeyListenHTTP)).Msg("starting HTTP server")
		if err := startWithRetry(ctx, "HTTP server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("HTTP server failed after retries (non-fatal)")
		}
	}()

	// Task 4: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 5: Scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 6: Interactive CLI
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, event events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Drain open sessions before the listeners come down
	blazeServer.Shutdown(cfg.GetDuration(config.KeyShutdownGraceMS))

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	pool.Stop()
	eventBus.Stop()

	log.Info().Msg("OpenSpore stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors. A fixed 3-second interval gives the OS time to release
// sockets after a previous process was force-killed.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
