// Command orchestratord is the media orchestrator's entrypoint: it wires
// every collaborator named by spec §2 in dependency order (clock → KVStore →
// TaskStore → QueueBus → UIChannel → TransferClient → InstanceCoordinator →
// StateMachine-backed Scheduler → Gateway) and runs until an interrupt or
// unrecoverable startup error, following the teacher's cmd/goclaw/main.go
// fatalStartup/signal-context/graceful-shutdown shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/media-orchestrator/internal/bus"
	"github.com/basket/media-orchestrator/internal/clock"
	"github.com/basket/media-orchestrator/internal/config"
	"github.com/basket/media-orchestrator/internal/coordinator"
	"github.com/basket/media-orchestrator/internal/gateway"
	"github.com/basket/media-orchestrator/internal/kvstore"
	otelPkg "github.com/basket/media-orchestrator/internal/otel"
	"github.com/basket/media-orchestrator/internal/scheduler"
	"github.com/basket/media-orchestrator/internal/taskstore"
	"github.com/basket/media-orchestrator/internal/telemetry"
	"github.com/basket/media-orchestrator/internal/transfer/docker"
	"github.com/basket/media-orchestrator/internal/uichannel"
	"github.com/basket/media-orchestrator/internal/uichannel/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "bind_addr", cfg.BindAddr)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	otelMetrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	realClock := clock.NewReal()

	kv := kvstore.NewMemoryStore(realClock)
	logger.Info("startup phase", "phase", "kvstore_ready")

	store, err := taskstore.Open(cfg.DBPath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	mirror := bus.NewBusWithLogger(logger)

	validator, err := bus.NewPayloadValidator()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}

	// No external broker URL is configured yet (SPEC_FULL §4.13's open
	// item), so QueueBus delivers in-process; the HTTPSink + gateway
	// webhook route are exercised in gateway_test.go and wired for a real
	// broker once a broker_url config key lands.
	var sink bus.Sink = bus.NewMemorySink()
	queueBus := bus.New(sink, realClock, logger, bus.QueueBusConfig{
		BatchSize:          cfg.QueueBus.BatchSize,
		BatchTimeout:       time.Duration(cfg.QueueBus.BatchTimeoutMS) * time.Millisecond,
		MaxBufferSize:      cfg.QueueBus.MaxBufferSize,
		DedupWindow:        time.Duration(cfg.QueueBus.DedupWindowSeconds) * time.Second,
		DedupCacheSize:     cfg.QueueBus.DedupCacheSize,
		MaxRetryAttempts:   cfg.QueueBus.MaxRetryAttempts,
		RetryBaseDelay:     time.Duration(cfg.QueueBus.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxDelay:      time.Duration(cfg.QueueBus.RetryMaxDelayMS) * time.Millisecond,
		DeadLetterCapacity: cfg.QueueBus.DeadLetterCapacity,
		DebugCallerContext: cfg.QueueBus.DebugCallerContext,
		Breaker: bus.BreakerConfig{
			FailureThreshold: cfg.QueueBus.BreakerFailureThreshold,
			Timeout:          time.Duration(cfg.QueueBus.BreakerTimeoutSeconds) * time.Second,
			SuccessThreshold: cfg.QueueBus.BreakerSuccessThreshold,
		},
	})
	queueBus.SetMirror(mirror)
	queueBus.SetTelemetry(otelMetrics, otelProvider.Tracer)
	logger.Info("startup phase", "phase", "queuebus_ready")

	coord := coordinator.New(kv, realClock, logger, coordinator.Config{
		InstanceID:          cfg.Coordinator.InstanceID,
		URL:                 cfg.Coordinator.URL,
		InstanceTimeout:     time.Duration(cfg.Coordinator.InstanceTimeoutSeconds) * time.Second,
		HeartbeatInterval:   time.Duration(cfg.Coordinator.HeartbeatIntervalSeconds) * time.Second,
		LeaderSweepInterval: time.Duration(cfg.Scheduler.LeaderSweepIntervalSeconds) * time.Second,
	})
	coord.SetMetrics(otelMetrics)
	if err := coord.Start(ctx); err != nil {
		fatalStartup(logger, "E_COORDINATOR_START", err)
	}
	defer coord.Stop()
	logger.Info("startup phase", "phase", "coordinator_started", "instance_id", coord.InstanceID())

	var channel uichannel.Channel
	var telegramSource scheduler.TelegramSource
	var tgAdapter *telegram.Adapter
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tgAdapter, err = telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			AllowedIDs: cfg.Telegram.AllowedIDs,
		}, logger)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		channel = tgAdapter
	} else {
		logger.Warn("telegram channel disabled or missing token; running without a UI channel")
		channel = noopChannel{}
	}

	throttle := uichannel.NewThrottle(time.Duration(cfg.Scheduler.MinRefreshIntervalMS)*time.Millisecond, realClock)
	notifier := uichannel.New(channel, throttle, store, logger)

	transferClient, err := docker.New(docker.Config{
		Image:       cfg.Transfer.Image,
		MemoryMB:    cfg.Transfer.MemoryMB,
		NetworkMode: cfg.Transfer.NetworkMode,
		Workspace:   cfg.Transfer.Workspace,
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_TRANSFER_INIT", err)
	}
	defer transferClient.Close()
	logger.Info("startup phase", "phase", "transfer_client_ready")

	sched := scheduler.New(scheduler.Deps{
		Store:      store,
		Transfer:   transferClient,
		Notifier:   notifier,
		Bus:        queueBus,
		Telegram:   telegramSource,
		Leader:     coord,
		Locker:     coord,
		Clock:      realClock,
		Logger:     logger,
		InstanceID: coord.InstanceID(),
		Metrics:    otelMetrics,
		Tracer:     otelProvider.Tracer,
	}, scheduler.Config{
		MinDownloadWorkers:   cfg.Scheduler.DownloadWorkers,
		MaxDownloadWorkers:   cfg.Scheduler.DownloadWorkers,
		MinUploadWorkers:     cfg.Scheduler.UploadWorkers,
		MaxUploadWorkers:     cfg.Scheduler.UploadWorkers,
		DownloadDir:          cfg.Scheduler.DownloadDir,
		PendingFlushInterval: time.Duration(cfg.Scheduler.PendingFlushSeconds) * time.Second,
		PendingSweepInterval: time.Duration(cfg.Scheduler.PendingSweepSeconds) * time.Second,
		PendingMaxAge:        time.Duration(cfg.Scheduler.PendingMaxAgeSeconds) * time.Second,
		StalledThreshold:     time.Duration(cfg.Scheduler.StalledThresholdSeconds) * time.Second,
		StalledSweepCron:     cfg.Scheduler.StalledSweepCron,
		MinRefreshInterval:   time.Duration(cfg.Scheduler.MinRefreshIntervalMS) * time.Millisecond,
	})

	if err := sched.Init(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	if tgAdapter != nil {
		go tgAdapter.Run(ctx, func(u telegram.Update) {
			if u.CallbackQueryID != "" {
				if taskID, ok := strings.CutPrefix(u.CallbackData, "cancel:"); ok {
					sched.CancelTask(ctx, taskID)
				}
				tgAdapter.AckCallback(u.CallbackQueryID)
				return
			}
			// Plain text messages with a forwarded file are resolved to a
			// source_ref by the bot API layer upstream of this handler;
			// this core only owns dispatch of already-resolved tasks.
		})
		logger.Info("startup phase", "phase", "telegram_channel_started")
	}

	ready := &atomic.Bool{}
	configSnapshot := &atomic.Pointer[config.Config]{}
	configSnapshot.Store(&cfg)

	gw := gateway.New(gateway.Config{
		Scheduler:      sched,
		KV:             kv,
		ConfigSnapshot: configSnapshot,
		Reload: func(context.Context) (config.Config, error) {
			return config.Reload(*configSnapshot.Load())
		},
		Ready:     ready,
		Mirror:    mirror,
		Validator: validator,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	ready.Store(true)
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	// sched.Stop() and the other deferred Close/Stop calls above perform the
	// actual drain wait once this function returns.
	logger.Info("shutdown complete")
}

// noopChannel is used when no Telegram token is configured, so the
// Scheduler and Notifier can still be constructed and exercised (e.g. in a
// webhook-only or test deployment).
type noopChannel struct{}

func (noopChannel) SendMessage(context.Context, string, uichannel.Outbound) (int64, error) {
	return 0, nil
}

func (noopChannel) EditMessage(context.Context, string, int64, uichannel.Outbound) error {
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}
