// Command etl runs the alert ingestion and distribution pipeline: it
// drives the NWWS-OI push source and the NWS API pull source, feeds both
// through the parser into the shared Alert Store, and serves the REST and
// WebSocket surfaces spec.md §6 defines.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/Zbattinwx/Alert-Dashboard-V2/internal/adapter/http"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/broadcast"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/config"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/parser"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/refdata"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/sink"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/source/pull"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/source/push"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	refTable, err := refdata.Load(cfg.RefDataPath)
	if err != nil {
		logger.Error("failed to load reference-data table", "error", err)
		os.Exit(1)
	}
	logger.Info("reference-data table loaded", "records", refTable.Len())

	alertStore := store.New(cfg.ExpirationGrace, logger, store.WithPersistPath(cfg.PersistPath), store.WithMetrics(metrics))

	if cfg.PersistPath != "" {
		n, err := alertStore.LoadPersisted()
		if err != nil {
			logger.Warn("failed to load persisted snapshot", "error", err)
		} else if n > 0 {
			logger.Info("rehydrated alerts from snapshot", "count", n)
		}
	}

	hub := broadcast.New(logger, broadcast.WithMetrics(metrics))

	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, metrics, logger)
		defer kafkaSink.Close()
		alertStore.Subscribe(func(ev store.Event) {
			switch ev.Kind {
			case store.EventRemoved:
				kafkaSink.EnqueueRemove(ev.Alert.ProductID)
			default:
				kafkaSink.EnqueueUpsert(ev.Alert)
			}
		})
		logger.Info("kafka change sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka change sink disabled")
	}

	parserOpts := parser.Options{RefTable: refTable, FilterStates: cfg.FilterStates}

	pushSource := push.New(push.Config{
		Host:     cfg.NWWSHost,
		Port:     cfg.NWWSPort,
		Username: cfg.NWWSUsername,
		Password: cfg.NWWSPassword,
		Room:     cfg.NWWSRoom,
	}, alertStore, parserOpts, metrics, logger)

	pullSource := pull.New(cfg.NWSAPIBase, cfg.PollInterval, parserOpts, alertStore, metrics, logger)

	server := httpadapter.NewServer(cfg.ListenAddr(), alertStore, hub, pushSource, pullSource, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go alertStore.Run(ctx)

	if cfg.NWWSEnabled {
		go pushSource.Run(ctx)
	} else {
		logger.Info("push source disabled (NWWS_ENABLED=false)")
	}
	go pullSource.Run(ctx)

	bindErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bindErr <- err
			return
		}
		bindErr <- nil
	}()

	exitCode := 0
	select {
	case err := <-bindErr:
		if err != nil {
			logger.Error("http server bind error", "error", err)
			exitCode = 1
		}
		stop()
	case err := <-pushSource.Fatal():
		logger.Error("push source fatal error", "error", err)
		exitCode = 1
		stop()
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	if cfg.PersistPath != "" {
		if err := alertStore.Persist(); err != nil {
			logger.Error("final snapshot persist failed", "error", err)
		}
	}

	logger.Info("shutdown complete", "active_alerts", len(alertStore.Snapshot()))
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
