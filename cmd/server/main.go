package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/collab-sync/internal/broadcast"
	"github.com/example/collab-sync/internal/config"
	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/eviction"
	"github.com/example/collab-sync/internal/httpapi"
	"github.com/example/collab-sync/internal/observability"
	"github.com/example/collab-sync/internal/snapshot"
	"github.com/example/collab-sync/internal/storage"
	"github.com/example/collab-sync/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, err := observability.NewLogger(cfg.AppName, cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure logger")
	}
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	gateway := storage.NewGateway(resources.Backend, cfg.BackendTimeout, logger)
	store := document.NewStore(gateway, logger)
	debouncer := snapshot.NewDebouncer(store, gateway.Store, cfg.Debounce, cfg.MaxDebounce, logger)

	var publisher ws.Publisher
	var relay *broadcast.RedisRelay
	if resources.Redis != nil {
		relay = broadcast.NewRedisRelay(resources.Redis, logger)
		publisher = relay
	}

	multiplexer := ws.NewMultiplexer(store, debouncer, publisher, ws.NewConnectionRegistry(), logger)
	if relay != nil {
		relay.Start(ctx, multiplexer)
		logger.Info().Str("instance", relay.InstanceID()).Msg("redis relay started")
	}

	sessions, err := ws.NewGateway(multiplexer, logger, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session gateway")
	}

	sweeper := eviction.NewSweeper(store, debouncer, cfg.SweepInterval, cfg.IdleTimeout, logger)
	go sweeper.Run(ctx)

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.ListenAddr()).Msg("failed to bind listener")
	}
	httpServer := &http.Server{
		Handler:           httpapi.NewRouter(sessions, store, multiplexer, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", listener.Addr().String()).Str("store", cfg.StoreDriver).Msg("http server starting")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Int("documents", store.Len()).Int("sessions", multiplexer.Sessions()).Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx, httpServer, sessions, debouncer); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	} else {
		logger.Info().Msg("shutdown complete")
	}
}

type listenerCloser interface {
	Shutdown(ctx context.Context) error
}

type sessionCloser interface {
	Shutdown()
}

type finalFlusher interface {
	Close(ctx context.Context) error
}

// shutdown stops accepting requests before closing live sessions, so no
// upgrade can attach after the sessions are gone, then flushes unsaved
// documents.
func shutdown(ctx context.Context, server listenerCloser, sessions sessionCloser, flusher finalFlusher) error {
	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	sessions.Shutdown()
	if err := flusher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot flush: %w", err))
	}
	return errors.Join(errs...)
}
