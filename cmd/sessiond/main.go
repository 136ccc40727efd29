// Command sessiond serves the session manager over HTTP for collaborating
// services and runs the janitor in the background.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/audit"
	"github.com/Synapse-Technology/edulink-sub008/config"
	"github.com/Synapse-Technology/edulink-sub008/internal/redisconn"
	"github.com/Synapse-Technology/edulink-sub008/janitor"
	authprom "github.com/Synapse-Technology/edulink-sub008/metrics/export/prometheus"
	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("load config")
	}
	logger := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("sessiond stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	core, err := cfg.Core()
	if err != nil {
		return err
	}
	janitorCfg, err := cfg.Janitor(logger)
	if err != nil {
		return err
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn().Msg("INTERNAL_API_KEY not set, collaborator endpoints will refuse every call")
	}

	conn, err := redisconn.Open(ctx, cfg.StoreURL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	store := session.NewRedisStore(conn.Client, session.WithKeyPrefix(core.Store.KeyPrefix))

	sink, closeSink, err := auditSink(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	m, err := authcore.New().
		WithConfig(core).
		WithStore(store).
		WithAuditSink(sink).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	defer m.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		authprom.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	j, err := janitor.New(store, janitorCfg)
	if err != nil {
		return err
	}
	go j.Run(ctx)

	srv := &server{
		m:           m,
		mw:          cfg.Middleware(logger),
		internalKey: cfg.InternalAPIKey,
		logger:      logger.With().Str("component", "http").Logger(),
		metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// auditSink logs every event and, when dsn is set, also appends it to
// Postgres after applying migrations.
func auditSink(ctx context.Context, dsn string, logger zerolog.Logger) (audit.Sink, func(), error) {
	logSink := audit.NewLoggerSink(logger.With().Str("component", "audit").Logger())
	if dsn == "" {
		return logSink, func() {}, nil
	}

	if err := audit.Migrate(dsn); err != nil {
		return nil, nil, err
	}
	db, err := audit.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("security events persisted to postgres")

	sink := audit.MultiSink{logSink, audit.NewPostgresSink(db, logger)}
	return sink, func() { _ = db.Close() }, nil
}
