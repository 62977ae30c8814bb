// Command crunchd runs an outbox relay: it moves Pending events from the
// configured persistence to the configured transport and serves /healthz and
// /stats over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/envelope"
	"github.com/oagudo/crunch/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default ./crunchd.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("crunchd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	codec, err := envelope.ByName(cfg.Codec)
	if err != nil {
		return err
	}

	persistence, pb, err := openPersistence(ctx, cfg.Persistence, codec, logger)
	if err != nil {
		return err
	}
	defer closeBackend(pb, "persistence", logger)

	transport, tb, err := openTransport(ctx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer closeBackend(tb, "transport", logger)

	c, err := crunch.NewBuilder().
		WithPersistence(persistence).
		WithTransport(transport).
		WithLogger(logger).
		WithHandlerOptions(handlerOptions(cfg.Relay)...).
		Build()
	if err != nil {
		return err
	}

	handler := c.Handler()
	go drain(handler, logger)
	c.Start()

	logger.Info("relay started",
		zap.String("persistence", cfg.Persistence.Kind),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("codec", codec.Name()))

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: newRouter(map[string]probe{
			"persistence": pb.ping,
			"transport":   tb.ping,
		}, pb.stats, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-srvErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return errors.Join(err, srv.Shutdown(shutdownCtx), c.Stop(shutdownCtx))
}

// drain logs relay errors and discarded events until the handler stops.
func drain(h *crunch.OutboxHandler, logger *zap.Logger) {
	errs, discarded := h.Errors(), h.DiscardedMessages()
	for errs != nil || discarded != nil {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("relay error", zap.Error(err))
		case ev, ok := <-discarded:
			if !ok {
				discarded = nil
				continue
			}
			logger.Error("event discarded after max attempts",
				zap.String("event_id", ev.ID),
				zap.Stringer("event_info", ev.Info),
				zap.Int32("attempts", ev.Attempts))
		}
	}
}

func closeBackend(b backend, name string, logger *zap.Logger) {
	if err := b.close(); err != nil {
		logger.Warn("closing backend", zap.String("backend", name), zap.Error(err))
	}
}
