package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/envelope"
	"github.com/oagudo/crunch/internal/config"
	ckafka "github.com/oagudo/crunch/kafka"
	"github.com/oagudo/crunch/memory"
	cnats "github.com/oagudo/crunch/nats"
	crabbitmq "github.com/oagudo/crunch/rabbitmq"
	credis "github.com/oagudo/crunch/redis"
	"github.com/oagudo/crunch/sqlstore"
)

// backend is an opened Persistence or Transport with its probes.
type backend struct {
	ping  func(ctx context.Context) error
	stats func(ctx context.Context) (map[string]any, error)
	close func() error
}

func noPing(context.Context) error { return nil }
func noClose() error               { return nil }

func openPersistence(ctx context.Context, cfg config.Persistence, codec envelope.Codec, logger *zap.Logger) (crunch.Persistence, backend, error) {
	logger = logger.Named("persistence")

	switch cfg.Kind {
	case "memory":
		p := memory.NewPersistence(memory.WithCodec(codec), memory.WithLogger(logger))
		return p, backend{
			ping: noPing,
			stats: func(context.Context) (map[string]any, error) {
				s := p.Stats()
				return map[string]any{
					"queued":    s.Queued,
					"in_flight": s.InFlight,
					"pending":   s.Pending,
					"published": s.Published,
				}, nil
			},
			close: noClose,
		}, nil

	case "sql":
		dialect, err := sqlstore.ParseDialect(cfg.Dialect)
		if err != nil {
			return nil, backend{}, err
		}
		driver, err := driverName(dialect)
		if err != nil {
			return nil, backend{}, err
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, backend{}, fmt.Errorf("opening %s: %w", dialect, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, backend{}, fmt.Errorf("connecting to %s: %w", dialect, err)
		}

		p := sqlstore.New(db, dialect,
			sqlstore.WithTableName(cfg.Table),
			sqlstore.WithCodec(codec),
			sqlstore.WithLogger(logger))
		if cfg.CreateSchema {
			if err := p.CreateSchema(ctx); err != nil {
				_ = db.Close()
				return nil, backend{}, err
			}
		}

		return p, backend{
			ping: db.PingContext,
			stats: func(ctx context.Context) (map[string]any, error) {
				pending, published, err := p.Counts(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"pending": pending, "published": published}, nil
			},
			close: db.Close,
		}, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, backend{}, fmt.Errorf("connecting to redis: %w", err)
		}

		p := credis.NewPersistence(client,
			credis.WithPrefix(cfg.RedisPrefix),
			credis.WithCodec(codec),
			credis.WithLogger(logger))

		return p, backend{
			ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
			stats: func(ctx context.Context) (map[string]any, error) {
				s, err := p.Stats(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"queued": s.Queued, "in_flight": s.InFlight}, nil
			},
			close: client.Close,
		}, nil

	default:
		return nil, backend{}, fmt.Errorf("unknown persistence kind %q", cfg.Kind)
	}
}

func openTransport(ctx context.Context, cfg config.Transport, logger *zap.Logger) (crunch.Transport, backend, error) {
	logger = logger.Named("transport")

	t, b, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return nil, backend{}, err
	}

	if cfg.Breaker {
		t = crunch.NewBreakerTransport(t, crunch.DefaultBreakerSettings("crunchd-"+cfg.Kind))
	}
	return t, b, nil
}

func openBroker(ctx context.Context, cfg config.Transport, logger *zap.Logger) (crunch.Transport, backend, error) {
	switch cfg.Kind {
	case "memory":
		return memory.NewTransport(memory.WithTransportLogger(logger)),
			backend{ping: noPing, close: noClose}, nil

	case "nats":
		conn, err := nats.Connect(cfg.URL, nats.Name("crunchd"))
		if err != nil {
			return nil, backend{}, fmt.Errorf("connecting to nats: %w", err)
		}
		return cnats.NewTransport(conn, cnats.WithFlush(true), cnats.WithLogger(logger)),
			backend{
				ping: func(context.Context) error {
					if !conn.IsConnected() {
						return nats.ErrConnectionClosed
					}
					return nil
				},
				close: func() error {
					conn.Close()
					return nil
				},
			}, nil

	case "kafka":
		t := ckafka.NewTransport(cfg.Brokers, ckafka.WithLogger(logger))
		return t, backend{ping: noPing, close: t.Close}, nil

	case "rabbitmq":
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, backend{}, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		t, err := crabbitmq.NewTransport(conn,
			crabbitmq.WithExchange(cfg.Exchange),
			crabbitmq.WithLogger(logger))
		if err != nil {
			_ = conn.Close()
			return nil, backend{}, err
		}
		return t, backend{
			ping: func(context.Context) error {
				if conn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			},
			close: func() error {
				return errors.Join(t.Close(), conn.Close())
			},
		}, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, backend{}, fmt.Errorf("connecting to redis: %w", err)
		}
		return credis.NewTransport(client, credis.WithTransportLogger(logger)),
			backend{
				ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
				close: client.Close,
			}, nil

	default:
		return nil, backend{}, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func handlerOptions(cfg config.Relay) []crunch.HandlerOption {
	opts := []crunch.HandlerOption{
		crunch.WithInterval(cfg.Interval),
		crunch.WithReadTimeout(cfg.ReadTimeout),
		crunch.WithPublishTimeout(cfg.PublishTimeout),
		crunch.WithUpdateTimeout(cfg.UpdateTimeout),
		crunch.WithMaxAttempts(cfg.MaxAttempts),
		crunch.WithReclaimInterval(cfg.ReclaimInterval),
		crunch.WithReclaimAfter(cfg.ReclaimAfter),
	}

	switch cfg.Backoff {
	case "exponential":
		opts = append(opts, crunch.WithExponentialDelay(cfg.BackoffDelay, cfg.BackoffMax))
	default:
		opts = append(opts, crunch.WithFixedDelay(cfg.BackoffDelay))
	}

	return opts
}
