package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/calsynch/internal/adapters/driven/memory"
	"github.com/custodia-labs/calsynch/internal/adapters/driven/postgres"
	redisadapter "github.com/custodia-labs/calsynch/internal/adapters/driven/redis"
	"github.com/custodia-labs/calsynch/internal/config"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// backends holds the store, queue and lock picked from configuration.
//
//	store: postgres when database.url is set, memory otherwise
//	queue: redis when redis.url is set, memory otherwise
//	lock:  redis, then postgres advisory locks, then in-process
type backends struct {
	store driven.SubscriptionStore
	queue driven.NotificationQueue
	lock  driven.DistributedLock

	// which implementation was picked, for logging
	storeKind, queueKind, lockKind string

	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var db *postgres.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)

		var credentials *postgres.CredentialCipher
		if cfg.Credentials.Key != "" {
			if credentials, err = postgres.NewCredentialCipherFromPassphrase(cfg.Credentials.Key); err != nil {
				return nil, fmt.Errorf("credentials key: %w", err)
			}
		} else {
			logger.Warn("credentials.key is not set; subscriptions carrying credentials will be rejected")
		}
		b.store, b.storeKind = postgres.NewSubscriptionStore(db, credentials), "postgres"
	} else {
		b.store, b.storeKind = memory.NewSubscriptionStore(), "memory"
	}

	var client *redis.Client
	if cfg.Redis.URL != "" {
		opts, perr := redis.ParseURL(cfg.Redis.URL)
		if perr != nil {
			return nil, fmt.Errorf("redis url: %w", perr)
		}
		client = redis.NewClient(opts)
		b.closers = append(b.closers, client.Close)
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	if client != nil {
		if b.queue, err = redisadapter.NewNotificationQueue(client, cfg.Engine.QueueSize); err != nil {
			return nil, err
		}
		b.queueKind = "redis"
	} else {
		b.queue, b.queueKind = memory.NewNotificationQueue(cfg.Engine.QueueSize), "memory"
	}

	switch {
	case client != nil:
		b.lock, b.lockKind = redisadapter.NewLock(client, ""), "redis"
	case db != nil:
		b.lock, b.lockKind = postgres.NewAdvisoryLock(db), "postgres"
	default:
		b.lock, b.lockKind = memory.NewLock(), "memory"
	}

	logger.Info("backends ready", "store", b.storeKind, "queue", b.queueKind, "lock", b.lockKind)
	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
