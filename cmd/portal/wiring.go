package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/blob"
	"github.com/platinummonkey/consortium/pkg/config"
	"github.com/platinummonkey/consortium/pkg/notify"
	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/snapshot"
	"github.com/platinummonkey/consortium/pkg/store"
)

// backend is the record store plus the snapshot KV holding roster, credentials
// and sessions
type backend struct {
	store   store.Store
	kv      snapshot.KV
	redis   *redis.Client
	closers []func() error
	log     logrus.FieldLogger
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.log.WithError(err).Warn("Failed to close backend connection")
		}
	}
	b.closers = nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig, health *observability.HealthChecker, log logrus.FieldLogger) (*backend, error) {
	b := &backend{log: log}

	// a redis URL also enables cross-process live-sync invalidation
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		if cfg.RedisDB != 0 {
			opts.DB = cfg.RedisDB
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.redis = client
		b.closers = append(b.closers, client.Close)
		health.Register("redis", cfg.Type == "redis", observability.RedisCheck(client))
	}

	switch cfg.Type {
	case "memory":
		b.store = store.NewMemoryStore()
	case "sqlite", "postgres":
		dialect := store.DialectSQLite
		if cfg.Type == "postgres" {
			dialect = store.DialectPostgres
		}
		sqlStore, err := store.OpenSQLStore(ctx, dialect, cfg.DSN)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, sqlStore.Close)
		kv := snapshot.NewSQLKV(sqlStore.DB(), dialect)
		if err := kv.Migrate(ctx); err != nil {
			b.close()
			return nil, err
		}
		b.store = sqlStore
		b.kv = kv
		health.Register("database", true, observability.SQLCheck(sqlStore.DB()))
	case "redis":
		if b.redis == nil {
			return nil, fmt.Errorf("redis store requires a redis url")
		}
		b.store = store.NewRedisStore(b.redis, cfg.RedisPrefix)
	default:
		b.close()
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}

	if b.kv == nil {
		kv, err := snapshot.NewFileKV(cfg.SnapshotPath)
		if err != nil {
			b.close()
			return nil, err
		}
		b.kv = kv
	}

	log.WithField("store", cfg.Type).Info("Record store ready")
	return b, nil
}

func openTransport(ctx context.Context, cfg config.BlobConfig, health *observability.HealthChecker) (blob.Transport, error) {
	switch cfg.Type {
	case "filesystem":
		return blob.NewFilesystemTransport(cfg.FilesystemRoot, cfg.BaseURL)
	case "s3":
		t, err := blob.NewS3Transport(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		health.Register("s3", false, t.HealthCheck)
		return t, nil
	default:
		return nil, fmt.Errorf("unknown blob type %q", cfg.Type)
	}
}

func openSender(cfg config.EmailConfig, log logrus.FieldLogger) (notify.Sender, error) {
	switch cfg.Type {
	case "log":
		return notify.NewLogSender(log), nil
	case "resend":
		return notify.NewResendSender(notify.ResendConfig{
			APIKey:  cfg.ResendAPIKey,
			BaseURL: cfg.ResendBaseURL,
			From:    cfg.From,
			Retry:   notify.DefaultRetryConfig(),
		}, log)
	case "smtp":
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.From,
			Retry:    notify.DefaultRetryConfig(),
		})
	default:
		return nil, fmt.Errorf("unknown email type %q", cfg.Type)
	}
}
