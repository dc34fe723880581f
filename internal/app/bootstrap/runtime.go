package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/triage-notifier/internal/config"
	"github.com/wolfman30/triage-notifier/internal/history"
	"github.com/wolfman30/triage-notifier/internal/ledger"
	"github.com/wolfman30/triage-notifier/internal/lifecycle"
	"github.com/wolfman30/triage-notifier/internal/storage/sqlitedb"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// Stores groups the three persisted stores. Close releases every connection
// opened for them.
type Stores struct {
	Backend       string
	LedgerBackend string
	Ledger        ledger.Store
	Lifecycle     lifecycle.Store
	History       history.Store

	closers []func()
}

// Close releases the underlying connections in reverse order.
func (s *Stores) Close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OpenStores opens the lifecycle and history stores on STORE_BACKEND and the
// ledger on LEDGER_BACKEND. awsCfg is only consulted for the DynamoDB ledger.
func OpenStores(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*Stores, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stores := &Stores{Backend: cfg.StoreBackend, LedgerBackend: cfg.EffectiveLedgerBackend()}
	fail := func(err error) (*Stores, error) {
		stores.Close()
		return nil, err
	}

	switch cfg.StoreBackend {
	case appconfig.BackendMemory:
		stores.Ledger = ledger.NewMemoryStore()
		stores.Lifecycle = lifecycle.NewMemoryStore()
		stores.History = history.NewMemoryStore()
	case appconfig.BackendSQLite:
		db, err := sqlitedb.Open(ctx, cfg.SQLitePath, sqlitedb.Options{})
		if err != nil {
			return fail(fmt.Errorf("bootstrap: %w", err))
		}
		stores.closers = append(stores.closers, func() { _ = db.Close() })
		stores.Ledger = ledger.NewSQLiteStore(db)
		stores.Lifecycle = lifecycle.NewSQLiteStore(db)
		stores.History = history.NewSQLStore(db, history.DialectSQLite)
	case appconfig.BackendPostgres:
		pool, err := connectPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		stores.closers = append(stores.closers, pool.Close)
		db := stdlib.OpenDBFromPool(pool)
		stores.closers = append(stores.closers, func() { _ = db.Close() })
		stores.Ledger = ledger.NewPostgresStore(pool)
		stores.Lifecycle = lifecycle.NewPostgresStore(pool)
		stores.History = history.NewSQLStore(db, history.DialectPostgres)
	default:
		return fail(fmt.Errorf("bootstrap: unknown STORE_BACKEND %q", cfg.StoreBackend))
	}

	switch stores.LedgerBackend {
	case cfg.StoreBackend:
	case appconfig.BackendRedis:
		client := BuildRedisClient(ctx, cfg, logger, true)
		if client == nil {
			return fail(errors.New("bootstrap: redis ledger requires a reachable REDIS_ADDR"))
		}
		stores.closers = append(stores.closers, func() { _ = client.Close() })
		stores.Ledger = ledger.NewRedisStore(client, cfg.RedisPrefix)
	case appconfig.BackendDynamoDB:
		if strings.TrimSpace(cfg.LedgerTable) == "" {
			return fail(errors.New("bootstrap: dynamodb ledger requires LEDGER_TABLE"))
		}
		stores.Ledger = ledger.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.LedgerTable, logger.Component("ledger"))
	default:
		return fail(fmt.Errorf("bootstrap: unknown LEDGER_BACKEND %q", cfg.LedgerBackend))
	}

	logger.Info("stores opened", "store_backend", stores.Backend, "ledger_backend", stores.LedgerBackend)
	return stores, nil
}

func connectPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("bootstrap: postgres backend requires DATABASE_URL")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}
