// Command wheeld serves the prize wheel API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MJE43/prize-wheel/internal/api"
	"github.com/MJE43/prize-wheel/internal/audit"
	"github.com/MJE43/prize-wheel/internal/catalog"
	"github.com/MJE43/prize-wheel/internal/config"
	"github.com/MJE43/prize-wheel/internal/events"
	"github.com/MJE43/prize-wheel/internal/rng"
	"github.com/MJE43/prize-wheel/internal/spin"
	"github.com/MJE43/prize-wheel/internal/store"
)

func main() {
	configDir := flag.String("config", "configs", "directory holding config.<env>.yaml")
	env := flag.String("env", envOr("WHEEL_ENV", "local"), "config environment name")
	flag.Parse()

	if err := run(*configDir, *env); err != nil {
		fmt.Fprintln(os.Stderr, "wheeld:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(configDir, env string) error {
	cfg, err := config.Load(configDir, env)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := catalog.New()
	wheels, err := cfg.WheelConfigs()
	if err != nil {
		return err
	}
	for _, wc := range wheels {
		w, err := cat.Publish(wc)
		if err != nil {
			return err
		}
		logger.Info("wheel published",
			zap.String("wheel_id", w.Config.WheelID),
			zap.Int("segments", len(w.Config.Segments)),
			zap.Int("max_spins_per_day", w.Config.MaxSpinsPerDay))
	}
	if cat.Len() == 0 {
		logger.Warn("no wheels configured")
	}

	var rdb redis.UniversalClient
	if cfg.Store.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
	}

	ledger, err := openLedger(ctx, cfg.Store, rdb)
	if err != nil {
		return err
	}
	defer ledger.Close()
	logger.Info("ledger opened", zap.String("driver", cfg.Store.Driver))

	var locker spin.Locker
	if rdb != nil {
		locker = spin.NewRedisLocker(rdb, cfg.Store.Redis.Prefix, cfg.Store.LockTTL)
	}

	source, err := newSource(cfg.RNG, logger)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		p, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, logger.Named("events"))
		if err != nil {
			return err
		}
		publisher = p
		logger.Info("publishing prize events", zap.String("exchange", cfg.Events.Exchange))
	}
	defer publisher.Close()

	svc, err := spin.NewService(spin.Options{
		Catalog: cat,
		Ledger:  ledger,
		Source:  source,
		Locker:  locker,
		Events:  publisher,
		Logger:  logger.Named("spin"),
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Options{
		Spins:   svc,
		Auditor: audit.NewAuditor(),
		Auth: api.AuthConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		},
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
		AuditTimeout:   cfg.Server.AuditTimeout,
	})
	l, err := srv.Start(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	return l.Shutdown(shutdownCtx)
}

func openLedger(ctx context.Context, cfg config.StoreConfig, rdb redis.UniversalClient) (store.Ledger, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryLedger(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return store.NewSQLiteLedger(ctx, cfg.DSN)
	case "postgres":
		return store.NewPostgresLedger(ctx, cfg.DSN)
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis driver needs store.redis.addr")
		}
		// The client is closed by run, not by the ledger.
		return nopCloseLedger{store.NewRedisLedgerFromClient(rdb, cfg.Redis.Prefix)}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type nopCloseLedger struct{ store.Ledger }

func (nopCloseLedger) Close() error { return nil }

func newSource(cfg config.RNGConfig, logger *zap.Logger) (rng.Source, error) {
	if cfg.Mode != "seeded" {
		return rng.CryptoSource{}, nil
	}
	src, err := rng.NewSeededSource(cfg.ServerSeed, cfg.ClientSeed, cfg.StartNonce)
	if err != nil {
		return nil, err
	}
	logger.Info("seeded random source",
		zap.String("server_seed_hash", rng.ServerSeedHash(cfg.ServerSeed)),
		zap.String("client_seed", cfg.ClientSeed),
		zap.Uint64("start_nonce", cfg.StartNonce))
	return src, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
