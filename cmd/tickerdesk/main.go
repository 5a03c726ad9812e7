package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/caesar-terminal/tickerdesk/internal/admin"
	"github.com/caesar-terminal/tickerdesk/internal/app"
	"github.com/caesar-terminal/tickerdesk/internal/config"
	"github.com/caesar-terminal/tickerdesk/internal/logging"
	"github.com/caesar-terminal/tickerdesk/internal/secrets"
	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tickerdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defer memguard.Purge()

	envFile, err := config.LoadEnvFile(".")
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(os.Stdout, cfg.Log, cfg.Debug())
	log.Info("tickerdesk starting", "version", version, "env", cfg.Env, "env_file", envFile, "debug", cfg.Debug())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var unsealer secrets.Unsealer
	if cfg.SecretKeyCiphertext != "" {
		k, err := secrets.NewKMS(ctx, secrets.KMSOptions{
			Region:            cfg.AWS.Region,
			Endpoint:          cfg.AWS.LocalStackEndpoint,
			EncryptionContext: cfg.AWS.EncryptionContext,
		})
		if err != nil {
			return err
		}
		unsealer = k
	}
	secret, err := secrets.Resolve(ctx, cfg, unsealer)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var locker symbols.Locker
	rdb := dialRedis(ctx, cfg.Redis, log)
	if rdb != nil {
		defer rdb.Close()
		locker = symbols.NewRedisLocker(symbols.NewRedisClient(rdb))
	}

	master, err := symbols.Open(symbols.Options{
		DBPath:   cfg.Symbols.DBPath,
		DataDir:  cfg.Symbols.DataDir,
		Timeout:  cfg.Symbols.DownloadTimeout,
		Locker:   locker,
		LockWait: cfg.Symbols.LockWait,
		Logger:   log,
		Metrics:  symbols.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer master.Close()

	a, err := app.New(cfg, app.Deps{
		Symbols:  master,
		Secret:   secret,
		Logger:   log,
		Registry: reg,
		Version:  version,
	})
	if err != nil {
		return err
	}

	var adm *admin.Server
	if cfg.AdminSocket != "" {
		adm, err = admin.New(cfg.AdminSocket)
		if err != nil {
			return err
		}
		go func() {
			if err := adm.Serve(); err != nil {
				log.Error("admin server stopped", "error", err)
			}
		}()
		defer adm.GracefulStop()
		log.Info("admin health endpoint ready", "socket", adm.Addr())
	}

	if rdb != nil {
		go func() {
			err := symbols.WatchReloads(ctx, rdb, log, func(ctx context.Context, n symbols.ReloadNotice) {
				a.SymbolsReloaded(ctx, n)
				if adm != nil {
					adm.MarkInitialized(true)
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Warn("symbol reload watcher stopped", "error", err)
			}
		}()
	}

	// Symbol data is loaded before the listener opens; a failure leaves the
	// service running without it.
	res := symbols.AutoInit(ctx, symbols.AutoInitOptions{
		Master:  master,
		DataDir: cfg.Symbols.DataDir,
		Sources: cfg.Symbols.Sources,
		Logger:  log,
	})
	a.SetSymbolsReady(res.Ready())
	if adm != nil {
		adm.MarkInitialized(res.Ready())
	}
	if res.Status == symbols.InitLoaded && rdb != nil {
		if err := symbols.PublishReload(ctx, rdb, res.Tables); err != nil {
			log.Warn("symbol reload not announced", "error", err)
		}
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info("tickerdesk stopped")
	return nil
}

// redisDialTimeout bounds the startup ping of Redis.
const redisDialTimeout = 3 * time.Second

// dialRedis connects to the configured Redis. It returns nil when Redis is
// not configured or unreachable; the init lock then falls back to a lock
// file and reload notices are off, but the service still starts.
func dialRedis(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	rdb, err := symbols.DialRedis(dialCtx, &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		log.Warn("redis unavailable; falling back to the init lock file", "addr", cfg.Addr, "error", err)
		return nil
	}
	log.Info("using redis init lock", "addr", cfg.Addr)
	return rdb
}
