package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rmax-ai/genbroker/pkg/api"
	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/limiter"
	"github.com/rmax-ai/genbroker/pkg/pool"
	"github.com/rmax-ai/genbroker/pkg/progress"
	"github.com/rmax-ai/genbroker/pkg/stats"
	"github.com/rmax-ai/genbroker/pkg/store"
	redisstore "github.com/rmax-ai/genbroker/pkg/store/redis"
)

var (
	Version   = "v0.1.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "genbroker-d: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("system started", "component", "genbroker-d", "version", Version, "commit", Commit, "build_time", BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := d.run(ctx, hup); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// daemon owns every long-lived component and tears them down in order.
type daemon struct {
	cfg    Config
	logger *slog.Logger

	store  *store.Store
	redis  *goredis.Client
	pool   *pool.Pool
	broker *progress.Broker
	server *api.Server

	// in-memory backends that need periodic pruning; nil when Redis serves them
	apiLimiter *limiter.MemoryLimiter
}

func newDaemon(ctx context.Context, cfg Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	d.store = st
	logger.Info("store initialized", "path", cfg.DBPath)

	var (
		bus        progress.Bus
		cache      progress.Cache
		apiLimiter limiter.Limiter
		poolOpts   = []pool.Option{
			pool.WithStore(st),
			pool.WithDefaultQuota(cfg.DailyQuota),
			pool.WithMaxConcurrent(cfg.MaxConcurrent),
		}
		rateCfg = limiter.Config{Max: cfg.APIRate, Window: cfg.APIWindow}
	)

	if cfg.RedisAddr != "" {
		client, err := redisstore.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			d.close()
			return nil, err
		}
		d.redis = client
		bus = redisstore.NewBus(client)
		cache = redisstore.NewCache(client)
		if cfg.APIRate > 0 {
			apiLimiter = redisstore.NewLimiter(client, "api", rateCfg)
		}
		// Replicas share credentials, so each credential's daily quota is
		// enforced in Redis too.
		poolOpts = append(poolOpts, pool.WithQuotaGate(redisstore.NewLimiter(client, "quota", limiter.Config{
			Window: 24 * time.Hour,
		})))
		if cfg.ExclusiveLeases {
			poolOpts = append(poolOpts, pool.WithLeases(redisstore.NewLeaseStore(client), holderID()))
		}
		logger.Info("redis backends enabled", "addr", cfg.RedisAddr)
	} else {
		bus = progress.NewMemoryBus()
		cache = progress.NewMemoryCache()
		if cfg.APIRate > 0 {
			d.apiLimiter = limiter.NewMemoryLimiter(rateCfg)
			apiLimiter = d.apiLimiter
		}
		if cfg.ExclusiveLeases {
			poolOpts = append(poolOpts, pool.WithLeases(st, holderID()))
		}
	}

	d.pool = pool.New(credential.NewJWTDecoder(), poolOpts...)
	if err := d.pool.Load(ctx); err != nil {
		d.close()
		return nil, err
	}
	d.pool.Sweep(ctx)

	reporter := stats.NewReporter(d.pool)
	if err := prometheus.Register(stats.NewCollector(reporter)); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			d.close()
			return nil, fmt.Errorf("failed to register pool collector: %w", err)
		}
	}

	d.broker = progress.NewBroker(bus, cache, cfg.Broker(), progress.WithLogger(logger))

	if cfg.AdminToken == "" {
		logger.Warn("admin token not set; credential management and progress publication are unauthenticated")
	}
	if cfg.AdminToken == "" && cfg.ClientToken == "" {
		logger.Warn("no tokens set; credential leasing is unauthenticated")
	}
	d.server = api.NewServer(d.pool, reporter, d.broker, api.Options{
		Addr:           cfg.Addr,
		Version:        Version,
		AdminToken:     cfg.AdminToken,
		ClientToken:    cfg.ClientToken,
		AcquireLimiter: apiLimiter,
		Logger:         logger,
	})
	if cfg.TLSCert != "" {
		d.server.SetTLS(cfg.TLSCert, cfg.TLSKey)
	}

	return d, nil
}

// run serves until ctx is done or the listener fails. Each value on reload
// re-reads the credential table.
func (d *daemon) run(ctx context.Context, reload <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.pool.StartSweeper(ctx, d.cfg.SweepInterval)
	d.broker.Start(ctx)
	if d.apiLimiter != nil {
		d.apiLimiter.StartPruning(ctx, d.cfg.APIWindow)
	}
	if d.redis == nil && d.cfg.ExclusiveLeases {
		go d.pruneLeases(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Start() }()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutdown initiated")
			break loop
		case err := <-errCh:
			runErr = err
			if err == nil {
				runErr = errors.New("server stopped unexpectedly")
			}
			break loop
		case sig := <-reload:
			d.logger.Info("reload requested", "signal", sig.String())
			if err := d.reload(ctx); err != nil {
				d.logger.Error("reload failed", "error", err)
			}
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := d.server.Stop(shutdownCtx); err != nil {
		d.logger.Error("failed to stop server", "error", err)
	}
	d.close()
	return runErr
}

// reload replaces the pool contents with the persisted credentials, picking
// up rows written by another process.
func (d *daemon) reload(ctx context.Context) error {
	if err := d.pool.Load(ctx); err != nil {
		return err
	}
	d.pool.Sweep(ctx)
	return nil
}

func (d *daemon) pruneLeases(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.PruneLeases(ctx)
			if err != nil {
				d.logger.Warn("lease prune failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Debug("pruned expired leases", "count", n)
			}
		}
	}
}

func (d *daemon) close() {
	if d.broker != nil {
		d.broker.Close()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Error("failed to close redis", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("failed to close store", "error", err)
		} else {
			d.logger.Info("store closed")
		}
	}
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "genbroker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
