package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lvbu1984/spotd/internal/api"
	"github.com/lvbu1984/spotd/internal/arbiter"
	"github.com/lvbu1984/spotd/internal/config"
	"github.com/lvbu1984/spotd/internal/lifecycle"
	"github.com/lvbu1984/spotd/internal/logging"
	"github.com/lvbu1984/spotd/internal/metrics"
	"github.com/lvbu1984/spotd/internal/notify"
	"github.com/lvbu1984/spotd/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("SPOTD_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("spotd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.SlogLogger) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer func() { _ = store.Close() }()

	if err := store.SeedResources(ctx, cfg.ToResources(time.Now().UTC())); err != nil {
		return fmt.Errorf("seed resources: %w", err)
	}

	var collector metrics.Collector = metrics.NewNop()
	var serverOpts []api.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		serverOpts = append(serverOpts, api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	broker := notify.NewBroker(notify.DefaultSubscriberBuffer, collector)
	defer broker.Close()

	sinks := notify.Multi{notify.NewLogNotifier(logger.With("component", "notify")), broker}

	if addr := cfg.Notify.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping: %w", err)
		}

		rn := notify.NewRedisNotifier(rdb, notify.WithRedisChannel(cfg.Notify.Redis.Channel))
		defer func() { _ = rn.Close() }()
		sinks = append(sinks, rn)
		logger.Info("redis notifier enabled", "addr", addr, "channel", rn.Channel())
	}

	if url := cfg.Notify.NATS.URL; url != "" {
		nc, err := nats.Connect(url, nats.Name("spotd"), nats.Timeout(2*time.Second))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}

		nn := notify.NewNATSNotifier(nc, cfg.Notify.NATS.SubjectPrefix)
		defer func() { _ = nn.Close() }()
		sinks = append(sinks, nn)
		logger.Info("nats notifier enabled", "url", url, "subjects", nn.Subject(">"))
	}

	engine := arbiter.New(store,
		arbiter.WithNotifier(sinks),
		arbiter.WithMetrics(collector),
		arbiter.WithLogger(logger.With("component", "arbiter")),
	)

	lifecycle.StartExpirationScheduler(ctx, engine, cfg.Expiry.SweepInterval, func(err error) {
		logger.Warn("expiry sweep failed", "error", err)
	})

	serverOpts = append(serverOpts,
		api.WithIdentityHeader(cfg.IdentityHeader),
		api.WithLogger(logger.With("component", "api")),
		api.WithBroker(broker),
	)
	if cfg.RateLimit.Enabled {
		serverOpts = append(serverOpts, api.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL))
	}

	logger.Info("spotd starting",
		"listen", cfg.Listen,
		"storage", cfg.Storage.Driver,
		"resources", len(cfg.Resources),
		"sweep_interval", cfg.Expiry.SweepInterval,
		"rate_limit", cfg.RateLimit.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	return api.NewServer(engine, serverOpts...).Start(ctx, cfg.Listen)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return storage.OpenSQLite(cfg.Storage.Path, cfg.Storage.BusyTimeout)
	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return storage.OpenMongo(connectCtx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
	default:
		return storage.NewMemoryStore(), nil
	}
}
