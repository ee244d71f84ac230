/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the compliance-unit ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags > environment > .env > defaults)
  2. Open the store (SQLite, PostgreSQL or in-memory)
  3. Build the ledger service with metrics and tracing
  4. Apply the seed file, if any
  5. Start the notification relay and the maintenance scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -env       dotenv file (default: .env, optional)
  -addr      HTTP listen address (default: :8080)
  -db        sqlite | postgres | memory (default: sqlite)
  -sqlite    SQLite database path (default: lcfs.db)
  -postgres  PostgreSQL URL
  -seed      YAML seed file

  Every flag has an LCFS_* environment variable; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the scheduler and drain the outbox one last time
  4. Close the publisher and the store

EXAMPLES:
  ./server -db=memory -seed=seed/demo.yaml
  LCFS_DB_DRIVER=postgres LCFS_POSTGRES_URL=postgres://... ./server
  LCFS_NOTIFY_SINK=kafka LCFS_KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Configuration
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/lcfs/compliance-ledger/api"
	"github.com/lcfs/compliance-ledger/config"
	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
	"github.com/lcfs/compliance-ledger/metrics"
	"github.com/lcfs/compliance-ledger/notify"
	"github.com/lcfs/compliance-ledger/seed"
	"github.com/lcfs/compliance-ledger/store/postgres"
	"github.com/lcfs/compliance-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}
	log := cfg.Logger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Ledger
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	svc := ledger.NewService(st,
		ledger.WithLogger(log),
		ledger.WithObserver(m),
		ledger.WithTracer(otel.Tracer("github.com/lcfs/compliance-ledger")),
	)

	if cfg.SeedFile != "" {
		doc, err := seed.ParseFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, svc, doc)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"created": len(res.Created), "updated": len(res.Updated)}).Info("seed applied")
	}

	// Notifications
	publisher, err := openPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer publisher.Close()
	relay := notify.NewRelay(st, publisher,
		notify.WithLogger(log),
		notify.WithObserver(m),
		notify.WithBatchSize(cfg.OutboxBatch),
	)

	// HTTP
	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
	}
	handler := api.NewHandler(svc)
	handler.Relay = relay
	handler.RebuildWorkers = cfg.RebuildWorkers
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         log,
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimiter:    limiter,
		Gatherer:       reg,
	})

	scheduler, err := api.NewScheduler(api.SchedulerConfig{
		Ledger:      svc,
		Relay:       relay,
		RateLimiter: limiter,
		Logger:      log,
		OutboxSpec:  cfg.OutboxSpec,
		VerifySpec:  cfg.VerifySpec,
	})
	if err != nil {
		return err
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "store": cfg.DBDriver, "notify": cfg.NotifySink}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		<-scheduler.Stop().Done()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
	}
	if n, err := relay.Drain(shutdownCtx); err != nil {
		log.WithError(err).Warn("final outbox drain failed")
	} else if n > 0 {
		log.WithField("published", n).Info("final outbox drain")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (ledger.TxStore, func(), error) {
	switch cfg.DBDriver {
	case "memory":
		log.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil
	case "postgres":
		if err := postgres.Migrate(cfg.PostgresURL); err != nil {
			return nil, nil, err
		}
		pg, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { _ = lite.Close() }, nil
	}
}

func openPublisher(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (notify.Publisher, error) {
	switch cfg.NotifySink {
	case "kafka":
		return notify.NewKafkaPublisher(cfg.Brokers(), cfg.KafkaTopic)
	case "redis":
		return notify.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisChannel)
	case "all":
		kp, err := notify.NewKafkaPublisher(cfg.Brokers(), cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		rp, err := notify.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			_ = kp.Close()
			return nil, err
		}
		return notify.Fanout{kp, rp, notify.NewLogPublisher(log)}, nil
	default:
		return notify.NewLogPublisher(log), nil
	}
}
