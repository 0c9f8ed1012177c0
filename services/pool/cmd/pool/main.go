package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sharepool/internal/jwtsigner"
	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/config"
	"sharepool/services/pool/internal/events"
	"sharepool/services/pool/internal/gate"
	"sharepool/services/pool/internal/jobs"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/kv/memory"
	"sharepool/services/pool/internal/kv/redisstore"
	"sharepool/services/pool/internal/membership"
	"sharepool/services/pool/internal/notify"
	"sharepool/services/pool/internal/observability/logging"
	"sharepool/services/pool/internal/observability/metrics"
	"sharepool/services/pool/internal/observability/tracing"
	"sharepool/services/pool/internal/provider"
	"sharepool/services/pool/internal/rotation"
	"sharepool/services/pool/internal/session"
	"sharepool/services/pool/internal/store"
	httpapi "sharepool/services/pool/internal/transport/http"
	"sharepool/services/pool/internal/vault"
	"sharepool/services/pool/pkg/db"
)

const serviceName = "pool"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pool service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()
	metrics.MustRegister(serviceName)

	gdb, err := db.OpenGorm(db.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	st := store.New(gdb)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	stores, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()
	access, sessions := stores.access, stores.sessions

	c, err := cipher.NewFromBase64(cfg.MasterKey)
	if err != nil {
		return err
	}
	verifier, err := jwtsigner.NewVerifierFromBase64(cfg.JWTPublicKey, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	loc := cfg.Location()

	watch := rotation.NewWatch(st, cfg.IssueWait, 0)
	v := vault.New(vault.Options{
		Store:    st,
		Cipher:   c,
		Access:   access,
		Waiter:   watch,
		Location: loc,
		Logger:   logger,
	})

	fc, err := provider.LoadConfig(cfg.ProvidersFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logger.Warn("no providers file, every rotation will be refused", "path", cfg.ProvidersFile)
	}
	registry := provider.Build(fc, logger)

	notifier, bus, closeNotify, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotify()

	mgr := rotation.NewManager(rotation.Options{
		Store:           st,
		Vault:           v,
		Providers:       registry,
		Notifier:        notifier,
		Watch:           watch,
		Timeout:         cfg.RotationTimeout,
		RollbackTimeout: cfg.RollbackTimeout,
		Logger:          logger,
	})
	coord := session.NewCoordinator(session.Options{
		Sessions: sessions,
		Vault:    v,
		Rotator:  mgr,
		Store:    st,
		Logger:   logger,
	})
	g := gate.New(gate.Options{
		Store:      st,
		Vault:      v,
		Sessions:   coord,
		Open:       sessions,
		Faults:     mgr,
		AccessTTL:  cfg.AccessTTL,
		SwapCredit: time.Duration(cfg.SwapCreditMinutes) * time.Minute,
		Logger:     logger,
	})
	members := membership.NewService(membership.Options{
		Store:    st,
		Vault:    v,
		Location: loc,
		Logger:   logger,
		Locker:   stores.locker,
	})

	// A crash mid-rotation leaves accounts behind; settle them before serving.
	if n, err := mgr.RecoverStale(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("startup recovery", "accounts", n)
	}

	runner := jobs.NewRunner(logger)
	if err := jobs.RegisterMaintenance(runner, jobs.Schedules{
		Sweep:    cfg.SweepSchedule,
		Patterns: cfg.PatternSchedule,
		Stale:    cfg.StaleSchedule,
	}, coord, v, members, mgr); err != nil {
		return err
	}
	runner.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Stop(sctx); err != nil {
			logger.Warn("jobs did not stop in time", "error", err)
		}
	}()

	if bus != nil {
		sub, err := bus.Subscribe(ctx, events.SubjectPaymentSucceeded, "pool-payments", members.HandlePayment)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Vault:              v,
		Gate:               g,
		Sessions:           coord,
		Rotation:           mgr,
		Members:            members,
		Verifier:           verifier,
		TrustProxy:         cfg.TrustProxy,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           tracing.Middleware(serviceName)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("pool service listening", "addr", srv.Addr, "providers", registry.Platforms())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

type kvStores struct {
	access   kv.AccessStore
	sessions kv.SessionStore
	locker   kv.Locker
	close    func()
}

func openKV(ctx context.Context, cfg config.Config) (*kvStores, error) {
	if cfg.RedisAddr == "" {
		slog.Warn("REDIS_ADDR empty, keeping tokens, sessions and locks in memory")
		return &kvStores{
			access:   memory.NewAccessStore(),
			sessions: memory.NewSessionStore(),
			locker:   memory.NewLocker(),
			close:    func() {},
		}, nil
	}
	client, err := redisstore.Connect(ctx, redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	return &kvStores{
		access:   redisstore.NewAccessStore(client, "pool"),
		sessions: redisstore.NewSessionStore(client, "pool"),
		locker:   redisstore.NewLocker(client, "pool"),
		close:    func() { _ = client.Close() },
	}, nil
}

func openNotifier(cfg config.Config, logger *slog.Logger) (notify.Notifier, *notify.Bus, func(), error) {
	switch cfg.NotifyBackend {
	case "nats":
		bus, err := notify.NewBus(cfg.NATSURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := bus.EnsureStream("POOL", "pool.>"); err != nil {
			bus.Close()
			return nil, nil, nil, err
		}
		if err := bus.EnsureStream("BILLING", "billing.>"); err != nil {
			bus.Close()
			return nil, nil, nil, err
		}
		return bus, bus, bus.Close, nil
	case "amqp":
		a, err := notify.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, nil, err
		}
		return a, nil, closer(a, logger), nil
	default:
		return notify.Log{Logger: logger}, nil, func() {}, nil
	}
}

func closer(c io.Closer, logger *slog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn("close", "error", err)
		}
	}
}
