package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"escrowledger/internal/account"
	accountapi "escrowledger/internal/account/api"
	"escrowledger/internal/auth"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/metrics"
	"escrowledger/internal/common/middleware"
	natsclient "escrowledger/internal/common/nats"
	"escrowledger/internal/common/ratelimit"
	"escrowledger/internal/escrow"
	escrowapi "escrowledger/internal/escrow/api"
	escrowstore "escrowledger/internal/escrow/store"
	"escrowledger/internal/gateway"
	gatewayapi "escrowledger/internal/gateway/api"
	"escrowledger/internal/gateway/mpesa"
	"escrowledger/internal/notify"
	"escrowledger/internal/otp"
	"escrowledger/internal/receipt"
	receiptapi "escrowledger/internal/receipt/api"
	"escrowledger/internal/wallet"
	walletapi "escrowledger/internal/wallet/api"
	walletstore "escrowledger/internal/wallet/store"
	"escrowledger/migrations"
)

// Config holds service configuration
type Config struct {
	Port           int           `envconfig:"PORT" default:"8080"`
	Environment    string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	AuthRateLimit  int           `envconfig:"AUTH_RATE_LIMIT" default:"20"`
	AuthRateWindow time.Duration `envconfig:"AUTH_RATE_WINDOW" default:"1m"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	EventWorkers   int           `envconfig:"EVENT_WORKERS" default:"4"`
	EventQueueSize int           `envconfig:"EVENT_QUEUE_SIZE" default:"256"`

	Database database.Config
	NATS     natsclient.Config
	Redis    ratelimit.Config
	Notify   notify.Config
	Auth     auth.Config
	Account  account.Config
	OTP      otp.Config
	Wallet   wallet.Config
	Escrow   escrow.Config
	Mpesa    mpesa.Config
	Gateway  gateway.Config
}

// stores groups the persistence of every domain
type stores struct {
	accounts account.Store
	codes    otp.Store
	wallets  wallet.Store
	escrows  escrow.Store
	payments gateway.Store
	receipts receipt.Store
	tx       account.TxRunner
}

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Persistence
	var (
		db *database.DB
		st stores
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(migrations.FS); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
		st = stores{
			accounts: account.NewPostgresStore(db),
			codes:    otp.NewPostgresStore(db),
			wallets:  walletstore.New(db),
			escrows:  escrowstore.New(db),
			payments: gateway.NewPostgresStore(db),
			receipts: receipt.NewPostgresStore(db),
			tx:       db,
		}
	} else {
		logger.Warn("DATABASE_URL not set, state is kept in memory")
		st = stores{
			accounts: account.NewMemoryStore(),
			codes:    otp.NewMemoryStore(),
			wallets:  walletstore.NewMemory(),
			escrows:  escrowstore.NewMemory(),
			payments: gateway.NewMemoryStore(),
			receipts: receipt.NewMemoryStore(),
		}
	}

	// Redis backs rate limits, idempotent replays and the Daraja token cache
	var (
		redisClient *redis.Client
		limiter     ratelimit.Limiter
		responses   middleware.IdempotencyStore
		tokenCache  mpesa.TokenCache
	)
	if cfg.Redis.RedisURL != "" {
		var err error
		redisClient, err = ratelimit.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.Redis.Prefix)
		responses = ratelimit.NewRedisResponseStore(redisClient, cfg.Redis.Prefix)
		tokenCache = mpesa.NewRedisTokenCache(redisClient, cfg.Redis.Prefix)
	} else {
		limiter = ratelimit.NewMemoryLimiter(nil)
		responses = ratelimit.NewMemoryResponseStore()
		tokenCache = mpesa.NewMemoryTokenCache(nil)
	}

	// Events
	var (
		nc   *natsclient.Client
		next events.Publisher = events.NewLogPublisher(logger)
	)
	if cfg.NATS.URL != "" {
		var err error
		nc, err = natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if _, err := nc.EnsureStream(ctx, cfg.NATS.Stream); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		next = natsclient.NewPublisher(nc, logger)
	}
	bus := events.NewBus(next, logger)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.AMQPURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.Notify, logger)
		if err != nil {
			logger.Error("failed to connect to amqp", "error", err)
			os.Exit(1)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	clk := clock.RealClock{}

	// Services
	engine := wallet.NewEngine(st.wallets, bus, m, clk, logger)
	if err := engine.EnsureSystemWallets(ctx, cfg.Wallet.Currency); err != nil {
		logger.Error("failed to provision system wallets", "error", err)
		os.Exit(1)
	}
	walletService, err := wallet.NewService(st.wallets, engine, nil, bus, cfg.Wallet, logger)
	if err != nil {
		logger.Error("invalid wallet configuration", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewTokens(cfg.Auth)
	codes := otp.NewService(st.codes, nil, notifier, limiter, m, clk, cfg.OTP, logger)
	accountService := account.NewService(account.Deps{
		Store:     st.accounts,
		OTP:       codes,
		Wallets:   walletService,
		Tokens:    tokens,
		Tx:        st.tx,
		Publisher: bus,
		Metrics:   m,
		Clock:     clk,
		Logger:    logger,
	}, cfg.Account)
	codes.SetGuard(accountService)
	walletService.SetDirectory(accountService)

	var pusher gateway.Pusher
	if cfg.Mpesa.Enabled() {
		pusher = mpesa.NewClient(cfg.Mpesa, tokenCache, logger)
	} else {
		logger.Warn("M-Pesa credentials not set, STK push disabled")
	}
	gatewayService := gateway.NewService(gateway.Deps{
		Pusher:    pusher,
		Store:     st.payments,
		Wallets:   walletService,
		Ledger:    engine,
		Publisher: bus,
		Metrics:   m,
		Clock:     clk,
		Logger:    logger,
	}, cfg.Gateway)

	escrowService, err := escrow.NewService(escrow.Deps{
		Store:     st.escrows,
		Ledger:    engine,
		Wallets:   walletService,
		Funding:   gatewayService,
		Roles:     accountService,
		Publisher: bus,
		Metrics:   m,
		Clock:     clk,
		Logger:    logger,
	}, cfg.Escrow)
	if err != nil {
		logger.Error("invalid escrow configuration", "error", err)
		os.Exit(1)
	}

	// Subscribers
	bus.Subscribe(escrowService)
	bus.Subscribe(receipt.NewEscrowNotices(accountService, notifier, logger))
	projector := receipt.NewProjector(st.receipts, accountService, notifier, logger)
	if nc != nil {
		consumer, err := nc.EnsureConsumer(ctx, cfg.NATS.Stream, "receipts", events.EventWalletGroupCommitted)
		if err != nil {
			logger.Error("failed to ensure receipt consumer", "error", err)
			os.Exit(1)
		}
		go func() {
			err := natsclient.NewSubscriber(consumer, logger).Start(ctx, projector)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("receipt consumer stopped", "error", err)
			}
		}()
	} else {
		bus.Subscribe(projector)
	}
	bus.Start(cfg.EventWorkers, cfg.EventQueueSize)

	reconciler := gateway.NewReconciler(gatewayService, logger)
	if pusher != nil {
		if err := reconciler.Start(ctx); err != nil {
			logger.Error("failed to schedule reconciliation", "error", err)
			os.Exit(1)
		}
	}

	// Handlers
	accountHandler := accountapi.NewHandler(accountService, logger)
	gatewayHandler := gatewayapi.NewHandler(gatewayService, cfg.Wallet.Currency, cfg.Mpesa.CallbackToken, logger)
	var topUp http.HandlerFunc
	if pusher != nil {
		topUp = gatewayHandler.TopUp
	}
	walletHandler := walletapi.NewHandler(walletService, topUp, logger)
	escrowHandler := escrowapi.NewHandler(escrowService, logger)
	receiptHandler := receiptapi.NewHandler(receipt.NewService(st.receipts), logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
			stat := db.Stats()
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"healthy","db_conns":%d,"db_idle_conns":%d}`, stat.TotalConns(), stat.IdleConns())
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	authLimit := ratelimit.Rule{Limiter: limiter, Scope: "auth", Limit: cfg.AuthRateLimit, Window: cfg.AuthRateWindow}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(authLimit, clientIP)).Mount("/auth", accountHandler.Routes())
		r.Mount("/mpesa", gatewayHandler.Routes())

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(tokens, accountService.CheckActive))
			r.Use(middleware.Idempotency(responses, cfg.IdempotencyTTL, logger))

			wr := walletHandler.Routes()
			wr.Get("/topups", gatewayHandler.TopUps)
			r.Mount("/wallet", wr)
			r.Mount("/escrow", escrowHandler.Routes())
			r.Mount("/merchants", escrowHandler.MerchantRoutes())
			r.Mount("/receipts", receiptHandler.Routes())

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Mount("/accounts", accountHandler.AdminRoutes())
				r.Mount("/wallets", walletHandler.AdminRoutes())
				r.Mount("/payments", gatewayHandler.AdminRoutes())
			})
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting escrow ledger service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"postgres", db != nil,
			"nats", nc != nil,
			"redis", redisClient != nil,
			"mpesa", pusher != nil,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	select {
	case <-reconciler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("reconciliation sweep still running at shutdown")
	}

	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("event queue not drained at shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
