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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "paygate",
		Short:         "Card payment gateway in front of an acquiring bank",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(migrateCmd(&configFile))
	rootCmd.AddCommand(merchantCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configFile)
			if err != nil {
				return err
			}
			InitLogger(cfg.LogLevel, cfg.PIIMasking)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := BuildApp(ctx, cfg, GetLogger())
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Run(ctx)
		},
	}
}

func migrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the MySQL tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configFile)
			if err != nil {
				return err
			}

			db, err := ConnectDatabase(cmd.Context(), cfg.MySQL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := MigrateDatabase(cmd.Context(), db, "mysql"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func merchantCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merchant",
		Short: "Manage merchants",
	}

	var secret string
	add := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a merchant in the MySQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configFile)
			if err != nil {
				return err
			}

			db, err := ConnectDatabase(cmd.Context(), cfg.MySQL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := MigrateDatabase(cmd.Context(), db, "mysql"); err != nil {
				return err
			}

			m, err := NewSQLMerchantStore(db).Create(cmd.Context(), args[0], secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merchant %s created with id %s\n", m.Name, m.ID)
			return nil
		},
	}
	add.Flags().StringVar(&secret, "secret", "", "merchant secret used to request tokens")
	add.MarkFlagRequired("secret")

	cmd.AddCommand(add)
	return cmd
}

// App is a fully wired gateway
type App struct {
	cfg     *Config
	logger  *StructuredLogger
	Server  *Server
	closers []func() error
}

// BuildApp connects the configured backends and wires every component
func BuildApp(ctx context.Context, cfg *Config, logger *StructuredLogger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	var (
		store     PaymentStore
		merchants MerchantStore = NewMemoryMerchantStore()
		recorder  BankCallRecorder
		lister    BankCallLister
		health    func(r *http.Request) error
		rdb       *redis.Client
	)

	if cfg.StoreBackend == StoreRedis || cfg.RateLimitRPM > 0 {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()

		switch {
		case err == nil:
			rdb = client
			app.closers = append(app.closers, client.Close)
		case cfg.StoreBackend == StoreRedis:
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		default:
			client.Close()
			logger.Warn("Redis unavailable, rate limiting disabled", map[string]interface{}{
				"redis_addr": cfg.RedisAddr,
				"error":      err.Error(),
			})
		}
	}

	switch cfg.StoreBackend {
	case StoreMemory:
		store = NewMemoryPaymentStore()

	case StoreRedis:
		store = NewRedisPaymentStore(rdb)
		health = func(r *http.Request) error { return rdb.Ping(r.Context()).Err() }

	case StoreMySQL:
		db, err := ConnectDatabase(ctx, cfg.MySQL)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, db.Close)

		if err := MigrateDatabase(ctx, db, "mysql"); err != nil {
			app.Close()
			return nil, err
		}

		store = NewSQLPaymentStore(db)
		merchants = NewSQLMerchantStore(db)
		callLog := NewSQLBankCallLog(db)
		recorder, lister = callLog, callLog
		health = func(r *http.Request) error { return db.PingContext(r.Context()) }
	}

	tracker := NewLatencyTracker(1000)

	poolConfig := DefaultBankTransportConfig()
	poolConfig.ConnectTimeout = cfg.BankConnectTimeout
	poolConfig.ReadTimeout = cfg.BankReadTimeout
	pool := NewBankConnectionPool(poolConfig)
	app.closers = append(app.closers, func() error { pool.Close(); return nil })

	breakerConfig := DefaultCircuitBreakerConfig()
	breakerConfig.FailureThreshold = cfg.CBFailureThreshold
	breakerConfig.CooldownPeriod = cfg.CBCooldown
	breaker := NewCircuitBreaker("acquiring-bank", breakerConfig, logger)

	bankOpts := []HTTPBankClientOption{WithLatencyTracker(tracker)}
	if recorder != nil {
		bankOpts = append(bankOpts, WithCallRecorder(recorder))
	}
	bank := NewHTTPBankClient(cfg.BankURL, pool, breaker, logger, bankOpts...)

	ws := NewWSManager(store, logger)
	listeners := []PaymentListener{ws}

	if cfg.KafkaBroker != "" {
		publisher := NewKafkaEventPublisher(NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic), logger)
		app.closers = append(app.closers, publisher.Close)
		listeners = append(listeners, publisher)
	}

	var issuer *TokenIssuer
	if cfg.JWTSecret != "" {
		issuer = NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	} else {
		logger.Warn("JWT_SECRET not set, API authentication disabled", nil)
	}

	if cfg.BootstrapMerchantName != "" {
		_, err := merchants.Create(ctx, cfg.BootstrapMerchantName, cfg.BootstrapMerchantSecret)
		if err != nil && !errors.Is(err, ErrMerchantExists) {
			app.Close()
			return nil, fmt.Errorf("bootstrap merchant: %w", err)
		}
	}

	var limiter *RateLimiter
	if rdb != nil && cfg.RateLimitRPM > 0 {
		limiter = NewRateLimiter(rdb, cfg.RateLimitRPM)
	}

	shedConfig := DefaultLoadSheddingConfig()
	shedConfig.MaxActiveRequests = int32(cfg.MaxActiveRequests)
	shedConfig.LatencyThresholdMs = (cfg.BankConnectTimeout + cfg.BankReadTimeout).Milliseconds()

	app.Server = &Server{
		Orchestrator:   NewPaymentOrchestrator(store, bank, logger, listeners...),
		Validator:      NewPaymentValidator(),
		Store:          store,
		StoreBackend:   cfg.StoreBackend,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		Breaker:        breaker,
		Tracker:        tracker,
		Pool:           pool,
		BankCalls:      lister,
		Merchants:      merchants,
		Issuer:         issuer,
		RateLimiter:    limiter,
		Shedder:        NewLoadShedder(shedConfig, tracker),
		WS:             ws,
		HealthCheck:    health,
	}

	return app, nil
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", map[string]interface{}{
			"addr":          a.cfg.HTTPAddr,
			"store_backend": a.cfg.StoreBackend,
			"bank_url":      a.cfg.BankURL,
			"version":       Version,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout+5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	if werr := a.Server.Orchestrator.WaitNotifications(shutdownCtx); werr != nil {
		a.logger.Warn("Pending payment notifications abandoned", map[string]interface{}{"error": werr.Error()})
	}
	return err
}

// Close releases backend connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}
