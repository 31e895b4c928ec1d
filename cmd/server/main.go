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

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/reporting"
	"posledger/backend/internal/scheduler"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		if cfg.DBAutoMigrate {
			if err := migrateUp(cfg.DatabaseURL, logger); err != nil {
				return err
			}
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to fall back to memory: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		if err := bootstrapAdmin(ctx, pg, cfg.BootstrapAdminPassword, logger); err != nil {
			return err
		}
		logger.Info("repository ready", zap.String("kind", "postgres"))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository ready", zap.String("kind", "memory"))
	}

	var (
		dashboard cache.DashboardCache = cache.NoopDashboardCache{}
		monthLock scheduler.MonthLock  = scheduler.NewMemoryLock()
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using noop dashboard cache and local month lock", zap.Error(err))
			_ = client.Close()
		} else {
			dashboard = cache.NewRedisDashboardCache(client)
			monthLock = scheduler.NewRedisLock(client)
			closers = append(closers, client.Close)
			logger.Info("redis ready", zap.String("addr", cfg.RedisAddr))
		}
	}

	guard := inventory.NewGuard(repo, logger, inventory.DefaultOptions())
	reports := reporting.NewEngine(repo, repo, dashboard, cfg.DashboardCacheTTL(), logger)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger)
	api := httpapi.New(httpapi.Services{
		Products:     service.NewProductService(repo, guard, dashboard, logger),
		Transactions: service.NewTransactionService(repo, repo, guard, dashboard, logger),
		Reports:      reports,
	}, auth, cfg.AllowedOrigin, logger)

	runner := scheduler.NewMonthlyRunner(monthLock, scheduler.LedgerSummaryJob(reports, logger), cfg.SchedulerInterval(), logger)
	lifecycle, stopLifecycle := context.WithCancel(context.Background())
	defer stopLifecycle()
	runner.Start(lifecycle)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("POS ledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}

func migrateUp(databaseURL string, logger *zap.Logger) error {
	m, err := pgstore.NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("migrator close failed", zap.Error(err))
		}
	}()
	return m.Up()
}

// bootstrapAdmin creates the first admin account when the user table is
// empty and a bootstrap password is configured.
func bootstrapAdmin(ctx context.Context, users store.UserStore, password string, logger *zap.Logger) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if password == "" {
		logger.Warn("no user accounts exist; set BOOTSTRAP_ADMIN_PASSWORD to create an admin")
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	admin := domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      httpapi.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := users.CreateUser(ctx, admin); err != nil {
		return err
	}
	logger.Info("bootstrap admin created", zap.String("username", "admin"))
	return nil
}
