package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MR-liu/waoowaoo-sub003/internal/billingapi"
	"github.com/MR-liu/waoowaoo-sub003/internal/pricing"
	"github.com/MR-liu/waoowaoo-sub003/internal/reconcile"
	"github.com/MR-liu/waoowaoo-sub003/internal/store/gormstore"
	"github.com/MR-liu/waoowaoo-sub003/pkg/billing"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagBillingMode       = "billing-mode"
	flagReconcileInterval = "reconcile-interval"
	flagStaleFreezeAfter  = "stale-freeze-after"
	flagAuthSigningKey    = "auth-signing-key"
	flagAuthIssuer        = "auth-issuer"
	flagAllowedOrigins    = "allowed-origins"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyBillingMode       = "billing_mode"
	configKeyReconcileInterval = "reconcile_interval"
	configKeyStaleFreezeAfter  = "stale_freeze_after"
	configKeyAuthSigningKey    = "auth_signing_key"
	configKeyAuthIssuer        = "auth_issuer"
	configKeyAllowedOrigins    = "allowed_origins"

	defaultDatabaseURL       = "sqlite:///tmp/billing.db"
	defaultListenAddr        = ":8080"
	defaultBillingMode       = "SHADOW"
	defaultReconcileInterval = 10 * time.Minute
	defaultStaleFreezeAfter  = 30 * time.Minute
	defaultAuthIssuer        = "billingd"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	ReconcileInterval time.Duration
	StaleFreezeAfter  time.Duration
	AuthSigningKey    string
	AuthIssuer        string
	AllowedOrigins    []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Billing ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagBillingMode, defaultBillingMode, "billing mode: OFF, SHADOW, or ENFORCE")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileInterval, "reconcile sweep interval")
	cmd.Flags().Duration(flagStaleFreezeAfter, defaultStaleFreezeAfter, "age after which a pending freeze is stale")
	cmd.Flags().String(flagAuthSigningKey, "", "HMAC signing key for API bearer tokens")
	cmd.Flags().String(flagAuthIssuer, defaultAuthIssuer, "expected bearer-token issuer")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyBillingMode:       "BILLING_MODE",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
		configKeyStaleFreezeAfter:  "STALE_FREEZE_AFTER",
		configKeyAuthSigningKey:    "AUTH_SIGNING_KEY",
		configKeyAuthIssuer:        "AUTH_ISSUER",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyBillingMode:       flagBillingMode,
		configKeyReconcileInterval: flagReconcileInterval,
		configKeyStaleFreezeAfter:  flagStaleFreezeAfter,
		configKeyAuthSigningKey:    flagAuthSigningKey,
		configKeyAuthIssuer:        flagAuthIssuer,
		configKeyAllowedOrigins:    flagAllowedOrigins,
	}
	for configKey, flagName := range flags {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.StaleFreezeAfter = viper.GetDuration(configKeyStaleFreezeAfter)
	cfg.AuthSigningKey = viper.GetString(configKeyAuthSigningKey)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)

	if cfg.AuthSigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
	if _, err := billing.ParseMode(viper.GetString(configKeyBillingMode)); err != nil {
		return err
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	ledger, err := billing.NewService(store, func() time.Time { return time.Now().UTC() },
		billing.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	modeResolver := billing.ModeFromLookup(viper.GetString, configKeyBillingMode)
	orchestrator, err := billing.NewOrchestrator(ledger, pricing.NewCatalog(), modeResolver)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	sweeper, err := reconcile.NewSweeper(store, ledger, orchestrator, nil, logger, reconcile.Config{
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.StaleFreezeAfter,
	})
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	go func() {
		if runErr := sweeper.Run(ctx); runErr != nil && runErr != context.Canceled {
			logger.Error("reconcile loop stopped", zap.Error(runErr))
		}
	}()

	server, err := billingapi.NewServer(billingapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		AuthSigningKey: cfg.AuthSigningKey,
		AuthIssuer:     cfg.AuthIssuer,
	}, ledger, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

// zapOperationLogger forwards ledger operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("userId", entry.UserID),
		zap.String("freezeId", entry.FreezeID),
		zap.String("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotencyKey", entry.IdempotencyKey))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
