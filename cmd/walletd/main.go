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
	"github.com/walduae101/siraj-sub002/internal/backfill"
	"github.com/walduae101/siraj-sub002/internal/httpserver"
	"github.com/walduae101/siraj-sub002/internal/reconcile"
	"github.com/walduae101/siraj-sub002/internal/risk"
	"github.com/walduae101/siraj-sub002/internal/store/gormstore"
	"github.com/walduae101/siraj-sub002/internal/webhook"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagWebhookSecret  = "webhook-secret"
	flagAdminJWTSecret = "admin-jwt-secret"
	flagAdminJWTIssuer = "admin-jwt-issuer"
	flagOIDCAudience   = "oidc-audience"
	flagAllowedOrigins = "allowed-origins"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyAdminJWTSecret = "admin_jwt_secret"
	configKeyAdminJWTIssuer = "admin_jwt_issuer"
	configKeyOIDCAudience   = "oidc_audience"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL = "sqlite:///tmp/walletd.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	WebhookSecret  string
	AdminJWTSecret string
	AdminJWTIssuer string
	OIDCAudience   string
	AllowedOrigins string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Points wallet and webhook reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagWebhookSecret, "", "shared secret for webhook signatures")
	cmd.PersistentFlags().String(flagAdminJWTSecret, "", "HS256 secret for admin tokens")
	cmd.PersistentFlags().String(flagAdminJWTIssuer, "", "expected issuer of admin tokens")
	cmd.PersistentFlags().String(flagOIDCAudience, "", "expected audience of job identity tokens")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")

	cmd.AddCommand(newServeCommand(cfg))
	cmd.AddCommand(newResolveHoldsCommand(cfg))
	cmd.AddCommand(newReconcileCommand(cfg))
	cmd.AddCommand(newBackfillCommand(cfg))

	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withServices(ctx, cfg, func(ctx context.Context, services *services) error {
				serverConfig := httpserver.Config{
					ListenAddr:     cfg.ListenAddr,
					AllowedOrigins: httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
					WebhookSecret:  cfg.WebhookSecret,
					AdminJWTSecret: cfg.AdminJWTSecret,
					AdminJWTIssuer: cfg.AdminJWTIssuer,
					OIDCAudience:   cfg.OIDCAudience,
				}
				return httpserver.Run(ctx, serverConfig, httpserver.Dependencies{
					Ledger:     services.ledger,
					Risk:       services.risk,
					Resolver:   services.resolver,
					Reconciler: services.reconciler,
					Backfill:   services.backfill,
					Processor:  services.processor,
				}, services.logger)
			})
		},
	}
}

func newResolveHoldsCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-holds",
		Short: "Re-score and resolve open risk holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), cfg, func(ctx context.Context, services *services) error {
				summary, err := services.resolver.Run(ctx)
				if err != nil {
					return err
				}
				services.logger.Info("resolver finished",
					zap.Int("processed", summary.Processed),
					zap.Int("released", summary.Released),
					zap.Int("reversed", summary.Reversed),
					zap.Int("held", summary.Held),
					zap.Int("errors", summary.Errors),
				)
				return nil
			})
		},
	}
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile wallet balances against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), cfg, func(ctx context.Context, services *services) error {
				day := time.Now().UTC()
				if date != "" {
					parsed, err := time.ParseInLocation("2006-01-02", date, time.UTC)
					if err != nil {
						return fmt.Errorf("parse date: %w", err)
					}
					day = parsed
				}
				summary, err := services.reconciler.Run(ctx, day)
				if err != nil {
					return err
				}
				services.logger.Info("reconciliation finished",
					zap.String("run_id", summary.RunID),
					zap.Int("total", summary.Total),
					zap.Int("adjusted", summary.Adjusted),
					zap.Int("errors", summary.Errors),
					zap.Int64("total_delta", summary.TotalDelta),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to reconcile, YYYY-MM-DD, default today")
	return cmd
}

func newBackfillCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		runType   string
		startDate string
		endDate   string
		dryRun    bool
		maxEvents int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay or reverse stored webhook deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), cfg, func(ctx context.Context, services *services) error {
				report, err := services.backfill.Run(ctx, backfill.Request{
					Type:      runType,
					StartDate: startDate,
					EndDate:   endDate,
					DryRun:    dryRun,
					MaxEvents: maxEvents,
				})
				if err != nil {
					return err
				}
				services.logger.Info("backfill finished",
					zap.Int("total", report.Total),
					zap.Int("processed", report.Processed),
					zap.Int("skipped", report.Skipped),
					zap.Int("errors", report.Errors),
					zap.Bool("dry_run", report.DryRun),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runType, "type", backfill.TypeReplay, "run type, replay or reversal")
	cmd.Flags().StringVar(&startDate, "start-date", "", "first day to replay, YYYY-MM-DD")
	cmd.Flags().StringVar(&endDate, "end-date", "", "last day to replay, YYYY-MM-DD")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and count without writing")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "cap on replayed events, 0 for default")
	if err := cmd.MarkFlagRequired("start-date"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("end-date"); err != nil {
		panic(err)
	}
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyWebhookSecret:  "WEBHOOK_SECRET",
		configKeyAdminJWTSecret: "ADMIN_JWT_SECRET",
		configKeyAdminJWTIssuer: "ADMIN_JWT_ISSUER",
		configKeyOIDCAudience:   "OIDC_AUDIENCE",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyWebhookSecret:  flagWebhookSecret,
		configKeyAdminJWTSecret: flagAdminJWTSecret,
		configKeyAdminJWTIssuer: flagAdminJWTIssuer,
		configKeyOIDCAudience:   flagOIDCAudience,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
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
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.AdminJWTSecret = viper.GetString(configKeyAdminJWTSecret)
	cfg.AdminJWTIssuer = viper.GetString(configKeyAdminJWTIssuer)
	cfg.OIDCAudience = viper.GetString(configKeyOIDCAudience)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	return nil
}

type services struct {
	ledger     *wallet.Service
	risk       *risk.Service
	resolver   *risk.Resolver
	reconciler *reconcile.Job
	backfill   *backfill.Runner
	processor  *webhook.Processor
	logger     *zap.Logger
}

func withServices(ctx context.Context, cfg *runtimeConfig, fn func(ctx context.Context, services *services) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := wallet.NewService(store, clock)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}
	riskService, err := risk.NewService(store, ledgerService, clock, logger)
	if err != nil {
		return fmt.Errorf("risk service init: %w", err)
	}
	resolver, err := risk.NewResolver(store, riskService, logger)
	if err != nil {
		return fmt.Errorf("resolver init: %w", err)
	}
	processor, err := webhook.NewProcessor(ledgerService, riskService, store, clock, logger)
	if err != nil {
		return fmt.Errorf("webhook processor init: %w", err)
	}
	reconciler, err := reconcile.NewJob(store, store, ledgerService, clock, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	backfillRunner, err := backfill.NewRunner(store, processor, ledgerService, logger)
	if err != nil {
		return fmt.Errorf("backfill runner init: %w", err)
	}

	return fn(ctx, &services{
		ledger:     ledgerService,
		risk:       riskService,
		resolver:   resolver,
		reconciler: reconciler,
		backfill:   backfillRunner,
		processor:  processor,
		logger:     logger,
	})
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
			path = "walletd.db"
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
	err := db.AutoMigrate(
		&gormstore.Wallet{},
		&gormstore.LedgerEntry{},
		&gormstore.RiskEvent{},
		&gormstore.WebhookEvent{},
		&gormstore.ReconciliationResult{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
