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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mindloadai/tokenledger/internal/abuseguard"
	"github.com/mindloadai/tokenledger/internal/catalog"
	"github.com/mindloadai/tokenledger/internal/httpserver"
	"github.com/mindloadai/tokenledger/internal/metrics"
	"github.com/mindloadai/tokenledger/internal/reconcile"
	"github.com/mindloadai/tokenledger/internal/store/gormstore"
	"github.com/mindloadai/tokenledger/internal/verifier"
	"github.com/mindloadai/tokenledger/pkg/ledger"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagCatalogPath       = "catalog-path"
	flagAdminToken        = "admin-token"
	flagAllowedOrigins    = "allowed-origins"
	flagReconcileSchedule = "reconcile-schedule"
	flagResetSchedule     = "reset-schedule"
	flagPurgeSchedule     = "purge-schedule"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyCatalogPath       = "catalog_path"
	configKeyAdminToken        = "admin_token"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyReconcileSchedule = "reconcile_schedule"
	configKeyResetSchedule     = "reset_schedule"
	configKeyPurgeSchedule     = "purge_schedule"
	configKeyAppleIssuerID     = "apple_issuer_id"
	configKeyAppleKeyID        = "apple_key_id"
	configKeyAppleBundleID     = "apple_bundle_id"
	configKeyAppleKeyPath      = "apple_private_key_path"
	configKeyAppleSandbox      = "apple_sandbox"
	configKeyGooglePackage     = "google_package_name"
	configKeyGoogleCredentials = "google_credentials_path"
	configKeyGuardChallenge    = "guard_challenge_threshold"
	configKeyGuardBlock        = "guard_block_threshold"

	defaultDatabaseURL       = "sqlite:///tmp/tokenledger.db"
	defaultHTTPListenAddr    = ":8080"
	defaultReconcileSchedule = "30 3 * * *"
	defaultResetSchedule     = "15 0 * * *"
	defaultPurgeSchedule     = "45 * * * *"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	CatalogPath       string
	AdminToken        string
	AllowedOrigins    []string
	ReconcileSchedule string
	ResetSchedule     string
	PurgeSchedule     string

	AppleIssuerID  string
	AppleKeyID     string
	AppleBundleID  string
	AppleKeyPath   string
	AppleSandbox   bool
	GooglePackage  string
	GoogleCredPath string

	GuardChallengeThreshold int
	GuardBlockThreshold     int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tokenledgerd",
		Short:         "Token ledger and entitlement reconciliation server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagCatalogPath, "", "product catalog file (yaml/json); empty uses the built-in catalog")
	cmd.Flags().String(flagAdminToken, "", "bearer token for admin routes; empty disables them")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagReconcileSchedule, defaultReconcileSchedule, "cron schedule for the reconciliation sweep")
	cmd.Flags().String(flagResetSchedule, defaultResetSchedule, "cron schedule for the monthly reset sweep")
	cmd.Flags().String(flagPurgeSchedule, defaultPurgeSchedule, "cron schedule for the idempotency purge")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyCatalogPath:       "CATALOG_PATH",
		configKeyAdminToken:        "ADMIN_TOKEN",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyReconcileSchedule: "RECONCILE_SCHEDULE",
		configKeyResetSchedule:     "RESET_SCHEDULE",
		configKeyPurgeSchedule:     "PURGE_SCHEDULE",
		configKeyAppleIssuerID:     "APPLE_ISSUER_ID",
		configKeyAppleKeyID:        "APPLE_KEY_ID",
		configKeyAppleBundleID:     "APPLE_BUNDLE_ID",
		configKeyAppleKeyPath:      "APPLE_PRIVATE_KEY_PATH",
		configKeyAppleSandbox:      "APPLE_SANDBOX",
		configKeyGooglePackage:     "GOOGLE_PACKAGE_NAME",
		configKeyGoogleCredentials: "GOOGLE_CREDENTIALS_PATH",
		configKeyGuardChallenge:    "GUARD_CHALLENGE_THRESHOLD",
		configKeyGuardBlock:        "GUARD_BLOCK_THRESHOLD",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyCatalogPath:       flagCatalogPath,
		configKeyAdminToken:        flagAdminToken,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyReconcileSchedule: flagReconcileSchedule,
		configKeyResetSchedule:     flagResetSchedule,
		configKeyPurgeSchedule:     flagPurgeSchedule,
	}
	for key, flag := range flagBindings {
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
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.CatalogPath = viper.GetString(configKeyCatalogPath)
	cfg.AdminToken = viper.GetString(configKeyAdminToken)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.ReconcileSchedule = viper.GetString(configKeyReconcileSchedule)
	cfg.ResetSchedule = viper.GetString(configKeyResetSchedule)
	cfg.PurgeSchedule = viper.GetString(configKeyPurgeSchedule)
	cfg.AppleIssuerID = viper.GetString(configKeyAppleIssuerID)
	cfg.AppleKeyID = viper.GetString(configKeyAppleKeyID)
	cfg.AppleBundleID = viper.GetString(configKeyAppleBundleID)
	cfg.AppleKeyPath = viper.GetString(configKeyAppleKeyPath)
	cfg.AppleSandbox = viper.GetBool(configKeyAppleSandbox)
	cfg.GooglePackage = viper.GetString(configKeyGooglePackage)
	cfg.GoogleCredPath = viper.GetString(configKeyGoogleCredentials)
	cfg.GuardChallengeThreshold = viper.GetInt(configKeyGuardChallenge)
	cfg.GuardBlockThreshold = viper.GetInt(configKeyGuardBlock)
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
	defer func() { _ = cleanup() }()

	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewRecorder(registry)

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	broadcaster := ledger.NewBroadcaster()
	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(metrics.NewOperationObserver(logger, recorder)),
		ledger.WithBroadcaster(broadcaster),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	productCatalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}

	purchaseVerifier, err := buildVerifier(ctx, cfg, service, store, productCatalog, recorder, logger)
	if err != nil {
		return fmt.Errorf("verifier init: %w", err)
	}

	job, err := reconcile.NewJob(store, service, clock, logger, reconcile.WithRecorder(recorder))
	if err != nil {
		return fmt.Errorf("reconcile job init: %w", err)
	}
	scheduler, err := reconcile.NewScheduler(job, cfg.ReconcileSchedule, cfg.ResetSchedule, cfg.PurgeSchedule, logger)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	guardConfig := abuseguard.DefaultConfig()
	if cfg.GuardChallengeThreshold > 0 {
		guardConfig.ChallengeThreshold = cfg.GuardChallengeThreshold
	}
	if cfg.GuardBlockThreshold > 0 {
		guardConfig.BlockThreshold = cfg.GuardBlockThreshold
	}
	guard := abuseguard.New(guardConfig, nil, abuseguard.WithRecorder(recorder))
	server, err := httpserver.New(
		httpserver.Config{
			ListenAddr:     cfg.ListenAddr,
			AllowedOrigins: cfg.AllowedOrigins,
			AdminToken:     cfg.AdminToken,
		},
		service, purchaseVerifier, guard, broadcaster, registry, logger,
	)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		if shutdownErr := server.Shutdown(context.Background()); shutdownErr != nil {
			return shutdownErr
		}
		return <-errCh
	case serveErr := <-errCh:
		return serveErr
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

// buildVerifier wires platform clients from whatever credentials are
// configured. With no platform configured purchases are disabled and the
// server still runs balance and consumption traffic.
func buildVerifier(
	ctx context.Context,
	cfg *runtimeConfig,
	service *ledger.Service,
	store ledger.Store,
	productCatalog *catalog.Catalog,
	recorder *metrics.Recorder,
	logger *zap.Logger,
) (*verifier.Verifier, error) {
	clients := map[ledger.Platform]verifier.PlatformClient{}
	options := []verifier.Option{verifier.WithRecorder(recorder)}

	if cfg.AppleIssuerID != "" {
		keyPEM, err := os.ReadFile(cfg.AppleKeyPath)
		if err != nil {
			return nil, fmt.Errorf("apple private key: %w", err)
		}
		appleOptions := []verifier.AppleOption{}
		if cfg.AppleSandbox {
			appleOptions = append(appleOptions, verifier.WithAppleSandbox())
		}
		appleClient, err := verifier.NewAppleClient(cfg.AppleIssuerID, cfg.AppleKeyID, cfg.AppleBundleID, keyPEM, appleOptions...)
		if err != nil {
			return nil, err
		}
		clients[ledger.PlatformApple] = appleClient
		options = append(options, verifier.WithAppleDecoder(appleClient))
	}

	if cfg.GooglePackage != "" {
		googleOptions := []option.ClientOption{}
		if cfg.GoogleCredPath != "" {
			googleOptions = append(googleOptions, option.WithCredentialsFile(cfg.GoogleCredPath))
		}
		googleClient, err := verifier.NewGoogleClient(ctx, cfg.GooglePackage, googleOptions...)
		if err != nil {
			return nil, err
		}
		clients[ledger.PlatformGoogle] = googleClient
		options = append(options, verifier.WithGoogleSubscriptions(googleClient))
	}

	if len(clients) == 0 {
		logger.Warn("no purchase platform configured, purchase endpoints disabled")
		return nil, nil
	}
	return verifier.New(service, store, productCatalog, clients, logger, options...)
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
			path = "tokenledger.db"
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
