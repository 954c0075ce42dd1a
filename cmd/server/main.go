/*
main.go - Application entry point

PURPOSE:
  The `vault` command. Serves the credit API, runs the expired-hold reaper
  once, or applies the schema.

COMMANDS:
  vault serve     HTTP server plus background reaper
  vault reap      Release expired holds once and exit
  vault migrate   Apply the schema and exit

CONFIGURATION (later wins):
  defaults < --config vault.toml < VAULT_* environment < flags

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reaper
  4. Close database connection

EXAMPLES:
  vault serve --db-driver=memory
  vault serve --config=/etc/vault.toml --port=3000
  VAULT_DB_DRIVER=postgres VAULT_DB_DSN=postgres://... vault migrate

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/safekeeper/credit-vault/api"
	"github.com/safekeeper/credit-vault/config"
	"github.com/safekeeper/credit-vault/credit"
	memstore "github.com/safekeeper/credit-vault/credit/store"
	"github.com/safekeeper/credit-vault/logging"
	"github.com/safekeeper/credit-vault/store/postgres"
	"github.com/safekeeper/credit-vault/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	driver     string
	dsn        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "vault",
		Short:         "Credit vault: reserve and settle account credits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&g.driver, "db-driver", "", "store driver: sqlite|postgres|memory")
	root.PersistentFlags().StringVar(&g.dsn, "db", "", "database path or DSN")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level")

	root.AddCommand(newServeCmd(&g))
	root.AddCommand(newReapCmd(&g))
	root.AddCommand(newMigrateCmd(&g))
	return root
}

// load resolves configuration, applies the persistent flags and then any
// command-specific overrides, and validates the result once.
func (g *globalFlags) load(cmd *cobra.Command, overrides ...func(*config.Config)) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Read(g.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.Store.Driver = g.driver
	}
	if flags.Changed("db") {
		cfg.Store.DSN = g.dsn
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	for _, apply := range overrides {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the hold reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("port") {
					cfg.Server.Port = port
				}
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port")
	return cmd
}

// Idle rate limiter buckets are swept every interval and dropped after the TTL.
const (
	limiterCleanupInterval = time.Minute
	limiterIdleTTL         = 10 * time.Minute
)

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	store, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	handler := api.NewHandler(store, cfg.Allocation.HoldTTL.Duration, logger)

	identity, err := identityFor(cfg.Auth)
	if err != nil {
		return err
	}
	opts := api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Identity:       identity,
	}
	if cfg.RateLimit.RPS > 0 {
		opts.Limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
		cleanupCtx, stopCleanup := context.WithCancel(ctx)
		defer stopCleanup()
		opts.Limiter.StartCleanup(cleanupCtx, limiterCleanupInterval, limiterIdleTTL)
	}

	var reaper *credit.HoldReaper
	if cfg.Allocation.HoldTTL.Duration > 0 {
		reaper = credit.NewHoldReaper(store, cfg.Allocation.ReapInterval.Duration, logger)
		reaper.Start()
		defer reaper.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Server.Port,
			"driver": cfg.Store.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func identityFor(cfg config.Auth) (api.IdentityResolver, error) {
	switch cfg.Mode {
	case config.AuthHeader:
		return api.HeaderIdentity{Header: cfg.Header}, nil
	case config.AuthJWT:
		return api.JWTIdentity{Secret: []byte(cfg.JWTSecret)}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}

// =============================================================================
// REAP / MIGRATE
// =============================================================================

func newReapCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Release holds whose lease has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			store, closer, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer closer.Close()

			n, err := credit.NewHoldReaper(store, cfg.Allocation.ReapInterval.Duration, logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d expired holds\n", n)
			return nil
		},
	}
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			// Opening a SQL store applies its schema.
			_, closer, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger.WithField("driver", cfg.Store.Driver).Info("schema applied")
			return nil
		},
	}
}

// =============================================================================
// STORE SELECTION
// =============================================================================

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cfg config.Store) (credit.TxStore, io.Closer, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize sqlite: %w", err)
		}
		return s, s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverMemory:
		return memstore.NewTxMemory(), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
