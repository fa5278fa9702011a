/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine server. Handles configuration,
  dependency wiring, background runners, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags / env / optional config file
  2. Build the zap logger
  3. Open the SQLite store
  4. Wire the leave service, expiration job, and accrual runner
  5. Start the expiration runner (and sync runner when a provider exists)
  6. Serve HTTP with graceful shutdown

CONFIGURATION:
  Flags mirror viper keys; every key is also settable via LEAVE_* env vars
  (e.g. LEAVE_DATABASE_PATH) or a --config file.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain in-flight requests
  (10s timeout), stop background runners, close the database.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys and defaults
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/expiry"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/logging"
	"github.com/warp/leave-engine/store/sqlite"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "leave-engine",
		Short: "Leave balance and calendar synchronization engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path (\":memory:\" for in-memory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("expiry-interval", defaults.GetDuration("jobs.expiry_interval"), "Expiration job cadence")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("jobs.sync_interval"), "Calendar sync cadence")
	cmd.PersistentFlags().Bool("runners", defaults.GetBool("jobs.runners_enabled"), "Run background jobs")
	cmd.PersistentFlags().Float64("annual-hours", defaults.GetFloat64("policy.annual_hours"), "Full-year annual leave entitlement in hours")
	cmd.PersistentFlags().Int("comp-time-validity-months", defaults.GetInt("policy.comp_time_validity_months"), "Comp-time credit lifetime in months (0 = no expiry)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "jobs.expiry_interval", "expiry-interval")
	bindFlag(cmd, "jobs.sync_interval", "sync-interval")
	bindFlag(cmd, "jobs.runners_enabled", "runners")
	bindFlag(cmd, "policy.annual_hours", "annual-hours")
	bindFlag(cmd, "policy.comp_time_validity_months", "comp-time-validity-months")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := sqlite.New(appConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	locks := ledger.NewKeyLock()

	service := leave.NewService(store, locks, logger).
		WithAudit(&leave.ZapAuditSink{Logger: logger})
	service.CompTime = leave.CompTimePolicy{ValidityMonths: appConfig.CompTimeValidityMonths}

	policy := entitlement.DefaultAnnualPolicy()
	policy.AnnualHours = ledger.HoursOf(appConfig.AnnualHours)

	accrual := &entitlement.AccrualRunner{Store: store, Policy: policy, Logger: logger}
	expiryJob := &expiry.Job{Store: store, Locks: locks, Logger: logger}

	handler := &api.Handler{
		Service: service,
		Store:   store,
		Expiry:  expiryJob,
		Accrual: accrual,
		Logger:  logger,
	}

	// No calendar provider binding ships with the engine binary; handler.Sync
	// stays nil and sync endpoints answer 503 until a deployment wires one.
	if appConfig.RunnersEnabled {
		expiryRunner := expiry.NewRunner(expiryJob, logger)
		expiryRunner.Interval = appConfig.ExpiryInterval
		expiryRunner.Start()
		defer expiryRunner.Stop()
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: api.NewRouter(handler),
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
