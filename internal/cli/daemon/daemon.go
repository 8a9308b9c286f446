// Package daemon implements 'certrotor daemon', the long-running process that
// renews certificates and takes scheduled backups.
package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/backup"
	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/config"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/metrics"
	"github.com/coral-mesh/certrotor/internal/renewal"
)

// NewDaemonCmd creates the daemon command.
func NewDaemonCmd() *cobra.Command {
	var (
		noBackups   bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the renewal scheduler and backup schedules",
		Long: `Run in the foreground until interrupted.

The daemon:
- Renews certificates in place once less than renewal_threshold of their
  lifetime remains, at renewal_time_of_day plus a random jitter
- Backs up the CA whenever it changed (checked every ca_check_interval)
- Takes a data snapshot every snapshot_interval when a snapshot command is set
- Serves Prometheus metrics on metrics_addr

The CA passwords are needed to sign renewals. They are read once at startup
from their files, environment variables or an interactive prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Operator commands need the inventory while the daemon runs.
			app, err := helpers.OpenApp(cmd, helpers.WithSharedInventory())
			if err != nil {
				return err
			}
			defer app.Close()

			if metricsAddr != "" {
				app.Config.MetricsAddr = metricsAddr
			}
			if err := app.LoadSigningCA(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, app, !noBackups)
		},
	}

	cmd.Flags().BoolVar(&noBackups, "no-backups", false, "Do not run the backup schedules")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (overrides metrics_addr, empty config value disables)")
	return cmd
}

// Run starts every background component of app and blocks until ctx is
// canceled. The CA must already be loaded for signing.
func Run(ctx context.Context, app *helpers.App, backups bool) error {
	logger := app.Logger.With().Str("component", "daemon").Logger()
	cfg := app.Config

	srv, err := serveMetrics(cfg.MetricsAddr, logger)
	if err != nil {
		return err
	}

	ctrl, err := app.Controller(ctx, false)
	if err != nil {
		return err
	}
	timeOfDay, err := config.ParseTimeOfDay(cfg.Certificates.RenewalTimeOfDay)
	if err != nil {
		return err
	}
	sched := renewal.New(ctrl, app.Inventory, renewal.Config{
		Threshold: cfg.Certificates.RenewalThreshold,
		TimeOfDay: timeOfDay,
		Jitter:    cfg.Certificates.RenewalJitter,
		Resync:    cfg.Certificates.RenewalResync,
		Logger:    app.Logger,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Renewal scheduler did not stop cleanly")
		}
	}()

	if backups {
		p, err := app.Pipeline(ctx)
		if err != nil {
			return err
		}
		bs := backup.NewSchedule(ctx, p, cfg.Backup.CACheckInterval, cfg.Backup.SnapshotInterval, app.Logger)
		if err := bs.Start(); err != nil {
			return err
		}
		defer func() {
			if err := bs.Stop(); err != nil {
				logger.Warn().Err(err).Msg("Backup schedule did not stop cleanly")
			}
		}()
	}

	logger.Info().
		Str("metrics_addr", cfg.MetricsAddr).
		Bool("backups", backups).
		Msg("Daemon started - waiting for shutdown signal")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	return nil
}

// serveMetrics starts the metrics endpoint on addr. An empty addr disables it.
func serveMetrics(addr string, logger zerolog.Logger) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Configf("metrics_addr", "cannot listen on %s: %v", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return srv, nil
}
