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

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon/pkg/alert"
	"github.com/beaconhq/beacon/pkg/api"
	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/hub"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/optimizer"
	"github.com/beaconhq/beacon/pkg/progress"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Beacon server",
	Long: `Start the full Beacon stack: the store gateway, the progress
engine, the fan-out hub, the alert engine, the performance optimizer,
and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if listen != "" {
			cfg.Server.ListenAddr = listen
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSONOutput,
		})
		metrics.SetVersion(Version)

		return runServer(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("listen", "", "Override the configured listen address")
}

func runServer(cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("addr", cfg.Server.ListenAddr).Msg("starting beacon")

	gw := store.New(cfg.Redis)

	probeCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.OpTimeout)
	health := gw.HealthCheck(probeCtx)
	cancel()
	if health.Status != store.HealthHealthy {
		gw.Close()
		return fmt.Errorf("store unreachable at %s: %s", cfg.Redis.Addr, health.Error)
	}
	metrics.RegisterComponent("store", true, "")
	logger.Info().Str("addr", cfg.Redis.Addr).Dur("rtt", health.RTT).Msg("store connected")

	metricStore := series.New(gw)

	engine := progress.New(gw, metricStore, cfg.Progress)
	engine.Start()
	metrics.RegisterComponent("progress", true, "")

	h := hub.New(gw, engine, metricStore, cfg.Hub)
	if err := h.Start(context.Background()); err != nil {
		gw.Close()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	metrics.RegisterComponent("hub", true, "")

	sampler := series.NewSampler(metricStore, gw, h, engine)
	sampler.Start()

	alerts := alert.New(gw, metricStore, h, cfg.Alerts)
	if cfg.Alerts.Webhook.URL != "" {
		alerts.RegisterNotifier(alert.NewWebhookNotifier(cfg.Alerts.Webhook))
	}
	if cfg.Alerts.Slack.Token != "" {
		alerts.RegisterNotifier(alert.NewSlackNotifier(cfg.Alerts.Slack))
	}
	if cfg.Alerts.Email.SMTPAddr != "" {
		alerts.RegisterNotifier(alert.NewEmailNotifier(cfg.Alerts.Email))
	}
	if err := alerts.Start(context.Background()); err != nil {
		gw.Close()
		return fmt.Errorf("failed to start alert engine: %w", err)
	}
	metrics.RegisterComponent("alerts", true, "")

	opt := optimizer.New(optimizer.NewStoreSampler(gw), gw, cfg.Optimizer)
	opt.Start()
	metrics.RegisterComponent("optimizer", cfg.Optimizer.Enabled, "")

	apiServer := api.NewServer(api.Deps{
		Gateway:   gw,
		Progress:  engine,
		Metrics:   metricStore,
		Alerts:    alerts,
		Hub:       h,
		Optimizer: opt,
	})
	apiServer.Start()

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: apiServer.Handler(),
		// No WriteTimeout: /ws and /events hold their responses open.
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	// Stop accepting first, then drain the hub, then the background loops,
	// and close the gateway last so in-flight writes still land.
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	h.Stop()
	apiServer.Stop()
	opt.Stop()
	alerts.Stop()
	sampler.Stop()
	engine.Stop()
	metricStore.Close()
	if err := gw.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
