package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"ups-monitor/internal/monitor"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
	"ups-monitor/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "ups-monitor",
		Short:        "Mirror UPS state from a go-ups server",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")

	load := func() (*Config, error) {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newRunCmd(load),
		newHealthCmd(load),
		newStatusCmd(load),
		newCommandCmd(load),
		newTestDeviceCmd(load),
	)
	return root
}

type configLoader func() (*Config, error)

func newRunCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ups-monitor starting", "version", version)

	reconnectDelay, _ := cfg.reconnectDelay()

	client, err := upsapi.NewClient(cfg.Server.URL)
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(reg)

	manager, err := monitor.NewManager(monitor.Config{
		ConnectionID:   cfg.Server.ConnectionID,
		Devices:        cfg.Server.Devices,
		ReconnectDelay: reconnectDelay,
	}, client, db, logger, metrics)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(reg),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(manager, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(manager, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	manager.Stop()

	logger.Info("goodbye")
	return nil
}
