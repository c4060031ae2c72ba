package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geopulse/geopulse/pkg/config"
	"github.com/geopulse/geopulse/pkg/cooldown"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/metrics"
	"github.com/geopulse/geopulse/pkg/proximity"
	"github.com/geopulse/geopulse/pkg/publish"
	"github.com/geopulse/geopulse/pkg/push"
	"github.com/geopulse/geopulse/pkg/store"
)

const (
	version = "1.0.0-dev"
	appName = "geopulse-hub"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (YAML)")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if !cfg.MQTT.Enabled {
		fmt.Fprintln(os.Stderr, "the hub requires mqtt.enabled=true to receive location writes")
		os.Exit(1)
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting proximity hub",
		"version", version,
		"log_level", cfg.LogLevel,
		"threshold_m", cfg.Hub.ProximityThreshold,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.Hub.LocationDB)
	if err != nil {
		logger.Error("failed to open location store", "error", err.Error(), "path", cfg.Hub.LocationDB)
		os.Exit(1)
	}
	defer db.Close()

	cooldowns := cooldown.NewStore(cfg.Hub.CooldownWindow, logger)
	cooldowns.StartSweeper(ctx, cfg.Hub.SweepInterval)

	sender := push.NewHTTPSender(push.Config{
		GatewayURL: cfg.Hub.PushGatewayURL,
		APIKey:     cfg.Hub.PushAPIKey,
		Timeout:    cfg.Hub.PushTimeout,
	}, logger)

	engine := proximity.NewEngine(proximity.Config{
		ThresholdM: cfg.Hub.ProximityThreshold,
	}, db, cooldowns, sender, logger)

	broker := publish.NewClient(publish.Config{
		Enabled:     true,
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
	}, logger)
	if err := broker.Connect(); err != nil {
		logger.Error("mqtt connect failed", "error", err.Error(), "broker", cfg.MQTT.Broker)
		os.Exit(1)
	}
	defer broker.Disconnect()

	err = broker.SubscribeLocations(func(w publish.LocationWrite) {
		handleCtx, handleCancel := context.WithTimeout(ctx, 30*time.Second)
		defer handleCancel()
		if err := engine.OnLocationWritten(handleCtx, w.UserID, w.Latitude, w.Longitude, w.IsSharing); err != nil {
			logger.Error("location write handling failed", "user", w.UserID, "error", err.Error())
		}
	})
	if err != nil {
		logger.Error("location subscription failed", "error", err.Error())
		os.Exit(1)
	}

	metricsServer := metrics.NewServer(version, logger)
	if err := metricsServer.Start(cfg.MetricsPort); err != nil {
		logger.Error("failed to start metrics server", "error", err.Error())
		os.Exit(1)
	}
	defer func() { _ = metricsServer.Stop() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	logger.Info("proximity hub started", "metrics_port", cfg.MetricsPort)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ticker.C:
			logger.Debug("hub heartbeat", "cooldown_entries", cooldowns.Len())
		}
	}
}
