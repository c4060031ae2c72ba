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
	"github.com/geopulse/geopulse/pkg/escalate"
	"github.com/geopulse/geopulse/pkg/events"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/metrics"
	"github.com/geopulse/geopulse/pkg/policy"
	"github.com/geopulse/geopulse/pkg/publish"
	"github.com/geopulse/geopulse/pkg/session"
	"github.com/geopulse/geopulse/pkg/store"
)

const (
	version = "1.0.0-dev"
	appName = "geopulsed"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (YAML)")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		feedAddr    = flag.String("feed", "127.0.0.1:7055", "UDP address for location/activity feed")
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
	if cfg.Device.OwnerID == "" {
		fmt.Fprintln(os.Stderr, "device.owner_id is required")
		os.Exit(1)
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting tracking agent",
		"version", version,
		"owner", cfg.Device.OwnerID,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.Device.SnapshotDB)
	if err != nil {
		logger.Error("failed to open snapshot store", "error", err.Error(), "path", cfg.Device.SnapshotDB)
		os.Exit(1)
	}
	defer db.Close()

	publisher := publish.NewClient(publish.Config{
		Enabled:     cfg.MQTT.Enabled,
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
	}, logger)
	if err := publisher.Connect(); err != nil {
		// Tracking continues without transport; the session logs each
		// failed publish and the broker reconnect loop keeps trying.
		logger.Warn("mqtt connect failed, continuing without transport", "error", err.Error())
	}
	defer publisher.Disconnect()

	policyConfig := policy.DefaultConfig()
	policyConfig.LowBatteryPercent = cfg.Device.LowBatteryPercent
	controller := policy.NewController(policyConfig, logger)

	provider := newFeedProvider(logger)

	sessionConfig := session.DefaultConfig()
	sessionConfig.StartTimeout = cfg.Device.StartTimeout
	sessionConfig.BackoffInitial = cfg.Device.BackoffInitial
	sessionConfig.BackoffMax = cfg.Device.BackoffMax
	sessionConfig.RestartCeiling = cfg.Device.RestartCeiling
	sessionConfig.RestartWindow = cfg.Device.RestartWindow
	sessionConfig.WakeLockDuration = cfg.Device.WakeLockDuration
	sessionConfig.ShareLocation = cfg.Device.ShareLocation

	bus := events.NewBus()
	caps := session.Capabilities{
		Provider:   provider,
		Wake:       hostWakeLock{logger: logger},
		Foreground: hostForeground{logger: logger},
		Fences:     hostFences{},
		Snapshots:  db,
		Publisher:  publisher,
	}
	sess, err := session.New(cfg.Device.OwnerID, sessionConfig, caps, controller, bus, logger)
	if err != nil {
		logger.Error("failed to create session", "error", err.Error())
		os.Exit(1)
	}
	go sess.Run(ctx)

	// Relaunch recovery: a dirty snapshot from a previous run resumes
	// tracking through the restart path.
	if err := sess.NotifyProcessRestart(ctx); err != nil {
		logger.Error("session recovery failed", "error", err.Error())
	}

	escalatorConfig := escalate.DefaultConfig()
	escalatorConfig.Cooldown = cfg.Device.EscalationCooldown
	escalatorConfig.ConfidenceThreshold = cfg.Device.ConfidenceThreshold
	escalator := escalate.New(escalatorConfig, sess, controller, logger)

	feed, err := newFeed(*feedAddr, provider, escalator, sess, logger)
	if err != nil {
		logger.Error("failed to open feed listener", "error", err.Error(), "addr", *feedAddr)
		os.Exit(1)
	}
	go feed.run(ctx)

	metricsServer := metrics.NewServer(version, logger)
	if err := metricsServer.Start(cfg.MetricsPort); err != nil {
		logger.Error("failed to start metrics server", "error", err.Error())
		os.Exit(1)
	}
	defer func() { _ = metricsServer.Stop() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	logger.Info("tracking agent started", "feed", *feedAddr, "metrics_port", cfg.MetricsPort)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sess.Stop(stopCtx); err != nil {
				logger.Warn("session stop failed", "error", err.Error())
			}
			stopCancel()
			cancel()
		case <-ticker.C:
			status := sess.Status()
			logger.Debug("agent heartbeat",
				"state", string(status.State),
				"intensity", string(status.Intensity),
				"fences", status.FenceCount,
			)
		}
	}
}
