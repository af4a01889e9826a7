package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dwestall/aquawatch/internal/alerts"
	"github.com/dwestall/aquawatch/internal/auth"
	"github.com/dwestall/aquawatch/internal/config"
	"github.com/dwestall/aquawatch/internal/health"
	"github.com/dwestall/aquawatch/internal/ingest"
	"github.com/dwestall/aquawatch/internal/logging"
	"github.com/dwestall/aquawatch/internal/metrics"
	"github.com/dwestall/aquawatch/internal/mqtt"
	"github.com/dwestall/aquawatch/internal/notifications"
	"github.com/dwestall/aquawatch/internal/presence"
	"github.com/dwestall/aquawatch/internal/store"
	"github.com/dwestall/aquawatch/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK               = 0
	exitStartup          = 1
	exitBrokerAuth       = 2
	exitStoreUnavailable = 3
)

var rootCmd = &cobra.Command{
	Use:     "aquawatch",
	Short:   "AquaWatch - water quality monitoring server",
	Long:    `AquaWatch ingests water quality telemetry over MQTT, tracks device liveness, raises threshold alerts, and streams everything to operator dashboards over WebSocket.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AquaWatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitStartup)
	}
}

func runServer() int {
	// Baseline logging for early startup; re-initialized once config is
	// loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "aquawatch"})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitStartup
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "aquawatch"})
	log.Info().Str("version", Version).Msg("Starting AquaWatch server")

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Error().Err(err).Str("dataDir", cfg.DataDir).Msg("Failed to open store")
		return exitStoreUnavailable
	}
	defer db.Close()

	// WebSocket hub
	verifier := auth.NewVerifier(cfg.JWTSecret)
	hub := websocket.NewHub(verifier, db, &websocket.Options{
		PingInterval:        cfg.WSPingInterval,
		PingTimeout:         cfg.WSPingTimeout,
		SendBufferHighWater: int64(cfg.SendBufferHighWater),
	})
	go hub.Run()

	// MQTT broker link
	client := mqtt.NewClient(mqtt.ClientConfig{
		BrokerURL:      cfg.MQTTBrokerURL,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		ConnectTimeout: cfg.MQTTConnectTimeout,
		ReconnectBase:  cfg.ReconnectBase,
		ReconnectCap:   cfg.ReconnectCap,
	})
	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.MQTTConnectTimeout)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to MQTT broker")
		if isBrokerAuthError(err) {
			return exitBrokerAuth
		}
		return exitStartup
	}
	defer client.Close()

	dispatcher := mqtt.NewDispatcher(client, cfg.MQTTQoS, cfg.PublishTimeout)

	// Notification pipeline
	sender := notifications.NewSMTPSender(notifications.SMTPConfig{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		From:        cfg.SMTPFrom,
		StartTLS:    cfg.SMTPStartTLS,
		SendTimeout: cfg.SMTPSendTimeout,
		PoolSize:    cfg.SMTPPoolSize,
		MaxPerConn:  cfg.SMTPMaxPerConn,
	})
	queue := notifications.NewQueue(sender, notifications.QueueConfig{
		Size:        cfg.EmailQueueSize,
		BatchSize:   cfg.EmailBatchSize,
		MaxRetries:  cfg.EmailMaxRetries,
		BackoffBase: cfg.EmailBackoffBase,
		BackoffCap:  cfg.EmailBackoffCap,
		SendTimeout: cfg.SMTPSendTimeout,
	})
	queue.Start()
	notifier := notifications.NewAlertNotifier(queue, db, cfg.StoreOpTimeout)

	// Alert engine, with optional thresholds.json overrides
	thresholds := alerts.DefaultThresholds()
	if cfg.ThresholdsFile != "" {
		loaded, err := alerts.LoadThresholdsFile(cfg.ThresholdsFile)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.ThresholdsFile).Msg("Falling back to default alert thresholds")
		} else {
			thresholds = loaded
		}
	}
	engine := alerts.NewEngine(db, notifier, hub, thresholds,
		cfg.AlertAutoResolveIdle, cfg.AlertAutoResolveEnabled)

	var thresholdWatcher *config.FileWatcher
	if cfg.ThresholdsFile != "" {
		thresholdWatcher, err = config.NewFileWatcher(cfg.ThresholdsFile, func() {
			loaded, err := alerts.LoadThresholdsFile(cfg.ThresholdsFile)
			if err != nil {
				log.Error().Err(err).Str("file", cfg.ThresholdsFile).Msg("Ignoring invalid thresholds file")
				return
			}
			if err := engine.SetThresholds(loaded); err != nil {
				log.Error().Err(err).Msg("Rejected reloaded thresholds")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Threshold changes will require a restart")
		} else if err := thresholdWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to watch thresholds file")
		}
	}

	// Ingest workers
	ingestor := ingest.New(db, engine, hub, cfg.IngestWorkerSlots, cfg.IngestSlotQueue, cfg.StoreOpTimeout)
	ingestor.Start()

	// Presence tracker
	tracker := presence.NewTracker(db, dispatcher, hub, cfg.PollInterval, cfg.OfflineThreshold, cfg.StoreOpTimeout)
	if err := tracker.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to start presence tracker")
		return exitStartup
	}

	// Inbound topic routing
	gateway := mqtt.NewGateway(client, db, ingestor, tracker, hub, cfg.MQTTQoS, cfg.StoreOpTimeout)
	if err := gateway.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to subscribe to device topics")
		return exitStartup
	}

	// Broadcast schedulers
	scheduler := health.NewScheduler(
		health.NewCollector(db, cfg.DataDir),
		health.NewSummarizer(db),
		hub,
		cfg.HealthTick,
		cfg.AnalyticsTick,
	)
	scheduler.Start()

	// HTTP server: WebSocket endpoint and Prometheus metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Shutdown in dependency order: stop producing, flush consumers, then
	// close shared resources.
	scheduler.Stop()
	tracker.Stop()
	if thresholdWatcher != nil {
		thresholdWatcher.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	hub.Stop()
	client.Close()
	ingestor.Stop()
	queue.Stop()
	sender.Close()

	log.Info().Msg("Server stopped")
	return exitOK
}

// isBrokerAuthError distinguishes credential rejections from transport
// failures for the startup exit code.
func isBrokerAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "identifier rejected")
}
