package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/petkit-ble/internal/ble"
	"github.com/chaz8081/petkit-ble/internal/bridge"
	"github.com/chaz8081/petkit-ble/internal/config"
	"github.com/chaz8081/petkit-ble/internal/fountain"
	"github.com/chaz8081/petkit-ble/internal/hass"
	"github.com/chaz8081/petkit-ble/internal/logging"
	"github.com/chaz8081/petkit-ble/internal/metrics"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/petkit-ble/config.yaml)")
	writeConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		fmt.Printf("Config written to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logFile := logging.Setup(logging.Options{
		Level:      config.ParseLogLevel(cfg.LogLevel),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer logFile.Close()

	printBanner(cfg)

	// Metrics
	reg := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(reg)
	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[METRICS] server failed", "error", err)
			}
		}()
		slog.Info("[METRICS] listening", "addr", cfg.Metrics.Listen)
	}

	// Protocol engine and entity bridge. The link is created below; the
	// engine only asks for a reconnect once the link is running.
	var link *ble.Link
	engine := fountain.NewEngine(fountain.Options{
		ResponseTimeout: cfg.Session.ResponseTimeout,
		MaxAttempts:     cfg.Session.MaxAttempts,
		PollInterval:    cfg.Device.UpdateInterval,
		SyncOnConnect:   cfg.Session.SyncOnConnect,
		QueueSize:       cfg.Session.QueueSize,
		Observer:        appMetrics,
		Reconnect:       func(reason error) { link.Reconnect(reason) },
	}, nil)
	br := bridge.New(engine)
	engine.SetSink(br)

	// Home Assistant entities
	host := hass.New(br, hass.Options{
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		BaseTopic:       cfg.MQTT.BaseTopic,
		NodeID:          cfg.MQTT.NodeID,
		DeviceName:      cfg.Device.Name,
		MAC:             cfg.Device.MAC,
	})
	if err := host.Setup(cfg.Entities); err != nil {
		log.Fatalf("entities: %v", err)
	}
	mqttClient, err := hass.Dial(cfg.MQTT, host)
	if err != nil {
		log.Fatalf("mqtt: %v", err)
	}

	// BLE link
	link = ble.NewLink(ble.NewTinyGoAdapter(), cfg.Device.MAC, ble.LinkOptions{
		GATT: ble.GATT{
			Service: cfg.Device.ServiceUUID,
			Notify:  cfg.Device.NotifyUUID,
			Write:   cfg.Device.WriteUUID,
		},
		ReconnectMax:   cfg.BLE.ReconnectMax,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		WriteInterval:  cfg.BLE.WriteInterval,
		ChunkSize:      cfg.BLE.ChunkSize,
	}, ble.Events{
		Connecting:   engine.OnConnecting,
		Connected:    func() { engine.OnConnect(link) },
		Disconnected: engine.OnDisconnect,
		Notify:       engine.OnNotify,
	})
	link.SetObserver(appMetrics)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := link.Connect(ctx); err != nil {
			slog.Warn("[BLE] initial connect failed, retrying in background", "error", err)
			link.Reconnect(err)
		}
	}()

	slog.Info("Ready. Ctrl+C to quit.")
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine stopped", "error", err)
	}

	slog.Info("Shutting down...")
	if err := link.Close(); err != nil {
		slog.Warn("[BLE] close failed", "error", err)
	}
	hass.Close(mqttClient, host)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	slog.Info("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== petkit-ble ===")
	fmt.Printf("  Device:  %s (%s)\n", cfg.Device.Name, cfg.Device.MAC)
	fmt.Printf("  Poll:    every %s\n", cfg.Device.UpdateInterval)
	fmt.Printf("  MQTT:    %s (node %s)\n", cfg.MQTT.Broker, cfg.MQTT.NodeID)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics: %s/metrics\n", cfg.Metrics.Listen)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
