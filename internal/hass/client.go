package hass

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/chaz8081/petkit-ble/internal/config"
)

// ClientID returns id, or a generated one when id is empty.
func ClientID(id string) string {
	if id != "" {
		return id
	}
	return "petkit-ble-" + uuid.NewString()[:8]
}

// Dial connects to the broker and runs h.Start on every (re)connect. If the
// broker is unreachable the client keeps retrying in the background and Dial
// returns without error.
func Dial(cfg config.MQTTConfig, h *Host) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(cfg.ClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(h.StatusTopic(), PayloadOffline, 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", cfg.Broker)
		if err := h.Start(c); err != nil {
			slog.Error("[MQTT] publishing entities failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10 * time.Second) {
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("hass: connect to %s: %w", cfg.Broker, err)
		}
	} else {
		slog.Warn("[MQTT] broker not reachable yet, retrying in background", "broker", cfg.Broker)
	}
	return client, nil
}

// Close marks the process offline and disconnects.
func Close(client mqtt.Client, h *Host) {
	if err := h.Stop(); err != nil {
		slog.Warn("[MQTT] publishing offline status failed", "error", err)
	}
	client.Disconnect(250)
}
