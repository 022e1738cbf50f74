package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
	"github.com/chaz8081/petkit-ble/internal/fountain"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Session  SessionConfig  `yaml:"session"`
	BLE      BLEConfig      `yaml:"ble"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Entities EntitiesConfig `yaml:"entities"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`        // empty logs to stderr only
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"` // rotate after this size
	LogMaxBackups int    `yaml:"log_max_backups"`
}

// DeviceConfig identifies the fountain and its GATT layout.
type DeviceConfig struct {
	MAC            string        `yaml:"mac"`
	Name           string        `yaml:"name"`
	ServiceUUID    string        `yaml:"service_uuid"`
	NotifyUUID     string        `yaml:"notify_uuid"`
	WriteUUID      string        `yaml:"write_uuid"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// SessionConfig tunes the command queue.
type SessionConfig struct {
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	SyncOnConnect   bool          `yaml:"sync_on_connect"`
	QueueSize       int           `yaml:"queue_size"`
}

// BLEConfig tunes the radio link.
type BLEConfig struct {
	ReconnectMax   int           `yaml:"reconnect_max"` // max backoff in seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteInterval  time.Duration `yaml:"write_interval"` // pacing between write chunks
	ChunkSize      int           `yaml:"chunk_size"`
}

// MQTTConfig points at the Home Assistant broker.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"` // generated when empty
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
	NodeID          string `yaml:"node_id"`
}

// MetricsConfig controls the Prometheus endpoint. An empty listen address
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// EntitiesConfig selects which entities are exposed.
type EntitiesConfig struct {
	Sensors       []string       `yaml:"sensors"`
	BinarySensors []string       `yaml:"binary_sensors"`
	TextSensors   []string       `yaml:"text_sensors"`
	Numbers       []NumberConfig `yaml:"numbers"`
	Switches      []string       `yaml:"switches"`
	SelectMode    bool           `yaml:"select_mode"`
	Buttons       []ButtonConfig `yaml:"buttons"`
}

// NumberConfig declares a writable number entity.
type NumberConfig struct {
	Field NumberKind `yaml:"field"`
	Name  string     `yaml:"name"`
	Min   float64    `yaml:"min"`
	Max   float64    `yaml:"max"`
	Step  float64    `yaml:"step"`
}

// ButtonConfig declares an action button.
type ButtonConfig struct {
	Name   string       `yaml:"name"`
	Action ButtonAction `yaml:"action"`
}

// NumberKind is a SET_NUMBER target, written in YAML as its name or tag.
type NumberKind protocol.NumberField

func (k *NumberKind) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.Atoi(node.Value); err == nil {
		f := protocol.NumberField(n)
		if _, ok := numberTags[f]; !ok || n < 0 || n > 255 {
			return configErrorf(node, "entities.numbers.field", "unknown number tag %d", n)
		}
		*k = NumberKind(f)
		return nil
	}
	f, err := protocol.ParseNumberField(node.Value)
	if err != nil {
		return configErrorf(node, "entities.numbers.field", "unknown number field %q", node.Value)
	}
	*k = NumberKind(f)
	return nil
}

func (k NumberKind) MarshalYAML() (any, error) { return protocol.NumberField(k).String(), nil }

var numberTags = map[protocol.NumberField]struct{}{
	protocol.NumberBrightness: {}, protocol.NumberLightStart: {}, protocol.NumberLightEnd: {},
	protocol.NumberDNDStart: {}, protocol.NumberDNDEnd: {},
	protocol.NumberSmartWorking: {}, protocol.NumberSmartSleep: {},
}

// ButtonAction is a button's action, written in YAML as its name or code.
type ButtonAction fountain.Action

func (a *ButtonAction) UnmarshalYAML(node *yaml.Node) error {
	act, err := fountain.ParseAction(node.Value)
	if err != nil {
		return configErrorf(node, "entities.buttons.action", "%v", err)
	}
	*a = ButtonAction(act)
	return nil
}

func (a ButtonAction) MarshalYAML() (any, error) { return fountain.Action(a).String(), nil }

// ConfigError reports invalid static configuration. It is fatal to setup
// only.
type ConfigError struct {
	Field string
	Line  int // 0 when not tied to a YAML position
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("config: %s (line %d): %s", e.Field, e.Line, e.Msg)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func configErrorf(node *yaml.Node, field, format string, args ...any) error {
	return &ConfigError{Field: field, Line: node.Line, Msg: fmt.Sprintf(format, args...)}
}

// Default GATT layout of Petkit fountains.
const (
	DefaultServiceUUID = protocol.ServiceUUID
	DefaultNotifyUUID  = protocol.NotifyUUID
	DefaultWriteUUID   = protocol.WriteUUID
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "petkit-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. Every entity is
// exposed except the smart-mode thresholds, which not every model reports.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:           "Petkit Fountain",
			ServiceUUID:    DefaultServiceUUID,
			NotifyUUID:     DefaultNotifyUUID,
			WriteUUID:      DefaultWriteUUID,
			UpdateInterval: 60 * time.Second,
		},
		Session: SessionConfig{
			ResponseTimeout: 5 * time.Second,
			MaxAttempts:     3,
			SyncOnConnect:   true,
			QueueSize:       64,
		},
		BLE: BLEConfig{
			ReconnectMax:   30,
			ConnectTimeout: 10 * time.Second,
			WriteInterval:  20 * time.Millisecond,
			ChunkSize:      protocol.DefaultChunkSize,
		},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			DiscoveryPrefix: "homeassistant",
			BaseTopic:       "petkit",
			NodeID:          "petkit_fountain",
		},
		Metrics: MetricsConfig{Listen: ":9102"},
		Entities: EntitiesConfig{
			Sensors: []string{
				"power", "mode", "is_night_dnd", "filter_percent", "run_status",
				"water_pump_runtime_seconds", "today_pump_runtime_seconds",
				"today_purified_water_times", "today_energy_kwh", "light_switch",
				"light_brightness", "light_schedule_start_min", "light_schedule_end_min",
				"dnd_switch", "dnd_start_min", "dnd_end_min", "battery",
			},
			BinarySensors: []string{"lack_warning", "breakdown_warning", "filter_warning"},
			TextSensors:   []string{"serial"},
			Numbers: []NumberConfig{
				{Field: NumberKind(protocol.NumberBrightness), Name: "Light brightness", Min: 0, Max: 255, Step: 1},
				{Field: NumberKind(protocol.NumberLightStart), Name: "Light schedule start", Min: 0, Max: 1439, Step: 1},
				{Field: NumberKind(protocol.NumberLightEnd), Name: "Light schedule end", Min: 0, Max: 1439, Step: 1},
				{Field: NumberKind(protocol.NumberDNDStart), Name: "DND start", Min: 0, Max: 1439, Step: 1},
				{Field: NumberKind(protocol.NumberDNDEnd), Name: "DND end", Min: 0, Max: 1439, Step: 1},
			},
			Switches:   []string{"light", "dnd", "power"},
			SelectMode: true,
			Buttons: []ButtonConfig{
				{Name: "Refresh", Action: ButtonAction(fountain.ActionRefresh)},
				{Name: "Reset filter", Action: ButtonAction(fountain.ActionResetFilter)},
				{Name: "Set date and time", Action: ButtonAction(fountain.ActionSetDatetime)},
				{Name: "Init session", Action: ButtonAction(fountain.ActionInitSession)},
				{Name: "Sync", Action: ButtonAction(fountain.ActionSync)},
			},
		},
		LogLevel:      "info",
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.Device.MAC = strings.ToUpper(strings.TrimSpace(cfg.Device.MAC))

	return cfg, nil
}

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the config for invalid values. The returned error is a
// *ConfigError.
func (c *Config) Validate() error {
	if c.Device.MAC == "" {
		return invalid("device.mac", "must not be empty (run petkit-scan to find the fountain)")
	}
	for field, v := range map[string]string{
		"device.service_uuid": c.Device.ServiceUUID,
		"device.notify_uuid":  c.Device.NotifyUUID,
		"device.write_uuid":   c.Device.WriteUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return invalid(field, "invalid UUID %q", v)
		}
	}
	if c.Device.UpdateInterval < time.Second {
		return invalid("device.update_interval", "must be at least 1s, got %s", c.Device.UpdateInterval)
	}

	if c.Session.ResponseTimeout <= 0 {
		return invalid("session.response_timeout", "must be > 0")
	}
	if c.Session.MaxAttempts < 1 || c.Session.MaxAttempts > 10 {
		return invalid("session.max_attempts", "must be between 1 and 10, got %d", c.Session.MaxAttempts)
	}
	if c.Session.QueueSize < 1 {
		return invalid("session.queue_size", "must be > 0")
	}

	if c.BLE.ReconnectMax < 1 {
		return invalid("ble.reconnect_max", "must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return invalid("ble.connect_timeout", "must be > 0")
	}
	if c.BLE.WriteInterval < 0 {
		return invalid("ble.write_interval", "must not be negative")
	}
	if c.BLE.ChunkSize < protocol.DefaultChunkSize || c.BLE.ChunkSize > protocol.MaxFrameLen {
		return invalid("ble.chunk_size", "must be between %d and %d, got %d",
			protocol.DefaultChunkSize, protocol.MaxFrameLen, c.BLE.ChunkSize)
	}

	if c.MQTT.Broker == "" {
		return invalid("mqtt.broker", "must not be empty")
	}
	if c.MQTT.DiscoveryPrefix == "" {
		return invalid("mqtt.discovery_prefix", "must not be empty")
	}
	if c.MQTT.BaseTopic == "" || strings.ContainsAny(c.MQTT.BaseTopic, "#+") {
		return invalid("mqtt.base_topic", "must be a non-empty topic without wildcards")
	}
	if !nodeIDPattern.MatchString(c.MQTT.NodeID) {
		return invalid("mqtt.node_id", "must match %s, got %q", nodeIDPattern, c.MQTT.NodeID)
	}

	if err := c.Entities.validate(); err != nil {
		return err
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level", "must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if c.LogFile != "" && (c.LogMaxSizeMB < 1 || c.LogMaxBackups < 0) {
		return invalid("log_max_size_mb", "must be > 0 and log_max_backups >= 0 when log_file is set")
	}

	return nil
}

var boolFields = map[fountain.Field]bool{
	fountain.FieldPower: true, fountain.FieldNightDND: true, fountain.FieldBreakdownWarning: true,
	fountain.FieldLackWarning: true, fountain.FieldFilterWarning: true,
	fountain.FieldLightSwitch: true, fountain.FieldDNDSwitch: true,
}

func (e *EntitiesConfig) validate() error {
	for _, name := range e.Sensors {
		if _, err := fountain.ParseField(name); err != nil {
			return invalid("entities.sensors", "unknown field %q", name)
		}
	}
	for _, name := range e.BinarySensors {
		f, err := fountain.ParseField(name)
		if err != nil {
			return invalid("entities.binary_sensors", "unknown field %q", name)
		}
		if !boolFields[f] {
			return invalid("entities.binary_sensors", "field %q is not a flag", name)
		}
	}
	for _, name := range e.TextSensors {
		if _, err := fountain.ParseField(name); err != nil {
			return invalid("entities.text_sensors", "unknown field %q", name)
		}
	}

	seen := make(map[NumberKind]bool)
	for _, n := range e.Numbers {
		field := protocol.NumberField(n.Field)
		if _, ok := numberTags[field]; !ok {
			return invalid("entities.numbers", "unknown number field %d", uint8(n.Field))
		}
		if seen[n.Field] {
			return invalid("entities.numbers", "%s declared twice", field)
		}
		seen[n.Field] = true
		if n.Min >= n.Max {
			return invalid("entities.numbers", "%s: min %g must be below max %g", field, n.Min, n.Max)
		}
		lo, hi := field.Range()
		if n.Min < float64(lo) || n.Max > float64(hi) {
			return invalid("entities.numbers", "%s: range [%g,%g] outside [%d,%d]", field, n.Min, n.Max, lo, hi)
		}
		if n.Step < 0 {
			return invalid("entities.numbers", "%s: step must not be negative", field)
		}
	}

	for _, s := range e.Switches {
		if _, err := protocol.ParseSwitchKind(s); err != nil {
			return invalid("entities.switches", "unknown switch %q", s)
		}
	}
	for i, b := range e.Buttons {
		if strings.TrimSpace(b.Name) == "" {
			return invalid("entities.buttons", "button %d has no name", i)
		}
		if _, err := fountain.ActionFromCode(int(b.Action)); err != nil {
			return invalid("entities.buttons", "%s: %v", b.Name, err)
		}
	}
	return nil
}

// ParseLogLevel maps a config log level to a slog level. Unknown values
// default to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# petkit-ble configuration
# Set device.mac to the address printed by petkit-scan.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path either way.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
