// Package hass exposes the fountain to Home Assistant through MQTT
// discovery. Every configured entity publishes a retained discovery config,
// a retained state topic and its own availability topic; writable entities
// subscribe to a command topic and route writes to the bridge.
package hass

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
	"github.com/chaz8081/petkit-ble/internal/bridge"
	"github.com/chaz8081/petkit-ble/internal/config"
	"github.com/chaz8081/petkit-ble/internal/fountain"
)

// Publisher is the part of mqtt.Client the host uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Controller is the bridge surface entities bind to and write through.
type Controller interface {
	Bind(f fountain.Field, r bridge.ValueReceiver)
	BindAvailability(r bridge.AvailabilityReceiver)
	SetNumberRange(n protocol.NumberField, r bridge.NumberRange) error
	WriteNumber(n protocol.NumberField, v float64) (uint16, error)
	WriteSwitch(s protocol.SwitchKind, on bool) error
	SelectMode(m protocol.Mode) error
	Press(a fountain.Action) error
}

// Options names the device and its topics.
type Options struct {
	DiscoveryPrefix string
	BaseTopic       string
	NodeID          string
	DeviceName      string
	MAC             string
	Timeout         time.Duration // how long to wait for broker acks
}

// Host owns the MQTT entities of one fountain.
type Host struct {
	ctl  Controller
	opts Options

	mu       sync.Mutex
	pub      Publisher
	entities []*Entity
}

// New returns a host with no entities. Entities publish nothing until Start.
func New(ctl Controller, opts Options) *Host {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Host{ctl: ctl, opts: opts}
}

// StatusTopic is the process-level availability topic, also used as the MQTT
// last will.
func (h *Host) StatusTopic() string {
	return h.opts.BaseTopic + "/" + h.opts.NodeID + "/status"
}

// Entities returns the registered entities.
func (h *Host) Entities() []*Entity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Entity(nil), h.entities...)
}

// Setup creates the entities ents selects and binds them to the bridge.
func (h *Host) Setup(ents config.EntitiesConfig) error {
	for _, name := range ents.Sensors {
		f, err := fountain.ParseField(name)
		if err != nil {
			return fmt.Errorf("hass: sensor: %w", err)
		}
		h.bind(f, h.add("sensor", name, f, formatSensor, nil))
	}
	for _, name := range ents.BinarySensors {
		f, err := fountain.ParseField(name)
		if err != nil {
			return fmt.Errorf("hass: binary sensor: %w", err)
		}
		e := h.add("binary_sensor", name, f, formatOnOff, nil)
		e.extra = func(c *discoveryConfig) {
			c.PayloadOn, c.PayloadOff = PayloadOn, PayloadOff
		}
		h.bind(f, e)
	}
	for _, name := range ents.TextSensors {
		f, err := fountain.ParseField(name)
		if err != nil {
			return fmt.Errorf("hass: text sensor: %w", err)
		}
		h.bind(f, h.add("sensor", name, f, formatSensor, nil))
	}
	for _, nc := range ents.Numbers {
		if err := h.setupNumber(nc); err != nil {
			return err
		}
	}
	for _, name := range ents.Switches {
		kind, err := protocol.ParseSwitchKind(name)
		if err != nil {
			return fmt.Errorf("hass: switch: %w", err)
		}
		f := bridge.SwitchFieldOf(kind)
		e := h.add("switch", f.String(), f, formatOnOff, func(payload string) error {
			switch payload {
			case PayloadOn:
				return h.ctl.WriteSwitch(kind, true)
			case PayloadOff:
				return h.ctl.WriteSwitch(kind, false)
			}
			return fmt.Errorf("hass: switch %s: unexpected payload %q", kind, payload)
		})
		e.extra = func(c *discoveryConfig) {
			c.PayloadOn, c.PayloadOff = PayloadOn, PayloadOff
		}
		h.bind(f, e)
	}
	if ents.SelectMode {
		e := h.add("select", "mode", fountain.FieldMode, formatSensor, func(payload string) error {
			m, err := protocol.ParseMode(payload)
			if err != nil {
				return err
			}
			return h.ctl.SelectMode(m)
		})
		e.extra = func(c *discoveryConfig) {
			c.Options = []string{protocol.ModeNormal.String(), protocol.ModeSmart.String()}
			c.Icon = "mdi:water-pump"
		}
		h.bind(fountain.FieldMode, e)
	}
	for _, bc := range ents.Buttons {
		action := fountain.Action(bc.Action)
		e := h.add("button", action.String(), 0, nil, func(payload string) error {
			if payload != PayloadPress {
				return fmt.Errorf("hass: button %s: unexpected payload %q", action, payload)
			}
			return h.ctl.Press(action)
		})
		if bc.Name != "" {
			e.name = bc.Name
		}
		e.extra = func(c *discoveryConfig) { c.PayloadPress = PayloadPress }
		h.ctl.BindAvailability(e)
	}
	return nil
}

func (h *Host) setupNumber(nc config.NumberConfig) error {
	n := protocol.NumberField(nc.Field)
	f := bridge.NumberFieldOf(n)
	if err := h.ctl.SetNumberRange(n, bridge.NumberRange{Min: nc.Min, Max: nc.Max}); err != nil {
		return fmt.Errorf("hass: number %s: %w", n, err)
	}
	e := h.add("number", n.String(), f, formatSensor, func(payload string) error {
		v, err := parseNumber(payload)
		if err != nil {
			return fmt.Errorf("hass: number %s: %w", n, err)
		}
		_, err = h.ctl.WriteNumber(n, v)
		return err
	})
	if nc.Name != "" {
		e.name = nc.Name
	}
	step := nc.Step
	if step <= 0 {
		step = 1
	}
	lo, hi := nc.Min, nc.Max
	e.extra = func(c *discoveryConfig) {
		c.Min, c.Max, c.Step = &lo, &hi, step
		c.Mode = "box"
		if n == protocol.NumberBrightness {
			c.Mode = "slider"
		}
	}
	h.bind(f, e)
	return nil
}

func (h *Host) add(component, object string, f fountain.Field, format func(fountain.Value) string, cmd func(string) error) *Entity {
	e := &Entity{
		host:      h,
		component: component,
		object:    object,
		name:      humanize(object),
		field:     f,
		format:    format,
		command:   cmd,
	}
	h.mu.Lock()
	h.entities = append(h.entities, e)
	h.mu.Unlock()
	return e
}

func (h *Host) bind(f fountain.Field, e *Entity) {
	h.ctl.Bind(f, e)
}

func (h *Host) publisher() Publisher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pub
}

// Start publishes discovery, subscribes command topics and replays cached
// state through pub. Call it on every broker (re)connect.
func (h *Host) Start(pub Publisher) error {
	h.mu.Lock()
	h.pub = pub
	ents := append([]*Entity(nil), h.entities...)
	h.mu.Unlock()

	for _, e := range ents {
		body, err := json.Marshal(e.discovery())
		if err != nil {
			return fmt.Errorf("hass: marshal %s discovery: %w", e.object, err)
		}
		if err := h.wait(pub.Publish(e.discoveryTopic(), 1, true, body)); err != nil {
			return fmt.Errorf("hass: publish %s discovery: %w", e.object, err)
		}
		if e.command != nil {
			if err := h.wait(pub.Subscribe(e.topic("set"), 1, e.onCommand)); err != nil {
				return fmt.Errorf("hass: subscribe %s: %w", e.topic("set"), err)
			}
		}
		e.replay(pub)
	}
	if err := h.wait(pub.Publish(h.StatusTopic(), 1, true, PayloadOnline)); err != nil {
		return fmt.Errorf("hass: publish status: %w", err)
	}
	slog.Info("[MQTT] entities published", "count", len(ents))
	return nil
}

// Stop marks the process offline.
func (h *Host) Stop() error {
	pub := h.publisher()
	if pub == nil {
		return nil
	}
	return h.wait(pub.Publish(h.StatusTopic(), 1, true, PayloadOffline))
}

func (h *Host) wait(t mqtt.Token) error {
	if !t.WaitTimeout(h.opts.Timeout) {
		return fmt.Errorf("timed out after %s", h.opts.Timeout)
	}
	return t.Error()
}

// send publishes without blocking the caller; failures are logged.
func (h *Host) send(topic string, payload string) {
	pub := h.publisher()
	if pub == nil {
		return
	}
	t := pub.Publish(topic, 1, true, payload)
	go func() {
		if err := h.wait(t); err != nil {
			slog.Warn("[MQTT] publish failed", "topic", topic, "error", err)
		}
	}()
}

func (h *Host) device() deviceInfo {
	d := deviceInfo{
		Identifiers:  []string{h.opts.NodeID},
		Name:         h.opts.DeviceName,
		Manufacturer: "Petkit",
		Model:        "Eversweet fountain",
	}
	if h.opts.MAC != "" {
		d.Connections = [][2]string{{"mac", strings.ToLower(h.opts.MAC)}}
	}
	return d
}

func humanize(object string) string {
	s := strings.ReplaceAll(object, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
