package hass

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/petkit-ble/internal/bridge"
	"github.com/chaz8081/petkit-ble/internal/fountain"
)

// Entity is one Home Assistant entity. It implements
// bridge.ValueReceiver and bridge.AvailabilityReceiver.
type Entity struct {
	host      *Host
	component string
	object    string
	name      string
	field     fountain.Field
	format    func(fountain.Value) string // nil for stateless entities
	command   func(payload string) error  // nil for read-only entities
	extra     func(*discoveryConfig)

	mu        sync.Mutex
	state     string
	hasState  bool
	available bool
}

var (
	_ bridge.ValueReceiver        = (*Entity)(nil)
	_ bridge.AvailabilityReceiver = (*Entity)(nil)
)

// Component is the Home Assistant platform, e.g. "sensor".
func (e *Entity) Component() string { return e.component }

// ObjectID is the entity's id within the device.
func (e *Entity) ObjectID() string { return e.object }

func (e *Entity) topic(leaf string) string {
	o := e.host.opts
	return strings.Join([]string{o.BaseTopic, o.NodeID, e.component, e.object, leaf}, "/")
}

func (e *Entity) discoveryTopic() string {
	o := e.host.opts
	return strings.Join([]string{o.DiscoveryPrefix, e.component, o.NodeID, e.object, "config"}, "/")
}

func (e *Entity) discovery() discoveryConfig {
	o := e.host.opts
	c := discoveryConfig{
		Name:     e.name,
		UniqueID: o.NodeID + "_" + e.component + "_" + e.object,
		ObjectID: o.NodeID + "_" + e.object,
		Availability: []availability{
			{Topic: e.host.StatusTopic()},
			{Topic: e.topic("availability")},
		},
		AvailabilityMode: "all",
		Device:           e.host.device(),
	}
	if e.format != nil {
		c.StateTopic = e.topic("state")
	}
	if e.command != nil {
		c.CommandTopic = e.topic("set")
	}
	if m, ok := fieldMetas[e.field]; ok && e.format != nil {
		m.apply(&c)
	}
	if e.extra != nil {
		e.extra(&c)
	}
	return c
}

// PublishValue publishes v to the state topic.
func (e *Entity) PublishValue(v fountain.Value) {
	if e.format == nil {
		return
	}
	s := e.format(v)
	e.mu.Lock()
	e.state, e.hasState = s, true
	e.mu.Unlock()
	e.host.send(e.topic("state"), s)
}

// SetAvailable publishes the entity's availability.
func (e *Entity) SetAvailable(ok bool) {
	e.mu.Lock()
	e.available = ok
	e.mu.Unlock()
	e.host.send(e.topic("availability"), availabilityPayload(ok))
}

// replay republishes cached state after a broker reconnect.
func (e *Entity) replay(pub Publisher) {
	e.mu.Lock()
	state, hasState, avail := e.state, e.hasState, e.available
	e.mu.Unlock()
	pub.Publish(e.topic("availability"), 1, true, availabilityPayload(avail))
	if hasState {
		pub.Publish(e.topic("state"), 1, true, state)
	}
}

func (e *Entity) onCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := strings.TrimSpace(string(msg.Payload()))
	slog.Info("[MQTT] command", "entity", e.object, "payload", payload)
	if err := e.command(payload); err != nil {
		slog.Warn("[MQTT] command failed", "entity", e.object, "payload", payload, "error", err)
	}
}

func availabilityPayload(ok bool) string {
	if ok {
		return PayloadOnline
	}
	return PayloadOffline
}

func formatSensor(v fountain.Value) string {
	if v.Kind == fountain.KindBool {
		if v.Bool {
			return "on"
		}
		return "off"
	}
	return v.String()
}

func formatOnOff(v fountain.Value) string {
	if v.Bool {
		return PayloadOn
	}
	return PayloadOff
}

func parseNumber(payload string) (float64, error) {
	v, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", payload)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bad number %q", payload)
	}
	return v, nil
}
