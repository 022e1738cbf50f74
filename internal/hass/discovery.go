package hass

import (
	"github.com/chaz8081/petkit-ble/internal/fountain"
)

// Payloads shared by switches, binary sensors and buttons.
const (
	PayloadOn      = "ON"
	PayloadOff     = "OFF"
	PayloadPress   = "PRESS"
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

type availability struct {
	Topic string `json:"topic"`
}

type deviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model,omitempty"`
	SerialNumber string      `json:"serial_number,omitempty"`
}

// discoveryConfig is the body of a Home Assistant MQTT discovery message.
type discoveryConfig struct {
	Name             string         `json:"name"`
	UniqueID         string         `json:"unique_id"`
	ObjectID         string         `json:"object_id"`
	StateTopic       string         `json:"state_topic,omitempty"`
	CommandTopic     string         `json:"command_topic,omitempty"`
	Availability     []availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	Device           deviceInfo     `json:"device"`

	DeviceClass string `json:"device_class,omitempty"`
	StateClass  string `json:"state_class,omitempty"`
	Unit        string `json:"unit_of_measurement,omitempty"`
	EntityCat   string `json:"entity_category,omitempty"`
	Icon        string `json:"icon,omitempty"`

	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
	PayloadPress string `json:"payload_press,omitempty"`

	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Step    float64  `json:"step,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Options []string `json:"options,omitempty"`
}

type fieldMeta struct {
	unit        string
	deviceClass string
	stateClass  string
	icon        string
	diagnostic  bool
}

var fieldMetas = map[fountain.Field]fieldMeta{
	fountain.FieldFilterPercent:      {unit: "%", stateClass: "measurement", icon: "mdi:air-filter"},
	fountain.FieldPumpRuntime:        {unit: "s", deviceClass: "duration", stateClass: "total_increasing"},
	fountain.FieldTodayPumpRuntime:   {unit: "s", deviceClass: "duration", stateClass: "total_increasing"},
	fountain.FieldTodayPurifiedWater: {stateClass: "total_increasing", icon: "mdi:water-sync"},
	fountain.FieldTodayEnergy:        {unit: "kWh", deviceClass: "energy", stateClass: "total_increasing"},
	fountain.FieldBattery:            {unit: "%", deviceClass: "battery", stateClass: "measurement"},
	fountain.FieldBatteryVoltage:     {unit: "mV", deviceClass: "voltage", stateClass: "measurement", diagnostic: true},
	fountain.FieldLightStart:         {unit: "min", icon: "mdi:clock-start"},
	fountain.FieldLightEnd:           {unit: "min", icon: "mdi:clock-end"},
	fountain.FieldDNDStart:           {unit: "min", icon: "mdi:clock-start"},
	fountain.FieldDNDEnd:             {unit: "min", icon: "mdi:clock-end"},
	fountain.FieldSmartWorkingTime:   {unit: "min"},
	fountain.FieldSmartSleepTime:     {unit: "min"},
	fountain.FieldRunStatus:          {diagnostic: true},
	fountain.FieldSerial:             {icon: "mdi:identifier", diagnostic: true},
	fountain.FieldLackWarning:        {deviceClass: "problem"},
	fountain.FieldBreakdownWarning:   {deviceClass: "problem"},
	fountain.FieldFilterWarning:      {deviceClass: "problem"},
}

func (m fieldMeta) apply(c *discoveryConfig) {
	c.Unit = m.unit
	c.DeviceClass = m.deviceClass
	c.StateClass = m.stateClass
	c.Icon = m.icon
	if m.diagnostic {
		c.EntityCat = "diagnostic"
	}
}
