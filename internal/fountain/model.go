// Package fountain is the protocol engine for a Petkit BLE water fountain:
// the device state model, the command queue, and the session state machine
// that drives both from transport events.
package fountain

import (
	"fmt"
	"strconv"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

// Field names one value of the device state.
type Field uint8

const (
	FieldPower Field = iota + 1
	FieldMode
	FieldNightDND
	FieldBreakdownWarning
	FieldLackWarning
	FieldFilterWarning
	FieldFilterPercent
	FieldRunStatus
	FieldPumpRuntime
	FieldTodayPumpRuntime
	FieldTodayPurifiedWater
	FieldTodayEnergy
	FieldSmartWorkingTime
	FieldSmartSleepTime
	FieldLightSwitch
	FieldLightBrightness
	FieldLightStart
	FieldLightEnd
	FieldDNDSwitch
	FieldDNDStart
	FieldDNDEnd
	FieldBattery
	FieldBatteryVoltage
	FieldSerial

	fieldCount = FieldSerial + 1
)

var fieldNames = [...]string{
	FieldPower:              "power",
	FieldMode:               "mode",
	FieldNightDND:           "is_night_dnd",
	FieldBreakdownWarning:   "breakdown_warning",
	FieldLackWarning:        "lack_warning",
	FieldFilterWarning:      "filter_warning",
	FieldFilterPercent:      "filter_percent",
	FieldRunStatus:          "run_status",
	FieldPumpRuntime:        "water_pump_runtime_seconds",
	FieldTodayPumpRuntime:   "today_pump_runtime_seconds",
	FieldTodayPurifiedWater: "today_purified_water_times",
	FieldTodayEnergy:        "today_energy_kwh",
	FieldSmartWorkingTime:   "smart_working_time",
	FieldSmartSleepTime:     "smart_sleep_time",
	FieldLightSwitch:        "light_switch",
	FieldLightBrightness:    "light_brightness",
	FieldLightStart:         "light_schedule_start_min",
	FieldLightEnd:           "light_schedule_end_min",
	FieldDNDSwitch:          "dnd_switch",
	FieldDNDStart:           "dnd_start_min",
	FieldDNDEnd:             "dnd_end_min",
	FieldBattery:            "battery",
	FieldBatteryVoltage:     "battery_voltage_mv",
	FieldSerial:             "serial",
}

func (f Field) String() string {
	if f > 0 && int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Fields returns every field in declaration order.
func Fields() []Field {
	out := make([]Field, 0, fieldCount-1)
	for f := FieldPower; f < fieldCount; f++ {
		out = append(out, f)
	}
	return out
}

// ParseField resolves a field by its configuration name.
func ParseField(name string) (Field, error) {
	for _, f := range Fields() {
		if fieldNames[f] == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("fountain: unknown field %q", name)
}

var (
	stateFields = []Field{
		FieldPower, FieldMode, FieldNightDND, FieldBreakdownWarning, FieldLackWarning,
		FieldFilterWarning, FieldFilterPercent, FieldRunStatus, FieldPumpRuntime,
		FieldTodayPumpRuntime, FieldTodayPurifiedWater, FieldTodayEnergy,
	}
	configFields = []Field{
		FieldSmartWorkingTime, FieldSmartSleepTime, FieldLightSwitch, FieldLightBrightness,
		FieldLightStart, FieldLightEnd, FieldDNDSwitch, FieldDNDStart, FieldDNDEnd,
	}
	batteryFields = []Field{FieldBattery, FieldBatteryVoltage}
	sessionFields = []Field{FieldSerial}
)

// FieldsOf returns the fields a response to cmd refreshes. Write acks and
// commands without a response carry none.
func FieldsOf(cmd protocol.Cmd) []Field {
	switch cmd {
	case protocol.CmdGetState:
		return stateFields
	case protocol.CmdGetConfig:
		return configFields
	case protocol.CmdGetBattery:
		return batteryFields
	case protocol.CmdInitSession:
		return sessionFields
	case protocol.CmdDeviceInfo:
		return append(append([]Field(nil), stateFields...), configFields...)
	}
	return nil
}

// ValueKind says which member of a Value is meaningful.
type ValueKind uint8

const (
	KindNumber ValueKind = iota
	KindBool
	KindText
)

// Value is the typed value of one field.
type Value struct {
	Kind   ValueKind
	Number float64
	Bool   bool
	Text   string
}

func Number(v float64) Value { return Value{Kind: KindNumber, Number: v} }
func Bool(v bool) Value      { return Value{Kind: KindBool, Bool: v} }
func Text(v string) Value    { return Value{Kind: KindText, Text: v} }

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindText:
		return v.Text
	default:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
}

// Snapshot is the latest known device state. A field is reported only after
// the device has sent it at least once on any connection.
type Snapshot struct {
	State   protocol.StateReport
	Config  protocol.ConfigReport
	Battery protocol.BatteryReport
	Serial  string

	known uint32
}

// Known reports whether f has been received from the device.
func (s Snapshot) Known(f Field) bool { return s.known&(1<<f) != 0 }

// Value returns the typed value of f, or false if it is not known yet.
func (s Snapshot) Value(f Field) (Value, bool) {
	if !s.Known(f) {
		return Value{}, false
	}
	return s.value(f), true
}

func (s Snapshot) value(f Field) Value {
	st, cfg := s.State, s.Config
	switch f {
	case FieldPower:
		return Bool(st.Power)
	case FieldMode:
		return Text(st.Mode.String())
	case FieldNightDND:
		return Bool(st.NightDND)
	case FieldBreakdownWarning:
		return Bool(st.BreakdownWarning)
	case FieldLackWarning:
		return Bool(st.LackWarning)
	case FieldFilterWarning:
		return Bool(st.FilterWarning)
	case FieldFilterPercent:
		return Number(float64(st.FilterPercent))
	case FieldRunStatus:
		return Number(float64(st.RunStatus))
	case FieldPumpRuntime:
		return Number(float64(st.PumpRuntime))
	case FieldTodayPumpRuntime:
		return Number(float64(st.TodayPumpRuntime))
	case FieldTodayPurifiedWater:
		return Number(st.PurifiedWaterTimes())
	case FieldTodayEnergy:
		return Number(st.EnergyKWh())
	case FieldSmartWorkingTime:
		return Number(float64(cfg.SmartWorkingTime))
	case FieldSmartSleepTime:
		return Number(float64(cfg.SmartSleepTime))
	case FieldLightSwitch:
		return Bool(cfg.LightSwitch)
	case FieldLightBrightness:
		return Number(float64(cfg.LightBrightness))
	case FieldLightStart:
		return Number(float64(cfg.LightStart))
	case FieldLightEnd:
		return Number(float64(cfg.LightEnd))
	case FieldDNDSwitch:
		return Bool(cfg.DNDSwitch)
	case FieldDNDStart:
		return Number(float64(cfg.DNDStart))
	case FieldDNDEnd:
		return Number(float64(cfg.DNDEnd))
	case FieldBattery:
		return Number(float64(s.Battery.Percent))
	case FieldBatteryVoltage:
		return Number(float64(s.Battery.VoltageMV))
	case FieldSerial:
		return Text(s.Serial)
	}
	return Value{}
}

// Update describes the effect of one applied response.
type Update struct {
	// Refreshed lists every field the response carried.
	Refreshed []Field
	// Changed lists the fields whose value differs from the previous
	// snapshot, including fields seen for the first time.
	Changed []Field
}

// Model holds the latest snapshot. It is mutated only by Apply and is not
// safe for concurrent use on its own; the Engine serializes access.
type Model struct {
	snap Snapshot
}

// Snapshot returns a copy of the current state.
func (m *Model) Snapshot() Snapshot { return m.snap }

// Apply decodes a response payload and updates the fields that response
// type carries. Nothing is modified when decoding fails.
func (m *Model) Apply(cmd protocol.Cmd, payload []byte) (Update, error) {
	next := m.snap
	var fields []Field

	switch cmd {
	case protocol.CmdGetState:
		st, err := protocol.DecodeState(payload)
		if err != nil {
			return Update{}, err
		}
		next.State = st
		fields = stateFields
	case protocol.CmdGetConfig:
		cfg, err := protocol.DecodeConfig(payload)
		if err != nil {
			return Update{}, err
		}
		next.Config = cfg
		fields = configFields
	case protocol.CmdGetBattery:
		b, err := protocol.DecodeBattery(payload)
		if err != nil {
			return Update{}, err
		}
		next.Battery = b
		fields = batteryFields
	case protocol.CmdInitSession:
		info, err := protocol.DecodeSessionInfo(payload)
		if err != nil {
			return Update{}, err
		}
		next.Serial = info.Serial
		fields = sessionFields
	case protocol.CmdDeviceInfo:
		st, cfg, err := protocol.DecodeDeviceInfo(payload)
		if err != nil {
			return Update{}, err
		}
		next.State = st
		fields = stateFields
		if cfg != nil {
			next.Config = *cfg
			fields = append(append([]Field(nil), stateFields...), configFields...)
		}
	default:
		return Update{}, fmt.Errorf("fountain: %s carries no state", cmd)
	}

	u := Update{Refreshed: fields}
	for _, f := range fields {
		if !m.snap.Known(f) || m.snap.value(f) != next.value(f) {
			u.Changed = append(u.Changed, f)
		}
		next.known |= 1 << f
	}
	m.snap = next
	return u, nil
}
