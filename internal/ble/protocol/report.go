package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Payload sizes of the fixed response blocks.
const (
	StateBlockLen   = 16
	ConfigBlockLen  = 13
	BatteryBlockLen = 3
	sessionInfoMin  = 9
)

// StateReport is the telemetry block returned by GET_STATE.
type StateReport struct {
	Power            bool
	Mode             Mode
	NightDND         bool
	BreakdownWarning bool
	LackWarning      bool
	FilterWarning    bool
	PumpRuntime      uint32 // lifetime seconds
	FilterPercent    uint8
	RunStatus        uint8
	TodayPumpRuntime uint32 // seconds since midnight
}

// PurifiedWaterTimes estimates how many times the tank was cycled today.
func (r StateReport) PurifiedWaterTimes() float64 {
	return 1.5 * (float64(r.TodayPumpRuntime) / 60) / 1.8
}

// EnergyKWh estimates today's pump energy use.
func (r StateReport) EnergyKWh() float64 {
	return 0.75 * float64(r.TodayPumpRuntime) / 3600000
}

// MarshalBinary encodes the report the way the device sends it.
func (r StateReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, StateBlockLen)
	b = append(b, boolByte(r.Power), byte(r.Mode), boolByte(r.NightDND),
		boolByte(r.BreakdownWarning), boolByte(r.LackWarning), boolByte(r.FilterWarning))
	b = binary.BigEndian.AppendUint32(b, r.PumpRuntime)
	b = append(b, r.FilterPercent, r.RunStatus)
	b = binary.BigEndian.AppendUint32(b, r.TodayPumpRuntime)
	return b, nil
}

// DecodeState parses a GET_STATE payload. Bytes past the block are ignored.
func DecodeState(p []byte) (StateReport, error) {
	if len(p) < StateBlockLen {
		return StateReport{}, fmt.Errorf("%w: state block %d bytes", ErrTruncated, len(p))
	}
	var r StateReport
	var err error
	if r.Power, err = flag(p[0], "power"); err != nil {
		return StateReport{}, err
	}
	r.Mode = Mode(p[1])
	if r.Mode != ModeNormal && r.Mode != ModeSmart {
		return StateReport{}, fmt.Errorf("%w: mode %d", ErrFieldRange, p[1])
	}
	flags := []*bool{&r.NightDND, &r.BreakdownWarning, &r.LackWarning, &r.FilterWarning}
	names := []string{"night_dnd", "breakdown_warning", "lack_warning", "filter_warning"}
	for i, dst := range flags {
		if *dst, err = flag(p[2+i], names[i]); err != nil {
			return StateReport{}, err
		}
	}
	r.PumpRuntime = binary.BigEndian.Uint32(p[6:10])
	r.FilterPercent = p[10]
	if r.FilterPercent > 100 {
		return StateReport{}, fmt.Errorf("%w: filter percent %d", ErrFieldRange, r.FilterPercent)
	}
	r.RunStatus = p[11]
	r.TodayPumpRuntime = binary.BigEndian.Uint32(p[12:16])
	return r, nil
}

// ConfigReport is the schedule/settings block returned by GET_CONFIG.
type ConfigReport struct {
	SmartWorkingTime uint8 // minutes
	SmartSleepTime   uint8 // minutes
	LightSwitch      bool
	LightBrightness  uint8
	LightStart       uint16 // minute of day
	LightEnd         uint16
	DNDSwitch        bool
	DNDStart         uint16
	DNDEnd           uint16
}

// MarshalBinary encodes the report the way the device sends it.
func (r ConfigReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, ConfigBlockLen)
	b = append(b, r.SmartWorkingTime, r.SmartSleepTime, boolByte(r.LightSwitch), r.LightBrightness)
	b = binary.BigEndian.AppendUint16(b, r.LightStart)
	b = binary.BigEndian.AppendUint16(b, r.LightEnd)
	b = append(b, boolByte(r.DNDSwitch))
	b = binary.BigEndian.AppendUint16(b, r.DNDStart)
	b = binary.BigEndian.AppendUint16(b, r.DNDEnd)
	return b, nil
}

// DecodeConfig parses a GET_CONFIG payload.
func DecodeConfig(p []byte) (ConfigReport, error) {
	if len(p) < ConfigBlockLen {
		return ConfigReport{}, fmt.Errorf("%w: config block %d bytes", ErrTruncated, len(p))
	}
	r := ConfigReport{
		SmartWorkingTime: p[0],
		SmartSleepTime:   p[1],
		LightBrightness:  p[3],
		LightStart:       binary.BigEndian.Uint16(p[4:6]),
		LightEnd:         binary.BigEndian.Uint16(p[6:8]),
		DNDStart:         binary.BigEndian.Uint16(p[9:11]),
		DNDEnd:           binary.BigEndian.Uint16(p[11:13]),
	}
	var err error
	if r.LightSwitch, err = flag(p[2], "light_switch"); err != nil {
		return ConfigReport{}, err
	}
	if r.DNDSwitch, err = flag(p[8], "dnd_switch"); err != nil {
		return ConfigReport{}, err
	}
	for _, m := range []uint16{r.LightStart, r.LightEnd, r.DNDStart, r.DNDEnd} {
		if m > MinuteOfDayMax {
			return ConfigReport{}, fmt.Errorf("%w: minute of day %d", ErrFieldRange, m)
		}
	}
	return r, nil
}

// BatteryReport is returned by GET_BATTERY.
type BatteryReport struct {
	VoltageMV uint16
	Percent   uint8
}

// MarshalBinary encodes the report the way the device sends it.
func (r BatteryReport) MarshalBinary() ([]byte, error) {
	b := binary.BigEndian.AppendUint16(nil, r.VoltageMV)
	return append(b, r.Percent), nil
}

// DecodeBattery parses a GET_BATTERY payload.
func DecodeBattery(p []byte) (BatteryReport, error) {
	if len(p) < BatteryBlockLen {
		return BatteryReport{}, fmt.Errorf("%w: battery block %d bytes", ErrTruncated, len(p))
	}
	r := BatteryReport{VoltageMV: binary.BigEndian.Uint16(p[0:2]), Percent: p[2]}
	if r.Percent > 100 {
		return BatteryReport{}, fmt.Errorf("%w: battery percent %d", ErrFieldRange, r.Percent)
	}
	return r, nil
}

// SessionInfo is the INIT_SESSION response.
type SessionInfo struct {
	Token    uint8
	DeviceID [8]byte
	Serial   string
}

// MarshalBinary encodes the handshake response.
func (s SessionInfo) MarshalBinary() ([]byte, error) {
	b := append([]byte{s.Token}, s.DeviceID[:]...)
	return append(b, s.Serial...), nil
}

// DecodeSessionInfo parses an INIT_SESSION response payload.
func DecodeSessionInfo(p []byte) (SessionInfo, error) {
	if len(p) < sessionInfoMin {
		return SessionInfo{}, fmt.Errorf("%w: session info %d bytes", ErrTruncated, len(p))
	}
	if p[0] == 0 {
		return SessionInfo{}, fmt.Errorf("%w: zero session token", ErrFieldRange)
	}
	s := SessionInfo{Token: p[0]}
	copy(s.DeviceID[:], p[1:9])
	s.Serial = strings.TrimSpace(string(bytes.TrimRight(p[9:], "\x00")))
	return s, nil
}

// DecodeDeviceInfo parses the unsolicited DEVICE_INFO payload: a state block
// optionally followed by a config block.
func DecodeDeviceInfo(p []byte) (StateReport, *ConfigReport, error) {
	st, err := DecodeState(p)
	if err != nil {
		return StateReport{}, nil, err
	}
	if len(p) < StateBlockLen+ConfigBlockLen {
		return st, nil, nil
	}
	cfg, err := DecodeConfig(p[StateBlockLen:])
	if err != nil {
		return StateReport{}, nil, err
	}
	return st, &cfg, nil
}

// DecodeStatus returns the status byte of a write acknowledgement. An empty
// payload counts as success.
func DecodeStatus(p []byte) uint8 {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// EncodeResponse builds a device-side response frame. Used by simulators and
// tests.
func EncodeResponse(cmd Cmd, seq, session uint8, payload []byte) ([]byte, error) {
	return EncodeFrame(Frame{Cmd: cmd, Type: TypeResponse, Seq: seq, Session: session, Payload: payload})
}

func flag(b byte, name string) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: %s=%d", ErrFieldRange, name, b)
}
