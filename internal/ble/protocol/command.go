package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Cmd is the command code carried in byte 3 of every frame.
type Cmd uint8

const (
	CmdGetBattery  Cmd = 66
	CmdSyncTime    Cmd = 84
	CmdSync        Cmd = 86
	CmdGetState    Cmd = 210
	CmdGetConfig   Cmd = 211
	CmdInitSession Cmd = 213
	CmdSetMode     Cmd = 220
	CmdSetSwitch   Cmd = 221
	CmdResetFilter Cmd = 222
	CmdSetNumber   Cmd = 224
	// CmdDeviceInfo is only ever sent by the device, unsolicited.
	CmdDeviceInfo Cmd = 230
)

var cmdNames = map[Cmd]string{
	CmdGetBattery:  "GET_BATTERY",
	CmdSyncTime:    "SYNC_TIME",
	CmdSync:        "SYNC",
	CmdGetState:    "GET_STATE",
	CmdGetConfig:   "GET_CONFIG",
	CmdInitSession: "INIT_SESSION",
	CmdSetMode:     "SET_MODE",
	CmdSetSwitch:   "SET_SWITCH",
	CmdResetFilter: "RESET_FILTER",
	CmdSetNumber:   "SET_NUMBER",
	CmdDeviceInfo:  "DEVICE_INFO",
}

// Known reports whether c is part of the protocol.
func (c Cmd) Known() bool {
	_, ok := cmdNames[c]
	return ok
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// Mode is the fountain operating mode.
type Mode uint8

const (
	ModeNormal Mode = 1
	ModeSmart  Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSmart:
		return "smart"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode maps a select option back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "normal":
		return ModeNormal, nil
	case "smart":
		return ModeSmart, nil
	}
	return 0, fmt.Errorf("protocol: unknown mode %q", s)
}

// SwitchKind tags the target of a SET_SWITCH command.
type SwitchKind uint8

const (
	SwitchPower SwitchKind = 1
	SwitchLight SwitchKind = 2
	SwitchDND   SwitchKind = 3
)

func (s SwitchKind) String() string {
	switch s {
	case SwitchPower:
		return "power"
	case SwitchLight:
		return "light"
	case SwitchDND:
		return "dnd"
	default:
		return fmt.Sprintf("switch(%d)", uint8(s))
	}
}

// ParseSwitchKind resolves a configured switch name.
func ParseSwitchKind(s string) (SwitchKind, error) {
	for _, k := range []SwitchKind{SwitchPower, SwitchLight, SwitchDND} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown switch %q", s)
}

// NumberField tags the target of a SET_NUMBER command.
type NumberField uint8

const (
	NumberBrightness   NumberField = 1
	NumberLightStart   NumberField = 2
	NumberLightEnd     NumberField = 3
	NumberDNDStart     NumberField = 4
	NumberDNDEnd       NumberField = 5
	NumberSmartWorking NumberField = 6
	NumberSmartSleep   NumberField = 7
)

// MinuteOfDayMax is the last minute of a day.
const MinuteOfDayMax = 1439

var numberNames = map[NumberField]string{
	NumberBrightness:   "light_brightness",
	NumberLightStart:   "light_schedule_start_min",
	NumberLightEnd:     "light_schedule_end_min",
	NumberDNDStart:     "dnd_start_min",
	NumberDNDEnd:       "dnd_end_min",
	NumberSmartWorking: "smart_working_time",
	NumberSmartSleep:   "smart_sleep_time",
}

func (n NumberField) String() string {
	if name, ok := numberNames[n]; ok {
		return name
	}
	return fmt.Sprintf("number(%d)", uint8(n))
}

// ParseNumberField resolves a configured number name.
func ParseNumberField(s string) (NumberField, error) {
	for k, name := range numberNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown number field %q", s)
}

// IsMinuteOfDay reports whether the field holds a time of day in minutes.
func (n NumberField) IsMinuteOfDay() bool {
	switch n {
	case NumberLightStart, NumberLightEnd, NumberDNDStart, NumberDNDEnd:
		return true
	}
	return false
}

// Range returns the inclusive range the device accepts for the field.
func (n NumberField) Range() (lo, hi uint16) {
	if n.IsMinuteOfDay() {
		return 0, MinuteOfDayMax
	}
	return 0, 255
}

// Command is a typed outbound request. The set of implementations is closed.
type Command interface {
	Cmd() Cmd
	appendPayload(dst []byte) ([]byte, error)
}

type (
	InitSession struct{}
	GetState    struct{}
	GetConfig   struct{}
	GetBattery  struct{}
	ResetFilter struct{}

	// Sync proves knowledge of the device secret.
	Sync struct{ Secret [8]byte }

	// SyncTime sets the device clock. Only whole seconds and the zone
	// offset (in quarter hours) survive the wire.
	SyncTime struct{ Time time.Time }

	SetMode struct{ Mode Mode }

	SetSwitch struct {
		Switch SwitchKind
		On     bool
	}

	SetNumber struct {
		Field NumberField
		Value uint16
	}
)

func (InitSession) Cmd() Cmd { return CmdInitSession }
func (GetState) Cmd() Cmd    { return CmdGetState }
func (GetConfig) Cmd() Cmd   { return CmdGetConfig }
func (GetBattery) Cmd() Cmd  { return CmdGetBattery }
func (ResetFilter) Cmd() Cmd { return CmdResetFilter }
func (Sync) Cmd() Cmd        { return CmdSync }
func (SyncTime) Cmd() Cmd    { return CmdSyncTime }
func (SetMode) Cmd() Cmd     { return CmdSetMode }
func (SetSwitch) Cmd() Cmd   { return CmdSetSwitch }
func (SetNumber) Cmd() Cmd   { return CmdSetNumber }

func (InitSession) appendPayload(dst []byte) ([]byte, error) { return dst, nil }
func (GetState) appendPayload(dst []byte) ([]byte, error)    { return dst, nil }
func (GetConfig) appendPayload(dst []byte) ([]byte, error)   { return dst, nil }
func (GetBattery) appendPayload(dst []byte) ([]byte, error)  { return dst, nil }
func (ResetFilter) appendPayload(dst []byte) ([]byte, error) { return dst, nil }

func (c Sync) appendPayload(dst []byte) ([]byte, error) {
	return append(dst, c.Secret[:]...), nil
}

func (c SyncTime) appendPayload(dst []byte) ([]byte, error) {
	t := c.Time
	if t.Year() < 2000 || t.Year() > 2255 {
		return nil, fmt.Errorf("%w: year %d", ErrFieldRange, t.Year())
	}
	_, offset := t.Zone()
	return append(dst,
		byte(t.Year()-2000), byte(t.Month()), byte(t.Day()),
		byte(t.Hour()), byte(t.Minute()), byte(t.Second()),
		byte(int8(offset/900)),
	), nil
}

func (c SetMode) appendPayload(dst []byte) ([]byte, error) {
	if c.Mode != ModeNormal && c.Mode != ModeSmart {
		return nil, fmt.Errorf("%w: %s", ErrFieldRange, c.Mode)
	}
	return append(dst, byte(c.Mode)), nil
}

func (c SetSwitch) appendPayload(dst []byte) ([]byte, error) {
	if c.Switch < SwitchPower || c.Switch > SwitchDND {
		return nil, fmt.Errorf("%w: %s", ErrFieldRange, c.Switch)
	}
	return append(dst, byte(c.Switch), boolByte(c.On)), nil
}

func (c SetNumber) appendPayload(dst []byte) ([]byte, error) {
	if _, ok := numberNames[c.Field]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldRange, c.Field)
	}
	lo, hi := c.Field.Range()
	if c.Value < lo || c.Value > hi {
		return nil, fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrFieldRange, c.Field, c.Value, lo, hi)
	}
	dst = append(dst, byte(c.Field))
	return binary.BigEndian.AppendUint16(dst, c.Value), nil
}

// Encode builds the request frame for c.
func Encode(c Command, seq, session uint8) ([]byte, error) {
	payload, err := c.appendPayload(nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", c.Cmd(), err)
	}
	return EncodeFrame(Frame{
		Cmd:     c.Cmd(),
		Type:    TypeRequest,
		Seq:     seq,
		Session: session,
		Payload: payload,
	})
}

// ParseCommand recovers the typed command from a request frame.
func ParseCommand(f Frame) (Command, error) {
	if f.Type != TypeRequest {
		return nil, fmt.Errorf("%w: %s is not a request", ErrUnknownType, f.Cmd)
	}
	p := f.Payload
	switch f.Cmd {
	case CmdInitSession:
		return InitSession{}, nil
	case CmdGetState:
		return GetState{}, nil
	case CmdGetConfig:
		return GetConfig{}, nil
	case CmdGetBattery:
		return GetBattery{}, nil
	case CmdResetFilter:
		return ResetFilter{}, nil
	case CmdSync:
		if len(p) < 8 {
			return nil, fmt.Errorf("%w: sync payload %d bytes", ErrTruncated, len(p))
		}
		var c Sync
		copy(c.Secret[:], p)
		return c, nil
	case CmdSyncTime:
		if len(p) < 7 {
			return nil, fmt.Errorf("%w: time payload %d bytes", ErrTruncated, len(p))
		}
		zone := time.FixedZone("", int(int8(p[6]))*900)
		return SyncTime{Time: time.Date(2000+int(p[0]), time.Month(p[1]), int(p[2]),
			int(p[3]), int(p[4]), int(p[5]), 0, zone)}, nil
	case CmdSetMode:
		if len(p) < 1 {
			return nil, fmt.Errorf("%w: mode payload empty", ErrTruncated)
		}
		return SetMode{Mode: Mode(p[0])}, nil
	case CmdSetSwitch:
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: switch payload %d bytes", ErrTruncated, len(p))
		}
		return SetSwitch{Switch: SwitchKind(p[0]), On: p[1] != 0}, nil
	case CmdSetNumber:
		if len(p) < 3 {
			return nil, fmt.Errorf("%w: number payload %d bytes", ErrTruncated, len(p))
		}
		return SetNumber{Field: NumberField(p[0]), Value: binary.BigEndian.Uint16(p[1:3])}, nil
	}
	return nil, fmt.Errorf("%w: %s has no request form", ErrUnknownType, f.Cmd)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
