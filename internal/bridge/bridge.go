// Package bridge connects the fountain engine to host entities. It fans
// state changes out to bound entities and turns entity writes into
// validated commands.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
	"github.com/chaz8081/petkit-ble/internal/fountain"
)

// ValueReceiver is an entity that displays a field value.
type ValueReceiver interface {
	PublishValue(v fountain.Value)
}

// AvailabilityReceiver is implemented by entities that can show themselves
// as unavailable.
type AvailabilityReceiver interface {
	SetAvailable(ok bool)
}

// Commander is the engine surface the bridge drives.
type Commander interface {
	Enqueue(cmd protocol.Command) error
	Do(a fountain.Action) error
}

// ErrInvalidValue is returned for writes that cannot be encoded at all.
var ErrInvalidValue = errors.New("bridge: invalid value")

// NumberRange is the configured bounds of a number entity.
type NumberRange struct {
	Min, Max float64
}

// Bridge is the entity binding table plus the write path. It implements
// fountain.Sink.
type Bridge struct {
	cmd Commander

	mu         sync.Mutex
	bindings   map[fountain.Field][]ValueReceiver
	watchers   []AvailabilityReceiver
	ranges     map[protocol.NumberField]NumberRange
	optimistic map[fountain.Field]fountain.Value
	failed     map[fountain.Field]bool
	snap       fountain.Snapshot
	online     bool
}

var _ fountain.Sink = (*Bridge)(nil)

// New returns an empty bridge sending commands to cmd.
func New(cmd Commander) *Bridge {
	return &Bridge{
		cmd:        cmd,
		bindings:   make(map[fountain.Field][]ValueReceiver),
		ranges:     make(map[protocol.NumberField]NumberRange),
		optimistic: make(map[fountain.Field]fountain.Value),
		failed:     make(map[fountain.Field]bool),
	}
}

// Bind registers r to receive updates of f. Bindings live until the process
// exits.
func (b *Bridge) Bind(f fountain.Field, r ValueReceiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[f] = append(b.bindings[f], r)
}

// BindAvailability registers r to follow the session's availability only.
// Used for entities that show no field, such as buttons.
func (b *Bridge) BindAvailability(r AvailabilityReceiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, r)
}

// BindField is Bind by field name.
func (b *Bridge) BindField(name string, r ValueReceiver) error {
	f, err := fountain.ParseField(name)
	if err != nil {
		return err
	}
	b.Bind(f, r)
	return nil
}

// SetNumberRange sets the bounds writes to n are clamped to. Without one the
// device range applies.
func (b *Bridge) SetNumberRange(n protocol.NumberField, r NumberRange) error {
	lo, hi := n.Range()
	if r.Min >= r.Max || r.Min < float64(lo) || r.Max > float64(hi) {
		return fmt.Errorf("bridge: %s range [%g,%g] invalid", n, r.Min, r.Max)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ranges[n] = r
	return nil
}

// WriteNumber clamps v to the configured range, rounds it, enqueues the write
// and publishes the value optimistically. It returns the value sent.
func (b *Bridge) WriteNumber(n protocol.NumberField, v float64) (uint16, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%v", ErrInvalidValue, n, v)
	}
	b.mu.Lock()
	r, ok := b.ranges[n]
	b.mu.Unlock()
	if !ok {
		lo, hi := n.Range()
		r = NumberRange{Min: float64(lo), Max: float64(hi)}
	}
	clamped := math.Round(math.Min(math.Max(v, r.Min), r.Max))
	if clamped != math.Round(v) {
		slog.Info("[BRIDGE] clamped number write", "field", n, "requested", v, "sent", clamped)
	}
	val := uint16(clamped)

	if err := b.cmd.Enqueue(protocol.SetNumber{Field: n, Value: val}); err != nil {
		return 0, err
	}
	b.publishOptimistic(numberField(n), fountain.Number(float64(val)))
	return val, nil
}

// WriteSwitch turns a switch on or off.
func (b *Bridge) WriteSwitch(s protocol.SwitchKind, on bool) error {
	f, ok := switchField(s)
	if !ok {
		return fmt.Errorf("%w: switch %s", ErrInvalidValue, s)
	}
	if err := b.cmd.Enqueue(protocol.SetSwitch{Switch: s, On: on}); err != nil {
		return err
	}
	b.publishOptimistic(f, fountain.Bool(on))
	return nil
}

// SelectMode changes the operating mode.
func (b *Bridge) SelectMode(m protocol.Mode) error {
	if err := b.cmd.Enqueue(protocol.SetMode{Mode: m}); err != nil {
		return err
	}
	b.publishOptimistic(fountain.FieldMode, fountain.Text(m.String()))
	return nil
}

// Press runs a button action. Failures surface later through CommandFailed.
func (b *Bridge) Press(a fountain.Action) error {
	return b.cmd.Do(a)
}

func (b *Bridge) publishOptimistic(f fountain.Field, v fountain.Value) {
	b.mu.Lock()
	b.optimistic[f] = v
	rs := b.bindings[f]
	b.mu.Unlock()
	for _, r := range rs {
		r.PublishValue(v)
	}
}

type publication struct {
	r ValueReceiver
	v fountain.Value
}

// StateChanged publishes changed fields, and refreshed fields whose
// optimistic value the device did not confirm.
func (b *Bridge) StateChanged(snap fountain.Snapshot, u fountain.Update) {
	var pubs []publication
	var restored []AvailabilityReceiver

	b.mu.Lock()
	b.snap = snap
	changed := make(map[fountain.Field]bool, len(u.Changed))
	for _, f := range u.Changed {
		changed[f] = true
	}
	for _, f := range u.Refreshed {
		v, ok := snap.Value(f)
		if !ok {
			continue
		}
		opt, hadOpt := b.optimistic[f]
		delete(b.optimistic, f)
		if changed[f] || (hadOpt && opt != v) {
			for _, r := range b.bindings[f] {
				pubs = append(pubs, publication{r, v})
			}
		}
		if b.failed[f] {
			delete(b.failed, f)
			if b.online {
				restored = append(restored, availabilityOf(b.bindings[f])...)
			}
		}
	}
	b.mu.Unlock()

	for _, a := range restored {
		a.SetAvailable(true)
	}
	for _, p := range pubs {
		p.r.PublishValue(p.v)
	}
}

// CommandFailed marks the entities of the fields cmd targets or reads
// unavailable and re-publishes their last confirmed value.
func (b *Bridge) CommandFailed(cmd protocol.Command, err error) {
	fields := fieldsFor(cmd)
	slog.Warn("[BRIDGE] command failed", "cmd", cmd.Cmd(), "error", err)
	if len(fields) == 0 {
		return
	}

	var pubs []publication
	var avail []AvailabilityReceiver
	b.mu.Lock()
	for _, f := range fields {
		delete(b.optimistic, f)
		b.failed[f] = true
		avail = append(avail, availabilityOf(b.bindings[f])...)
		if v, ok := b.snap.Value(f); ok {
			for _, r := range b.bindings[f] {
				pubs = append(pubs, publication{r, v})
			}
		}
	}
	b.mu.Unlock()

	for _, a := range avail {
		a.SetAvailable(false)
	}
	for _, p := range pubs {
		p.r.PublishValue(p.v)
	}
}

// Availability marks every bound entity available or unavailable with the
// session.
func (b *Bridge) Availability(online bool) {
	var avail []AvailabilityReceiver
	b.mu.Lock()
	b.online = online
	if online {
		clear(b.failed)
	}
	for _, rs := range b.bindings {
		avail = append(avail, availabilityOf(rs)...)
	}
	avail = append(avail, b.watchers...)
	b.mu.Unlock()

	for _, a := range avail {
		a.SetAvailable(online)
	}
}

func availabilityOf(rs []ValueReceiver) []AvailabilityReceiver {
	var out []AvailabilityReceiver
	for _, r := range rs {
		if a, ok := r.(AvailabilityReceiver); ok {
			out = append(out, a)
		}
	}
	return out
}

func numberField(n protocol.NumberField) fountain.Field {
	switch n {
	case protocol.NumberBrightness:
		return fountain.FieldLightBrightness
	case protocol.NumberLightStart:
		return fountain.FieldLightStart
	case protocol.NumberLightEnd:
		return fountain.FieldLightEnd
	case protocol.NumberDNDStart:
		return fountain.FieldDNDStart
	case protocol.NumberDNDEnd:
		return fountain.FieldDNDEnd
	case protocol.NumberSmartWorking:
		return fountain.FieldSmartWorkingTime
	case protocol.NumberSmartSleep:
		return fountain.FieldSmartSleepTime
	}
	return 0
}

// NumberFieldOf returns the state field a SET_NUMBER target reports as.
func NumberFieldOf(n protocol.NumberField) fountain.Field { return numberField(n) }

func switchField(s protocol.SwitchKind) (fountain.Field, bool) {
	switch s {
	case protocol.SwitchPower:
		return fountain.FieldPower, true
	case protocol.SwitchLight:
		return fountain.FieldLightSwitch, true
	case protocol.SwitchDND:
		return fountain.FieldDNDSwitch, true
	}
	return 0, false
}

// SwitchFieldOf returns the state field a switch reports as.
func SwitchFieldOf(s protocol.SwitchKind) fountain.Field {
	f, _ := switchField(s)
	return f
}

func fieldsFor(cmd protocol.Command) []fountain.Field {
	switch c := cmd.(type) {
	case protocol.SetNumber:
		if f := numberField(c.Field); f != 0 {
			return []fountain.Field{f}
		}
	case protocol.SetSwitch:
		if f, ok := switchField(c.Switch); ok {
			return []fountain.Field{f}
		}
	case protocol.SetMode:
		return []fountain.Field{fountain.FieldMode}
	case protocol.GetState, protocol.GetConfig, protocol.GetBattery:
		return fountain.FieldsOf(cmd.Cmd())
	}
	return nil
}
