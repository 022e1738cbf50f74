package fountain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
	"github.com/chaz8081/petkit-ble/internal/ble/secret"
)

// SessionState is the phase of the session state machine.
type SessionState uint8

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingSessionInit
	StateReady
	StateSending
	StateAwaitingResponse
)

var stateNames = [...]string{
	StateDisconnected:        "disconnected",
	StateConnecting:          "connecting",
	StateAwaitingSessionInit: "awaiting_session_init",
	StateReady:               "ready",
	StateSending:             "sending",
	StateAwaitingResponse:    "awaiting_response",
}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Writer delivers one encoded frame to the write characteristic. It must not
// block on the radio.
type Writer interface {
	Write(frame []byte) error
}

// Sink receives the engine's outbound notices. Calls happen outside the
// engine lock, in the order the engine produced them.
type Sink interface {
	StateChanged(snap Snapshot, u Update)
	CommandFailed(cmd protocol.Command, err error)
	Availability(online bool)
}

type nopSink struct{}

func (nopSink) StateChanged(Snapshot, Update)         {}
func (nopSink) CommandFailed(protocol.Command, error) {}
func (nopSink) Availability(bool)                     {}

// Options configures the engine.
type Options struct {
	ResponseTimeout time.Duration // per attempt
	MaxAttempts     int           // total sends per command, including the first
	PollInterval    time.Duration // refresh cadence used by Run
	SyncOnConnect   bool          // send SYNC, SYNC_TIME and a full refresh after the handshake
	QueueSize       int           // max waiting commands; the oldest is dropped on overflow
	MaxBuffered     int           // reassembly buffer bound

	Clock    Clock
	Observer Observer
	// Reconnect asks the transport to drop and re-establish the link. It is
	// called after a write fails or the handshake exhausts its attempts.
	Reconnect func(reason error)
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		ResponseTimeout: 5 * time.Second,
		MaxAttempts:     3,
		PollInterval:    60 * time.Second,
		SyncOnConnect:   true,
		QueueSize:       64,
		MaxBuffered:     protocol.DefaultMaxBuffered,
	}
}

// Session is the per-connection handshake state.
type Session struct {
	Established  bool
	Token        uint8
	DeviceID     [8]byte
	LastActivity time.Time
}

// CommandStatus is the lifecycle of a queued command.
type CommandStatus uint8

const (
	StatusPending CommandStatus = iota
	StatusInFlight
	StatusCompleted
	StatusFailed
)

type pending struct {
	cmd        protocol.Command
	seq        uint8
	enqueuedAt time.Time
	sentAt     time.Time
	attempts   int
	status     CommandStatus
}

// Engine owns the command queue, the session state machine and the device
// model. Transport callbacks, user commands, timer expiries and poll ticks
// are all serialized through one mutex; at most one command is in flight.
type Engine struct {
	opts Options
	sink Sink

	mu       sync.Mutex
	state    SessionState
	session  Session
	writer   Writer
	model    Model
	reasm    *protocol.Reassembler
	queue    []*pending // queue[0] is the in-flight command when inflight is set
	inflight *pending
	timer    Timer
	gen      uint64
	seq      uint8
	notices  []func()
}

// NewEngine creates an engine in the Disconnected state. A nil sink discards
// notices.
func NewEngine(opts Options, sink Sink) *Engine {
	def := DefaultOptions()
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = def.MaxBuffered
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Engine{
		opts:  opts,
		sink:  sink,
		reasm: protocol.NewReassembler(opts.MaxBuffered),
	}
}

// SetSink replaces the notice receiver. Used to break the construction cycle
// between the engine and the entity bridge.
func (e *Engine) SetSink(s Sink) {
	if s == nil {
		s = nopSink{}
	}
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// do runs fn under the lock and then delivers the notices it produced.
func (e *Engine) do(fn func()) {
	e.mu.Lock()
	fn()
	notes := e.notices
	e.notices = nil
	e.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (e *Engine) notify(f func()) { e.notices = append(e.notices, f) }

// State returns the current session state.
func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns a copy of the current session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Snapshot returns a copy of the device state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Snapshot()
}

// QueueLen returns the number of queued commands, including the one in flight.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// OnConnecting records that the transport started a connection attempt.
func (e *Engine) OnConnecting() {
	e.do(func() {
		if e.state == StateDisconnected {
			e.setStateLocked(StateConnecting)
		}
	})
}

// OnConnect starts a new session over w. The handshake is queued ahead of
// anything enqueued while the link was down.
func (e *Engine) OnConnect(w Writer) {
	e.do(func() {
		if e.writer != nil {
			e.dropAllLocked()
		}
		e.resetLinkLocked()
		e.writer = w
		e.setStateLocked(StateAwaitingSessionInit)
		e.pushFrontLocked(protocol.InitSession{})
		slog.Info("[SESSION] link up, starting handshake")
		e.pumpLocked()
	})
}

// OnDisconnect fails every queued command and returns to Disconnected.
func (e *Engine) OnDisconnect() {
	e.do(func() {
		e.dropAllLocked()
		e.resetLinkLocked()
		e.setStateLocked(StateDisconnected)
		slog.Warn("[SESSION] link down")
	})
}

// dropAllLocked fails every queued command, in flight or not.
func (e *Engine) dropAllLocked() {
	if e.session.Established {
		e.notify(func() { e.sink.Availability(false) })
	}
	for _, p := range e.queue {
		e.failLocked(p, ErrDisconnected)
	}
	e.queue = nil
	e.inflight = nil
	e.opts.Observer.QueueDepth(0)
}

// resetLinkLocked discards all per-connection state.
func (e *Engine) resetLinkLocked() {
	e.stopTimerLocked()
	e.session = Session{}
	e.writer = nil
	e.reasm.Reset()
}

// OnNotify feeds one notification chunk from the transport.
func (e *Engine) OnNotify(chunk []byte) {
	e.do(func() {
		if e.writer == nil {
			return
		}
		e.session.LastActivity = e.opts.Clock.Now()
		if !e.reasm.Push(chunk) {
			slog.Warn("[SESSION] reassembly buffer overflow, discarding")
			e.opts.Observer.ReassemblerReset()
		}
		for raw := range e.reasm.Frames() {
			e.handleFrameLocked(raw)
		}
		e.pumpLocked()
	})
}

// Enqueue appends a command. Out-of-range arguments are rejected here rather
// than on the wire. Commands queued while disconnected are sent once the next
// session is established.
func (e *Engine) Enqueue(cmd protocol.Command) error {
	if _, err := protocol.Encode(cmd, 1, 0); err != nil {
		return fmt.Errorf("fountain: enqueue %s: %w", cmd.Cmd(), err)
	}
	e.do(func() {
		e.appendLocked(cmd)
		e.pumpLocked()
	})
	return nil
}

// Refresh queues GET_STATE, GET_CONFIG and GET_BATTERY, skipping any already
// waiting. They go ahead of queued writes but never ahead of one in flight.
func (e *Engine) Refresh() error {
	var err error
	e.do(func() {
		if !e.session.Established {
			err = ErrNotConnected
			return
		}
		e.refreshLocked()
		e.pumpLocked()
	})
	return err
}

// Tick is the periodic poll. It is a no-op without an established session.
func (e *Engine) Tick() {
	if err := e.Refresh(); err != nil {
		slog.Debug("[SESSION] poll skipped", "error", err)
	}
}

// Reinitialize repeats the handshake on the current link.
func (e *Engine) Reinitialize() error {
	var err error
	e.do(func() {
		if e.writer == nil {
			err = ErrNotConnected
			return
		}
		if e.session.Established {
			e.session.Established = false
			e.notify(func() { e.sink.Availability(false) })
		}
		if e.inflight == nil {
			e.setStateLocked(StateAwaitingSessionInit)
		}
		initInFlight := e.inflight != nil && e.inflight.cmd.Cmd() == protocol.CmdInitSession
		if !initInFlight && !e.hasWaitingLocked(protocol.CmdInitSession) {
			e.pushFrontLocked(protocol.InitSession{})
		}
		e.pumpLocked()
	})
	return err
}

// Do performs a button action.
func (e *Engine) Do(a Action) error {
	switch a {
	case ActionRefresh:
		return e.Refresh()
	case ActionResetFilter:
		return e.Enqueue(protocol.ResetFilter{})
	case ActionSetDatetime:
		return e.Enqueue(protocol.SyncTime{Time: e.opts.Clock.Now()})
	case ActionInitSession:
		return e.Reinitialize()
	case ActionSync:
		s := e.Session()
		if !s.Established {
			return ErrNotConnected
		}
		key, err := secret.Derive(s.DeviceID)
		if err != nil {
			return fmt.Errorf("fountain: sync: %w", err)
		}
		return e.Enqueue(protocol.Sync{Secret: key})
	}
	return fmt.Errorf("%w: %d", ErrUnknownAction, uint8(a))
}

// Run polls the device every PollInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Engine) setStateLocked(s SessionState) {
	if e.state == s {
		return
	}
	slog.Debug("[SESSION] state", "from", e.state, "to", s)
	e.state = s
	e.opts.Observer.SessionState(s)
}

// idleStateLocked is the state to settle in when nothing is in flight.
func (e *Engine) idleStateLocked() SessionState {
	switch {
	case e.writer == nil:
		return StateDisconnected
	case !e.session.Established:
		return StateAwaitingSessionInit
	default:
		return StateReady
	}
}

func (e *Engine) newPending(cmd protocol.Command) *pending {
	return &pending{cmd: cmd, enqueuedAt: e.opts.Clock.Now()}
}

// waitingIndexLocked is the index of the first command not yet sent.
func (e *Engine) waitingIndexLocked() int {
	if e.inflight != nil {
		return 1
	}
	return 0
}

// appendLocked queues cmd at the tail. On overflow the oldest waiting command
// is dropped; a waiting handshake is never dropped, and when nothing else is
// waiting cmd itself is refused.
func (e *Engine) appendLocked(cmd protocol.Command) {
	p := e.newPending(cmd)
	if len(e.queue)-e.waitingIndexLocked() >= e.opts.QueueSize {
		dropped := p
		for i := e.waitingIndexLocked(); i < len(e.queue); i++ {
			if e.queue[i].cmd.Cmd() != protocol.CmdInitSession {
				dropped = e.queue[i]
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
		slog.Warn("[SESSION] queue full, dropping command", "cmd", dropped.cmd.Cmd())
		e.failLocked(dropped, ErrQueueFull)
		if dropped == p {
			return
		}
	}
	e.queue = append(e.queue, p)
	e.opts.Observer.QueueDepth(len(e.queue))
}

// pushFrontLocked inserts cmds, in order, ahead of every waiting command.
func (e *Engine) pushFrontLocked(cmds ...protocol.Command) {
	i := e.waitingIndexLocked()
	ps := make([]*pending, len(cmds))
	for j, c := range cmds {
		ps[j] = e.newPending(c)
	}
	e.queue = append(e.queue[:i], append(ps, e.queue[i:]...)...)
	e.opts.Observer.QueueDepth(len(e.queue))
}

func (e *Engine) hasWaitingLocked(c protocol.Cmd) bool {
	for _, p := range e.queue[e.waitingIndexLocked():] {
		if p.cmd.Cmd() == c {
			return true
		}
	}
	return false
}

func (e *Engine) refreshLocked() {
	var cmds []protocol.Command
	for _, c := range []protocol.Command{protocol.GetState{}, protocol.GetConfig{}, protocol.GetBattery{}} {
		if !e.hasWaitingLocked(c.Cmd()) {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) > 0 {
		e.pushFrontLocked(cmds...)
	}
}

// pumpLocked sends the head of the queue when the channel is idle. Before the
// handshake completes only INIT_SESSION may go out.
func (e *Engine) pumpLocked() {
	if e.writer == nil || e.inflight != nil || len(e.queue) == 0 {
		return
	}
	head := e.queue[0]
	if !e.session.Established && head.cmd.Cmd() != protocol.CmdInitSession {
		return
	}
	e.sendLocked(head)
}

func (e *Engine) nextSeq() uint8 {
	e.seq++
	if e.seq == 0 {
		e.seq = 1
	}
	return e.seq
}

// sendLocked writes p and arms its response timer. Retries reuse the
// original sequence number so a late answer to an earlier attempt still
// matches.
func (e *Engine) sendLocked(p *pending) {
	if p.seq == 0 {
		p.seq = e.nextSeq()
	}
	frame, err := protocol.Encode(p.cmd, p.seq, e.session.Token)
	if err != nil {
		e.inflight = p
		e.finishLocked(p, err)
		return
	}

	e.setStateLocked(StateSending)
	e.inflight = p
	p.status = StatusInFlight
	p.attempts++
	p.sentAt = e.opts.Clock.Now()
	e.opts.Observer.CommandSent(p.cmd.Cmd(), p.attempts)
	slog.Debug("[SESSION] send", "cmd", p.cmd.Cmd(), "seq", p.seq, "attempt", p.attempts)

	if err := e.writer.Write(frame); err != nil {
		slog.Warn("[SESSION] write failed", "cmd", p.cmd.Cmd(), "error", err)
		e.requestReconnectLocked(fmt.Errorf("fountain: write %s: %w", p.cmd.Cmd(), err))
	}
	e.setStateLocked(StateAwaitingResponse)
	e.armTimerLocked()
}

func (e *Engine) requestReconnectLocked(reason error) {
	if e.opts.Reconnect == nil {
		return
	}
	fn := e.opts.Reconnect
	e.notify(func() { fn(reason) })
}

func (e *Engine) armTimerLocked() {
	e.stopTimerLocked()
	gen := e.gen
	e.timer = e.opts.Clock.AfterFunc(e.opts.ResponseTimeout, func() { e.onTimeout(gen) })
}

// stopTimerLocked cancels the response timer. Bumping the generation makes a
// timer that already fired a no-op.
func (e *Engine) stopTimerLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onTimeout(gen uint64) {
	e.do(func() {
		if gen != e.gen || e.inflight == nil {
			return
		}
		p := e.inflight
		e.timer = nil
		if !e.session.Established && p.cmd.Cmd() != protocol.CmdInitSession && p.attempts < e.opts.MaxAttempts {
			// The handshake was restarted while p was out; it waits for the new session.
			slog.Warn("[SESSION] response timeout during handshake, requeueing", "cmd", p.cmd.Cmd(), "attempt", p.attempts)
			e.requeueBehindHandshakeLocked(p)
			e.pumpLocked()
			return
		}
		if p.attempts < e.opts.MaxAttempts {
			slog.Warn("[SESSION] response timeout, retrying", "cmd", p.cmd.Cmd(), "attempt", p.attempts)
			e.sendLocked(p)
			return
		}
		slog.Error("[SESSION] command failed", "cmd", p.cmd.Cmd(), "attempts", p.attempts)
		err := fmt.Errorf("%w: %s after %d attempts", ErrProtocolTimeout, p.cmd.Cmd(), p.attempts)
		e.finishLocked(p, err)
		if p.cmd.Cmd() == protocol.CmdInitSession {
			e.requestReconnectLocked(err)
		}
		e.pumpLocked()
	})
}

// requeueBehindHandshakeLocked takes p out of flight and puts it back
// directly after the waiting INIT_SESSION. It gets a fresh sequence number
// under the new session.
func (e *Engine) requeueBehindHandshakeLocked(p *pending) {
	e.stopTimerLocked()
	e.inflight = nil
	if len(e.queue) > 0 && e.queue[0] == p {
		e.queue = e.queue[1:]
	}
	i := 0
	if len(e.queue) > 0 && e.queue[0].cmd.Cmd() == protocol.CmdInitSession {
		i = 1
	}
	p.status = StatusPending
	p.seq = 0
	e.queue = append(e.queue[:i], append([]*pending{p}, e.queue[i:]...)...)
	e.setStateLocked(e.idleStateLocked())
}

// finishLocked retires the in-flight command.
func (e *Engine) finishLocked(p *pending, err error) {
	e.stopTimerLocked()
	if len(e.queue) > 0 && e.queue[0] == p {
		e.queue = e.queue[1:]
	}
	e.inflight = nil
	var latency time.Duration
	if !p.sentAt.IsZero() {
		latency = e.opts.Clock.Now().Sub(p.sentAt)
	}
	e.opts.Observer.CommandFinished(p.cmd.Cmd(), err, latency)
	e.opts.Observer.QueueDepth(len(e.queue))
	if err != nil {
		e.failLocked(p, err)
	} else {
		p.status = StatusCompleted
	}
	e.setStateLocked(e.idleStateLocked())
}

func (e *Engine) failLocked(p *pending, err error) {
	p.status = StatusFailed
	cmd := p.cmd
	e.notify(func() { e.sink.CommandFailed(cmd, err) })
}

// matchLocked reports whether f answers the in-flight command. A zero
// sequence in the response matches on command code alone.
func (e *Engine) matchLocked(f protocol.Frame) bool {
	p := e.inflight
	if p == nil || p.cmd.Cmd() != f.Cmd {
		return false
	}
	return f.Seq == 0 || f.Seq == p.seq
}

func (e *Engine) handleFrameLocked(raw []byte) {
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		slog.Warn("[SESSION] dropping frame", "error", err)
		e.opts.Observer.FrameDropped(err)
		return
	}
	if f.Type != protocol.TypeResponse {
		slog.Debug("[SESSION] ignoring request-type frame", "cmd", f.Cmd)
		return
	}
	if e.session.Established && f.Session != 0 && f.Session != e.session.Token {
		slog.Debug("[SESSION] ignoring frame from stale session", "cmd", f.Cmd, "session", f.Session)
		return
	}
	e.opts.Observer.FrameDecoded(f.Cmd)
	matched := e.matchLocked(f)

	switch f.Cmd {
	case protocol.CmdInitSession:
		if matched {
			e.handleSessionInitLocked(f)
		}
	case protocol.CmdGetState, protocol.CmdGetConfig, protocol.CmdGetBattery, protocol.CmdDeviceInfo:
		if !e.applyLocked(f) {
			return
		}
		if matched {
			e.finishLocked(e.inflight, nil)
		}
	default:
		if !matched {
			slog.Debug("[SESSION] unmatched acknowledgement", "cmd", f.Cmd, "seq", f.Seq)
			return
		}
		p := e.inflight
		if status := protocol.DecodeStatus(f.Payload); status != 0 {
			slog.Warn("[SESSION] command rejected", "cmd", f.Cmd, "status", status)
			e.finishLocked(p, fmt.Errorf("%w: %s status %d", ErrRejected, f.Cmd, status))
			return
		}
		e.finishLocked(p, nil)
		if c, ok := confirmRead(p.cmd); ok && !e.hasWaitingLocked(c.Cmd()) {
			e.appendLocked(c)
		}
	}
}

// applyLocked folds a state-bearing response into the model. A payload that
// fails to decode leaves the model untouched and the command in flight.
func (e *Engine) applyLocked(f protocol.Frame) bool {
	u, err := e.model.Apply(f.Cmd, f.Payload)
	if err != nil {
		slog.Warn("[SESSION] dropping undecodable payload", "cmd", f.Cmd, "error", err)
		e.opts.Observer.FrameDropped(err)
		return false
	}
	snap := e.model.Snapshot()
	e.notify(func() { e.sink.StateChanged(snap, u) })
	return true
}

func (e *Engine) handleSessionInitLocked(f protocol.Frame) {
	info, err := protocol.DecodeSessionInfo(f.Payload)
	if err != nil {
		slog.Warn("[SESSION] bad handshake response", "error", err)
		e.opts.Observer.FrameDropped(err)
		return
	}
	if !e.applyLocked(f) {
		return
	}
	e.session.Established = true
	e.session.Token = info.Token
	e.session.DeviceID = info.DeviceID
	e.finishLocked(e.inflight, nil)
	slog.Info("[SESSION] established", "serial", info.Serial, "token", info.Token)
	e.notify(func() { e.sink.Availability(true) })

	if !e.opts.SyncOnConnect {
		e.refreshLocked()
		return
	}
	e.refreshLocked()
	var boot []protocol.Command
	key, err := secret.Derive(info.DeviceID)
	if err != nil {
		slog.Warn("[SESSION] skipping sync", "error", err)
	} else {
		boot = append(boot, protocol.Sync{Secret: key})
	}
	boot = append(boot, protocol.SyncTime{Time: e.opts.Clock.Now()})
	e.pushFrontLocked(boot...)
}

// confirmRead is the read that reflects the effect of a successful write.
func confirmRead(c protocol.Command) (protocol.Command, bool) {
	switch c := c.(type) {
	case protocol.SetNumber:
		return protocol.GetConfig{}, true
	case protocol.SetSwitch:
		if c.Switch == protocol.SwitchPower {
			return protocol.GetState{}, true
		}
		return protocol.GetConfig{}, true
	case protocol.SetMode, protocol.ResetFilter:
		return protocol.GetState{}, true
	}
	return nil, false
}

// IsTimeout reports whether err is a command timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrProtocolTimeout) }
