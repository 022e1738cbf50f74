package fountain

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs the timers that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (w *fakeWriter) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, slices.Clone(frame))
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

type failure struct {
	cmd protocol.Command
	err error
}

type recordingSink struct {
	mu       sync.Mutex
	updates  []Update
	failures []failure
	avail    []bool
}

func (s *recordingSink) StateChanged(_ Snapshot, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *recordingSink) CommandFailed(cmd protocol.Command, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{cmd, err})
}

func (s *recordingSink) Availability(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avail = append(s.avail, online)
}

func (s *recordingSink) changedCount(f Field) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if slices.Contains(u.Changed, f) {
			n++
		}
	}
	return n
}

// env simulates a fountain on the other end of the link.
type env struct {
	t          *testing.T
	e          *Engine
	clock      *fakeClock
	w          *fakeWriter
	sink       *recordingSink
	reconnects []error

	state   protocol.StateReport
	config  protocol.ConfigReport
	battery protocol.BatteryReport
	info    protocol.SessionInfo
}

func newEnv(t *testing.T, mutate func(*Options)) *env {
	t.Helper()
	v := &env{
		t:       t,
		clock:   newFakeClock(),
		w:       &fakeWriter{},
		sink:    &recordingSink{},
		state:   protocol.StateReport{Power: true, Mode: protocol.ModeNormal, FilterPercent: 42},
		config:  protocol.ConfigReport{LightBrightness: 100, LightStart: 480, LightEnd: 1320},
		battery: protocol.BatteryReport{VoltageMV: 3300, Percent: 80},
		info:    protocol.SessionInfo{Token: 0x5A, DeviceID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, Serial: "W5C-0001"},
	}
	opts := DefaultOptions()
	opts.SyncOnConnect = false
	opts.Clock = v.clock
	opts.Reconnect = func(reason error) { v.reconnects = append(v.reconnects, reason) }
	if mutate != nil {
		mutate(&opts)
	}
	v.e = NewEngine(opts, v.sink)
	return v
}

func (v *env) last() protocol.Frame {
	v.t.Helper()
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	require.NotEmpty(v.t, v.w.frames, "no frame written")
	f, err := protocol.DecodeFrame(v.w.frames[len(v.w.frames)-1])
	require.NoError(v.t, err)
	return f
}

func (v *env) sentCmds() []protocol.Cmd {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	var out []protocol.Cmd
	for _, raw := range v.w.frames {
		f, err := protocol.DecodeFrame(raw)
		require.NoError(v.t, err)
		out = append(out, f.Cmd)
	}
	return out
}

// reply answers with a response frame delivered in two notifications, split
// inside the header.
func (v *env) reply(cmd protocol.Cmd, seq, session uint8, payload []byte) {
	v.t.Helper()
	raw, err := protocol.EncodeResponse(cmd, seq, session, payload)
	require.NoError(v.t, err)
	v.e.OnNotify(raw[:7])
	v.e.OnNotify(raw[7:])
}

func (v *env) payloadFor(cmd protocol.Cmd) []byte {
	var b []byte
	switch cmd {
	case protocol.CmdInitSession:
		b, _ = v.info.MarshalBinary()
	case protocol.CmdGetState:
		b, _ = v.state.MarshalBinary()
	case protocol.CmdGetConfig:
		b, _ = v.config.MarshalBinary()
	case protocol.CmdGetBattery:
		b, _ = v.battery.MarshalBinary()
	default:
		b = []byte{0}
	}
	return b
}

// answer responds to the most recent request the way the device would.
func (v *env) answer() protocol.Cmd {
	v.t.Helper()
	f := v.last()
	v.reply(f.Cmd, f.Seq, v.info.Token, v.payloadFor(f.Cmd))
	return f.Cmd
}

// drain answers requests until nothing is in flight.
func (v *env) drain() {
	v.t.Helper()
	for i := 0; v.e.State() == StateAwaitingResponse; i++ {
		require.Less(v.t, i, 32, "queue never drained")
		v.answer()
	}
}

func (v *env) establish() {
	v.t.Helper()
	v.e.OnConnect(v.w)
	require.Equal(v.t, protocol.CmdInitSession, v.answer())
	v.drain()
	require.Equal(v.t, StateReady, v.e.State())
}

func TestHandshakeGoesFirst(t *testing.T) {
	v := newEnv(t, nil)
	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	assert.Equal(t, 0, v.w.count(), "nothing may be written before the link is up")

	v.e.OnConnect(v.w)
	first := v.last()
	assert.Equal(t, protocol.CmdInitSession, first.Cmd)
	assert.Equal(t, uint8(0), first.Session)
	assert.Equal(t, 1, v.w.count())
	assert.Equal(t, StateAwaitingResponse, v.e.State())

	v.answer()
	assert.True(t, v.e.Session().Established)
	assert.Equal(t, []bool{true}, v.sink.avail)

	next := v.last()
	assert.Equal(t, protocol.CmdGetState, next.Cmd, "refresh runs ahead of queued writes")
	assert.Equal(t, v.info.Token, next.Session)

	v.drain()
	assert.Equal(t, []protocol.Cmd{
		protocol.CmdInitSession, protocol.CmdGetState, protocol.CmdGetConfig,
		protocol.CmdGetBattery, protocol.CmdSetMode, protocol.CmdGetState,
	}, v.sentCmds())
}

func TestSyncOnConnectSequence(t *testing.T) {
	v := newEnv(t, func(o *Options) { o.SyncOnConnect = true })
	v.establish()
	assert.Equal(t, []protocol.Cmd{
		protocol.CmdInitSession, protocol.CmdSync, protocol.CmdSyncTime,
		protocol.CmdGetState, protocol.CmdGetConfig, protocol.CmdGetBattery,
	}, v.sentCmds())
}

func TestFirstValueCountsAsChange(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()

	assert.Equal(t, 1, v.sink.changedCount(FieldFilterPercent))
	got, ok := v.e.Snapshot().Value(FieldFilterPercent)
	require.True(t, ok)
	assert.Equal(t, Number(42), got)

	require.NoError(t, v.e.Refresh())
	v.drain()
	assert.Equal(t, 1, v.sink.changedCount(FieldFilterPercent), "identical report must not count as a change")

	v.state.FilterPercent = 41
	require.NoError(t, v.e.Refresh())
	v.drain()
	assert.Equal(t, 2, v.sink.changedCount(FieldFilterPercent))
}

func TestAtMostOneInFlight(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	before := v.w.count()

	for _, val := range []uint16{10, 20, 30} {
		require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: val}))
	}
	assert.Equal(t, before+1, v.w.count())
	assert.Equal(t, 3, v.e.QueueLen())

	v.answer()
	assert.Equal(t, before+2, v.w.count())
	assert.Equal(t, protocol.CmdSetNumber, v.last().Cmd, "queued writes go before the confirming read")
}

// pacedWriter hands frames to a responder goroutine and counts writes made
// while an earlier one is still unanswered.
type pacedWriter struct {
	out         chan []byte
	outstanding atomic.Int32
	overlaps    atomic.Int32
}

func (w *pacedWriter) Write(frame []byte) error {
	if w.outstanding.Add(1) > 1 {
		w.overlaps.Add(1)
	}
	select {
	case w.out <- slices.Clone(frame):
		return nil
	default:
		return errors.New("writer backlog full")
	}
}

func TestAtMostOneInFlightUnderConcurrentCallers(t *testing.T) {
	v := newEnv(t, func(o *Options) { o.QueueSize = 512 })
	w := &pacedWriter{out: make(chan []byte, 1024)}

	done := make(chan struct{})
	var responder sync.WaitGroup
	responder.Add(1)
	go func() {
		defer responder.Done()
		for {
			select {
			case <-done:
				return
			case raw := <-w.out:
				f, err := protocol.DecodeFrame(raw)
				if err != nil {
					continue
				}
				resp, err := protocol.EncodeResponse(f.Cmd, f.Seq, v.info.Token, v.payloadFor(f.Cmd))
				if err != nil {
					continue
				}
				w.outstanding.Add(-1)
				v.e.OnNotify(resp)
			}
		}
	}()
	defer func() {
		close(done)
		responder.Wait()
	}()

	v.e.OnConnect(w)
	require.Eventually(t, func() bool { return v.e.Session().Established }, time.Second, time.Millisecond)

	var callers sync.WaitGroup
	for g := 0; g < 8; g++ {
		callers.Add(1)
		go func(g int) {
			defer callers.Done()
			for i := 0; i < 20; i++ {
				switch i % 4 {
				case 0:
					_ = v.e.Refresh()
				case 1:
					v.e.Tick()
				default:
					_ = v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: uint16(g*20 + i)})
				}
			}
		}(g)
	}
	callers.Wait()

	require.Eventually(t, func() bool {
		return v.e.QueueLen() == 0 && v.e.State() == StateReady
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, w.overlaps.Load(), "a frame was written while another was unanswered")

	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	assert.Empty(t, v.sink.failures)
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	before := v.w.count()

	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	require.NoError(t, v.e.Enqueue(protocol.ResetFilter{}))
	seq := v.last().Seq

	v.clock.Advance(5 * time.Second)
	assert.Equal(t, before+2, v.w.count())
	assert.Equal(t, protocol.CmdSetMode, v.last().Cmd)
	assert.Equal(t, seq, v.last().Seq, "retry keeps its sequence number")

	v.clock.Advance(5 * time.Second)
	assert.Equal(t, before+3, v.w.count())
	assert.Empty(t, v.sink.failures)

	v.clock.Advance(5 * time.Second)
	require.Len(t, v.sink.failures, 1)
	assert.ErrorIs(t, v.sink.failures[0].err, ErrProtocolTimeout)
	assert.Equal(t, protocol.SetMode{Mode: protocol.ModeSmart}, v.sink.failures[0].cmd)
	assert.Equal(t, protocol.CmdResetFilter, v.last().Cmd, "queue advances after failure")

	modeSends := 0
	for _, c := range v.sentCmds() {
		if c == protocol.CmdSetMode {
			modeSends++
		}
	}
	assert.Equal(t, 3, modeSends)
}

func TestRejectedWriteIsNotRetried(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()

	require.NoError(t, v.e.Enqueue(protocol.SetSwitch{Switch: protocol.SwitchLight, On: true}))
	f := v.last()
	v.reply(f.Cmd, f.Seq, v.info.Token, []byte{2})

	require.Len(t, v.sink.failures, 1)
	assert.ErrorIs(t, v.sink.failures[0].err, ErrRejected)
	assert.Equal(t, 0, v.e.QueueLen(), "no confirming read after a rejection")
	assert.Equal(t, StateReady, v.e.State())

	v.clock.Advance(time.Minute)
	assert.Len(t, v.sink.failures, 1)
}

func TestWriteQueuesConfirmingRead(t *testing.T) {
	tests := []struct {
		name string
		cmd  protocol.Command
		want protocol.Cmd
	}{
		{"number", protocol.SetNumber{Field: protocol.NumberDNDStart, Value: 60}, protocol.CmdGetConfig},
		{"light switch", protocol.SetSwitch{Switch: protocol.SwitchLight, On: true}, protocol.CmdGetConfig},
		{"power switch", protocol.SetSwitch{Switch: protocol.SwitchPower}, protocol.CmdGetState},
		{"mode", protocol.SetMode{Mode: protocol.ModeSmart}, protocol.CmdGetState},
		{"reset filter", protocol.ResetFilter{}, protocol.CmdGetState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newEnv(t, nil)
			v.establish()
			require.NoError(t, v.e.Enqueue(tt.cmd))
			v.answer()
			assert.Equal(t, tt.want, v.last().Cmd)
		})
	}
}

func TestUndecodablePayloadLeavesStateUnchanged(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	updates := len(v.sink.updates)

	require.NoError(t, v.e.Refresh())
	f := v.last()
	require.Equal(t, protocol.CmdGetState, f.Cmd)

	bad, _ := protocol.StateReport{Mode: protocol.ModeNormal}.MarshalBinary()
	bad[10] = 101 // filter percent out of range
	v.reply(f.Cmd, f.Seq, v.info.Token, bad)

	assert.Equal(t, uint8(42), v.e.Snapshot().State.FilterPercent)
	assert.Len(t, v.sink.updates, updates)
	assert.Equal(t, StateAwaitingResponse, v.e.State(), "command stays in flight")

	v.answer()
	assert.Equal(t, protocol.CmdGetConfig, v.last().Cmd)
}

func TestCorruptFrameIsDropped(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	require.NoError(t, v.e.Refresh())
	f := v.last()

	raw, err := protocol.EncodeResponse(f.Cmd, f.Seq, v.info.Token, v.payloadFor(f.Cmd))
	require.NoError(t, err)
	raw[9] ^= 0xFF
	v.e.OnNotify(raw)

	assert.Equal(t, StateAwaitingResponse, v.e.State())
	assert.Equal(t, f.Seq, v.last().Seq)
}

func TestDisconnectFailsQueue(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()

	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	require.NoError(t, v.e.Enqueue(protocol.ResetFilter{}))
	v.e.OnDisconnect()

	require.Len(t, v.sink.failures, 2)
	for _, f := range v.sink.failures {
		assert.ErrorIs(t, f.err, ErrDisconnected)
	}
	assert.Equal(t, 0, v.e.QueueLen())
	assert.Equal(t, StateDisconnected, v.e.State())
	assert.False(t, v.e.Session().Established)
	assert.Equal(t, []bool{true, false}, v.sink.avail)

	sent := v.w.count()
	v.clock.Advance(time.Minute)
	assert.Equal(t, sent, v.w.count(), "stale timer must not resend")
	assert.Len(t, v.sink.failures, 2)

	w2 := &fakeWriter{}
	v.e.OnConnect(w2)
	require.Equal(t, 1, w2.count())
	f, err := protocol.DecodeFrame(w2.frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdInitSession, f.Cmd)
}

func TestRefreshDeduplicates(t *testing.T) {
	v := newEnv(t, nil)
	require.ErrorIs(t, v.e.Refresh(), ErrNotConnected)

	v.establish()
	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	require.NoError(t, v.e.Refresh())
	require.NoError(t, v.e.Refresh())
	v.e.Tick()
	assert.Equal(t, 4, v.e.QueueLen())
	assert.Equal(t, protocol.CmdSetMode, v.last().Cmd, "refresh never preempts the in-flight write")
}

func TestWriteFailureRequestsReconnect(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()

	busy := errors.New("gatt busy")
	v.w.err = busy
	require.NoError(t, v.e.Enqueue(protocol.ResetFilter{}))
	require.Len(t, v.reconnects, 1)
	assert.ErrorIs(t, v.reconnects[0], busy)
}

func TestHandshakeExhaustionRequestsReconnect(t *testing.T) {
	v := newEnv(t, nil)
	v.e.OnConnect(v.w)
	for range 3 {
		v.clock.Advance(5 * time.Second)
	}
	require.Len(t, v.sink.failures, 1)
	assert.Equal(t, protocol.InitSession{}, v.sink.failures[0].cmd)
	require.Len(t, v.reconnects, 1)
	assert.ErrorIs(t, v.reconnects[0], ErrProtocolTimeout)
	assert.Equal(t, StateAwaitingSessionInit, v.e.State())
}

func TestUnsolicitedDeviceInfoUpdatesModel(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))

	st := v.state
	st.FilterPercent = 10
	p, _ := st.MarshalBinary()
	v.reply(protocol.CmdDeviceInfo, 0, v.info.Token, p)

	assert.Equal(t, uint8(10), v.e.Snapshot().State.FilterPercent)
	assert.Equal(t, StateAwaitingResponse, v.e.State(), "unsolicited report does not complete the write")
	assert.Equal(t, 1, v.e.QueueLen())
}

func TestZeroSequenceMatchesByCommand(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	require.NoError(t, v.e.Refresh())
	f := v.last()
	v.reply(f.Cmd, 0, v.info.Token, v.payloadFor(f.Cmd))
	assert.Equal(t, protocol.CmdGetConfig, v.last().Cmd)
}

func TestStaleSessionFrameIgnored(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	require.NoError(t, v.e.Refresh())
	f := v.last()
	v.reply(f.Cmd, f.Seq, 0x11, v.payloadFor(f.Cmd))
	assert.Equal(t, f.Seq, v.last().Seq)
	assert.Equal(t, StateAwaitingResponse, v.e.State())
}

func TestSequenceSkipsZero(t *testing.T) {
	e := NewEngine(Options{}, nil)
	e.seq = 254
	assert.Equal(t, uint8(255), e.nextSeq())
	assert.Equal(t, uint8(1), e.nextSeq())
}

func TestReinitializeRepeatsHandshake(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	require.NoError(t, v.e.Do(ActionInitSession))
	assert.Equal(t, protocol.CmdInitSession, v.last().Cmd)
	assert.False(t, v.e.Session().Established)

	v.info.Token = 0x22
	v.answer()
	assert.Equal(t, uint8(0x22), v.e.Session().Token)
	assert.Equal(t, []bool{true, false, true}, v.sink.avail)
}

func TestReinitializeHoldsTimedOutWrite(t *testing.T) {
	v := newEnv(t, nil)
	v.establish()
	before := v.w.count()

	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	require.NoError(t, v.e.Reinitialize())
	assert.Equal(t, before+1, v.w.count(), "handshake waits for the write in flight")

	v.clock.Advance(5 * time.Second)
	assert.Equal(t, before+2, v.w.count())
	assert.Equal(t, protocol.CmdInitSession, v.last().Cmd, "no write goes out before the new handshake")
	assert.False(t, v.e.Session().Established)

	v.info.Token = 0x33
	v.answer()
	require.True(t, v.e.Session().Established)
	v.drain()

	assert.Equal(t, []protocol.Cmd{
		protocol.CmdSetMode, protocol.CmdInitSession,
		protocol.CmdGetState, protocol.CmdGetConfig, protocol.CmdGetBattery,
		protocol.CmdSetMode, protocol.CmdGetState,
	}, v.sentCmds()[before:])
	assert.Empty(t, v.sink.failures)
}

func TestQueueOverflowKeepsHandshake(t *testing.T) {
	v := newEnv(t, func(o *Options) { o.QueueSize = 1 })
	v.establish()

	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	require.NoError(t, v.e.Reinitialize())
	require.NoError(t, v.e.Enqueue(protocol.ResetFilter{}))

	require.Len(t, v.sink.failures, 1)
	assert.Equal(t, protocol.ResetFilter{}, v.sink.failures[0].cmd)
	assert.ErrorIs(t, v.sink.failures[0].err, ErrQueueFull)

	v.clock.Advance(5 * time.Second)
	assert.Equal(t, protocol.CmdInitSession, v.last().Cmd)
	v.answer()
	assert.True(t, v.e.Session().Established)
	v.drain()
	assert.Equal(t, StateReady, v.e.State())
	assert.Zero(t, v.e.QueueLen())
	assert.Empty(t, v.reconnects)
}

func TestQueueOverflowSkipsWaitingHandshake(t *testing.T) {
	v := newEnv(t, func(o *Options) { o.QueueSize = 2 })
	v.establish()

	require.NoError(t, v.e.Enqueue(protocol.SetMode{Mode: protocol.ModeSmart}))
	require.NoError(t, v.e.Reinitialize())
	require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: 1}))
	require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: 2}))

	require.Len(t, v.sink.failures, 1)
	assert.Equal(t, protocol.SetNumber{Field: protocol.NumberBrightness, Value: 1}, v.sink.failures[0].cmd)
	assert.Equal(t, 3, v.e.QueueLen())
}

func TestDoActions(t *testing.T) {
	v := newEnv(t, nil)
	assert.ErrorIs(t, v.e.Do(ActionSync), ErrNotConnected)
	assert.ErrorIs(t, v.e.Do(Action(9)), ErrUnknownAction)

	v.establish()
	require.NoError(t, v.e.Do(ActionSetDatetime))
	f := v.last()
	require.Equal(t, protocol.CmdSyncTime, f.Cmd)
	cmd, err := protocol.ParseCommand(f)
	require.NoError(t, err)
	assert.True(t, cmd.(protocol.SyncTime).Time.Equal(v.clock.Now()))
	v.drain()

	require.NoError(t, v.e.Do(ActionSync))
	assert.Equal(t, protocol.CmdSync, v.last().Cmd)
	v.drain()

	require.NoError(t, v.e.Do(ActionResetFilter))
	assert.Equal(t, protocol.CmdResetFilter, v.last().Cmd)
}

func TestQueueOverflowDropsOldestWaiting(t *testing.T) {
	v := newEnv(t, func(o *Options) { o.QueueSize = 2 })
	v.establish()

	require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: 1}))
	require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: 2}))
	require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: 3}))
	require.NoError(t, v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberBrightness, Value: 4}))

	require.Len(t, v.sink.failures, 1)
	assert.ErrorIs(t, v.sink.failures[0].err, ErrQueueFull)
	assert.Equal(t, protocol.SetNumber{Field: protocol.NumberBrightness, Value: 2}, v.sink.failures[0].cmd)
	assert.Equal(t, 3, v.e.QueueLen())
}

func TestEnqueueRejectsOutOfRange(t *testing.T) {
	v := newEnv(t, nil)
	err := v.e.Enqueue(protocol.SetNumber{Field: protocol.NumberLightEnd, Value: 1440})
	assert.ErrorIs(t, err, protocol.ErrFieldRange)
	assert.Equal(t, 0, v.e.QueueLen())
}
