package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// eventLog records link callbacks.
type eventLog struct {
	mu     sync.Mutex
	events []string
	chunks [][]byte
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *eventLog) callbacks() Events {
	return Events{
		Connecting:   func() { e.add("connecting") },
		Connected:    func() { e.add("connected") },
		Disconnected: func() { e.add("disconnected") },
		Notify: func(chunk []byte) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.chunks = append(e.chunks, chunk)
		},
	}
}

func zeroDelayOpts() LinkOptions {
	return LinkOptions{
		ReconnectMax:   30,
		BackoffUnit:    time.Millisecond,
		ConnectTimeout: time.Second,
		ChunkSize:      20,
		WriteQueue:     16,
	}
}

func newTestLink(t *testing.T, adapter Adapter, opts LinkOptions) (*Link, *eventLog) {
	t.Helper()
	log := &eventLog{}
	link := NewLink(adapter, "AA:BB:CC:DD:EE:FF", opts, log.callbacks())
	t.Cleanup(func() { _ = link.Close() })
	return link, log
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func equalEvents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func testFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i)
	}
	return frame
}

func TestLinkConnectFiresEvents(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, log := newTestLink(t, adapter, zeroDelayOpts())

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !link.Connected() {
		t.Error("link should be connected after Connect()")
	}
	if got := log.snapshot(); !equalEvents(got, []string{"connecting", "connected"}) {
		t.Errorf("events = %v, want [connecting connected]", got)
	}
}

func TestLinkConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.failConnects = 1
	link, log := newTestLink(t, adapter, zeroDelayOpts())

	err := link.Connect(context.Background())
	if !errors.Is(err, errMockConnect) {
		t.Fatalf("Connect() error = %v, want %v", err, errMockConnect)
	}
	if link.Connected() {
		t.Error("link should not be connected")
	}
	if got := log.snapshot(); !equalEvents(got, []string{"connecting", "disconnected"}) {
		t.Errorf("events = %v, want [connecting disconnected]", got)
	}
}

func TestLinkWriteSplitsIntoChunks(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, _ := newTestLink(t, adapter, zeroDelayOpts())
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	frame := testFrame(45)
	if err := link.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	char := adapter.latestConnection().writeChar
	waitFor(t, "three chunks", func() bool { return char.writeCount() == 3 })

	char.mu.Lock()
	sizes := []int{len(char.writes[0]), len(char.writes[1]), len(char.writes[2])}
	char.mu.Unlock()
	if sizes[0] != 20 || sizes[1] != 20 || sizes[2] != 5 {
		t.Errorf("chunk sizes = %v, want [20 20 5]", sizes)
	}
	if !bytes.Equal(char.written(), frame) {
		t.Error("chunks do not reassemble to the frame")
	}
}

func TestLinkWriteCopiesFrame(t *testing.T) {
	adapter := newMockAdapter(nil)
	block := make(chan struct{})
	adapter.prepare = func(c *mockConnection) { c.writeChar.block = block }
	link, _ := newTestLink(t, adapter, zeroDelayOpts())
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	frame := testFrame(8)
	if err := link.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	frame[0] = 0xEE
	close(block)

	char := adapter.latestConnection().writeChar
	waitFor(t, "write", func() bool { return char.writeCount() == 1 })
	if got := char.written(); got[0] != 0 {
		t.Errorf("first byte = 0x%02x, want 0x00 (caller mutation leaked)", got[0])
	}
}

func TestLinkWriteNotConnected(t *testing.T) {
	link, _ := newTestLink(t, newMockAdapter(nil), zeroDelayOpts())
	if err := link.Write(testFrame(11)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v, want %v", err, ErrNotConnected)
	}
}

func TestLinkWriteQueueFull(t *testing.T) {
	adapter := newMockAdapter(nil)
	block := make(chan struct{})
	defer close(block)
	adapter.prepare = func(c *mockConnection) { c.writeChar.block = block }

	opts := zeroDelayOpts()
	opts.WriteQueue = 1
	link, _ := newTestLink(t, adapter, opts)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = link.Write(testFrame(11))
	}
	if !errors.Is(err, ErrWriteQueueFull) {
		t.Errorf("Write() error = %v, want %v", err, ErrWriteQueueFull)
	}
}

func TestLinkForwardsNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, log := newTestLink(t, adapter, zeroDelayOpts())
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	data := []byte{0xFA, 0xFC, 0xFD}
	adapter.latestConnection().notifyChar.SimulateNotification(data)
	data[0] = 0

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(log.chunks))
	}
	if !bytes.Equal(log.chunks[0], []byte{0xFA, 0xFC, 0xFD}) {
		t.Errorf("chunk = % x, want fa fc fd", log.chunks[0])
	}
}

func TestLinkWriteFailureReconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, log := newTestLink(t, adapter, zeroDelayOpts())
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	first := adapter.latestConnection()
	first.writeChar.mu.Lock()
	first.writeChar.err = errors.New("gatt: write failed")
	first.writeChar.mu.Unlock()

	if err := link.Write(testFrame(11)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	waitFor(t, "reconnect", func() bool {
		return adapter.connectCount() == 2 && link.Connected()
	})
	if !first.isDisconnected() {
		t.Error("failed connection should be disconnected")
	}
	want := []string{"connecting", "connected", "disconnected", "connecting", "connected"}
	if got := log.snapshot(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestLinkReconnectRequest(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, _ := newTestLink(t, adapter, zeroDelayOpts())
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := adapter.latestConnection()

	link.Reconnect(errors.New("handshake timed out"))

	waitFor(t, "reconnect", func() bool {
		return adapter.connectCount() == 2 && link.Connected()
	})
	if !first.isDisconnected() {
		t.Error("old connection should be disconnected")
	}
	if adapter.latestConnection() == first {
		t.Error("expected a new connection")
	}
}

func TestLinkCloseDisconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, log := newTestLink(t, adapter, zeroDelayOpts())
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := link.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("connection should be disconnected after Close()")
	}
	if err := link.Write(testFrame(11)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() after Close error = %v, want %v", err, ErrNotConnected)
	}
	if got := log.snapshot(); got[len(got)-1] != "disconnected" {
		t.Errorf("last event = %q, want disconnected", got[len(got)-1])
	}
}
