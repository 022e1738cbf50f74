package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

// Link errors.
var (
	ErrNotConnected   = errors.New("ble: not connected")
	ErrWriteQueueFull = errors.New("ble: write queue full")
)

// LinkOptions configures the BLE link behavior.
type LinkOptions struct {
	GATT           GATT
	ReconnectMax   int           // max reconnect backoff in seconds
	BackoffUnit    time.Duration // length of one backoff step (default 1s)
	ConnectTimeout time.Duration
	WriteInterval  time.Duration // pacing between write chunks; 0 disables pacing
	ChunkSize      int           // bytes per GATT write
	WriteQueue     int           // frames buffered for the writer
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		GATT:           DefaultGATT(),
		ReconnectMax:   30,
		BackoffUnit:    time.Second,
		ConnectTimeout: 10 * time.Second,
		WriteInterval:  20 * time.Millisecond,
		ChunkSize:      protocol.DefaultChunkSize,
		WriteQueue:     16,
	}
}

// Events are the link callbacks. They are never invoked with the link's lock
// held, so they may call back into the link. Nil fields are skipped.
type Events struct {
	Connecting   func()
	Connected    func()
	Disconnected func()
	Notify       func(chunk []byte)
}

// Observer receives transport counters.
type Observer interface {
	Reconnected()
	NotificationReceived(n int)
	Written(n int)
}

type nopObserver struct{}

func (nopObserver) Reconnected()             {}
func (nopObserver) NotificationReceived(int) {}
func (nopObserver) Written(int)              {}

type outFrame struct {
	gen  uint64
	data []byte
}

// Link manages the BLE connection to one fountain. Frames handed to Write are
// split into chunks and written in order by a single writer goroutine.
type Link struct {
	adapter   Adapter
	deviceMAC string
	opts      LinkOptions
	events    Events
	obs       Observer

	mu        sync.Mutex
	conn      Connection
	writeChar Characteristic
	connected bool
	gen       uint64 // bumped on every connect; stale queued frames are dropped

	frames       chan outFrame
	limiter      *rate.Limiter
	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewLink creates a link to the device at deviceMAC and starts its writer.
// Call Close to release it.
func NewLink(adapter Adapter, deviceMAC string, opts LinkOptions, events Events) *Link {
	def := DefaultLinkOptions()
	if opts.GATT == (GATT{}) {
		opts.GATT = def.GATT
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = def.BackoffUnit
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = def.WriteQueue
	}

	limit := rate.Inf
	if opts.WriteInterval > 0 {
		limit = rate.Every(opts.WriteInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		adapter:   adapter,
		deviceMAC: deviceMAC,
		opts:      opts,
		events:    events,
		obs:       nopObserver{},
		frames:    make(chan outFrame, opts.WriteQueue),
		limiter:   rate.NewLimiter(limit, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// SetObserver installs transport counters. Call before Connect.
func (l *Link) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	l.mu.Lock()
	l.obs = o
	l.mu.Unlock()
}

func (l *Link) observer() Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.obs
}

// Connected reports whether the link is up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Write queues one encoded frame for transmission. It never blocks.
func (l *Link) Write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return ErrNotConnected
	}
	data := make([]byte, len(frame))
	copy(data, frame)
	select {
	case l.frames <- outFrame{gen: l.gen, data: data}:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (l *Link) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case f := <-l.frames:
			l.mu.Lock()
			ch := l.writeChar
			current := l.connected && f.gen == l.gen
			l.mu.Unlock()
			if !current {
				slog.Debug("[BLE] dropping frame from previous connection", "bytes", len(f.data))
				continue
			}
			if err := l.writeChunks(ch, f.data); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				slog.Warn("[BLE] write failed", "error", err)
				l.Reconnect(err)
			}
		}
	}
}

// writeChunks splits frame into MTU-safe chunks and writes them, pacing each
// chunk through the limiter.
func (l *Link) writeChunks(ch Characteristic, frame []byte) error {
	obs := l.observer()
	for _, chunk := range protocol.SplitFrame(frame, l.opts.ChunkSize) {
		if err := l.limiter.Wait(l.ctx); err != nil {
			return err
		}
		if err := ch.Write(chunk); err != nil {
			return fmt.Errorf("ble: write chunk: %w", err)
		}
		obs.Written(len(chunk))
	}
	return nil
}

// setConnected discovers the frame characteristics on conn and subscribes to
// notifications.
func (l *Link) setConnected(conn Connection) error {
	g := l.opts.GATT
	writeChar, err := conn.DiscoverCharacteristic(g.Service, g.Write)
	if err != nil {
		return fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(g.Service, g.Notify)
	if err != nil {
		return fmt.Errorf("ble: discover notify characteristic: %w", err)
	}
	if err := notifyChar.Subscribe(l.onNotify); err != nil {
		return fmt.Errorf("ble: subscribe: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.writeChar = writeChar
	l.connected = true
	l.gen++
	l.mu.Unlock()

	conn.OnDisconnect(func() {
		slog.Warn("[BLE] disconnected, reconnecting...")
		l.handleDisconnect(conn)
	})
	return nil
}

// setDisconnected marks the link down. It reports false if conn is no longer
// the current connection.
func (l *Link) setDisconnected(conn Connection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn || conn == nil {
		return false
	}
	l.connected = false
	l.conn = nil
	l.writeChar = nil
	return true
}

func (l *Link) onNotify(data []byte) {
	l.observer().NotificationReceived(len(data))
	if l.events.Notify == nil {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	l.events.Notify(chunk)
}

// Close stops reconnecting and the writer and disconnects.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil && l.setDisconnected(conn) {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("[BLE] disconnect failed", "error", err)
			}
			l.fire(l.events.Disconnected)
		}
		l.wg.Wait()
	})
	return nil
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Connect establishes the initial BLE connection to the device.
func (l *Link) Connect(ctx context.Context) error {
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	l.fire(l.events.Connecting)
	if err := l.dial(ctx); err != nil {
		l.fire(l.events.Disconnected)
		return err
	}
	slog.Info("[BLE] connected", "mac", l.deviceMAC)
	l.fire(l.events.Connected)
	return nil
}

func (l *Link) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	conn, err := l.adapter.Connect(ctx, l.deviceMAC)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", l.deviceMAC, err)
	}
	if err := l.setConnected(conn); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("ble: set connected: %w", err)
	}
	return nil
}

// Reconnect drops the current connection and starts the reconnect loop. The
// engine calls it when a write fails or the handshake never completes.
func (l *Link) Reconnect(reason error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	slog.Warn("[BLE] reconnect requested", "reason", reason)
	if conn == nil {
		l.startReconnect()
		return
	}
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect failed", "error", err)
	}
	l.handleDisconnect(conn)
}

func (l *Link) handleDisconnect(conn Connection) {
	if !l.setDisconnected(conn) {
		return
	}
	l.fire(l.events.Disconnected)
	l.startReconnect()
}

func (l *Link) startReconnect() {
	if l.ctx.Err() != nil {
		return
	}
	if l.reconnecting.CompareAndSwap(false, true) {
		go l.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff until it
// succeeds or the link is closed.
func (l *Link) reconnectLoop() {
	defer l.reconnecting.Store(false)
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, l.opts.ReconnectMax) / time.Second * l.opts.BackoffUnit
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if l.ctx.Err() != nil || l.Connected() {
			return
		}

		l.fire(l.events.Connecting)
		if err := l.dial(l.ctx); err != nil {
			slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
			l.fire(l.events.Disconnected)
			continue
		}
		if l.ctx.Err() != nil {
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if l.setDisconnected(conn) {
				_ = conn.Disconnect()
			}
			return
		}

		slog.Info("[BLE] reconnected", "mac", l.deviceMAC)
		l.observer().Reconnected()
		l.fire(l.events.Connected)
		return
	}
}

func (l *Link) fire(fn func()) {
	if fn != nil {
		fn()
	}
}
