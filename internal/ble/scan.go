package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

// ProbeOptions configures Probe.
type ProbeOptions struct {
	GATT      GATT
	Timeout   time.Duration // connect plus handshake
	ChunkSize int
}

// DefaultProbeOptions returns sensible defaults for production use.
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		GATT:      DefaultGATT(),
		Timeout:   10 * time.Second,
		ChunkSize: protocol.DefaultChunkSize,
	}
}

// ScanForDevices scans for fountains advertising serviceUUID.
func ScanForDevices(adapter Adapter, serviceUUID string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// Probe connects to a device, runs the session handshake once and
// disconnects. It identifies a fountain without starting the engine.
func Probe(adapter Adapter, deviceMAC string, opts ProbeOptions) (protocol.SessionInfo, error) {
	def := DefaultProbeOptions()
	if opts.GATT == (GATT{}) {
		opts.GATT = def.GATT
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}

	if err := adapter.Enable(); err != nil {
		return protocol.SessionInfo{}, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	conn, err := adapter.Connect(ctx, deviceMAC)
	if err != nil {
		return protocol.SessionInfo{}, fmt.Errorf("ble: connect for probe: %w", err)
	}
	defer func() { _ = conn.Disconnect() }()

	writeChar, err := conn.DiscoverCharacteristic(opts.GATT.Service, opts.GATT.Write)
	if err != nil {
		return protocol.SessionInfo{}, fmt.Errorf("ble: discover write char: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(opts.GATT.Service, opts.GATT.Notify)
	if err != nil {
		return protocol.SessionInfo{}, fmt.Errorf("ble: discover notify char: %w", err)
	}

	const seq = 1
	infoCh := make(chan protocol.SessionInfo, 1)
	reasm := protocol.NewReassembler(protocol.DefaultMaxBuffered)
	chunks := make(chan []byte, 16)
	if err := notifyChar.Subscribe(func(data []byte) {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		select {
		case chunks <- chunk:
		default:
		}
	}); err != nil {
		return protocol.SessionInfo{}, fmt.Errorf("ble: subscribe to notifications: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case chunk := <-chunks:
				reasm.Push(chunk)
				for raw := range reasm.Frames() {
					f, err := protocol.DecodeFrame(raw)
					if err != nil || f.Cmd != protocol.CmdInitSession || f.Type != protocol.TypeResponse {
						continue
					}
					if f.Seq != 0 && f.Seq != seq {
						continue
					}
					info, err := protocol.DecodeSessionInfo(f.Payload)
					if err != nil {
						continue
					}
					infoCh <- info
					return
				}
			}
		}
	}()

	frame, err := protocol.Encode(protocol.InitSession{}, seq, 0)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	for _, chunk := range protocol.SplitFrame(frame, opts.ChunkSize) {
		if err := writeChar.Write(chunk); err != nil {
			return protocol.SessionInfo{}, fmt.Errorf("ble: write handshake: %w", err)
		}
	}

	select {
	case info := <-infoCh:
		return info, nil
	case <-ctx.Done():
		return protocol.SessionInfo{}, fmt.Errorf("ble: probe timed out waiting for session info")
	}
}
