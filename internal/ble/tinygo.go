package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux devices are addressed by
// MAC; on macOS the address is the CoreBluetooth peripheral UUID, and the
// "mac" setting stores that UUID string instead.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by upper-cased address
}

// NewTinyGoAdapter creates an adapter on the system's default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) && !strings.HasPrefix(strings.ToLower(result.LocalName()), "petkit") {
			return
		}
		mac := strings.ToUpper(result.Address.String())
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks with its own timeout; ctx only bounds
	// how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}
		a.mu.Lock()
		a.connections[strings.ToUpper(mac)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	service      *bluetooth.DeviceService // last discovered, reused for the next lookup
	serviceUUID  string
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	svc := c.service
	if c.serviceUUID != serviceUUID {
		svc = nil
	}
	c.mu.Unlock()
	if svc == nil {
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
		svc = &svcs[0]
		c.mu.Lock()
		c.service, c.serviceUUID = svc, serviceUUID
		c.mu.Unlock()
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
