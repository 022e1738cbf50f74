// Package ble provides the BLE transport to a Petkit fountain. It handles
// connection management, reconnection with backoff, and paced frame writes
// over Bluetooth Low Energy.
package ble

import (
	"context"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

// GATT names the service and characteristics frames travel over.
type GATT struct {
	Service string
	Notify  string
	Write   string
}

// DefaultGATT returns the layout every known fountain model uses.
func DefaultGATT() GATT {
	return GATT{
		Service: protocol.ServiceUUID,
		Notify:  protocol.NotifyUUID,
		Write:   protocol.WriteUUID,
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
