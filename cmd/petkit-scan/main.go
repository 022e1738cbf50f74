// Command petkit-scan finds Petkit fountains in range and prints the address
// to put in device.mac. With -probe it also runs the session handshake
// against one device and prints its serial and device id.
//
// Usage:
//
//	go run ./cmd/petkit-scan [--timeout 10s] [--probe AA:BB:CC:DD:EE:FF]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/petkit-ble/internal/ble"
	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	probe := flag.String("probe", "", "address of a fountain to handshake with")
	flag.Parse()

	adapter := ble.NewTinyGoAdapter()

	if *probe != "" {
		fmt.Printf("Probing %s...\n", *probe)
		opts := ble.DefaultProbeOptions()
		opts.Timeout = *timeout
		info, err := ble.Probe(adapter, *probe, opts)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Serial:    %s\n", info.Serial)
		fmt.Printf("  Device ID: % x\n", info.DeviceID)
		fmt.Printf("  Session:   %d\n", info.Token)
		return
	}

	fmt.Printf("Scanning for %s...\n", *timeout)
	devices, err := ble.ScanForDevices(adapter, protocol.ServiceUUID, *timeout)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("No fountains found. Make sure the fountain is powered and not connected to the Petkit app.")
		return
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %-20s %s  %d dBm\n", name, d.MAC, d.RSSI)
	}
}
