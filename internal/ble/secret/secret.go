// Package secret derives the per-device secret the fountain expects in the
// SYNC command. The secret is bound to the 8-byte device id reported during
// the session handshake.
package secret

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Size is the length of a sync secret in bytes.
const Size = 8

const info = "petkit-fountain-sync"

// Derive returns the sync secret for deviceID using HKDF-SHA256.
func Derive(deviceID [8]byte) ([Size]byte, error) {
	var out [Size]byte
	if deviceID == ([8]byte{}) {
		return out, fmt.Errorf("ble/secret: device id is empty")
	}
	r := hkdf.New(sha256.New, deviceID[:], nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("ble/secret: HKDF: %w", err)
	}
	return out, nil
}
