// Package protocol implements the Petkit fountain BLE wire protocol: frame
// encoding and validation, typed commands, response decoding, and
// reassembly of notification chunks into frames.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout:
//
//	FA FC FD | cmd | type | seq | len | session | payload[len] | crc16 (BE) | FB
//
// The CRC covers every byte from the first magic byte through the last
// payload byte.
const (
	HeaderLen  = 8
	TrailerLen = 3
	Overhead   = HeaderLen + TrailerLen

	// MaxPayloadLen is bounded by the single length byte in the header.
	MaxPayloadLen = 255
	// MaxFrameLen is the largest frame the device can legally send.
	MaxFrameLen = MaxPayloadLen + Overhead

	terminator byte = 0xFB
)

var magic = [3]byte{0xFA, 0xFC, 0xFD}

// Type distinguishes host requests from device responses.
type Type uint8

const (
	TypeRequest  Type = 1
	TypeResponse Type = 2
)

// Decode errors. None of them are fatal to a session: the frame is dropped.
var (
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrTruncated        = errors.New("protocol: truncated frame")
	ErrUnknownType      = errors.New("protocol: unknown frame type")
	ErrBadMagic         = errors.New("protocol: bad frame delimiter")
	ErrFieldRange       = errors.New("protocol: field out of range")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
)

// Frame is one complete, validated protocol message.
type Frame struct {
	Cmd     Cmd
	Type    Type
	Seq     uint8
	Session uint8
	Payload []byte
}

// EncodeFrame serializes f and appends its checksum and terminator.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, 0, len(f.Payload)+Overhead)
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(f.Cmd), byte(f.Type), f.Seq, byte(len(f.Payload)), f.Session)
	buf = append(buf, f.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, crc16(buf))
	buf = append(buf, terminator)
	return buf, nil
}

// DecodeFrame validates a single raw frame. The slice must hold exactly one
// frame: its length has to match the declared payload length.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < Overhead {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] {
		return Frame{}, fmt.Errorf("%w: header % x", ErrBadMagic, data[:3])
	}
	n := int(data[6])
	if len(data) != n+Overhead {
		return Frame{}, fmt.Errorf("%w: declared payload %d, frame %d bytes", ErrTruncated, n, len(data))
	}
	if data[len(data)-1] != terminator {
		return Frame{}, fmt.Errorf("%w: terminator 0x%02x", ErrBadMagic, data[len(data)-1])
	}

	body := data[:HeaderLen+n]
	want := binary.BigEndian.Uint16(data[HeaderLen+n:])
	if got := crc16(body); got != want {
		return Frame{}, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrChecksumMismatch, got, want)
	}

	f := Frame{
		Cmd:     Cmd(data[3]),
		Type:    Type(data[4]),
		Seq:     data[5],
		Session: data[7],
	}
	if f.Type != TypeRequest && f.Type != TypeResponse {
		return Frame{}, fmt.Errorf("%w: type %d", ErrUnknownType, f.Type)
	}
	if !f.Cmd.Known() {
		return Frame{}, fmt.Errorf("%w: cmd %d", ErrUnknownType, f.Cmd)
	}
	f.Payload = make([]byte, n)
	copy(f.Payload, data[HeaderLen:HeaderLen+n])
	return f, nil
}

// IsDecodeError reports whether err is one of the frame-level decode errors.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrFieldRange)
}

// crc16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
