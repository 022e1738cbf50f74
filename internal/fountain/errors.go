package fountain

import "errors"

var (
	// ErrProtocolTimeout is reported when a command exhausts its attempts
	// without a matching response.
	ErrProtocolTimeout = errors.New("fountain: no response from device")
	// ErrRejected is reported when the device answers a write with a
	// non-zero status.
	ErrRejected = errors.New("fountain: command rejected by device")
	// ErrDisconnected fails every command still queued when the link drops.
	ErrDisconnected = errors.New("fountain: link disconnected")
	// ErrQueueFull fails the oldest waiting command when the queue overflows.
	ErrQueueFull = errors.New("fountain: command queue full")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("fountain: no session")
	// ErrUnknownAction is returned for action codes outside the known set.
	ErrUnknownAction = errors.New("fountain: unknown action")
)
