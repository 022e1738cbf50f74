package protocol

import (
	"bytes"
	"encoding/binary"
	"iter"
)

// DefaultMaxBuffered bounds how much unframed data a Reassembler holds before
// it gives up on the stream.
const DefaultMaxBuffered = 2 * MaxFrameLen

// Reassembler rebuilds frames from notification chunks. It is not safe for
// concurrent use; the session engine owns one per connection.
type Reassembler struct {
	buf    []byte
	max    int
	resets int
}

// NewReassembler returns a Reassembler that discards its buffer once more
// than maxBuffered bytes accumulate without a complete frame.
func NewReassembler(maxBuffered int) *Reassembler {
	if maxBuffered < MaxFrameLen {
		maxBuffered = MaxFrameLen
	}
	return &Reassembler{max: maxBuffered}
}

// Push appends a notification chunk. It reports false when the buffer
// overflowed and was reset.
func (r *Reassembler) Push(chunk []byte) bool {
	r.buf = append(r.buf, chunk...)
	if len(r.buf) > r.max {
		r.Reset()
		r.resets++
		return false
	}
	return true
}

// Frames yields every complete raw frame currently buffered, consuming them
// as they are yielded. Bytes before a frame delimiter are skipped. A partial
// frame stays buffered for the next Push.
func (r *Reassembler) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			frame, ok := r.next()
			if !ok {
				return
			}
			if !yield(frame) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Resets returns how many times the buffer overflowed.
func (r *Reassembler) Resets() int { return r.resets }

// Reset drops any partial frame, e.g. on disconnect.
func (r *Reassembler) Reset() { r.buf = r.buf[:0] }

func (r *Reassembler) next() ([]byte, bool) {
	for {
		start := bytes.Index(r.buf, magic[:])
		if start < 0 {
			// Keep a possible delimiter prefix split across chunks.
			keep := min(len(r.buf), len(magic)-1)
			r.buf = append(r.buf[:0], r.buf[len(r.buf)-keep:]...)
			return nil, false
		}
		if start > 0 {
			r.buf = append(r.buf[:0], r.buf[start:]...)
		}
		if len(r.buf) < HeaderLen {
			return nil, false
		}
		total := int(r.buf[6]) + Overhead
		if len(r.buf) < total {
			return nil, false
		}
		// A damaged length byte swallows the frames behind it. Resync on the
		// next delimiter inside the candidate when it does not check out.
		if !intact(r.buf[:total]) {
			if i := bytes.Index(r.buf[1:total], magic[:]); i >= 0 {
				r.buf = append(r.buf[:0], r.buf[1+i:]...)
				continue
			}
		}
		frame := make([]byte, total)
		copy(frame, r.buf[:total])
		r.buf = append(r.buf[:0], r.buf[total:]...)
		return frame, true
	}
}

// intact reports whether frame ends in a terminator and its checksum matches.
func intact(frame []byte) bool {
	end := len(frame) - TrailerLen
	return frame[len(frame)-1] == terminator &&
		binary.BigEndian.Uint16(frame[end:]) == crc16(frame[:end])
}
