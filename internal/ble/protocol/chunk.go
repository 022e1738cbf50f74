package protocol

// DefaultChunkSize is the ATT payload available on a link that never
// negotiated a larger MTU (23 - 3 bytes of ATT header).
const DefaultChunkSize = 20

// SplitFrame splits an encoded frame into writes of at most size bytes.
// Chunks share storage with frame. Returns nil for an empty frame or a
// non-positive size.
func SplitFrame(frame []byte, size int) [][]byte {
	if len(frame) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(frame)+size-1)/size)
	for len(frame) > size {
		chunks = append(chunks, frame[:size:size])
		frame = frame[size:]
	}
	return append(chunks, frame)
}
