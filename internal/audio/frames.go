package audio

// Chunker accumulates an arbitrary byte stream and emits exact fixed-size
// frames. Every unit exchanged with the model session or the telephony
// channel is exactly one frame; partial data stays buffered, never forwarded.
// Not safe for concurrent use; each direction of a call owns its own Chunker.
type Chunker struct {
	frameSize int
	buf       []byte
}

// NewChunker creates a Chunker emitting frames of frameSize bytes.
func NewChunker(frameSize int) *Chunker {
	return &Chunker{frameSize: frameSize}
}

// Push appends data and returns all complete frames now available.
func (c *Chunker) Push(data []byte) [][]byte {
	c.buf = append(c.buf, data...)

	var frames [][]byte
	for len(c.buf) >= c.frameSize {
		frame := make([]byte, c.frameSize)
		copy(frame, c.buf[:c.frameSize])
		frames = append(frames, frame)
		c.buf = c.buf[c.frameSize:]
	}
	return frames
}

// Pending returns the number of buffered bytes short of a full frame.
func (c *Chunker) Pending() int {
	return len(c.buf)
}

// Reset discards any buffered partial frame.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}
