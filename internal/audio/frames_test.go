package audio

import "testing"

func TestChunkerBuffersPartialFrames(t *testing.T) {
	c := NewChunker(FrameSizeBytes)

	frames := c.Push(make([]byte, 100))
	if len(frames) != 0 {
		t.Fatalf("partial data should emit no frames, got %d", len(frames))
	}
	if c.Pending() != 100 {
		t.Errorf("expected 100 pending bytes, got %d", c.Pending())
	}

	frames = c.Push(make([]byte, 300))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if len(frames[0]) != FrameSizeBytes {
		t.Errorf("expected %d-byte frame, got %d", FrameSizeBytes, len(frames[0]))
	}
	if c.Pending() != 80 {
		t.Errorf("expected 80 pending bytes, got %d", c.Pending())
	}
}

func TestChunkerEmitsMultipleFrames(t *testing.T) {
	c := NewChunker(FrameSizeBytes)

	data := make([]byte, FrameSizeBytes*2+60)
	for i := range data {
		data[i] = byte(i)
	}
	frames := c.Push(data)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[1][0] != data[FrameSizeBytes] {
		t.Error("frames emitted out of order")
	}
	if c.Pending() != 60 {
		t.Errorf("expected 60 pending bytes, got %d", c.Pending())
	}
}

func TestChunkerReset(t *testing.T) {
	c := NewChunker(FrameSizeBytes)
	c.Push(make([]byte, 100))
	c.Reset()
	if c.Pending() != 0 {
		t.Errorf("expected no pending bytes after Reset, got %d", c.Pending())
	}
}
