package audio

import (
	"sync"
)

// FrameQueue is a thread-safe bounded queue of outbound audio frames. When
// full, Push evicts the oldest frame before admitting the newest: stale
// audio is useless in a live call, so freshness wins over completeness.
type FrameQueue struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		frames:   make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Push enqueues a frame, evicting the oldest entry on overflow.
// Returns true if an eviction occurred.
func (q *FrameQueue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.frames) >= q.capacity {
		q.frames = q.frames[1:]
		evicted = true
	}
	q.frames = append(q.frames, frame)
	return evicted
}

// TryPop dequeues the oldest frame, or returns false when empty.
func (q *FrameQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Clear discards all queued frames.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
}
