package audio

import "testing"

func TestFrameQueueEvictsOldest(t *testing.T) {
	q := NewFrameQueue(50)

	for i := 1; i <= 50; i++ {
		if q.Push([]byte{byte(i)}) {
			t.Fatalf("push %d should not evict below capacity", i)
		}
	}
	if !q.Push([]byte{51}) {
		t.Error("push past capacity should report an eviction")
	}
	if q.Len() != 50 {
		t.Fatalf("expected 50 queued frames, got %d", q.Len())
	}

	// Frame 1 was evicted; frames 2..51 remain in order.
	for want := byte(2); want <= 51; want++ {
		frame, ok := q.TryPop()
		if !ok {
			t.Fatalf("queue exhausted early at frame %d", want)
		}
		if frame[0] != want {
			t.Fatalf("expected frame %d, got %d", want, frame[0])
		}
	}
}

func TestFrameQueueTryPopEmpty(t *testing.T) {
	q := NewFrameQueue(10)
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop on empty queue should return false")
	}
}

func TestFrameQueueClear(t *testing.T) {
	q := NewFrameQueue(10)
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("expected empty queue after Clear, got %d", q.Len())
	}
}
