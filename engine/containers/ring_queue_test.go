package containers

import (
	"errors"
	"testing"
)

func TestRingQueue_FIFO(t *testing.T) {
	rq := NewRingQueue[int](4)
	for i := 1; i <= 4; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if !rq.IsFull() {
		t.Fatal("queue should be full")
	}
	if err := rq.Enqueue(5); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full queue error = %v, want %v", err, ErrQueueFull)
	}

	for want := 1; want <= 4; want++ {
		got, err := rq.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue error = %v", err)
		}
		if got != want {
			t.Errorf("Dequeue = %d, want %d", got, want)
		}
	}
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Dequeue on empty queue error = %v, want %v", err, ErrQueueEmpty)
	}
}

func TestRingQueue_Wraparound(t *testing.T) {
	rq := NewRingQueue[string](3)
	_ = rq.Enqueue("a")
	_ = rq.Enqueue("b")
	_, _ = rq.Dequeue()
	_ = rq.Enqueue("c")
	_ = rq.Enqueue("d")

	if v, _ := rq.Peek(); v != "b" {
		t.Errorf("Peek = %q, want %q", v, "b")
	}
	got := rq.Drain()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Drain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !rq.IsEmpty() {
		t.Error("queue should be empty after Drain")
	}
}

func TestRingQueue_UnboundedGrowKeepsOrder(t *testing.T) {
	rq := NewUnboundedRingQueue[int](2)
	// Offset the read index so growth has to unroll the ring.
	_ = rq.Enqueue(-1)
	_, _ = rq.Dequeue()

	for i := 0; i < 100; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if rq.Len() != 100 {
		t.Fatalf("Len = %d, want 100", rq.Len())
	}
	if rq.Cap() < 100 {
		t.Fatalf("Cap = %d, want >= 100", rq.Cap())
	}
	for want := 0; want < 100; want++ {
		got, err := rq.Dequeue()
		if err != nil || got != want {
			t.Fatalf("Dequeue = (%d, %v), want (%d, nil)", got, err, want)
		}
	}
}
