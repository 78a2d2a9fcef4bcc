package queue

import "testing"

func TestQueueFifo(t *testing.T) {
	q := New[int]()
	if _, ok := q.PopFront(); ok {
		t.Fatal("empty queue should not pop")
	}
	for i := 0; i < 5; i++ {
		q.PushBack(i)
	}
	q.PushFront(-1)
	if q.Len() != 6 {
		t.Fatalf("expected 6, got %v", q.Len())
	}
	if v, _ := q.PeekFront(); v != -1 {
		t.Fatalf("expected -1, got %v", v)
	}
	for i := -1; i < 5; i++ {
		v, ok := q.PopFront()
		if !ok || v != i {
			t.Fatalf("expected %v, got %v", i, v)
		}
	}
	if !q.IsEmpty() {
		t.Fatal("queue should be empty")
	}
}

func TestQueueDrain(t *testing.T) {
	q := New[string]()
	q.PushBack("a")
	q.PushBack("b")
	out := q.Drain()
	if len(out) != 2 || out[0] != "a" || out[1] != "b" {
		t.Fatalf("unexpected drain result: %v", out)
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty after drain")
	}
}
