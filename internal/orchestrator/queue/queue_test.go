package queue

import "testing"

func TestEnqueueDequeueOrdersByPriority(t *testing.T) {
	q := New(0)
	if err := q.Enqueue("low", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue("high", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue("mid", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := q.Dequeue().ID; got != "high" {
		t.Errorf("expected high first, got %s", got)
	}
	if got := q.Dequeue().ID; got != "mid" {
		t.Errorf("expected mid second, got %s", got)
	}
	if got := q.Dequeue().ID; got != "low" {
		t.Errorf("expected low last, got %s", got)
	}
	if q.Dequeue() != nil {
		t.Error("expected nil from empty queue")
	}
}

func TestEnqueueRejectsDuplicateAndFull(t *testing.T) {
	q := New(1)
	if err := q.Enqueue("a", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue("a", 1); err != ErrItemExists {
		t.Errorf("expected ErrItemExists, got %v", err)
	}
	if err := q.Enqueue("b", 1); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestUpdatePriorityReordersHeap(t *testing.T) {
	q := New(0)
	q.Enqueue("a", 1)
	q.Enqueue("b", 2)

	if !q.UpdatePriority("a", 10) {
		t.Fatal("expected update to succeed")
	}
	if got := q.Peek().ID; got != "a" {
		t.Errorf("expected a to be promoted to front, got %s", got)
	}
}

func TestRemoveAndContains(t *testing.T) {
	q := New(0)
	q.Enqueue("a", 1)
	if !q.Contains("a") {
		t.Error("expected queue to contain a")
	}
	if !q.Remove("a") {
		t.Error("expected remove to succeed")
	}
	if q.Contains("a") {
		t.Error("expected queue to no longer contain a")
	}
	if q.Remove("a") {
		t.Error("expected second remove to fail")
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	q := New(0)
	q.Enqueue("a", 1)
	q.Enqueue("b", 2)
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("expected empty queue after Clear, got %d", q.Len())
	}
}
