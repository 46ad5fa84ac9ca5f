package util

import (
	"sync"
	"testing"
	"time"
)

// TestEventQueueOrder tests that values of a single producer arrive in order
func TestEventQueueOrder(t *testing.T) {
	q := NewEventQueue[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case v := <-q.Recv():
			if v != i {
				t.Errorf("Expected %d, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case v := <-q.Recv():
		t.Errorf("Queue should be empty, got %d", v)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestEventQueueConcurrentProducers verifies no value is lost or duplicated
func TestEventQueueConcurrentProducers(t *testing.T) {
	q := NewEventQueue[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 500
	total := producers * perProducer

	received := make(map[int]bool, total)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(received) < total {
			v := <-q.Recv()
			if received[v] {
				t.Errorf("Duplicate value %d", v)
				return
			}
			received[v] = true
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout, received %d of %d values", len(received), total)
	}
}

// TestEventQueueClose tests that queued values are delivered after Close and
// that pushes are rejected afterwards
func TestEventQueueClose(t *testing.T) {
	q := NewEventQueue[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	if q.Push("c") {
		t.Error("Push should fail on a closed queue")
	}
	if !q.IsClosed() {
		t.Error("IsClosed should be true")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("forwarding goroutine did not exit")
	}
	if q.Pending() != 0 {
		t.Errorf("Expected no pending values, got %d", q.Pending())
	}
}
