package util

import (
	"testing"
)

// TestAgeHeapOrder tests that keys are popped least recently touched first
func TestAgeHeapOrder(t *testing.T) {
	h := NewAgeHeap[string]()
	h.Touch("a", 30)
	h.Touch("b", 10)
	h.Touch("c", 20)

	if h.Len() != 3 {
		t.Fatalf("Expected 3 keys, got %d", h.Len())
	}

	want := []string{"b", "c", "a"}
	for _, w := range want {
		k, _, ok := h.PopOldest()
		if !ok || k != w {
			t.Errorf("Expected %s, got %s (ok=%v)", w, k, ok)
		}
	}
	if _, _, ok := h.PopOldest(); ok {
		t.Error("Heap should be empty")
	}
}

// TestAgeHeapTouchMovesKey tests that touching a key updates its position
func TestAgeHeapTouchMovesKey(t *testing.T) {
	h := NewAgeHeap[int]()
	h.Touch(1, 1)
	h.Touch(2, 2)
	h.Touch(1, 3)

	k, stamp, ok := h.Oldest()
	if !ok || k != 2 || stamp != 2 {
		t.Errorf("Expected (2,2), got (%d,%d)", k, stamp)
	}
	if s, _ := h.Stamp(1); s != 3 {
		t.Errorf("Expected stamp 3 for key 1, got %d", s)
	}
	if h.Len() != 2 {
		t.Errorf("Touch of a known key must not add an entry, len=%d", h.Len())
	}
}

// TestAgeHeapRemove tests key based removal
func TestAgeHeapRemove(t *testing.T) {
	h := NewAgeHeap[int]()
	for i := 0; i < 10; i++ {
		h.Touch(i, int64(i))
	}

	if !h.Remove(0) {
		t.Error("Remove of a present key should return true")
	}
	if h.Remove(0) {
		t.Error("Remove of an absent key should return false")
	}
	if h.Contains(0) {
		t.Error("Removed key should not be contained")
	}

	k, _, _ := h.Oldest()
	if k != 1 {
		t.Errorf("Expected oldest key 1, got %d", k)
	}
}
