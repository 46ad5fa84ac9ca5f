package util

import (
	"container/heap"
)

// ageEntry is one element of an AgeHeap
type ageEntry[K comparable] struct {
	key   K
	stamp int64
	index int
}

// ageSlice implements heap.Interface ordered by ascending stamp
type ageSlice[K comparable] struct {
	entries []*ageEntry[K]
	byKey   map[K]*ageEntry[K]
}

func (s *ageSlice[K]) Len() int { return len(s.entries) }

func (s *ageSlice[K]) Less(i, j int) bool { return s.entries[i].stamp < s.entries[j].stamp }

func (s *ageSlice[K]) Swap(i, j int) {
	s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	s.entries[i].index = i
	s.entries[j].index = j
}

func (s *ageSlice[K]) Push(x any) {
	e := x.(*ageEntry[K])
	e.index = len(s.entries)
	s.entries = append(s.entries, e)
	s.byKey[e.key] = e
}

func (s *ageSlice[K]) Pop() any {
	n := len(s.entries)
	e := s.entries[n-1]
	s.entries[n-1] = nil
	s.entries = s.entries[:n-1]
	e.index = -1
	delete(s.byKey, e.key)
	return e
}

// AgeHeap keeps keys ordered by the time they were last touched. The key with
// the smallest stamp (the least recently used one) is at the top.
//
// Touch, Remove and PopOldest are O(log n); Contains and Stamp are O(1).
//
// Thread-safety: AgeHeap is not thread-safe. It is meant to be owned by a
// single maintenance goroutine.
type AgeHeap[K comparable] struct {
	s ageSlice[K]
}

// NewAgeHeap creates an empty heap.
func NewAgeHeap[K comparable]() *AgeHeap[K] {
	return &AgeHeap[K]{s: ageSlice[K]{byKey: make(map[K]*ageEntry[K])}}
}

// Touch inserts the key or moves it to the given stamp.
func (h *AgeHeap[K]) Touch(key K, stamp int64) {
	if e, ok := h.s.byKey[key]; ok {
		e.stamp = stamp
		heap.Fix(&h.s, e.index)
		return
	}
	heap.Push(&h.s, &ageEntry[K]{key: key, stamp: stamp})
}

// Remove drops the key. It returns false if the key was not present.
func (h *AgeHeap[K]) Remove(key K) bool {
	e, ok := h.s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&h.s, e.index)
	return true
}

// Oldest returns the least recently touched key without removing it.
func (h *AgeHeap[K]) Oldest() (K, int64, bool) {
	if len(h.s.entries) == 0 {
		var zero K
		return zero, 0, false
	}
	e := h.s.entries[0]
	return e.key, e.stamp, true
}

// PopOldest removes and returns the least recently touched key.
func (h *AgeHeap[K]) PopOldest() (K, int64, bool) {
	if len(h.s.entries) == 0 {
		var zero K
		return zero, 0, false
	}
	e := heap.Pop(&h.s).(*ageEntry[K])
	return e.key, e.stamp, true
}

// Contains reports whether the key is tracked.
func (h *AgeHeap[K]) Contains(key K) bool {
	_, ok := h.s.byKey[key]
	return ok
}

// Stamp returns the stamp recorded for the key.
func (h *AgeHeap[K]) Stamp(key K) (int64, bool) {
	e, ok := h.s.byKey[key]
	if !ok {
		return 0, false
	}
	return e.stamp, true
}

// Len returns the number of tracked keys.
func (h *AgeHeap[K]) Len() int {
	return len(h.s.entries)
}
