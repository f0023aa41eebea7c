// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

// ring is a fixed-capacity FIFO. Pushing into a full ring evicts the oldest
// element. It is not safe for concurrent use; the collector guards it.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) at(i int) T {
	return r.buf[(r.start+i)%len(r.buf)]
}

// dropOldestWhile removes elements from the head while drop returns true.
func (r *ring[T]) dropOldestWhile(drop func(T) bool) {
	var zero T
	for r.size > 0 && drop(r.buf[r.start]) {
		r.buf[r.start] = zero
		r.start = (r.start + 1) % len(r.buf)
		r.size--
	}
}

// retain keeps the elements for which keep returns true, preserving order.
func (r *ring[T]) retain(keep func(T) bool) {
	kept := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		if v := r.at(i); keep(v) {
			kept = append(kept, v)
		}
	}
	r.reset()
	for _, v := range kept {
		r.push(v)
	}
}

// items returns a copy, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}

func (r *ring[T]) reset() {
	clear(r.buf)
	r.start = 0
	r.size = 0
}
