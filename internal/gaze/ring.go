package gaze

import "time"

// Sample is one normalized gaze coordinate with its arrival time.
type Sample struct {
	H  float64   `json:"h"`
	V  float64   `json:"v"`
	At time.Time `json:"at"`
}

// RingBuffer is a fixed-capacity FIFO of samples. Push is O(1); once full,
// each push overwrites the oldest sample.
type RingBuffer struct {
	items []Sample
	head  int // index of the oldest sample
	size  int
}

// NewRingBuffer creates a ring buffer; capacity < 1 is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{items: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when the buffer is full.
func (r *RingBuffer) Push(s Sample) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = s
		r.size++
		return
	}
	r.items[r.head] = s
	r.head = (r.head + 1) % capacity
}

// Len returns the number of buffered samples.
func (r *RingBuffer) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int { return len(r.items) }

// At returns the i-th sample, oldest first. It panics when i is out of range,
// like a slice index.
func (r *RingBuffer) At(i int) Sample {
	if i < 0 || i >= r.size {
		panic("gaze: ring buffer index out of range")
	}
	return r.items[(r.head+i)%len(r.items)]
}

// Newest returns the most recently pushed sample.
func (r *RingBuffer) Newest() (Sample, bool) {
	if r.size == 0 {
		return Sample{}, false
	}
	return r.At(r.size - 1), true
}

// Snapshot copies the contents oldest first.
func (r *RingBuffer) Snapshot() []Sample {
	out := make([]Sample, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}
