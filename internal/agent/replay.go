package agent

import "math/rand"

// Experience is one stored transition. Immutable once created: the encoded
// states are never written to after construction.
type Experience struct {
	State     []float32
	Action    int
	Reward    float32
	NextState []float32
	Done      bool
}

// ReplayMemory is a fixed-capacity ring buffer of experiences. Once full, a
// new entry overwrites the oldest one.
type ReplayMemory struct {
	entries []Experience
	next    int
	full    bool
}

// NewReplayMemory returns an empty memory with the given capacity.
func NewReplayMemory(capacity int) *ReplayMemory {
	if capacity <= 0 {
		panic("replay memory capacity must be positive")
	}
	return &ReplayMemory{entries: make([]Experience, capacity)}
}

// Add pushes an experience, overwriting the oldest once at capacity.
func (m *ReplayMemory) Add(e Experience) {
	m.entries[m.next] = e
	m.next++
	if m.next == len(m.entries) {
		m.next = 0
		m.full = true
	}
}

// Len returns the number of stored experiences.
func (m *ReplayMemory) Len() int {
	if m.full {
		return len(m.entries)
	}
	return m.next
}

// Capacity returns the fixed capacity.
func (m *ReplayMemory) Capacity() int { return len(m.entries) }

// Sample returns n experiences drawn uniformly at random (with replacement).
// It returns nil if the memory holds fewer than n entries.
func (m *ReplayMemory) Sample(rng *rand.Rand, n int) []Experience {
	size := m.Len()
	if size < n {
		return nil
	}
	batch := make([]Experience, n)
	for ii := range batch {
		batch[ii] = m.entries[rng.Intn(size)]
	}
	return batch
}
