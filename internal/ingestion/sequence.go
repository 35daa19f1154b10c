package ingestion

import "sync"

// SequenceAllocator hands out dense per-partition source sequences for
// locally originated requests. The core validates source sequences as a
// gap-free counter per partition, so locally built requests must continue
// the numbering the core expects; the allocator is seeded from the core's
// recovered sequence state at startup.
//
// Safe for concurrent use: HTTP handlers allocate from multiple goroutines.
type SequenceAllocator struct {
	mu   sync.Mutex
	next map[string]int64
}

// NewSequenceAllocator seeds the allocator with the next expected sequence
// per partition.
func NewSequenceAllocator(seed map[string]int64) *SequenceAllocator {
	next := make(map[string]int64, len(seed))
	for partition, seq := range seed {
		next[partition] = seq
	}
	return &SequenceAllocator{next: next}
}

// Next returns the next sequence for the partition and advances it.
func (a *SequenceAllocator) Next(partition string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq := a.next[partition]
	a.next[partition] = seq + 1
	return seq
}

// retract returns the most recently allocated sequence of a partition.
// Callers must guarantee no allocation happened in between, or the
// partition's counter would desync from the validator.
func (a *SequenceAllocator) retract(partition string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next[partition]--
}
