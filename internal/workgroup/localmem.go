package workgroup

import "sync"

// LocalMemorySize is the per-work-group local memory budget (spec.md §4.E:
// "64KiB per logical CPU"), shared by every work-item in the group.
const LocalMemorySize = 64 * 1024

// localAllocRound is the granularity local memory requisitions are rounded
// up to, so successive allocations stay reasonably aligned for SIMD loads.
const localAllocRound = 128

// LocalMemory is a bump allocator over one work-group's local memory arena.
// It is reset between work-groups rather than freed: the backing array is
// reused for the lifetime of the executor that owns it.
type LocalMemory struct {
	mu         sync.Mutex
	buf        [LocalMemorySize]byte
	offset     int
	overflowed bool
}

// Requisition carves out size bytes of local memory, rounded up to
// localAllocRound. It reports false (and raises the overflow flag) if the
// group's local memory is exhausted; spec.md leaves the overflow behavior
// to the caller, which here surfaces as Executor.RunGroup's returned error.
func (m *LocalMemory) Requisition(size int) ([]byte, bool) {
	if size <= 0 {
		return nil, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rounded := ((size + localAllocRound - 1) / localAllocRound) * localAllocRound
	if m.offset+rounded > len(m.buf) {
		m.overflowed = true
		return nil, false
	}

	b := m.buf[m.offset : m.offset+size : m.offset+size]
	m.offset += rounded
	return b, true
}

// Reset rewinds the allocator for the next work-group.
func (m *LocalMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = 0
	m.overflowed = false
}

// Overflowed reports whether any Requisition since the last Reset failed.
func (m *LocalMemory) Overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflowed
}
