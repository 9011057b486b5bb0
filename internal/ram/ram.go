// Package ram implements the RAM capability manager: a flat free-list of
// (base, bytes) regions rather than a buddy allocator. The node pool is
// pre-sized up front, so allocation works before page-mapping is
// functional and Add/Alloc stay off the Go heap in the common case.
package ram

import (
	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
)

// node is one free region tracked by the manager.
type node struct {
	base, bytes uint64
	next        *node
}

// slabCapacity sizes the node pool as one node per 256 bytes of a 64 KiB
// static buffer.
const slabCapacity = 64 * 1024 / 256

// Manager is the RAM allocator façade used by the slot pre-allocator
// (package slotalloc, through internal/runtime's adapter), the spawner, and
// the RPC layer.
type Manager struct {
	free     *node
	pool     [slabCapacity]node
	poolUsed int
}

// New returns an empty Manager; call Add to seed it with RAM capability
// regions discovered from boot info.
func New() *Manager {
	return &Manager{}
}

func (m *Manager) newNode() *node {
	if m.poolUsed < len(m.pool) {
		n := &m.pool[m.poolUsed]
		m.poolUsed++
		return n
	}
	return &node{}
}

// Add registers a free RAM region. Regions are kept sorted by base for
// deterministic, coalescing-friendly iteration.
func (m *Manager) Add(base, bytes uint64) {
	n := m.newNode()
	n.base, n.bytes = base, bytes

	if m.free == nil || base < m.free.base {
		n.next = m.free
		m.free = n
		return
	}
	cur := m.free
	for cur.next != nil && cur.next.base < base {
		cur = cur.next
	}
	n.next = cur.next
	cur.next = n
}

// Alloc finds the first free region of at least size bytes aligned to
// align, splits it, and returns the allocated base. Returns NO_MEMORY when
// no region fits.
func (m *Manager) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	var prev *node
	for cur := m.free; cur != nil; prev, cur = cur, cur.next {
		base := alignUp(cur.base, align)
		pad := base - cur.base
		if cur.bytes < pad+size {
			continue
		}
		remaining := cur.bytes - pad - size
		if pad == 0 {
			// consume from the front
			if remaining == 0 {
				m.unlink(prev, cur)
			} else {
				cur.base += size
				cur.bytes = remaining
			}
		} else {
			// leave [cur.base, base) as a smaller free region, and if
			// anything remains after the allocation, track it too.
			cur.bytes = pad
			if remaining > 0 {
				m.insertAfter(cur, base+size, remaining)
			}
		}
		return base, nil
	}
	return 0, errs.New(errs.KindNoMemory, "ram: no region large enough")
}

// AllocRAM allocates bytes and records the resulting identity against dest
// via a caller-supplied forger, since the façade itself has no capability
// namespace. internal/runtime adapts it to slotalloc.RAMSource.
func (m *Manager) AllocRAM(forger func(dest capref.Ref, id capref.FrameIdentity) error, dest capref.Ref, bytes uint64, owner capref.CoreID) error {
	base, err := m.Alloc(bytes, 1)
	if err != nil {
		return errs.Wrap(errs.KindNoMemory, err, "ram: AllocRAM failed")
	}
	return forger(dest, capref.FrameIdentity{Base: base, Bytes: bytes, Owner: owner})
}

// Free returns a previously allocated region to the pool.
func (m *Manager) Free(base, bytes uint64) {
	m.Add(base, bytes)
}

func (m *Manager) unlink(prev, cur *node) {
	if prev == nil {
		m.free = cur.next
	} else {
		prev.next = cur.next
	}
}

func (m *Manager) insertAfter(after *node, base, bytes uint64) {
	n := m.newNode()
	n.base, n.bytes = base, bytes
	n.next = after.next
	after.next = n
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// TotalFree sums all free bytes, for diagnostics and tests. The RPC layer
// forwards a RAM request on a NO_MEMORY from Alloc, not on this total.
func (m *Manager) TotalFree() uint64 {
	var total uint64
	for cur := m.free; cur != nil; cur = cur.next {
		total += cur.bytes
	}
	return total
}
