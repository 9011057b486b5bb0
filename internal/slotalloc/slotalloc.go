// Package slotalloc implements the two-bucket slot pre-allocator that
// produces fresh capability slots even while itself allocating backing
// storage. Two L2-cnode-sized buckets let refill consume from one bucket
// while the other keeps serving allocations; a reentrancy guard stops
// refill from recursing into itself when its own RAM/slot allocation
// bottoms out.
package slotalloc

import (
	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
)

// L2Slots is the fixed slot count of one bucket's backing L2 cnode.
const L2Slots = 16384

// LowWater is the minimum number of slots a bucket must retain to satisfy
// one deep paging operation (a full four-level walk plus its mapping
// slots, with margin).
const LowWater = 40

// RootSlotAllocator mints a fresh slot in the root cnode for a new bucket
// cnode, refilling itself via the RAM manager on exhaustion.
type RootSlotAllocator interface {
	AllocRootSlot() (capref.Ref, error)
}

// RAMSource allocates the RAM backing a new L2 cnode bucket; the retype
// into a cnode is CNodeCreator's job.
type RAMSource interface {
	AllocRAM(dest capref.Ref, bytes uint64) error
}

// CNodeCreator builds the new bucket's L2 cnode capability in place.
type CNodeCreator interface {
	// CreateL2 retypes ramCap (sized for one L2 cnode) into an L2 cnode
	// at dest.
	CreateL2(dest, ramCap capref.Ref) error
}

type bucket struct {
	cap  capref.Ref
	next uint32
	free uint32
}

// Allocator is the two-bucket slot pre-allocator. Not safe for concurrent
// use: it is single-threaded per dispatcher, relying on the reentrancy
// flag rather than a mutex.
type Allocator struct {
	buckets    [2]bucket
	current    int
	refilling  bool
	rootAlloc  RootSlotAllocator
	ram        RAMSource
	cnode      CNodeCreator
	objBytes   uint64 // size of one L2 cnode's backing RAM
}

// New initializes an Allocator with an already-populated first bucket.
// initialCNode must have exactly L2Slots free.
func New(initialCNode capref.Ref, rootAlloc RootSlotAllocator, ram RAMSource, cnode CNodeCreator, l2ObjBytes uint64) *Allocator {
	a := &Allocator{
		rootAlloc: rootAlloc,
		ram:       ram,
		cnode:     cnode,
		objBytes:  l2ObjBytes,
	}
	a.buckets[0] = bucket{cap: initialCNode, next: 0, free: L2Slots}
	a.buckets[1] = bucket{free: 0}
	return a
}

// Alloc hands out n contiguous slots from the active bucket, refilling or
// switching buckets as needed.
func (a *Allocator) Alloc(n uint32) (capref.Ref, error) {
	cur := &a.buckets[a.current]

	if cur.free < n || cur.free-n <= LowWater {
		if err := a.refill(); err != nil {
			// Refill failures are non-fatal here: we still try to serve
			// from whichever bucket has room.
			_ = err
		}
		cur = &a.buckets[a.current]
	}

	if cur.free < n {
		a.current = 1 - a.current
		cur = &a.buckets[a.current]
	}

	if cur.free < n {
		return capref.Nil, errs.New(errs.KindSlotEmpty, "slotalloc: both buckets exhausted")
	}

	ret := cur.cap.WithSlot(cur.next)
	cur.next += n
	cur.free -= n
	return ret, nil
}

// refill allocates a RAM cap of L2-cnode size, obtains a fresh root-cnode
// slot, retypes the RAM into an L2 cnode, and resets the *other* bucket's
// counters. The reentrancy guard is always cleared via defer.
func (a *Allocator) refill() error {
	if a.refilling {
		return nil
	}
	a.refilling = true
	defer func() { a.refilling = false }()

	other := 1 - a.current
	if a.buckets[other].free == L2Slots {
		return nil // spare bucket already full
	}

	ramCap := capref.Ref{CNode: 0xDEAD, Slot: 0, Level: capref.LevelL2}
	if err := a.ram.AllocRAM(ramCap, a.objBytes); err != nil {
		return errs.Wrap(errs.KindNoMemory, err, "slotalloc: refill could not allocate RAM for bucket")
	}

	cnodeSlot, err := a.rootAlloc.AllocRootSlot()
	if err != nil {
		return errs.Wrap(errs.KindSlotEmpty, err, "slotalloc: refill could not allocate root slot")
	}

	if err := a.cnode.CreateL2(cnodeSlot, ramCap); err != nil {
		return errs.Wrap(errs.KindVnodeCreate, err, "slotalloc: refill could not create L2 cnode")
	}

	a.buckets[other] = bucket{cap: cnodeSlot, next: 0, free: L2Slots}
	return nil
}

// AllocSlot hands out a single slot, satisfying kernelabi.SlotAllocator so
// the paging state and spawner can draw their slots from the pre-allocator.
func (a *Allocator) AllocSlot() (capref.Ref, error) {
	return a.Alloc(1)
}

// Free reports the number of slots left in the currently active bucket.
func (a *Allocator) Free() uint32 {
	return a.buckets[a.current].free
}
