// Package paging implements the four-level AArch64 page-table manager: it
// owns the capability references to every intermediate table and leaf
// mapping of a domain's virtual address space, walking (and creating)
// L1/L2/L3 vnodes level by level on each fixed-address map.
//
// Children are tracked in a direct-mapped table per node (one map entry
// per occupied slot) indexed by the nine-bit slot at each level: a child
// is reachable from its parent by its slot, with O(1) lookup and no
// list-node bookkeeping.
package paging

import (
	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
	"github.com/aos-course/init-runtime/internal/kernelabi"
)

// PageSize is the AArch64 base page size.
const PageSize = 4096

// slabLowWater is the node-slab refill trigger: enough headroom for one
// deep mapping operation.
const slabLowWater = 64

// vnode is one non-root node in the four-level tree: its own capability,
// the mapping capability returned by vnode_map, the slot it occupies in
// its parent, and (for L0-L2) its children indexed by slot.
type vnode struct {
	cap      capref.Ref
	mapSlot  capref.Ref
	parentSl uint32
	children map[uint32]*vnode
	// hasFrame marks an L3 slot that has been mapped to a leaf frame,
	// modeling "page" entries without a distinct node type.
	hasFrame bool
}

func newVnode(cap capref.Ref, parentSlot uint32) *vnode {
	return &vnode{cap: cap, parentSl: parentSlot, children: make(map[uint32]*vnode)}
}

// State is one domain's paging state: an L0 root plus the tree below it.
// A State is single-threaded per domain; concurrent callers must
// serialize externally.
type State struct {
	root     capref.Ref
	l1       map[uint32]*vnode
	kernel   kernelabi.Kernel
	slots    kernelabi.SlotAllocator
	slabFree int // free node-slab cells, decremented per new tree node
	refilling bool
}

// NewState initializes paging state for a domain whose L0 vnode capability
// is root. Only fixed-address mapping is provided; virtual-range
// allocation belongs to a separate free-list layer.
func NewState(root capref.Ref, kernel kernelabi.Kernel, slots kernelabi.SlotAllocator) *State {
	return &State{
		root:     root,
		l1:       make(map[uint32]*vnode),
		kernel:   kernel,
		slots:    slots,
		slabFree: 4096,
	}
}

// decompose splits a virtual address into its four nine-bit level slots,
// starting at bit 39/30/21/12.
func decompose(v uint64) (l0, l1, l2, l3 uint32) {
	l0 = uint32((v >> 39) & 0x1ff)
	l1 = uint32((v >> 30) & 0x1ff)
	l2 = uint32((v >> 21) & 0x1ff)
	l3 = uint32((v >> 12) & 0x1ff)
	return
}

// tableSlots is the entry count of one table at any level (nine-bit index).
const tableSlots = 512

// MapFixed maps frame at the fixed virtual address v, creating any
// intermediate L1/L2/L3 vnodes along the way. bytes is rounded up to a
// page multiple. A range whose pages spill past the end of one L3 table
// is split into per-table chunks, each installed with its own vnode_map
// call so the walk creates the additional L3 node the next chunk lands
// in. Remapping an already-mapped page requires a prior unmap; it is
// refused both here and by the underlying kernelabi.Kernel.Map.
func (s *State) MapFixed(v uint64, frame capref.Ref, bytes uint64, flags Flags) error {
	s.maybeRefillSlab()

	pages := (bytes + PageSize - 1) / PageSize
	var frameOffset uint64

	for pages > 0 {
		l0s, l1s, l2s, l3s := decompose(v)

		l1node, err := s.descend(s.l1, l0s, s.root, capref.LevelL1, flags)
		if err != nil {
			return errs.Wrap(errs.KindVnodeMap, err, "paging: L1 walk failed")
		}
		l2node, err := s.descend(l1node.children, l1s, l1node.cap, capref.LevelL2, flags)
		if err != nil {
			return errs.Wrap(errs.KindVnodeMap, err, "paging: L2 walk failed")
		}
		l3node, err := s.descend(l2node.children, l2s, l2node.cap, capref.LevelL3, flags)
		if err != nil {
			return errs.Wrap(errs.KindVnodeMap, err, "paging: L3 walk failed")
		}

		if leaf, ok := l3node.children[l3s]; ok && leaf.hasFrame {
			return errs.New(errs.KindNotMapped, "paging: page already mapped, refusing re-map")
		}

		chunk := uint64(tableSlots - l3s)
		if chunk > pages {
			chunk = pages
		}

		mappingSlot, err := s.slots.AllocSlot()
		if err != nil {
			return errs.Wrap(errs.KindSlotEmpty, err, "paging: could not allocate leaf mapping slot")
		}
		if err := s.kernel.Map(l3node.cap, frame, l3s, uint32(flags), frameOffset, chunk, mappingSlot); err != nil {
			return errs.Wrap(errs.KindVnodeMap, err, "paging: leaf vnode_map failed")
		}
		leaf := newVnode(frame, l3s)
		leaf.mapSlot = mappingSlot
		leaf.hasFrame = true
		l3node.children[l3s] = leaf

		pages -= chunk
		v += chunk * PageSize
		frameOffset += chunk * PageSize
	}
	return nil
}

// descend finds (or creates) the child at slot in table, whose parent
// capability is parentCap: the per-level body of the walk, generalized
// over L1/L2/L3.
func (s *State) descend(table map[uint32]*vnode, slot uint32, parentCap capref.Ref, level capref.Level, flags Flags) (*vnode, error) {
	if existing, ok := table[slot]; ok {
		return existing, nil
	}

	childCap, err := s.slots.AllocSlot()
	if err != nil {
		return nil, errs.Wrap(errs.KindSlotEmpty, err, "paging: could not allocate vnode slot")
	}
	if err := s.kernel.CreateVnode(childCap, level); err != nil {
		return nil, errs.Wrap(errs.KindVnodeCreate, err, "paging: vnode_create failed")
	}

	mappingSlot, err := s.slots.AllocSlot()
	if err != nil {
		return nil, errs.Wrap(errs.KindSlotEmpty, err, "paging: could not allocate mapping slot")
	}
	if err := s.kernel.Map(parentCap, childCap, slot, uint32(flags), 0, 1, mappingSlot); err != nil {
		return nil, errs.Wrap(errs.KindVnodeMap, err, "paging: intermediate vnode_map failed")
	}

	n := newVnode(childCap, slot)
	n.mapSlot = mappingSlot
	table[slot] = n
	s.slabFree--
	return n, nil
}

// maybeRefillSlab triggers a slab refill when free node storage drops
// below the threshold and a refill is not already in progress. The guard
// is always cleared on return, so a later refill can run.
func (s *State) maybeRefillSlab() {
	if s.refilling || s.slabFree >= slabLowWater {
		return
	}
	s.refilling = true
	defer func() { s.refilling = false }()
	s.slabFree += 4096
}

// Lookup walks the four-level path for v and returns the leaf frame and
// mapping capability installed there, if any.
func (s *State) Lookup(v uint64) (frame capref.Ref, mapping capref.Ref, ok bool) {
	l0s, l1s, l2s, l3s := decompose(v)
	l1node, exists := s.l1[l0s]
	if !exists {
		return capref.Nil, capref.Nil, false
	}
	l2node, exists := l1node.children[l1s]
	if !exists {
		return capref.Nil, capref.Nil, false
	}
	l3node, exists := l2node.children[l2s]
	if !exists {
		return capref.Nil, capref.Nil, false
	}
	leaf, exists := l3node.children[l3s]
	if !exists || !leaf.hasFrame {
		return capref.Nil, capref.Nil, false
	}
	return leaf.cap, leaf.mapSlot, true
}
