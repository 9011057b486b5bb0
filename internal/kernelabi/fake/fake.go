// Package fake is an in-memory double for internal/kernelabi.Kernel. It
// hands out monotonically increasing synthetic capability references and
// records every dispatcher invocation, so the domain packages (paging, slot
// allocation, spawn, RPC) can be driven end to end in tests without a real
// microkernel underneath.
package fake

import (
	"sync"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
)

// vnodeEntry records what a vnode slot has been mapped to, so Map can
// enforce the no-remap-without-unmap invariant.
type vnodeEntry struct {
	child   capref.Ref
	present bool
}

// mapKey identifies one entry of one page table: the full parent capability
// (not just its cnode) plus the table index being installed. Keying on the
// parent Ref keeps same-index entries under different tables distinct.
type mapKey struct {
	parent capref.Ref
	slot   uint32
}

// Kernel is the fake implementation of kernelabi.Kernel. A single Kernel
// represents one core's worth of kernel state.
type Kernel struct {
	mu sync.Mutex

	nextCNode uint64
	nextSlot  map[uint64]uint32 // per-cnode next free slot
	mappings  map[mapKey]vnodeEntry
	frames    map[capref.Ref]capref.FrameIdentity
	nextFrame uint64

	// Invocations records dispatcher launches for test assertions.
	Invocations []Invocation

	// Core is the owning core id, stamped into forged frame identities
	// that don't already carry one.
	Core capref.CoreID
}

// Invocation captures one invoke_dispatcher call.
type Invocation struct {
	Dispatcher capref.Ref
	RootCN     capref.Ref
	VRoot      capref.Ref
	DispFrame  capref.Ref
	Run        bool
}

// New returns a ready Kernel for the given core id. Slot 0 of the root
// cnode is never handed out: with LevelL0 it would equal capref.Nil.
func New(core capref.CoreID) *Kernel {
	return &Kernel{
		nextCNode: 1,
		nextSlot:  map[uint64]uint32{0: 1},
		mappings:  make(map[mapKey]vnodeEntry),
		frames:    make(map[capref.Ref]capref.FrameIdentity),
		nextFrame: 1,
		Core:      core,
	}
}

// NewCNode allocates a fresh synthetic cnode address, used by callers (e.g.
// cnode_create_l1/foreign_l2) that need a slot namespace of their own.
func (k *Kernel) NewCNode() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextCNode
	k.nextCNode++
	return id
}

// AllocSlot implements kernelabi.SlotAllocator against the root cnode (0).
func (k *Kernel) AllocSlot() (capref.Ref, error) {
	return k.allocSlotIn(0, capref.LevelL0), nil
}

func (k *Kernel) allocSlotIn(cnode uint64, level capref.Level) capref.Ref {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot := k.nextSlot[cnode]
	k.nextSlot[cnode] = slot + 1
	return capref.Ref{CNode: cnode, Slot: slot, Level: level}
}

// CreateVnode implements vnode_create.
func (k *Kernel) CreateVnode(dest capref.Ref, level capref.Level) error {
	if dest.IsNil() {
		return errs.New(errs.KindVnodeCreate, "vnode_create: nil destination slot")
	}
	return nil
}

// Map implements vnode_map, refusing to remap an already-present slot.
func (k *Kernel) Map(parent, child capref.Ref, slot uint32, flags uint32, baseOffset, count uint64, mappingSlot capref.Ref) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := mapKey{parent: parent, slot: slot}
	if e, ok := k.mappings[key]; ok && e.present {
		return errs.New(errs.KindNotMapped, "vnode_map: slot already mapped")
	}
	k.mappings[key] = vnodeEntry{child: child, present: true}
	return nil
}

// AllocFrame implements frame_alloc, returning a frame whose identity is
// synthesized from an internal counter.
func (k *Kernel) AllocFrame(dest capref.Ref, bytes uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	base := k.nextFrame * 0x100000
	k.nextFrame++
	k.frames[dest] = capref.FrameIdentity{Base: base, Bytes: bytes, Owner: k.Core}
	return nil
}

// Identify implements cap_identify.
func (k *Kernel) Identify(frame capref.Ref) (capref.FrameIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.frames[frame]
	if !ok {
		return capref.FrameIdentity{}, errs.New(errs.KindInvalidPayload, "cap_identify: unknown frame")
	}
	return id, nil
}

// Forge implements frame_forge: synthesize a local capability referring to
// a physical region already known from another core.
func (k *Kernel) Forge(dest capref.Ref, id capref.FrameIdentity) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.frames[dest] = id
	return nil
}

// ForgeDevFrame implements devframe_forge.
func (k *Kernel) ForgeDevFrame(dest capref.Ref, id capref.FrameIdentity) error {
	return k.Forge(dest, id)
}

// Copy implements cap_copy: if src has a recorded frame identity, dest
// gets the same one; for any other src nothing is recorded.
func (k *Kernel) Copy(dest, src capref.Ref) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if id, ok := k.frames[src]; ok {
		k.frames[dest] = id
	}
	return nil
}

// Retype implements cap_retype: turns a RAM capability into count objects
// of newType, objBytes each, starting at destStart.
func (k *Kernel) Retype(destStart capref.Ref, src capref.Ref, offset uint64, newType capref.ObjType, objBytes uint64, count uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	base, ok := k.frames[src]
	if !ok {
		return errs.New(errs.KindInvalidPayload, "cap_retype: source has no backing RAM")
	}
	for i := uint64(0); i < count; i++ {
		dest := destStart.WithSlot(destStart.Slot + uint32(i))
		k.frames[dest] = capref.FrameIdentity{
			Base:  base.Base + offset + i*objBytes,
			Bytes: objBytes,
			Owner: base.Owner,
		}
	}
	return nil
}

// CreateL1 implements cnode_create_l1.
func (k *Kernel) CreateL1(dest capref.Ref) error {
	return nil
}

// CreateForeignL2 implements cnode_create_foreign_l2: a new L2 cnode
// created in parent at slot, usable across process boundaries.
func (k *Kernel) CreateForeignL2(parent capref.Ref, slot uint32) (capref.Ref, error) {
	cn := k.NewCNode()
	return capref.Ref{CNode: cn, Slot: 0, Level: capref.LevelL2}, nil
}

// CreateDispatcher implements dispatcher_create.
func (k *Kernel) CreateDispatcher(dest capref.Ref) error {
	return nil
}

// InvokeDispatcher implements invoke_dispatcher, recording the launch for
// assertions; it does not actually resume a child.
func (k *Kernel) InvokeDispatcher(disp, capDispatcher, rootcn, vroot, dispframe capref.Ref, run bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Invocations = append(k.Invocations, Invocation{
		Dispatcher: disp,
		RootCN:     rootcn,
		VRoot:      vroot,
		DispFrame:  dispframe,
		Run:        run,
	})
	return nil
}

// AllocRAM implements ram_alloc.
func (k *Kernel) AllocRAM(dest capref.Ref, bytes uint64) error {
	return k.AllocFrame(dest, bytes)
}

// ForgeRAM implements ram_forge.
func (k *Kernel) ForgeRAM(dest capref.Ref, id capref.FrameIdentity) error {
	return k.Forge(dest, id)
}

// AllocRootSlot mints a root-cnode slot destined to hold a new L2 cnode
// during a slot-allocator refill. The returned Ref carries a fresh
// synthetic cnode address, since once the L2 cnode is retyped into it the
// cap names that cnode's own slot namespace.
func (k *Kernel) AllocRootSlot() (capref.Ref, error) {
	return capref.Ref{CNode: k.NewCNode(), Slot: 0, Level: capref.LevelL2}, nil
}
