// Package kernelabi models the microkernel syscall surface consumed by the
// init-side runtime. The microkernel itself lives elsewhere: this package
// only names the ABI as Go interfaces so every domain package (paging,
// slot allocation, spawn, RPC) can be built and tested against it without
// a real kernel underneath. A production shim implementing these
// interfaces against the actual syscall trap ships with the kernel tree;
// internal/kernelabi/fake provides the in-memory double used by cmd/init
// and the tests of the packages that call the kernel.
//
// One named operation per kernel entry point, grouped by the object it
// acts on.
package kernelabi

import "github.com/aos-course/init-runtime/internal/capref"

// SlotAllocator hands out a single fresh slot in some cnode. The init
// process's own root-cnode slot allocator implements this; the two-bucket
// slot pre-allocator is layered on top of it.
type SlotAllocator interface {
	AllocSlot() (capref.Ref, error)
}

// VnodeOps covers vnode_create and vnode_map.
type VnodeOps interface {
	// CreateVnode allocates a new vnode object of the given level into
	// dest (dest names an already-allocated slot).
	CreateVnode(dest capref.Ref, level capref.Level) error

	// Map installs child at slot in parent's table, covering count
	// page-table-sized units starting at baseOffset, recording the
	// operation in the capability at mappingSlot. Mirrors
	// vnode_map(parent, child, slot, flags, base_offset, count, mapping_slot).
	Map(parent, child capref.Ref, slot uint32, flags uint32, baseOffset, count uint64, mappingSlot capref.Ref) error
}

// FrameOps covers frame_alloc, cap_identify, and frame_forge.
type FrameOps interface {
	AllocFrame(dest capref.Ref, bytes uint64) error
	Identify(frame capref.Ref) (capref.FrameIdentity, error)
	Forge(dest capref.Ref, id capref.FrameIdentity) error
}

// DevFrameOps covers devframe_forge, used to map SD-controller MMIO and
// DMA-safe buffers for the FAT32 component.
type DevFrameOps interface {
	ForgeDevFrame(dest capref.Ref, id capref.FrameIdentity) error
}

// CapOps covers cap_copy and cap_retype.
type CapOps interface {
	Copy(dest, src capref.Ref) error
	Retype(destStart capref.Ref, src capref.Ref, offset uint64, newType capref.ObjType, objBytes uint64, count uint64) error
}

// CnodeOps covers cnode_create_l1 and cnode_create_foreign_l2.
type CnodeOps interface {
	CreateL1(dest capref.Ref) error
	CreateForeignL2(parent capref.Ref, slot uint32) (capref.Ref, error)
}

// DispatcherOps covers dispatcher_create and invoke_dispatcher.
type DispatcherOps interface {
	CreateDispatcher(dest capref.Ref) error
	InvokeDispatcher(disp, capDispatcher, rootcn, vroot, dispframe capref.Ref, run bool) error
}

// RamOps covers ram_alloc and ram_forge; layered under internal/ram.
type RamOps interface {
	AllocRAM(dest capref.Ref, bytes uint64) error
	ForgeRAM(dest capref.Ref, id capref.FrameIdentity) error
}

// Kernel aggregates every syscall surface a domain component might need,
// so call sites take one dependency instead of eight.
type Kernel interface {
	SlotAllocator
	VnodeOps
	FrameOps
	DevFrameOps
	CapOps
	CnodeOps
	DispatcherOps
	RamOps
}
