// Package capref models the microkernel's capability references and frame
// identities. A capability looks like a value but stands in
// for a kernel-owned object: equality is structural, but the real lifetime
// is managed by the kernel's refcount, not by Go's GC. We treat a Ref as a
// move-only handle by convention (never store two live copies that both
// believe they own the slot). This package defines no Destroy operation.
package capref

import "fmt"

// Level identifies the position of a vnode in the four-level AArch64 table.
type Level uint8

const (
	LevelL0 Level = iota
	LevelL1
	LevelL2
	LevelL3
	LevelPage
	LevelDispatcher
)

func (l Level) String() string {
	switch l {
	case LevelL0:
		return "L0"
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	case LevelPage:
		return "page"
	case LevelDispatcher:
		return "dispatcher"
	default:
		return "unknown"
	}
}

// Ref is an opaque handle identifying a kernel object by (cnode address,
// slot index, level). Two Refs are equal iff CNode, Slot and Level all
// match.
type Ref struct {
	CNode uint64 // address of the owning cnode, as seen by the kernel
	Slot  uint32 // slot index within that cnode
	Level Level  // object kind/level, also compared by ==
}

// Nil is the well-known absent capability reference.
var Nil = Ref{}

// IsNil reports whether r names no capability.
func (r Ref) IsNil() bool {
	return r == Nil
}

func (r Ref) String() string {
	if r.IsNil() {
		return "cap<nil>"
	}
	return fmt.Sprintf("cap<%s cnode=%#x slot=%d>", r.Level, r.CNode, r.Slot)
}

// WithSlot returns a copy of r pointing at a different slot in the same
// cnode, used wherever a range of contiguous slots is handed out from a
// base reference.
func (r Ref) WithSlot(slot uint32) Ref {
	r.Slot = slot
	return r
}

// CoreID identifies the owning core of a frame or a PID.
type CoreID uint8

// FrameIdentity is the serialized form of a capability shipped across
// cores: physical base, byte size, and the core that forged/owns it.
type FrameIdentity struct {
	Base  uint64
	Bytes uint64
	Owner CoreID
}

func (f FrameIdentity) String() string {
	return fmt.Sprintf("frame<base=%#x bytes=%#x owner=%d>", f.Base, f.Bytes, f.Owner)
}

// ObjType enumerates the kernel object kinds a capability can be retyped
// or forged into.
type ObjType uint8

const (
	ObjTypeRAM ObjType = iota
	ObjTypeFrame
	ObjTypeDevFrame
	ObjTypeVNodeL0
	ObjTypeVNodeL1
	ObjTypeVNodeL2
	ObjTypeVNodeL3
	ObjTypeL1CNode
	ObjTypeL2CNode
	ObjTypeDispatcher
)

func (t ObjType) String() string {
	names := [...]string{"RAM", "Frame", "DevFrame", "VNodeL0", "VNodeL1", "VNodeL2", "VNodeL3", "L1CNode", "L2CNode", "Dispatcher"}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}
