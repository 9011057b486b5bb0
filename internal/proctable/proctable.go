// Package proctable implements the per-core process table: a red-black
// tree keyed by PID, a free list of released nodes for PID reuse, and the
// 32-bit PID encoding (owning core times PIDsPerCore plus a per-core
// monotonically increasing counter).
package proctable

import (
	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
)

// PIDsPerCore bounds the per-core counter and is the stride between one
// core's PID space and the next.
const PIDsPerCore = 10_000_000

// CoreOf extracts the owning core from a PID, making every PID globally
// unique and locally routable.
func CoreOf(pid uint32) capref.CoreID {
	return capref.CoreID(pid / PIDsPerCore)
}

// Node is one process table entry.
type Node struct {
	PID           uint32
	Name          string
	Dispatcher    capref.Ref
	Channel       Channel
	AcceptingCap  bool // a capability transfer to this process is in flight

	free bool // true while sitting on the free list
}

// Channel models the RPC channel associated with a process. Spawn
// initializes it as a same-core LMP channel awaiting its bind.
type Channel struct {
	Kind  ChannelKind
	State ChannelState
}

// ChannelKind distinguishes a same-core LMP channel from a cross-core
// URPC link.
type ChannelKind uint8

const (
	ChannelLMP ChannelKind = iota
	ChannelURPC
)

// ChannelState tracks LMP bind handshake progress; a freshly spawned
// child's channel starts in ChannelBindWait.
type ChannelState uint8

const (
	ChannelBindWait ChannelState = iota
	ChannelBound
)

// Table is a per-core process table. Not safe for concurrent use across
// goroutines other than the owning runtime's dispatch loop.
type Table struct {
	tree     rbTree
	freeList []*Node
	core     capref.CoreID
	pidUpper uint32 // next counter value to mint, starts at 1
}

// New returns an empty Table for the given core.
func New(core capref.CoreID) *Table {
	return &Table{core: core, pidUpper: 1}
}

// Alloc reserves a PID: reuses a freed node (keeping its previous PID) if
// the free list is non-empty, otherwise mints counter + core*PIDsPerCore.
func (t *Table) Alloc() (*Node, error) {
	if n := len(t.freeList); n > 0 {
		node := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		node.free = false
		t.tree.Insert(node)
		return node, nil
	}

	if t.pidUpper >= PIDsPerCore {
		return nil, errs.New(errs.KindNoAvailablePID, "proctable: per-core PID space exhausted")
	}
	pid := t.pidUpper + uint32(t.core)*PIDsPerCore
	t.pidUpper++

	node := &Node{PID: pid}
	t.tree.Insert(node)
	return node, nil
}

// Delete removes pid from the tree, clears its name/dispatcher, and
// returns it to the free list for reuse. A no-op if pid is not present.
func (t *Table) Delete(pid uint32) {
	node := t.tree.Get(pid)
	if node == nil {
		return
	}
	t.tree.Delete(pid)
	node.Name = ""
	node.Dispatcher = capref.Nil
	node.AcceptingCap = false
	node.free = true
	t.freeList = append(t.freeList, node)
}

// Lookup returns the node for pid, or nil if absent.
func (t *Table) Lookup(pid uint32) *Node {
	return t.tree.Get(pid)
}

// AllPIDs returns every live PID in ascending order.
func (t *Table) AllPIDs() []uint32 {
	pids := make([]uint32, 0, t.tree.Size())
	t.tree.ForEach(func(n *Node) {
		pids = append(pids, n.PID)
	})
	return pids
}

// RunningCount is the number of nodes currently reachable from the tree.
func (t *Table) RunningCount() int {
	return t.tree.Size()
}
