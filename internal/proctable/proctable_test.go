package proctable

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
)

func TestPIDEncodingRoundTrip(t *testing.T) {
	for _, core := range []capref.CoreID{0, 1, 3} {
		tbl := New(core)
		node, err := tbl.Alloc()
		require.NoError(t, err)
		require.Equal(t, core, CoreOf(node.PID))
	}
}

func TestAllocMonotonicPIDs(t *testing.T) {
	tbl := New(1)
	a, err := tbl.Alloc()
	require.NoError(t, err)
	b, err := tbl.Alloc()
	require.NoError(t, err)
	require.Equal(t, a.PID+1, b.PID)
	require.EqualValues(t, 1*PIDsPerCore+1, a.PID)
}

func TestDeleteRecyclesNode(t *testing.T) {
	tbl := New(0)
	a, _ := tbl.Alloc()
	b, _ := tbl.Alloc()
	c, _ := tbl.Alloc()
	_ = a
	_ = c

	b.Name = "victim"
	b.Dispatcher = capref.Ref{CNode: 9, Slot: 9}
	tbl.Delete(b.PID)
	require.Nil(t, tbl.Lookup(b.PID))
	require.Equal(t, 2, tbl.RunningCount())

	// The freed node comes back with its old PID and scrubbed state.
	reused, err := tbl.Alloc()
	require.NoError(t, err)
	require.Equal(t, b.PID, reused.PID)
	require.Empty(t, reused.Name)
	require.True(t, reused.Dispatcher.IsNil())
	require.Equal(t, 3, tbl.RunningCount())
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	tbl := New(0)
	tbl.Delete(42)
	require.Equal(t, 0, tbl.RunningCount())
}

func TestAllPIDsSortedAndComplete(t *testing.T) {
	tbl := New(0)
	var want []uint32
	for i := 0; i < 20; i++ {
		n, err := tbl.Alloc()
		require.NoError(t, err)
		want = append(want, n.PID)
	}
	tbl.Delete(want[3])
	tbl.Delete(want[11])
	want = append(want[:3], append(want[4:11], want[12:]...)...)

	got := tbl.AllPIDs()
	require.Equal(t, len(want), len(got))
	require.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }))
	require.ElementsMatch(t, want, got)
	require.Equal(t, len(got), tbl.RunningCount())
}

func TestPIDExhaustion(t *testing.T) {
	tbl := New(0)
	tbl.pidUpper = PIDsPerCore - 1

	last, err := tbl.Alloc()
	require.NoError(t, err)
	require.EqualValues(t, PIDsPerCore-1, last.PID)

	_, err = tbl.Alloc()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNoAvailablePID))

	// Recycling still works past exhaustion.
	tbl.Delete(last.PID)
	reused, err := tbl.Alloc()
	require.NoError(t, err)
	require.Equal(t, last.PID, reused.PID)
}

// TestTreeChurn drives the red-black tree through a deterministic
// insert/delete mix and cross-checks it against a plain map.
func TestTreeChurn(t *testing.T) {
	var tree rbTree
	shadow := make(map[uint32]*Node)

	seed := uint32(12345)
	next := func() uint32 {
		seed = seed*1664525 + 1013904223
		return seed % 4096
	}

	for i := 0; i < 5000; i++ {
		pid := next()
		if _, ok := shadow[pid]; ok {
			tree.Delete(pid)
			delete(shadow, pid)
		} else {
			n := &Node{PID: pid}
			tree.Insert(n)
			shadow[pid] = n
		}
		require.Equal(t, len(shadow), tree.Size())
	}

	var inOrder []uint32
	tree.ForEach(func(n *Node) { inOrder = append(inOrder, n.PID) })
	require.Len(t, inOrder, len(shadow))
	require.True(t, sort.SliceIsSorted(inOrder, func(i, j int) bool { return inOrder[i] < inOrder[j] }))
	for _, pid := range inOrder {
		require.Same(t, shadow[pid], tree.Get(pid))
	}
}
