package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/kernelabi/fake"
	"github.com/aos-course/init-runtime/internal/proctable"
	"github.com/aos-course/init-runtime/internal/ram"
)

func newCore(t *testing.T, core capref.CoreID, ramBytes uint64) *Dispatcher {
	t.Helper()
	k := fake.New(core)
	rm := ram.New()
	if ramBytes > 0 {
		rm.Add(uint64(core)<<32, ramBytes)
	}
	procs := proctable.New(core)
	return New(core, k, k, rm, procs, nil)
}

func TestRequestRAMLocal(t *testing.T) {
	d := newCore(t, 0, 1024*1024)
	cap, err := d.RequestRAM(4096, 1)
	require.NoError(t, err)
	require.False(t, cap.IsNil())
}

func TestRequestRAMRemoteFallback(t *testing.T) {
	core0 := newCore(t, 0, 256*1024*1024)
	core1 := newCore(t, 1, 4*1024*1024) // less than the 16 MiB request below

	link1, link0 := NewLinkPair()
	core1.BindLink(0, link1)
	core0.BindLink(1, link0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core0.ServeLink(ctx, 1)

	cap, err := core1.RequestRAM(16*1024*1024, 1)
	require.NoError(t, err)
	require.False(t, cap.IsNil())
	require.GreaterOrEqual(t, core1.RAM.TotalFree(), uint64(0))
}

func TestCapTransferLocal(t *testing.T) {
	d := newCore(t, 0, 1024*1024)
	node, err := d.Procs.Alloc()
	require.NoError(t, err)

	cap := capref.Ref{CNode: 1, Slot: 1, Level: capref.LevelPage}
	require.NoError(t, d.putCap(node.PID, cap))

	got, ok := d.RecvCap(node.PID)
	require.True(t, ok)
	require.Equal(t, cap, got)
}

func TestCapTransferUnknownPID(t *testing.T) {
	d := newCore(t, 0, 1024*1024)
	err := d.putCap(999, capref.Ref{})
	require.Error(t, err)
}

func TestNumberAndStringHandlers(t *testing.T) {
	d := newCore(t, 0, 1024*1024)

	num := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	out, err := d.dispatchLocal(Number, num)
	require.NoError(t, err)
	require.Equal(t, num, out)

	_, err = d.dispatchLocal(String, []byte("hello\x00"))
	require.NoError(t, err)

	_, err = d.dispatchLocal(String, []byte("no terminator"))
	require.Error(t, err)
}

type recordingTerminal struct {
	out []byte
}

func (rt *recordingTerminal) ReadByte() (byte, error) { return 'x', nil }
func (rt *recordingTerminal) WriteByte(b byte) error {
	rt.out = append(rt.out, b)
	return nil
}

func TestTerminalPassThrough(t *testing.T) {
	d := newCore(t, 0, 1024*1024)

	_, err := d.ReadTerminal()
	require.Error(t, err) // no driver attached yet

	term := &recordingTerminal{}
	d.Terminal = term
	require.NoError(t, d.WriteTerminal('h'))
	require.NoError(t, d.WriteTerminal('i'))
	require.Equal(t, []byte("hi"), term.out)

	b, err := d.ReadTerminal()
	require.NoError(t, err)
	require.Equal(t, byte('x'), b)
}

func TestForwardRoutingGetLocalPIDs(t *testing.T) {
	// Exercise the generic forward/serve framing without a real spawner:
	// GetLocalPIDs is locally dispatchable and round-trips cleanly.
	core0 := newCore(t, 0, 1024*1024)
	core1 := newCore(t, 1, 1024*1024)

	link1, link0 := NewLinkPair()
	core1.BindLink(0, link1)
	core0.BindLink(1, link0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core0.ServeLink(ctx, 1)

	reply, err := core1.forward(0, GetLocalPIDs, nil)
	require.NoError(t, err)
	require.Empty(t, reply) // core0 has no processes yet

	time.Sleep(5 * time.Millisecond)
}
