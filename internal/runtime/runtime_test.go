package runtime

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
	"github.com/aos-course/init-runtime/internal/kernelabi/fake"
	"github.com/aos-course/init-runtime/internal/proctable"
	"github.com/aos-course/init-runtime/internal/spawn"
)

// minimalELF synthesizes the smallest ELF64 executable the spawner accepts:
// one PT_LOAD segment plus a .got section.
func minimalELF(t *testing.T) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
		shdrSize = 64
	)
	shstrtab := []byte("\x00.got\x00.shstrtab\x00")
	shstrtabOff := uint64(ehdrSize + phdrSize)
	shOff := shstrtabOff + uint64(len(shstrtab))

	buf := &bytes.Buffer{}
	le := binary.LittleEndian
	field := func(v interface{}) {
		require.NoError(t, binary.Write(buf, le, v))
	}

	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	field(uint16(2))   // ET_EXEC
	field(uint16(183)) // EM_AARCH64
	field(uint32(1))
	field(uint64(0x400000)) // entry
	field(uint64(ehdrSize))
	field(shOff)
	field(uint32(0))
	field(uint16(ehdrSize))
	field(uint16(phdrSize))
	field(uint16(1))
	field(uint16(shdrSize))
	field(uint16(3))
	field(uint16(2))

	field(uint32(1)) // PT_LOAD
	field(uint32(5)) // R|X
	field(uint64(0))
	field(uint64(0x400000))
	field(uint64(0x400000))
	field(uint64(ehdrSize))
	field(uint64(0x1000))
	field(uint64(0x1000))

	buf.Write(shstrtab)
	buf.Write(make([]byte, shdrSize)) // NULL section

	field(uint32(1)) // .got
	field(uint32(1))
	field(uint64(3))
	field(uint64(0x410000))
	field(uint64(0))
	field(uint64(8))
	field(uint32(0))
	field(uint32(0))
	field(uint64(8))
	field(uint64(0))

	field(uint32(6)) // .shstrtab
	field(uint32(3))
	field(uint64(0))
	field(uint64(0))
	field(shstrtabOff)
	field(uint64(len(shstrtab)))
	field(uint32(0))
	field(uint32(0))
	field(uint64(1))
	field(uint64(0))

	out := buf.Bytes()
	_, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	return out
}

type memModule struct {
	name string
	data []byte
}

func (m memModule) Name() string  { return m.name }
func (m memModule) Bytes() []byte { return m.data }

type memBoot map[string][]byte

func (b memBoot) FindModule(name string) (spawn.Module, error) {
	data, ok := b[name]
	if !ok {
		return nil, errs.New(errs.KindFindModule, "no such module")
	}
	return memModule{name: name, data: data}, nil
}

func newTestRuntime(t *testing.T, core capref.CoreID, ramBytes uint64, boot spawn.BootInfo) *Runtime {
	t.Helper()
	rt, err := New(Config{
		Core:     core,
		RAMBase:  uint64(core) << 32,
		RAMBytes: ramBytes,
		Boot:     boot,
		Log:      zerolog.Nop(),
	}, fake.New(core))
	require.NoError(t, err)
	return rt
}

func TestSpawnLoadByName(t *testing.T) {
	boot := memBoot{"hello": minimalELF(t)}
	rt := newTestRuntime(t, 0, 256<<20, boot)

	pid, err := rt.SpawnLoadByName("hello")
	require.NoError(t, err)
	require.EqualValues(t, 0, proctable.CoreOf(pid))
	require.Equal(t, 1, rt.Procs.RunningCount())
}

func TestSpawnedChildrenHaveDistinctL0(t *testing.T) {
	boot := memBoot{"hello": minimalELF(t)}
	rt := newTestRuntime(t, 0, 256<<20, boot)

	pid1, err := rt.SpawnLoadByName("hello")
	require.NoError(t, err)
	pid2, err := rt.SpawnLoadByName("hello")
	require.NoError(t, err)
	require.NotEqual(t, pid1, pid2)

	// Each launch hands the kernel the child's PAGECN[0] L0 vnode.
	k := rt.Kernel.(*fake.Kernel)
	require.Len(t, k.Invocations, 2)
	require.NotEqual(t, k.Invocations[0].VRoot, k.Invocations[1].VRoot)
}

func TestCrossCoreSpawn(t *testing.T) {
	boot := memBoot{"hello": minimalELF(t)}
	core0 := newTestRuntime(t, 0, 256<<20, boot)
	core1 := newTestRuntime(t, 1, 256<<20, boot)
	Connect(core0, core1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core1.Serve(ctx, []capref.CoreID{0})

	pid, err := core0.RPC.RequestSpawn(1, "hello AOS")
	require.NoError(t, err)
	require.EqualValues(t, 1, proctable.CoreOf(pid))
	require.NotNil(t, core1.Procs.Lookup(pid))
	require.Nil(t, core0.Procs.Lookup(pid))
}

func TestCrossCoreRAMRequest(t *testing.T) {
	core0 := newTestRuntime(t, 0, 256<<20, nil)
	core1 := newTestRuntime(t, 1, 4<<20, nil)
	Connect(core0, core1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core0.Serve(ctx, []capref.CoreID{1})

	cap, err := core1.RPC.RequestRAM(16<<20, 1)
	require.NoError(t, err)
	require.False(t, cap.IsNil())

	// Wait for the serve loop to settle before tearing the link down.
	time.Sleep(5 * time.Millisecond)
}

func TestServeStopsOnCancel(t *testing.T) {
	core0 := newTestRuntime(t, 0, 1<<20, nil)
	core1 := newTestRuntime(t, 1, 1<<20, nil)
	Connect(core0, core1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core0.Serve(ctx, []capref.CoreID{1}) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve loop did not stop on cancel")
	}
}
