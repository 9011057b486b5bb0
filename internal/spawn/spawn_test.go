package spawn

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/kernelabi/fake"
	"github.com/aos-course/init-runtime/internal/proctable"
	"github.com/aos-course/init-runtime/internal/ram"
)

// buildMinimalELF synthesizes the smallest AArch64 ELF64 executable debug/
// elf will parse: one PT_LOAD segment and a .got section, enough to drive
// loadELF's contract (entry point + .got address) without a real compiler.
func buildMinimalELF(t *testing.T, entry, gotAddr uint64) []byte {
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

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0})
	buf.Write(make([]byte, 8)) // padding to 16 bytes

	le := binary.LittleEndian
	field := func(v interface{}) {
		require.NoError(t, binary.Write(buf, le, v))
	}
	field(uint16(2))           // e_type = ET_EXEC
	field(uint16(183))         // e_machine = EM_AARCH64
	field(uint32(1))           // e_version
	field(entry)               // e_entry
	field(uint64(ehdrSize))    // e_phoff
	field(shOff)                // e_shoff
	field(uint32(0))           // e_flags
	field(uint16(ehdrSize))    // e_ehsize
	field(uint16(phdrSize))    // e_phentsize
	field(uint16(1))           // e_phnum
	field(uint16(shdrSize))    // e_shentsize
	field(uint16(3))           // e_shnum
	field(uint16(2))           // e_shstrndx

	// Program header: one PT_LOAD.
	field(uint32(1))                 // p_type = PT_LOAD
	field(uint32(5))                 // p_flags = R|X
	field(uint64(0))                 // p_offset
	field(uint64(0x400000))          // p_vaddr
	field(uint64(0x400000))          // p_paddr
	field(uint64(ehdrSize))          // p_filesz
	field(uint64(0x1000))            // p_memsz
	field(uint64(0x1000))            // p_align

	buf.Write(shstrtab)

	// Section 0: NULL.
	buf.Write(make([]byte, shdrSize))

	// Section 1: .got
	field(uint32(1))        // sh_name -> ".got"
	field(uint32(1))        // sh_type = SHT_PROGBITS
	field(uint64(3))        // sh_flags = WRITE|ALLOC
	field(gotAddr)          // sh_addr
	field(uint64(0))        // sh_offset
	field(uint64(8))        // sh_size
	field(uint32(0))        // sh_link
	field(uint32(0))        // sh_info
	field(uint64(8))        // sh_addralign
	field(uint64(0))        // sh_entsize

	// Section 2: .shstrtab
	field(uint32(6)) // sh_name -> ".shstrtab"
	field(uint32(3)) // sh_type = SHT_STRTAB
	field(uint64(0)) // sh_flags
	field(uint64(0)) // sh_addr
	field(shstrtabOff)
	field(uint64(len(shstrtab)))
	field(uint32(0))
	field(uint32(0))
	field(uint64(1))
	field(uint64(0))

	out := buf.Bytes()
	// sanity check it round-trips through debug/elf before handing it to
	// the spawner under test.
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.NotNil(t, f.Section(".got"))
	return out
}

type fakeModule struct {
	name string
	data []byte
}

func (m fakeModule) Name() string  { return m.name }
func (m fakeModule) Bytes() []byte { return m.data }

type fakeBootInfo struct {
	modules map[string]fakeModule
}

func (b fakeBootInfo) FindModule(name string) (Module, error) {
	m, ok := b.modules[name]
	if !ok {
		return nil, errNotFound
	}
	return m, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "module not found" }

func newTestSpawner(t *testing.T, boot BootInfo) (*Spawner, *fake.Kernel) {
	t.Helper()
	k := fake.New(0)
	rm := ram.New()
	rm.Add(0x1000_0000, 256*1024*1024)

	return &Spawner{
		Kernel: k,
		Slots:  k,
		RAM:    rm,
		Procs:  proctable.New(0),
		Boot:   boot,
		Core:   0,
	}, k
}

func TestSpawnHello(t *testing.T) {
	elfBytes := buildMinimalELF(t, 0x400000, 0x410000)
	boot := fakeBootInfo{modules: map[string]fakeModule{
		"hello": {name: "hello", data: elfBytes},
	}}
	sp, k := newTestSpawner(t, boot)

	pid, err := sp.Spawn([]string{"hello"}, capref.Nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, pid)
	require.Len(t, k.Invocations, 1)
	require.True(t, k.Invocations[0].Run)
}

func TestSpawnDistinctChildL0(t *testing.T) {
	elfBytes := buildMinimalELF(t, 0x400000, 0x410000)
	boot := fakeBootInfo{modules: map[string]fakeModule{
		"hello": {name: "hello", data: elfBytes},
	}}
	sp, k := newTestSpawner(t, boot)

	pid1, err := sp.Spawn([]string{"hello"}, capref.Nil)
	require.NoError(t, err)
	pid2, err := sp.Spawn([]string{"hello"}, capref.Nil)
	require.NoError(t, err)
	require.NotEqual(t, pid1, pid2)

	// Each launch hands the kernel the child's PAGECN[0] L0 vnode.
	require.Len(t, k.Invocations, 2)
	require.NotEqual(t, k.Invocations[0].VRoot, k.Invocations[1].VRoot)
}

func TestSpawnFindModuleFails(t *testing.T) {
	sp, _ := newTestSpawner(t, fakeBootInfo{modules: map[string]fakeModule{}})
	_, err := sp.Spawn([]string{"missing"}, capref.Nil)
	require.Error(t, err)
}

func TestSpawnArgPageOverflow(t *testing.T) {
	elfBytes := buildMinimalELF(t, 0x400000, 0x410000)
	boot := fakeBootInfo{modules: map[string]fakeModule{
		"hello": {name: "hello", data: elfBytes},
	}}
	sp, _ := newTestSpawner(t, boot)

	huge := make([]byte, 8192)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := sp.Spawn([]string{"hello", string(huge)}, capref.Nil)
	require.Error(t, err)
}
