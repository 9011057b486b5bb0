// Package spawn implements the process spawner: the staged construction
// of a child's capability space, virtual address space, ELF image,
// dispatcher control block, arguments page, and init endpoint, finished
// by the dispatcher invocation that sets the child running. Each stage is
// its own build function; Spawn runs them in dependency order.
package spawn

import (
	"bytes"
	"debug/elf"
	"strings"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
	"github.com/aos-course/init-runtime/internal/kernelabi"
	"github.com/aos-course/init-runtime/internal/paging"
	"github.com/aos-course/init-runtime/internal/proctable"
)

// Well-known child virtual addresses: the dispatcher frame sits at a
// fixed address and the argument page directly behind it.
const (
	ChildDispFrameVAddr = 0x20000000
	DispatcherFrameSize = 4 * paging.PageSize
	ChildArgFrameVAddr  = ChildDispFrameVAddr + DispatcherFrameSize
)

// DispNameLen bounds the debug name stored in the dispatcher control
// block; longer names are truncated to DispNameLen-1.
const DispNameLen = 16

// MaxEnvironVars bounds the environment entries copied into the arg page.
const MaxEnvironVars = 32

// Child capability-space slot layout within ROOTCN (the L1 cnode).
const (
	RootSlotTaskCN = iota
	RootSlotSlotAlloc0
	RootSlotSlotAlloc1
	RootSlotSlotAlloc2
	RootSlotBasePageCN
	RootSlotPageCN
)

// Child capability-space slot layout within ROOTCN/TASKCN.
const (
	TaskSlotDispatcher = iota
	TaskSlotDispFrame
	TaskSlotArgsPage
	TaskSlotInitEP
	TaskSlotRootCN
	TaskSlotUserTransfer
)

// Module is one entry of the boot-info module list.
type Module interface {
	Name() string
	Bytes() []byte
}

// BootInfo resolves argv[0] against the boot-time module list.
type BootInfo interface {
	FindModule(name string) (Module, error)
}

// DispatcherFrame is the in-memory contents of a child's dispatcher
// control block. The real kernel object is an opaque capability; the
// fields stay Go-visible here since the fake kernel (internal/kernelabi/
// fake) has no byte-addressable frame contents of its own, and tests need
// to assert on them.
type DispatcherFrame struct {
	CoreID     capref.CoreID
	PID        uint32
	UDisp      uint64
	Disabled   bool
	Name       string
	DisabledPC uint64
	GotBase    uint64
}

// ArgPage is the in-memory contents of a child's spawn_domain_params
// page, kept Go-visible for the same reason as DispatcherFrame.
type ArgPage struct {
	Argv []string
	Envp []string
}

// Info is the per-child construction record threaded through the build
// stages.
type Info struct {
	PID uint32

	RootCN     capref.Ref // child L1 cnode
	TaskCN     capref.Ref
	PageCN     capref.Ref
	SlotAlloc0 capref.Ref
	SlotAlloc1 capref.Ref
	SlotAlloc2 capref.Ref
	BasePageCN capref.Ref

	ChildL0        capref.Ref
	ChildPaging    *paging.State
	Dispatcher     capref.Ref // cap in the parent's space
	DispFrame      DispatcherFrame
	ArgsPage       ArgPage
	Entry          uint64
	GotVAddr       uint64
	TransferredCap capref.Ref
}

// ramSource is the subset of internal/ram.Manager the spawner needs: it is
// deliberately narrow so tests can swap in a fake.
type ramSource interface {
	AllocRAM(forger func(dest capref.Ref, id capref.FrameIdentity) error, dest capref.Ref, bytes uint64, owner capref.CoreID) error
}

// Spawner builds child processes, consuming the slot pre-allocator, RAM
// manager, and process table, and constructing a fresh paging state per
// child.
type Spawner struct {
	Kernel kernelabi.Kernel
	Slots  kernelabi.SlotAllocator
	RAM    ramSource
	Procs  *proctable.Table
	Boot   BootInfo
	Core   capref.CoreID

	// ParentL0 is the capability of the currently running process's own
	// L0 vnode, needed when ELF segments are staged through the parent's
	// address space before the child ever runs.
	ParentL0 capref.Ref
}

// Spawn builds and launches a child from argv, returning the allocated
// PID. transferCap may be capref.Nil.
func (s *Spawner) Spawn(argv []string, transferCap capref.Ref) (uint32, error) {
	if len(argv) == 0 {
		return 0, errs.New(errs.KindFindModule, "spawn: argv must have at least one element")
	}

	// Step 1: find module.
	mod, err := s.Boot.FindModule(argv[0])
	if err != nil {
		return 0, errs.Wrap(errs.KindFindModule, err, "spawn: module lookup failed")
	}

	// Step 2: alloc proc node, channel starts as LMP.
	node, err := s.Procs.Alloc()
	if err != nil {
		return 0, errs.Wrap(errs.KindNoAvailablePID, err, "spawn: no PID available")
	}
	node.Name = truncate(argv[0], DispNameLen-1)
	node.Channel = proctable.Channel{Kind: proctable.ChannelLMP, State: proctable.ChannelBindWait}

	info := &Info{PID: node.PID, TransferredCap: transferCap}

	if err := s.buildCSpace(info, transferCap); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindVnodeCreate, err, "spawn: cspace setup failed")
	}
	if err := s.buildVSpace(info); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindVnodeMap, err, "spawn: vspace setup failed")
	}
	if err := s.loadELF(info, mod); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindMalformedELF, err, "spawn: elf load failed")
	}
	if err := s.buildDispatcher(info, argv[0]); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindDispatcherInvoke, err, "spawn: dispatcher setup failed")
	}
	node.Dispatcher = info.Dispatcher
	if err := s.buildEndpoint(info); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindDispatcherInvoke, err, "spawn: endpoint setup failed")
	}
	if err := s.buildArgPage(info, argv); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindArgPageOverflow, err, "spawn: argument page setup failed")
	}
	if err := s.launch(info); err != nil {
		s.Procs.Delete(node.PID)
		return 0, errs.Wrap(errs.KindDispatcherInvoke, err, "spawn: launch failed")
	}

	return info.PID, nil
}

// buildCSpace creates the child's L1 cnode and its well-known L2 cnodes,
// copies the child's own root back into TASKCN, and populates BASE_PAGE_CN
// with page-sized RAM caps retyped from one allocation.
func (s *Spawner) buildCSpace(info *Info, transferCap capref.Ref) error {
	root, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	if err := s.Kernel.CreateL1(root); err != nil {
		return err
	}
	info.RootCN = root

	taskCN, err := s.Kernel.CreateForeignL2(root, RootSlotTaskCN)
	if err != nil {
		return err
	}
	info.TaskCN = taskCN

	if err := s.Kernel.Copy(taskCN.WithSlot(TaskSlotRootCN), root); err != nil {
		return err
	}

	if info.SlotAlloc0, err = s.Kernel.CreateForeignL2(root, RootSlotSlotAlloc0); err != nil {
		return err
	}
	if info.SlotAlloc1, err = s.Kernel.CreateForeignL2(root, RootSlotSlotAlloc1); err != nil {
		return err
	}
	if info.SlotAlloc2, err = s.Kernel.CreateForeignL2(root, RootSlotSlotAlloc2); err != nil {
		return err
	}

	basePageCN, err := s.Kernel.CreateForeignL2(root, RootSlotBasePageCN)
	if err != nil {
		return err
	}
	info.BasePageCN = basePageCN

	ramCap, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	if err := s.ramAlloc(ramCap, paging.PageSize*sizeClassSlots); err != nil {
		return err
	}
	if err := s.Kernel.Retype(basePageCN, ramCap, 0, capref.ObjTypeRAM, paging.PageSize, sizeClassSlots); err != nil {
		return err
	}

	info.PageCN, err = s.Kernel.CreateForeignL2(root, RootSlotPageCN)
	if err != nil {
		return err
	}

	if !transferCap.IsNil() {
		if err := s.Kernel.Copy(taskCN.WithSlot(TaskSlotUserTransfer), transferCap); err != nil {
			return err
		}
	}
	return nil
}

// sizeClassSlots is the number of page-sized RAM caps retyped into
// BASE_PAGE_CN.
const sizeClassSlots = 256

func (s *Spawner) ramAlloc(dest capref.Ref, bytes uint64) error {
	return s.RAM.AllocRAM(s.Kernel.ForgeRAM, dest, bytes, s.Core)
}

// buildVSpace creates the child's L0 vnode in the parent, copies it into
// the child's PAGECN[0], and initializes the child paging state over it.
func (s *Spawner) buildVSpace(info *Info) error {
	parentSlot, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	if err := s.Kernel.CreateVnode(parentSlot, capref.LevelL0); err != nil {
		return err
	}

	childL0 := info.PageCN.WithSlot(0)
	if err := s.Kernel.Copy(childL0, parentSlot); err != nil {
		return err
	}
	info.ChildL0 = parentSlot
	info.ChildPaging = paging.NewState(parentSlot, s.Kernel, s.Slots)
	return nil
}

// loadELF validates the module image, allocates and maps a frame for each
// loadable segment with the segment's permissions, and records the entry
// point and .got base for the dispatcher frame.
func (s *Spawner) loadELF(info *Info, mod Module) error {
	f, err := elf.NewFile(bytes.NewReader(mod.Bytes()))
	if err != nil {
		return errs.New(errs.KindMalformedELF, "spawn: not a valid ELF image")
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		fbase := pageFloor(prog.Vaddr)
		esize := alignUp(prog.Memsz+prog.Vaddr-fbase, paging.PageSize)

		frameCap, err := s.Slots.AllocSlot()
		if err != nil {
			return err
		}
		if err := s.Kernel.AllocFrame(frameCap, esize); err != nil {
			return err
		}

		flags := elfFlagsToPerm(prog.Flags)
		if err := info.ChildPaging.MapFixed(fbase, frameCap, esize, flags); err != nil {
			return err
		}
		// On real hardware the same frame is also mapped read-write into
		// the parent so the loader can fill it with segment bytes; the
		// fake kernel has no byte-addressable frames, so there is nothing
		// further to copy here.
	}

	info.Entry = f.Entry

	gotSection := f.Section(".got")
	if gotSection == nil {
		return errs.New(errs.KindMalformedELF, "spawn: no .got section")
	}
	info.GotVAddr = gotSection.Addr
	return nil
}

func elfFlagsToPerm(flags elf.ProgFlag) paging.Flags {
	var p paging.Flags
	if flags&elf.PF_R != 0 {
		p |= paging.FlagRead
	}
	if flags&elf.PF_W != 0 {
		p |= paging.FlagWrite
	}
	if flags&elf.PF_X != 0 {
		p |= paging.FlagExecute
	}
	return p
}

func pageFloor(v uint64) uint64 {
	return v &^ (paging.PageSize - 1)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// buildDispatcher creates the dispatcher capability, fills the dispatcher
// control block (disabled, PC at the ELF entry, PIC registers at the .got
// base), and maps the dispframe at its fixed child address.
func (s *Spawner) buildDispatcher(info *Info, name string) error {
	childSlot := info.TaskCN.WithSlot(TaskSlotDispatcher)
	if err := s.Kernel.CreateDispatcher(childSlot); err != nil {
		return err
	}

	parentSlot, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	if err := s.Kernel.Copy(parentSlot, childSlot); err != nil {
		return err
	}
	info.Dispatcher = parentSlot

	dispFrame, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	if err := s.Kernel.AllocFrame(dispFrame, DispatcherFrameSize); err != nil {
		return err
	}

	info.DispFrame = DispatcherFrame{
		CoreID:     s.Core,
		PID:        info.PID,
		UDisp:      ChildDispFrameVAddr,
		Disabled:   true,
		Name:       truncate(name, DispNameLen-1),
		DisabledPC: info.Entry,
		GotBase:    info.GotVAddr,
	}

	if err := s.Kernel.Copy(info.TaskCN.WithSlot(TaskSlotDispFrame), dispFrame); err != nil {
		return err
	}
	return info.ChildPaging.MapFixed(ChildDispFrameVAddr, dispFrame, DispatcherFrameSize, paging.FlagsRW)
}

// buildEndpoint copies the local LMP endpoint into the child's INITEP
// slot. The channel itself is tracked on the process node (package
// proctable), not here.
func (s *Spawner) buildEndpoint(info *Info) error {
	localEP, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	return s.Kernel.Copy(info.TaskCN.WithSlot(TaskSlotInitEP), localEP)
}

// buildArgPage lays argv/envp out as a spawn_domain_params record in a
// fresh page mapped at the fixed child address. argc, every argv string,
// and every envp string must fit in one page.
func (s *Spawner) buildArgPage(info *Info, argv []string) error {
	const paramsHeader = 16 // argc + padding, matching struct spawn_domain_params's fixed header
	offset := paramsHeader

	for _, a := range argv {
		offset += len(a) + 1
		if offset >= paging.PageSize {
			return errs.New(errs.KindArgPageOverflow, "spawn: argv overflowed the arg page")
		}
	}

	env := environ()
	envp := make([]string, 0, len(env))
	for i, e := range env {
		if i >= MaxEnvironVars {
			break
		}
		offset += len(e) + 1
		if offset >= paging.PageSize {
			return errs.New(errs.KindArgPageOverflow, "spawn: envp overflowed the arg page")
		}
		envp = append(envp, e)
	}

	argPageCap, err := s.Slots.AllocSlot()
	if err != nil {
		return err
	}
	if err := s.Kernel.AllocFrame(argPageCap, paging.PageSize); err != nil {
		return err
	}
	if err := s.Kernel.Copy(info.TaskCN.WithSlot(TaskSlotArgsPage), argPageCap); err != nil {
		return err
	}
	if err := info.ChildPaging.MapFixed(ChildArgFrameVAddr, argPageCap, paging.PageSize, paging.FlagsRW); err != nil {
		return err
	}

	info.ArgsPage = ArgPage{Argv: append([]string(nil), argv...), Envp: envp}
	return nil
}

// environ is a seam over the process environment so tests get a
// deterministic, empty view instead of the test runner's actual env.
var environ = func() []string { return nil }

// capDispatcher is the kernel's well-known "dispatcher" capability type
// constant passed to invoke_dispatcher; it names an object kind, not a
// specific allocated slot, so a single well-known Ref stands in for it.
var capDispatcher = capref.Ref{Level: capref.LevelDispatcher}

// launch hands the completed child to the kernel with run set.
func (s *Spawner) launch(info *Info) error {
	childRootVN := info.PageCN.WithSlot(0)
	childDispFrame := info.TaskCN.WithSlot(TaskSlotDispFrame)
	return s.Kernel.InvokeDispatcher(info.Dispatcher, capDispatcher, info.RootCN, childRootVN, childDispFrame, true)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "\x00")
}
