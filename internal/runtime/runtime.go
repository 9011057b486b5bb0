// Package runtime wires the per-core init runtime together: RAM manager,
// slot pre-allocator, paging state, process table, spawner, and RPC
// dispatcher, owned by one explicit handle instead of process-wide
// singletons, so each core under test gets a fresh instance. The bring-up
// order in New follows the staged sequence the system boots in: memory
// first, then slots, then paging, then processes, then RPC.
package runtime

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
	"github.com/aos-course/init-runtime/internal/kernelabi"
	"github.com/aos-course/init-runtime/internal/paging"
	"github.com/aos-course/init-runtime/internal/proctable"
	"github.com/aos-course/init-runtime/internal/ram"
	"github.com/aos-course/init-runtime/internal/rpc"
	"github.com/aos-course/init-runtime/internal/slotalloc"
	"github.com/aos-course/init-runtime/internal/spawn"
)

// Config holds everything a core's runtime needs to come up.
type Config struct {
	Core     capref.CoreID
	RAMBase  uint64
	RAMBytes uint64
	Boot     spawn.BootInfo
	Log      zerolog.Logger
}

// kernelRootSlots adapts kernelabi's flat slot allocator to the slot
// pre-allocator's root-cnode refill hook.
type kernelRootSlots struct {
	k kernelabi.Kernel
}

func (r kernelRootSlots) AllocRootSlot() (capref.Ref, error) {
	return r.k.AllocSlot()
}

// l2Retyper turns a fresh RAM capability into an L2 cnode via cap_retype,
// the backing operation of a slot pre-allocator refill.
type l2Retyper struct {
	k        kernelabi.Kernel
	objBytes uint64
}

func (c l2Retyper) CreateL2(dest, ramCap capref.Ref) error {
	return c.k.Retype(dest, ramCap, 0, capref.ObjTypeL2CNode, c.objBytes, 1)
}

// ramForKernel bridges the RAM manager façade to slotalloc's RAMSource: a
// refill allocates physical RAM and forges a kernel-visible cap for it.
type ramForKernel struct {
	k    kernelabi.Kernel
	mgr  *ram.Manager
	core capref.CoreID
}

func (r ramForKernel) AllocRAM(dest capref.Ref, bytes uint64) error {
	return r.mgr.AllocRAM(r.k.ForgeRAM, dest, bytes, r.core)
}

// l2CNodeBytes sizes the RAM backing one slot-allocator bucket.
const l2CNodeBytes = 64 * 1024

// Runtime is one core's fully wired init-side system.
type Runtime struct {
	Core    capref.CoreID
	Kernel  kernelabi.Kernel
	RAM     *ram.Manager
	Slots   *slotalloc.Allocator
	Paging  *paging.State
	Procs   *proctable.Table
	Spawner *spawn.Spawner
	RPC     *rpc.Dispatcher

	log zerolog.Logger
}

// New builds a Runtime against the given kernel surface.
func New(cfg Config, kernel kernelabi.Kernel) (*Runtime, error) {
	log := cfg.Log.With().Uint8("core", uint8(cfg.Core)).Logger()

	ramMgr := ram.New()
	if cfg.RAMBytes > 0 {
		ramMgr.Add(cfg.RAMBase, cfg.RAMBytes)
		log.Debug().Uint64("base", cfg.RAMBase).Uint64("bytes", cfg.RAMBytes).Msg("seeded RAM region")
	}

	rootRef, err := kernel.AllocSlot()
	if err != nil {
		return nil, errs.Wrap(errs.KindSlotEmpty, err, "runtime: no root slot for the initial allocator bucket")
	}
	initialBucket, err := kernel.CreateForeignL2(rootRef, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindVnodeCreate, err, "runtime: initial allocator bucket creation failed")
	}
	slots := slotalloc.New(
		initialBucket,
		kernelRootSlots{k: kernel},
		ramForKernel{k: kernel, mgr: ramMgr, core: cfg.Core},
		l2Retyper{k: kernel, objBytes: l2CNodeBytes},
		l2CNodeBytes,
	)
	log.Debug().Msg("slot pre-allocator ready")

	rootVnode, err := slots.AllocSlot()
	if err != nil {
		return nil, errs.Wrap(errs.KindSlotEmpty, err, "runtime: no slot for the root vnode")
	}
	if err := kernel.CreateVnode(rootVnode, capref.LevelL0); err != nil {
		return nil, errs.Wrap(errs.KindVnodeCreate, err, "runtime: root vnode creation failed")
	}
	pg := paging.NewState(rootVnode, kernel, slots)
	log.Debug().Msg("paging state ready")

	procs := proctable.New(cfg.Core)

	spawner := &spawn.Spawner{
		Kernel:   kernel,
		Slots:    slots,
		RAM:      ramMgr,
		Procs:    procs,
		Boot:     cfg.Boot,
		Core:     cfg.Core,
		ParentL0: rootVnode,
	}

	dispatcher := rpc.New(cfg.Core, kernel, slots, ramMgr, procs, spawner)

	return &Runtime{
		Core:    cfg.Core,
		Kernel:  kernel,
		RAM:     ramMgr,
		Slots:   slots,
		Paging:  pg,
		Procs:   procs,
		Spawner: spawner,
		RPC:     dispatcher,
		log:     log,
	}, nil
}

// Connect cross-wires a URPC link between two runtimes, standing in for the
// bind-core-urpc handshake over a forged shared frame.
func Connect(a, b *Runtime) {
	la, lb := rpc.NewLinkPair()
	a.RPC.BindLink(b.Core, la)
	b.RPC.BindLink(a.Core, lb)
	a.log.Info().Uint8("peer", uint8(b.Core)).Msg("urpc link bound")
	b.log.Info().Uint8("peer", uint8(a.Core)).Msg("urpc link bound")
}

// Serve runs the RPC service loops for every bound link until ctx is
// canceled.
func (r *Runtime) Serve(ctx context.Context, peers []capref.CoreID) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			r.log.Info().Uint8("peer", uint8(peer)).Msg("serving urpc link")
			return r.RPC.ServeLink(ctx, peer)
		})
	}
	return g.Wait()
}

// SpawnLoadByName resolves name against boot info and spawns it with a
// single-element argv, the shape of the first end-to-end bring-up step.
func (r *Runtime) SpawnLoadByName(name string) (uint32, error) {
	pid, err := r.Spawner.Spawn([]string{name}, capref.Nil)
	if err != nil {
		r.log.Error().Str("module", name).Str("err", errs.DebugString(err)).Msg("spawn failed")
		return 0, err
	}
	r.log.Info().Str("module", name).Uint32("pid", pid).Msg("spawned")
	return pid, nil
}

// DirModules is a spawn.BootInfo over a directory of ELF images, one file
// per module, named by file basename. It stands in for the boot-info module
// list handed over by the CPU driver.
type DirModules struct {
	Dir string
}

type fileModule struct {
	name string
	data []byte
}

func (m fileModule) Name() string  { return m.name }
func (m fileModule) Bytes() []byte { return m.data }

// FindModule implements spawn.BootInfo.
func (d DirModules) FindModule(name string) (spawn.Module, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, filepath.Base(name)))
	if err != nil {
		return nil, errs.Wrap(errs.KindFindModule, err, "runtime: module not present in boot directory")
	}
	return fileModule{name: name, data: data}, nil
}
