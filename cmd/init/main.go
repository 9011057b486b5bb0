// Command init boots the userspace runtime: it wires the RAM manager, slot
// pre-allocator, paging state, process table, spawner, and RPC dispatcher
// for each core, binds URPC links from every secondary core to core 0, and
// serves RPCs until interrupted. The kernel underneath is the in-memory
// fake (the real microkernel transport is a separate shim outside this
// repository), which makes this binary a full-system harness for the
// init-side logic.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
	"github.com/aos-course/init-runtime/internal/fat32"
	"github.com/aos-course/init-runtime/internal/kernelabi/fake"
	"github.com/aos-course/init-runtime/internal/logging"
	"github.com/aos-course/init-runtime/internal/runtime"
)

type config struct {
	cores       int
	ramPerCore  uint64
	bootModules string
	spawnName   string
	sdImage     string
	logLevel    string
	logFormat   string
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.IntVar(&cfg.cores, "cores", 2, "number of cores to bring up")
	fs.Uint64Var(&cfg.ramPerCore, "ram-per-core", 256<<20, "bytes of RAM seeded into each core's manager")
	fs.StringVar(&cfg.bootModules, "boot-modules", "", "directory of ELF boot modules")
	fs.StringVar(&cfg.spawnName, "spawn", "", "module to spawn on core 0 after bring-up")
	fs.StringVar(&cfg.sdImage, "sd-image", "", "FAT32 disk image to mount")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	fs.StringVar(&cfg.logFormat, "log-format", string(logging.FormatConsole), "log format: console or json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.cores < 1 {
		return cfg, errs.New(errs.KindInvalidPayload, "init: -cores must be at least 1")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		defaultLog := logging.Default()
		defaultLog.Fatal().Err(err).Msg("flag parsing failed")
	}

	log, err := logging.New(os.Stderr, cfg.logLevel, logging.Format(cfg.logFormat), 0)
	if err != nil {
		defaultLog := logging.Default()
		defaultLog.Fatal().Err(err).Msg("logger construction failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Str("err", errs.DebugString(err)).Msg("init failed")
	}
}

func run(ctx context.Context, cfg config, log zerolog.Logger) error {
	var boot runtime.DirModules
	if cfg.bootModules != "" {
		boot = runtime.DirModules{Dir: cfg.bootModules}
	}

	// One runtime per core, each against its own kernel instance, the
	// in-process stand-in for booting init on every core.
	runtimes := make([]*runtime.Runtime, cfg.cores)
	for i := range runtimes {
		core := capref.CoreID(i)
		rt, err := runtime.New(runtime.Config{
			Core:     core,
			RAMBase:  uint64(i) << 32,
			RAMBytes: cfg.ramPerCore,
			Boot:     boot,
			Log:      log,
		}, fake.New(core))
		if err != nil {
			return errs.Wrap(errs.KindNoMemory, err, fmt.Sprintf("init: core %d bring-up failed", i))
		}
		runtimes[i] = rt
	}

	// Star topology: every secondary core links to core 0, the shape the
	// remote-RAM path assumes.
	for i := 1; i < cfg.cores; i++ {
		runtime.Connect(runtimes[0], runtimes[i])
	}

	if cfg.sdImage != "" {
		if err := mountSD(cfg.sdImage, log); err != nil {
			return err
		}
	}

	if cfg.spawnName != "" {
		pid, err := runtimes[0].SpawnLoadByName(cfg.spawnName)
		if err != nil {
			return err
		}
		log.Info().Uint32("pid", pid).Msg("initial module running")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, rt := range runtimes {
		rt := rt
		var peers []capref.CoreID
		if i == 0 {
			for j := 1; j < cfg.cores; j++ {
				peers = append(peers, capref.CoreID(j))
			}
		} else {
			peers = []capref.CoreID{0}
		}
		g.Go(func() error { return rt.Serve(ctx, peers) })
	}
	log.Info().Int("cores", cfg.cores).Msg("serving")
	return g.Wait()
}

// fileDevice adapts a disk-image file to the SD block interface.
type fileDevice struct {
	f *os.File
}

func (d fileDevice) ReadSector(sector uint32, data []byte) error {
	_, err := d.f.ReadAt(data[:fat32.SectorSize], int64(sector)*fat32.SectorSize)
	return err
}

func (d fileDevice) WriteSector(sector uint32, data []byte) error {
	_, err := d.f.WriteAt(data[:fat32.SectorSize], int64(sector)*fat32.SectorSize)
	return err
}

func mountSD(path string, log zerolog.Logger) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errs.Wrap(errs.KindInvalidPayload, err, "init: could not open SD image")
	}
	m, err := fat32.Mount(fileDevice{f: f})
	if err != nil {
		return errs.Wrap(errs.KindInvalidPayload, err, "init: FAT32 mount failed")
	}
	log.Info().Str("image", path).Str("root", m.Root().Name).Msg("sdcard mounted")
	return nil
}
