package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/sim"
	"github.com/tinyrange/vmm/internal/images"
	"github.com/tinyrange/vmm/internal/mm"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vmm"
)

// hostMemoryBase is the host physical address the frame pool starts at.
const hostMemoryBase hv.HostPhysAddr = 0x1_0000_0000

type runCmd struct {
	subscriberAccess string
	pin              bool
	frames           int
	timeslicePath    string
	progress         bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "boot VMs and run them until they all shut down" }
func (*runCmd) Usage() string {
	return `run [flags] <vm.toml|vm.yaml>...
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.subscriberAccess, "subscriber-access", "rw", "how IVC subscribers map channels: rw or ro")
	f.BoolVar(&r.pin, "pin", false, "pin each vCPU to its configured host CPUs")
	f.IntVar(&r.frames, "frames", 4096, "number of 4KiB host frames backing guest memory")
	f.StringVar(&r.timeslicePath, "timeslice", "", "write a timeslice log of guest and exit handling time to this file")
	f.BoolVar(&r.progress, "progress", term.IsTerminal(int(os.Stdout.Fd())), "show image loading progress")
}

func parseSubscriberAccess(s string) (hv.MappingFlags, error) {
	switch s {
	case "rw":
		return hv.MappingRead | hv.MappingWrite, nil
	case "ro":
		return hv.MappingRead, nil
	default:
		return 0, fmt.Errorf("bad -subscriber-access %q: want rw or ro", s)
	}
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := r.run(ctx, f.Args()); err != nil {
		slog.Error("vmm: run", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *runCmd) run(ctx context.Context, paths []string) error {
	access, err := parseSubscriberAccess(r.subscriberAccess)
	if err != nil {
		return err
	}
	cfgs, err := config.LoadAll(paths)
	if err != nil {
		return err
	}

	if r.timeslicePath != "" {
		out, err := os.Create(r.timeslicePath)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer out.Close()
		w, err := timeslice.StartRecording(out)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	pool, err := mm.NewPool(hostMemoryBase, r.frames)
	if err != nil {
		return err
	}
	defer pool.Close()

	v, err := vmm.New(vmm.Options{Memory: pool, SubscriberAccess: access, Pin: r.pin})
	if err != nil {
		return err
	}
	defer v.Close()

	err = v.CreateVMs(cfgs, func(cfg *config.VMConfig) (hv.VCpuBackend, error) {
		return sim.NewFromConfig(cfg, slog.Default())
	})
	if err != nil {
		return err
	}
	if err := images.LoadAll(ctx, v.VMs(), images.Options{Progress: r.progress}); err != nil {
		return err
	}
	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("vmm: interrupted", "running", v.RunningVMs())
			return nil
		}
		return err
	}

	for _, vm := range v.VMs() {
		if keys := v.Registry().Published(vm.ID()); len(keys) > 0 {
			slog.Info("vmm: channels still published", "vm", vm.ID(), "keys", keys)
		}
	}
	return nil
}
