package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/tinyrange/vmm/internal/config"
)

type checkCmd struct{}

func (*checkCmd) Name() string     { return "check" }
func (*checkCmd) Synopsis() string { return "validate VM configuration files" }
func (*checkCmd) Usage() string {
	return `check <vm.toml|vm.yaml>...
`
}

func (*checkCmd) SetFlags(*flag.FlagSet) {}

func (*checkCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfgs, err := config.LoadAll(f.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tARCH\tVCPUS\tGIC\tMEMORY\tSCRIPT")
	for _, cfg := range cfgs {
		var mem uint64
		for _, r := range cfg.Kernel.MemoryRegions {
			mem += r.Size
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\tv%d\t%#x\t%d steps\n",
			cfg.Base.ID, cfg.Base.Name, cfg.Base.Arch, cfg.Base.CPUNum,
			cfg.Interrupts.GICVersion, mem, len(cfg.Script))
	}
	w.Flush()
	return subcommands.ExitSuccess
}
