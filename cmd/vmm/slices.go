package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/vmm/internal/timeslice"
)

type slicesCmd struct{}

func (*slicesCmd) Name() string     { return "slices" }
func (*slicesCmd) Synopsis() string { return "summarize a timeslice log written by run -timeslice" }
func (*slicesCmd) Usage() string {
	return `slices <file>
`
}

func (*slicesCmd) SetFlags(*flag.FlagSet) {}

func (*slicesCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	in, err := os.Open(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmm: open timeslice file: %v\n", err)
		return subcommands.ExitFailure
	}
	defer in.Close()

	sums, err := timeslice.Summarize(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmm: read timeslice file: %v\n", err)
		return subcommands.ExitFailure
	}
	for _, s := range sums {
		fmt.Printf("% 30s flags=% 14s count=% 8d total=% 14s avg=% 12s\n",
			s.Name, s.Flags, s.Count, s.Total, s.Total/time.Duration(s.Count))
	}
	return subcommands.ExitSuccess
}
