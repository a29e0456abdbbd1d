package hv

import "fmt"

// ExitKind classifies an ExitReason without its payload.
type ExitKind int

const (
	ExitKindOther ExitKind = iota
	ExitKindHypercall
	ExitKindFailEntry
	ExitKindExternalInterrupt
	ExitKindHalt
	ExitKindCpuDown
	ExitKindCpuUp
	ExitKindSystemDown
	ExitKindNothing
)

func (k ExitKind) String() string {
	switch k {
	case ExitKindHypercall:
		return "hypercall"
	case ExitKindFailEntry:
		return "fail-entry"
	case ExitKindExternalInterrupt:
		return "external-interrupt"
	case ExitKindHalt:
		return "halt"
	case ExitKindCpuDown:
		return "cpu-down"
	case ExitKindCpuUp:
		return "cpu-up"
	case ExitKindSystemDown:
		return "system-down"
	case ExitKindNothing:
		return "nothing"
	default:
		return "other"
	}
}

// ExitReason is the reason a vCPU left guest mode.
type ExitReason interface {
	fmt.Stringer
	Kind() ExitKind
	isExitReason()
}

type ExitHypercall struct {
	Nr   uint64
	Args [6]uint64
}

type ExitFailEntry struct {
	HardwareEntryFailureReason uint64
}

type ExitExternalInterrupt struct {
	Vector uint64
}

type ExitHalt struct{}

type ExitCpuDown struct {
	State uint64
}

// ExitCpuUp is a guest request (PSCI CPU_ON or equivalent) to bring the
// processor with physical id TargetCPU online at EntryPoint.
type ExitCpuUp struct {
	TargetCPU  uint64
	EntryPoint GuestPhysAddr
	Arg        uint64
}

type ExitSystemDown struct{}

type ExitNothing struct{}

// ExitOther carries exits the VMM has no handling for.
type ExitOther struct {
	Reason string
}

func (ExitHypercall) Kind() ExitKind         { return ExitKindHypercall }
func (ExitFailEntry) Kind() ExitKind         { return ExitKindFailEntry }
func (ExitExternalInterrupt) Kind() ExitKind { return ExitKindExternalInterrupt }
func (ExitHalt) Kind() ExitKind              { return ExitKindHalt }
func (ExitCpuDown) Kind() ExitKind           { return ExitKindCpuDown }
func (ExitCpuUp) Kind() ExitKind             { return ExitKindCpuUp }
func (ExitSystemDown) Kind() ExitKind        { return ExitKindSystemDown }
func (ExitNothing) Kind() ExitKind           { return ExitKindNothing }
func (ExitOther) Kind() ExitKind             { return ExitKindOther }

func (ExitHypercall) isExitReason()         {}
func (ExitFailEntry) isExitReason()         {}
func (ExitExternalInterrupt) isExitReason() {}
func (ExitHalt) isExitReason()              {}
func (ExitCpuDown) isExitReason()           {}
func (ExitCpuUp) isExitReason()             {}
func (ExitSystemDown) isExitReason()        {}
func (ExitNothing) isExitReason()           {}
func (ExitOther) isExitReason()             {}

func (e ExitHypercall) String() string {
	return fmt.Sprintf("Hypercall{nr: %#x, args: %#x}", e.Nr, e.Args)
}
func (e ExitFailEntry) String() string {
	return fmt.Sprintf("FailEntry{reason: %#x}", e.HardwareEntryFailureReason)
}
func (e ExitExternalInterrupt) String() string {
	return fmt.Sprintf("ExternalInterrupt{vector: %d}", e.Vector)
}
func (ExitHalt) String() string      { return "Halt" }
func (e ExitCpuDown) String() string { return fmt.Sprintf("CpuDown{state: %#x}", e.State) }
func (e ExitCpuUp) String() string {
	return fmt.Sprintf("CpuUp{target: %#x, entry: %#x, arg: %#x}", e.TargetCPU, uint64(e.EntryPoint), e.Arg)
}
func (ExitSystemDown) String() string { return "SystemDown" }
func (ExitNothing) String() string    { return "Nothing" }
func (e ExitOther) String() string    { return fmt.Sprintf("Other{%s}", e.Reason) }

var (
	_ ExitReason = ExitHypercall{}
	_ ExitReason = ExitFailEntry{}
	_ ExitReason = ExitExternalInterrupt{}
	_ ExitReason = ExitHalt{}
	_ ExitReason = ExitCpuDown{}
	_ ExitReason = ExitCpuUp{}
	_ ExitReason = ExitSystemDown{}
	_ ExitReason = ExitNothing{}
	_ ExitReason = ExitOther{}
)
