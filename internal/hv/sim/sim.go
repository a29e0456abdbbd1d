// Package sim is a scripted vCPU backend. Each vCPU replays its own list of
// steps, one VM exit per step, which lets the VMM run without hardware
// virtualization.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/vgic"
)

type StepKind int

const (
	StepHypercall StepKind = iota
	StepFailEntry
	StepExternalInterrupt
	StepHalt
	StepCpuDown
	StepCpuUp
	StepSystemDown
	StepNothing
	StepOther

	// Steps below do not leave the guest.

	// StepStore writes Value to guest memory at GPA.
	StepStore
	// StepLoad reads guest memory at GPA into register Reg.
	StepLoad
	// StepWaitIRQ halts until at least one interrupt has been delivered
	// since the last StepWaitIRQ.
	StepWaitIRQ
)

var stepNames = map[string]StepKind{
	"hypercall":          StepHypercall,
	"fail_entry":         StepFailEntry,
	"external_interrupt": StepExternalInterrupt,
	"irq":                StepExternalInterrupt,
	"halt":               StepHalt,
	"cpu_down":           StepCpuDown,
	"cpu_up":             StepCpuUp,
	"system_down":        StepSystemDown,
	"nothing":            StepNothing,
	"other":              StepOther,
	"store":              StepStore,
	"load":               StepLoad,
	"wait_irq":           StepWaitIRQ,
}

// ParseStepKind accepts the exit names used in VM configuration scripts.
func ParseStepKind(s string) (StepKind, error) {
	k, ok := stepNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("sim: unknown step %q: %w", s, hv.ErrInvalidInput)
	}
	return k, nil
}

type Step struct {
	Kind StepKind
	// Exit is returned as is for exit steps.
	Exit hv.ExitReason

	GPA   hv.GuestPhysAddr
	Value uint64
	Reg   int
}

// FromConfig converts configured script steps into per-vCPU step lists.
func FromConfig(steps []config.ScriptStep) (map[int][]Step, error) {
	ret := make(map[int][]Step)
	for i, s := range steps {
		kind, err := ParseStepKind(s.Exit)
		if err != nil {
			return nil, fmt.Errorf("sim: step %d: %w", i, err)
		}
		step := Step{Kind: kind, GPA: hv.GuestPhysAddr(s.GPA), Value: s.Value, Reg: s.Reg}
		switch kind {
		case StepHypercall:
			var args [6]uint64
			copy(args[:], s.Args)
			step.Exit = hv.ExitHypercall{Nr: s.Nr, Args: args}
		case StepFailEntry:
			step.Exit = hv.ExitFailEntry{HardwareEntryFailureReason: s.Code}
		case StepExternalInterrupt:
			step.Exit = hv.ExitExternalInterrupt{Vector: s.Vector}
		case StepHalt:
			step.Exit = hv.ExitHalt{}
		case StepCpuDown:
			step.Exit = hv.ExitCpuDown{State: s.Value}
		case StepCpuUp:
			step.Exit = hv.ExitCpuUp{TargetCPU: s.Target, EntryPoint: hv.GuestPhysAddr(s.Entry), Arg: s.Arg}
		case StepSystemDown:
			step.Exit = hv.ExitSystemDown{}
		case StepNothing:
			step.Exit = hv.ExitNothing{}
		case StepOther:
			step.Exit = hv.ExitOther{Reason: fmt.Sprintf("scripted code %#x", s.Code)}
		}
		ret[s.VCpu] = append(ret[s.VCpu], step)
	}
	return ret, nil
}

// interruptContext is implemented by vCPUs whose list registers live in
// memory.
type interruptContext interface {
	ListRegisters() *vgic.SoftListRegisters
}

type vcpuScript struct {
	steps     []Step
	pc        int
	delivered []uint32
	// seen is how many delivered interrupts StepWaitIRQ has consumed.
	seen int
	runs int
}

// Backend replays scripts for the vCPUs of one VM.
type Backend struct {
	mu    sync.Mutex
	vcpus map[int]*vcpuScript
	log   *slog.Logger
}

var _ hv.VCpuBackend = (*Backend)(nil)

func New(steps map[int][]Step, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	b := &Backend{vcpus: make(map[int]*vcpuScript), log: log}
	for id, s := range steps {
		b.vcpus[id] = &vcpuScript{steps: s}
	}
	return b
}

// NewFromConfig builds a backend for a VM configuration's script.
func NewFromConfig(cfg *config.VMConfig, log *slog.Logger) (*Backend, error) {
	steps, err := FromConfig(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("sim: VM[%d]: %w", cfg.Base.ID, err)
	}
	return New(steps, log), nil
}

func (b *Backend) script(id int) *vcpuScript {
	s, ok := b.vcpus[id]
	if !ok {
		s = &vcpuScript{}
		b.vcpus[id] = s
	}
	return s
}

// Run delivers pending virtual interrupts and then executes the vCPU's script
// up to its next exit. An exhausted script halts.
func (b *Backend) Run(ctx context.Context, vm hv.VirtualMachine, vcpu hv.VirtualCPU) (hv.ExitReason, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.script(vcpu.ID())
	s.runs++

	if ic, ok := vcpu.(interruptContext); ok {
		if got := ic.ListRegisters().Deliver(); len(got) > 0 {
			b.log.Debug("sim: interrupts delivered", "vm", vm.ID(), "vcpu", vcpu.ID(), "vectors", got)
			s.delivered = append(s.delivered, got...)
		}
	}

	for s.pc < len(s.steps) {
		step := s.steps[s.pc]
		switch step.Kind {
		case StepStore:
			if err := hv.WriteGuestOf(vm, step.GPA, step.Value); err != nil {
				return nil, fmt.Errorf("sim: store at %v: %w", step.GPA, err)
			}
			s.pc++
		case StepLoad:
			val, err := hv.ReadGuestOf[uint64](vm, step.GPA)
			if err != nil {
				return nil, fmt.Errorf("sim: load from %v: %w", step.GPA, err)
			}
			vcpu.SetGPR(step.Reg, val)
			s.pc++
		case StepWaitIRQ:
			if s.seen == len(s.delivered) {
				return hv.ExitHalt{}, nil
			}
			s.seen = len(s.delivered)
			s.pc++
		default:
			s.pc++
			return step.Exit, nil
		}
	}
	return hv.ExitHalt{}, nil
}

// Delivered returns the interrupts the vCPU has taken so far.
func (b *Backend) Delivered(vcpuID int) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.script(vcpuID).delivered...)
}

// Done reports whether the vCPU has consumed its whole script.
func (b *Backend) Done(vcpuID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.script(vcpuID)
	return s.pc == len(s.steps)
}

// Runs returns how many times the vCPU entered the guest.
func (b *Backend) Runs(vcpuID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.script(vcpuID).runs
}
