package vcpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/timeslice"
)

// PSCI CPU_ON return values.
const (
	psciSuccess         int64 = 0
	psciAlreadyOn       int64 = -4
	psciInternalFailure int64 = -6
)

var (
	tsHost  = timeslice.RegisterKind("vcpu_host", 0)
	tsGuest = timeslice.RegisterKind("vcpu_guest", timeslice.FlagGuestTime)
	tsExit  = registerExitKinds()
)

func registerExitKinds() map[hv.ExitKind]timeslice.KindID {
	ret := make(map[hv.ExitKind]timeslice.KindID)
	for k := hv.ExitKindOther; k <= hv.ExitKindNothing; k++ {
		ret[k] = timeslice.RegisterKind("exit_"+k.String(), timeslice.FlagExitHandling)
	}
	return ret
}

func (s *Scheduler) taskLogger(t *Task) *slog.Logger {
	return s.log.With("vm", t.vm.ID(), "vcpu", t.vcpu.ID())
}

// advance applies ev to the task state. An impossible transition is a bug in
// the loop.
func (s *Scheduler) advance(t *Task, ev Event) {
	from := t.State()
	to, err := Transition(from, ev)
	if err != nil {
		panic(fmt.Sprintf("%v: %v", t, err))
	}
	t.state.Store(int32(to))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(t, from, to)
	}
}

func (s *Scheduler) run(t *Task) {
	defer close(t.done)

	ctx := WithTask(s.ctx, t)
	log := s.taskLogger(t)

	if s.opts.Pin {
		if mask, ok := t.vcpu.PhysCPUSet(); ok {
			unpin, err := pinThread(mask)
			if err != nil {
				log.Warn("vcpus: pin task to host CPUs", "mask", fmt.Sprintf("%#x", mask), "error", err)
			} else {
				defer unpin()
			}
		}
	}

	log.Info("vcpus: task started, waiting for VM to run")
	err := t.owner.queue.WaitUntil(ctx, func() bool { return t.vm.Running() || t.vm.ShuttingDown() })
	if err == nil && t.vm.Running() {
		s.advance(t, Event{Kind: EventVMRunning})
		log.Info("vcpus: vCPU running")
	} else {
		s.advance(t, Event{Kind: EventShutdownObserved})
	}

	rec := timeslice.NewRecorder(t.vm.ID(), t.vcpu.ID())
	for t.State() != Exiting {
		t.mailbox.Drain()
		rec.Mark(tsHost)

		exit, err := t.vm.RunVCpu(ctx, t.vcpu.ID())
		rec.Mark(tsGuest)
		switch {
		case err != nil && ctx.Err() != nil:
			// scheduler closing
		case err != nil:
			log.Error("vcpus: run vCPU failed, blocking", "error", err)
			s.advance(t, Event{Kind: EventRunError})
		default:
			s.advance(t, s.handleExit(ctx, t, exit))
			rec.Mark(tsExit[exit.Kind()])
		}

		if st := t.State(); st == BlockedOnHalt || st == BlockedOnError {
			s.block(ctx, t)
		}

		if t.vm.ShuttingDown() || ctx.Err() != nil {
			log.Info("vcpus: VM is shutting down, vCPU exiting")
			s.advance(t, Event{Kind: EventShutdownObserved})
		}
	}

	s.exit(t, log)
}

// block parks a halted task until it is notified, work arrives in its
// mailbox or the VM shuts down.
func (s *Scheduler) block(ctx context.Context, t *Task) {
	if err := t.owner.queue.Wait(ctx, t.mailbox.Pending(), t.vm.ShuttingDown); err != nil {
		return
	}
	if t.vm.ShuttingDown() {
		return
	}
	s.advance(t, Event{Kind: EventWoken})
}

func (s *Scheduler) exit(t *Task, log *slog.Logger) {
	t.mailbox.Close()
	s.advance(t, Event{Kind: EventExited})

	if t.owner.runningHalting.Add(-1) == 0 {
		log.Info("vcpus: last vCPU of VM terminated")
		if s.opts.OnVMStopped != nil {
			s.opts.OnVMStopped(t.vm)
		}
	}
}

// handleExit acts on one VM exit and returns the event it causes.
func (s *Scheduler) handleExit(ctx context.Context, t *Task, exit hv.ExitReason) Event {
	log := s.taskLogger(t)

	switch e := exit.(type) {
	case hv.ExitHypercall:
		ret := int64(-1)
		if s.opts.Hypercalls != nil {
			ret = s.opts.Hypercalls.Handle(ctx, t.vcpu, t.vm, e.Nr, e.Args)
		} else {
			log.Warn("vcpus: hypercall with no handler", "nr", e.Nr)
		}
		t.vcpu.SetReturnValue(uint64(ret))

	case hv.ExitFailEntry:
		s.failEntryLog.Do(func() {
			log.Warn("vcpus: VM entry failed", "reason", fmt.Sprintf("%#x", e.HardwareEntryFailureReason))
		})

	case hv.ExitExternalInterrupt:
		if !s.opts.IRQs.Dispatch(ctx, e.Vector) {
			log.Debug("vcpus: no handler for host interrupt", "vector", e.Vector)
		}
		cpu, ok := t.HostCPU()
		if !ok {
			cpu = 0
		}
		s.opts.Timers.CheckEvents(cpu, time.Now())

	case hv.ExitHalt:
		log.Debug("vcpus: vCPU halted")

	case hv.ExitCpuDown:
		log.Warn("vcpus: vCPU down, halting", "state", e.State)

	case hv.ExitCpuUp:
		s.cpuUp(t, e, log)

	case hv.ExitSystemDown:
		log.Info("vcpus: guest requested system shutdown")
		if err := t.vm.Shutdown(); err != nil {
			log.Error("vcpus: shut down VM", "error", err)
		}
		t.owner.queue.NotifyAll()

	case hv.ExitNothing:

	default:
		s.unhandledLog.Do(func() {
			log.Warn("vcpus: unhandled VM exit", "exit", exit)
		})
	}

	return exitEvent(exit.Kind())
}

// cpuUp brings a secondary vCPU online. A physical CPU id with no vCPU in
// the affinity table is a configuration error and panics.
func (s *Scheduler) cpuUp(t *Task, e hv.ExitCpuUp, log *slog.Logger) {
	vcpuID, ok := -1, false
	if cfg := t.vm.Config(); cfg != nil {
		vcpuID, ok = cfg.VCpuForPhysID(e.TargetCPU)
	}
	if !ok {
		panic(fmt.Sprintf("vcpus: VM[%d] CPU_ON for physical CPU %#x, which no vCPU is bound to", t.vm.ID(), e.TargetCPU))
	}

	log.Info("vcpus: CPU_ON", "target_vcpu", vcpuID, "entry", e.EntryPoint, "arg", fmt.Sprintf("%#x", e.Arg))

	ret := psciSuccess
	if err := s.vcpuOn(t.owner, vcpuID, e.EntryPoint, e.Arg); err != nil {
		if errors.Is(err, hv.ErrAlreadyExists) {
			ret = psciAlreadyOn
		} else {
			ret = psciInternalFailure
		}
		log.Warn("vcpus: CPU_ON failed", "target_vcpu", vcpuID, "error", err)
	}
	t.vcpu.SetReturnValue(uint64(ret))
}

// vcpuOn prepares a free vCPU to start at entry and spawns its task.
func (s *Scheduler) vcpuOn(owner *VMVCpus, vcpuID int, entry hv.GuestPhysAddr, arg uint64) error {
	vm := owner.vm
	vcpu, ok := vm.VCpu(vcpuID)
	if !ok {
		return fmt.Errorf("vcpus: VM[%d] has no vCPU %d: %w", vm.ID(), vcpuID, hv.ErrNotFound)
	}

	owner.mu.Lock()
	for _, other := range owner.tasks {
		if other.vcpu.ID() == vcpuID {
			owner.mu.Unlock()
			return fmt.Errorf("vcpus: VM[%d] vCPU[%d] is already online: %w", vm.ID(), vcpuID, hv.ErrAlreadyExists)
		}
	}
	if st := vcpu.State(); st != hv.VCpuStateFree {
		owner.mu.Unlock()
		return fmt.Errorf("vcpus: VM[%d] vCPU[%d] is %v, not free: %w", vm.ID(), vcpuID, st, hv.ErrBadState)
	}
	if err := vcpu.SetEntry(entry); err != nil {
		owner.mu.Unlock()
		return err
	}
	if vm.Architecture() == hv.ArchitectureRISCV64 {
		// a0 = hart id, a1 = opaque
		vcpu.SetGPR(0, uint64(vcpuID))
		vcpu.SetGPR(1, arg)
	} else {
		vcpu.SetGPR(0, arg)
	}
	t := newTask(owner, vcpu)
	owner.tasks = append(owner.tasks, t)
	owner.mu.Unlock()

	s.spawn(t)
	return nil
}
