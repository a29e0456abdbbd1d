// Package vcpus runs every vCPU on its own host execution context and drives
// the VM exit loop.
package vcpus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/irq"
	"github.com/tinyrange/vmm/internal/timer"
	"github.com/tinyrange/vmm/internal/waitq"
)

// HypercallHandler executes hypercalls and returns the guest return value.
type HypercallHandler interface {
	Handle(ctx context.Context, vcpu hv.VirtualCPU, vm hv.VirtualMachine, nr uint64, args [6]uint64) int64
}

type Options struct {
	Hypercalls HypercallHandler
	IRQs       *irq.Table
	Timers     *timer.PerCPU

	// OnVMStopped is called from the last task of a VM to terminate.
	OnVMStopped func(vm hv.VirtualMachine)

	// OnTransition observes every task state change.
	OnTransition func(t *Task, from, to State)

	// Pin binds each task to an OS thread restricted to its vCPU's host
	// CPU mask.
	Pin bool

	Logger *slog.Logger
}

// VMVCpus is the scheduling context of one VM.
type VMVCpus struct {
	vm    hv.VirtualMachine
	queue waitq.Queue

	mu    sync.Mutex
	tasks []*Task

	// runningHalting counts tasks that have been spawned and not yet
	// terminated.
	runningHalting atomic.Int64
}

func (v *VMVCpus) VM() hv.VirtualMachine { return v.vm }

// Queue is the wait queue halted vCPUs of the VM sleep on.
func (v *VMVCpus) Queue() *waitq.Queue { return &v.queue }

// RunningHalting returns the number of live tasks.
func (v *VMVCpus) RunningHalting() int64 { return v.runningHalting.Load() }

func (v *VMVCpus) task(vcpuID int) (*Task, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range v.tasks {
		if t.vcpu.ID() == vcpuID {
			return t, true
		}
	}
	return nil, false
}

// Tasks returns the tasks in creation order, primary first.
func (v *VMVCpus) Tasks() []*Task {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Task(nil), v.tasks...)
}

// Scheduler owns the scheduling context of every VM.
type Scheduler struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	vms map[int]*VMVCpus

	failEntryLog rate.Sometimes
	unhandledLog rate.Sometimes
}

func NewScheduler(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.IRQs == nil {
		opts.IRQs = irq.NewTable()
	}
	if opts.Timers == nil {
		opts.Timers = timer.NewPerCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:         opts,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		vms:          make(map[int]*VMVCpus),
		failEntryLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
		unhandledLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// SetupVMPrimaryVCpu creates the scheduling context of vm and starts the task
// of its primary vCPU, which waits until the VM runs. Secondary vCPUs are
// only started by the guest.
func (s *Scheduler) SetupVMPrimaryVCpu(vm hv.VirtualMachine) error {
	const primaryVCpuID = 0

	vcpu, ok := vm.VCpu(primaryVCpuID)
	if !ok {
		return fmt.Errorf("vcpus: VM[%d] has no primary vCPU: %w", vm.ID(), hv.ErrNotFound)
	}

	s.mu.Lock()
	if _, ok := s.vms[vm.ID()]; ok {
		s.mu.Unlock()
		return fmt.Errorf("vcpus: VM[%d] is already set up: %w", vm.ID(), hv.ErrAlreadyExists)
	}
	owner := &VMVCpus{vm: vm}
	s.vms[vm.ID()] = owner
	s.mu.Unlock()

	owner.mu.Lock()
	t := newTask(owner, vcpu)
	owner.tasks = append(owner.tasks, t)
	owner.mu.Unlock()

	s.log.Info("vcpus: primary vCPU set up", "vm", vm.ID(), "vcpu", primaryVCpuID)
	s.spawn(t)
	return nil
}

// NotifyPrimaryVCpu wakes the primary vCPU of a VM that has been booted.
func (s *Scheduler) NotifyPrimaryVCpu(vmID int) error {
	owner, ok := s.VMVCpus(vmID)
	if !ok {
		return fmt.Errorf("vcpus: VM[%d] is not set up: %w", vmID, hv.ErrNotFound)
	}
	owner.queue.NotifyOne()
	return nil
}

func (s *Scheduler) VMVCpus(vmID int) (*VMVCpus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vms[vmID]
	return v, ok
}

// VMIDs returns the ids of every VM with a scheduling context.
func (s *Scheduler) VMIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.vms))
	for id := range s.vms {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Scheduler) FindVCpuTask(vmID, vcpuID int) (*Task, bool) {
	owner, ok := s.VMVCpus(vmID)
	if !ok {
		return nil, false
	}
	return owner.task(vcpuID)
}

// WithVCpuTask calls fn with the task of a started vCPU.
func (s *Scheduler) WithVCpuTask(vmID, vcpuID int, fn func(*Task) error) error {
	t, ok := s.FindVCpuTask(vmID, vcpuID)
	if !ok {
		return fmt.Errorf("vcpus: VM[%d] vCPU[%d] has no task: %w", vmID, vcpuID, hv.ErrNotFound)
	}
	return fn(t)
}

// Tasks returns the tasks of a VM.
func (s *Scheduler) Tasks(vmID int) []*Task {
	owner, ok := s.VMVCpus(vmID)
	if !ok {
		return nil
	}
	return owner.Tasks()
}

// VCpuResidesOn returns the host CPU a vCPU task is bound to.
func (s *Scheduler) VCpuResidesOn(vmID, vcpuID int) (int, error) {
	t, ok := s.FindVCpuTask(vmID, vcpuID)
	if !ok {
		return -1, fmt.Errorf("vcpus: VM[%d] vCPU[%d] has no task: %w", vmID, vcpuID, hv.ErrNotFound)
	}
	cpu, ok := t.HostCPU()
	if !ok {
		return -1, fmt.Errorf("vcpus: VM[%d] vCPU[%d] is not bound to a host CPU: %w", vmID, vcpuID, hv.ErrUnsupported)
	}
	return cpu, nil
}

// Wait blocks until every task has terminated.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Close cancels every task and waits for them to terminate.
func (s *Scheduler) Close() error {
	s.cancel()
	s.mu.Lock()
	for _, owner := range s.vms {
		owner.queue.NotifyAll()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) spawn(t *Task) {
	t.owner.runningHalting.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(t)
	}()
}
