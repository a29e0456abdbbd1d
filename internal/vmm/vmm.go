// Package vmm ties the VMM core together: it owns the VM list, the IVC
// channel registry and hypercall dispatcher, and the vCPU scheduler, and it
// boots every VM and waits for all of them to stop.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/guest"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hvc"
	"github.com/tinyrange/vmm/internal/irq"
	"github.com/tinyrange/vmm/internal/ivc"
	"github.com/tinyrange/vmm/internal/timer"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vcpus"
	"github.com/tinyrange/vmm/internal/waitq"
)

var tsBoot = timeslice.RegisterKind("vmm_boot", timeslice.FlagInitTime)

// BackendFactory builds the virtualization backend for one VM.
type BackendFactory func(cfg *config.VMConfig) (hv.VCpuBackend, error)

type Options struct {
	// Memory backs guest RAM and IVC channels.
	Memory guest.Memory

	// SubscriberAccess is how IVC subscribers map a channel. Zero means
	// read and write.
	SubscriberAccess hv.MappingFlags

	// Pin binds vCPU tasks to their configured host CPUs.
	Pin bool

	Logger *slog.Logger
}

type vmEntry struct {
	id int
	vm hv.VirtualMachine
}

func vmLess(a, b vmEntry) bool { return a.id < b.id }

type VMM struct {
	opts Options
	log  *slog.Logger

	mu  sync.Mutex
	vms *btree.BTreeG[vmEntry]
	// counted holds the VMs included in running.
	counted map[int]bool

	running atomic.Int64
	stopped waitq.Queue

	registry   *ivc.Registry
	hypercalls *hvc.Dispatcher
	irqs       *irq.Table
	timers     *timer.PerCPU
	sched      *vcpus.Scheduler
}

var _ hv.VMLookup = (*VMM)(nil)

func New(opts Options) (*VMM, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("vmm: no memory: %w", hv.ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	v := &VMM{
		opts:     opts,
		log:      log,
		vms:      btree.NewG(8, vmLess),
		counted:  make(map[int]bool),
		registry: ivc.NewRegistry(),
		irqs:     irq.NewTable(),
		timers:   timer.NewPerCPU(),
	}

	d, err := hvc.NewDispatcher(hvc.Options{
		Registry:         v.registry,
		Frames:           opts.Memory,
		VMs:              v,
		SubscriberAccess: opts.SubscriberAccess,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	v.hypercalls = d

	v.sched = vcpus.NewScheduler(vcpus.Options{
		Hypercalls:  d,
		IRQs:        v.irqs,
		Timers:      v.timers,
		OnVMStopped: v.onVMStopped,
		Pin:         opts.Pin,
		Logger:      log,
	})
	return v, nil
}

func (v *VMM) Registry() *ivc.Registry     { return v.registry }
func (v *VMM) IRQs() *irq.Table            { return v.irqs }
func (v *VMM) Timers() *timer.PerCPU       { return v.timers }
func (v *VMM) Scheduler() *vcpus.Scheduler { return v.sched }

// AddVM registers an already built VM.
func (v *VMM) AddVM(vm hv.VirtualMachine) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	e := vmEntry{id: vm.ID(), vm: vm}
	if v.vms.Has(e) {
		return fmt.Errorf("vmm: VM[%d] already exists: %w", vm.ID(), hv.ErrAlreadyExists)
	}
	v.vms.ReplaceOrInsert(e)
	v.log.Info("vmm: VM added", "vm", vm.ID(), "name", vm.Name(), "vcpus", vm.VCpuNum())
	return nil
}

// CreateVMs builds a guest machine for each configuration and adds it. On
// error the VMs created by this call are closed and removed again.
func (v *VMM) CreateVMs(cfgs []*config.VMConfig, backend BackendFactory) error {
	var created []*guest.Machine
	fail := func(err error) error {
		v.mu.Lock()
		for _, m := range created {
			v.vms.Delete(vmEntry{id: m.ID()})
		}
		v.mu.Unlock()
		for _, m := range created {
			m.Close()
		}
		return err
	}

	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return fail(fmt.Errorf("vmm: %w", err))
		}
		b, err := backend(cfg)
		if err != nil {
			return fail(fmt.Errorf("vmm: backend for VM[%d]: %w", cfg.Base.ID, err))
		}
		m, err := guest.New(cfg, guest.Options{Memory: v.opts.Memory, Backend: b, Logger: v.log})
		if err != nil {
			return fail(fmt.Errorf("vmm: create VM[%d]: %w", cfg.Base.ID, err))
		}
		if err := v.AddVM(m); err != nil {
			m.Close()
			return fail(err)
		}
		created = append(created, m)
	}
	return nil
}

// Init sets up the primary vCPU task of every VM and routes each VM's
// pass-through SPIs to its primary vCPU.
func (v *VMM) Init() error {
	for _, vm := range v.VMs() {
		if err := v.sched.SetupVMPrimaryVCpu(vm); err != nil {
			return fmt.Errorf("vmm: %w", err)
		}
		cfg := vm.Config()
		if cfg == nil {
			continue
		}
		for _, spi := range passThroughSPIs(cfg) {
			if err := v.routeSPI(vm.ID(), spi); err != nil {
				return err
			}
		}
	}
	return nil
}

func passThroughSPIs(cfg *config.VMConfig) []uint32 {
	seen := make(map[uint32]bool)
	var ret []uint32
	add := func(spi uint32) {
		if spi != 0 && !seen[spi] {
			seen[spi] = true
			ret = append(ret, spi)
		}
	}
	for _, spi := range cfg.Devices.PassThroughSPIs {
		add(spi)
	}
	for _, dev := range cfg.Devices.PassThroughDevices {
		add(dev.IRQ)
	}
	return ret
}

func (v *VMM) routeSPI(vmID int, spi uint32) error {
	name := fmt.Sprintf("vm%d-spi%d", vmID, spi)
	err := v.irqs.Register(uint64(spi), name, func(ctx context.Context, vector uint64) {
		if err := v.InjectIRQToVCpu(ctx, vmID, 0, uint32(vector)); err != nil {
			v.log.Warn("vmm: forward pass-through interrupt", "vm", vmID, "vector", vector, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("vmm: route SPI %d to VM[%d]: %w", spi, vmID, err)
	}
	v.log.Debug("vmm: pass-through SPI routed", "vm", vmID, "spi", spi)
	return nil
}

// Start boots every VM and blocks until all of them have stopped. A VM is
// counted as running before it boots. A VM that fails to boot is skipped and
// its error is returned once the others have stopped.
func (v *VMM) Start(ctx context.Context) error {
	var errs []error
	for _, vm := range v.VMs() {
		start := time.Now()
		v.count(vm.ID())
		if err := vm.Boot(); err != nil {
			v.uncount(vm.ID())
			v.log.Error("vmm: VM boot failed", "vm", vm.ID(), "name", vm.Name(), "error", err)
			errs = append(errs, fmt.Errorf("vmm: VM[%d]: %w", vm.ID(), err))
			continue
		}
		if err := v.sched.NotifyPrimaryVCpu(vm.ID()); err != nil {
			v.log.Error("vmm: VM primary vCPU not started", "vm", vm.ID(), "error", err)
			if err := vm.Shutdown(); err != nil {
				v.log.Warn("vmm: VM shutdown failed", "vm", vm.ID(), "error", err)
			}
			v.uncount(vm.ID())
			errs = append(errs, fmt.Errorf("vmm: VM[%d]: %w", vm.ID(), err))
			continue
		}
		timeslice.Add(tsBoot, vm.ID(), 0, time.Since(start))
		v.log.Info("vmm: VM started", "vm", vm.ID(), "name", vm.Name())
	}

	if err := v.stopped.WaitUntil(ctx, func() bool { return v.running.Load() == 0 }); err != nil {
		return err
	}
	v.log.Info("vmm: all VMs stopped")
	return errors.Join(errs...)
}

func (v *VMM) count(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counted[id] = true
	v.running.Add(1)
}

// uncount drops a VM that never ran. It is a no-op if the VM already stopped.
func (v *VMM) uncount(id int) {
	v.mu.Lock()
	if !v.counted[id] {
		v.mu.Unlock()
		return
	}
	delete(v.counted, id)
	v.running.Add(-1)
	v.mu.Unlock()
	v.stopped.NotifyAll()
}

func (v *VMM) onVMStopped(vm hv.VirtualMachine) {
	v.mu.Lock()
	if !v.counted[vm.ID()] {
		v.mu.Unlock()
		v.log.Debug("vmm: VM stopped before it was started", "vm", vm.ID())
		return
	}
	delete(v.counted, vm.ID())
	left := v.running.Add(-1)
	v.mu.Unlock()

	v.log.Info("vmm: VM stopped", "vm", vm.ID(), "running", left)
	v.stopped.NotifyAll()
}

// RunningVMs returns how many VMs have been started and not yet stopped.
func (v *VMM) RunningVMs() int64 { return v.running.Load() }

// VM implements hv.VMLookup.
func (v *VMM) VM(id int) (hv.VirtualMachine, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.vms.Get(vmEntry{id: id})
	return e.vm, ok
}

// VMs returns every VM ordered by id.
func (v *VMM) VMs() []hv.VirtualMachine {
	v.mu.Lock()
	defer v.mu.Unlock()
	ret := make([]hv.VirtualMachine, 0, v.vms.Len())
	v.vms.Ascend(func(e vmEntry) bool {
		ret = append(ret, e.vm)
		return true
	})
	return ret
}

func (v *VMM) WithVM(id int, fn func(hv.VirtualMachine) error) error {
	vm, ok := v.VM(id)
	if !ok {
		return fmt.Errorf("vmm: VM[%d]: %w", id, hv.ErrNotFound)
	}
	return fn(vm)
}

func (v *VMM) WithVMAndVCpu(vmID, vcpuID int, fn func(hv.VirtualMachine, hv.VirtualCPU) error) error {
	return v.WithVM(vmID, func(vm hv.VirtualMachine) error {
		vcpu, ok := vm.VCpu(vcpuID)
		if !ok {
			return fmt.Errorf("vmm: VM[%d] vCPU[%d]: %w", vmID, vcpuID, hv.ErrNotFound)
		}
		return fn(vm, vcpu)
	})
}

func (v *VMM) task(vmID, vcpuID int) (*vcpus.Task, error) {
	if _, ok := v.VM(vmID); !ok {
		return nil, fmt.Errorf("vmm: VM[%d]: %w", vmID, hv.ErrNotFound)
	}
	t, ok := v.sched.FindVCpuTask(vmID, vcpuID)
	if !ok {
		return nil, fmt.Errorf("vmm: VM[%d] vCPU[%d] is not online: %w", vmID, vcpuID, hv.ErrNotFound)
	}
	return t, nil
}

// WithVMAndVCpuOnPCpu runs fn on the execution context hosting the vCPU and
// waits for it. Called from that context, fn runs immediately.
func (v *VMM) WithVMAndVCpuOnPCpu(ctx context.Context, vmID, vcpuID int, fn func(hv.VirtualMachine, hv.VirtualCPU)) error {
	t, err := v.task(vmID, vcpuID)
	if err != nil {
		return err
	}
	if cur, ok := vcpus.TaskFromContext(ctx); ok && cur == t {
		fn(t.VM(), t.VCpu())
		return nil
	}
	if err := t.Mailbox().Send(ctx, func() { fn(t.VM(), t.VCpu()) }); err != nil {
		return fmt.Errorf("vmm: run on VM[%d] vCPU[%d]: %w", vmID, vcpuID, err)
	}
	return nil
}

// InjectIRQToVCpu injects vector into a vCPU from any context. From another
// context the injection is queued to the vCPU's task and not waited for.
func (v *VMM) InjectIRQToVCpu(ctx context.Context, vmID, vcpuID int, vector uint32) error {
	t, err := v.task(vmID, vcpuID)
	if err != nil {
		return err
	}
	if cur, ok := vcpus.TaskFromContext(ctx); ok && cur == t {
		return t.VCpu().InjectInterrupt(vector)
	}
	err = t.Mailbox().Post(func() {
		if err := t.VCpu().InjectInterrupt(vector); err != nil {
			v.log.Warn("vmm: inject interrupt", "vm", vmID, "vcpu", vcpuID, "vector", vector, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("vmm: inject %d into VM[%d] vCPU[%d]: %w", vector, vmID, vcpuID, err)
	}
	return nil
}

// VCpuResidesOn returns the host CPU the vCPU's task is bound to.
func (v *VMM) VCpuResidesOn(vmID, vcpuID int) (int, error) {
	return v.sched.VCpuResidesOn(vmID, vcpuID)
}

// Close stops every vCPU task and releases the VMs.
func (v *VMM) Close() error {
	err := v.sched.Close()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, vm := range v.VMs() {
		if c, ok := vm.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("vmm: close VM[%d]: %w", vm.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
