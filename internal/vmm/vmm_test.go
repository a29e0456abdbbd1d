package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/guest"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/sim"
	"github.com/tinyrange/vmm/internal/hvc"
	"github.com/tinyrange/vmm/internal/mm"
)

const (
	ramBase = 0x4000_0000
	basePtr = ramBase + 0x100
	sizePtr = ramBase + 0x108
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	pool *mm.Pool
	vmm  *VMM

	mu       sync.Mutex
	backends map[int]*sim.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := mm.NewPool(0x8000_0000, 32)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	v, err := New(Options{Memory: pool, Logger: quiet})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return &fixture{pool: pool, vmm: v, backends: make(map[int]*sim.Backend)}
}

func (f *fixture) backend(cfg *config.VMConfig) (hv.VCpuBackend, error) {
	b, err := sim.NewFromConfig(cfg, quiet)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.backends[cfg.Base.ID] = b
	f.mu.Unlock()
	return b, nil
}

func vmConfig(id int, script ...config.ScriptStep) *config.VMConfig {
	cfg := &config.VMConfig{
		Base:   config.BaseConfig{ID: id, CPUNum: 1},
		Kernel: config.KernelConfig{MemoryRegions: []config.MemoryRegion{{GPA: ramBase, Size: 0x1000}}},
		Script: script,
	}
	cfg.ApplyDefaults()
	return cfg
}

func (f *fixture) create(t *testing.T, cfgs ...*config.VMConfig) {
	t.Helper()
	if err := f.vmm.CreateVMs(cfgs, f.backend); err != nil {
		t.Fatalf("CreateVMs: %v", err)
	}
	if err := f.vmm.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func (f *fixture) startAsync(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- f.vmm.Start(ctx) }()
	return done
}

func TestStartWaitsForAllVMs(t *testing.T) {
	f := newFixture(t)
	f.create(t,
		vmConfig(1,
			config.ScriptStep{Exit: "store", GPA: sizePtr, Value: 0x1000},
			config.ScriptStep{Exit: "hypercall", Nr: uint64(hvc.IVCPublishChannel), Args: []uint64{0x42, basePtr, sizePtr}},
			config.ScriptStep{Exit: "load", GPA: basePtr, Reg: 5},
			config.ScriptStep{Exit: "system_down"},
		),
		vmConfig(2,
			config.ScriptStep{Exit: "nothing"},
			config.ScriptStep{Exit: "system_down"},
		),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.vmm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.vmm.RunningVMs(); got != 0 {
		t.Fatalf("running VMs=%d, want 0", got)
	}

	err := f.vmm.WithVMAndVCpu(1, 0, func(vm hv.VirtualMachine, vcpu hv.VirtualCPU) error {
		if got := vcpu.GPR(0); got != 0 {
			t.Errorf("publish returned %#x, want 0", got)
		}
		if got := vcpu.GPR(5); got != config.DefaultIVCWindowBase {
			t.Errorf("channel base=%#x, want %#x", got, config.DefaultIVCWindowBase)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithVMAndVCpu: %v", err)
	}
	if !f.vmm.Registry().Contains(1, 0x42) {
		t.Fatal("published channel is not registered")
	}
}

// slowBoot reports a successful boot only after the guest may already have
// run to completion.
type slowBoot struct{ *guest.Machine }

func (m slowBoot) Boot() error {
	if err := m.Machine.Boot(); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

type failingBoot struct{ *guest.Machine }

func (m failingBoot) Boot() error {
	return fmt.Errorf("firmware rejected VM[%d]: %w", m.ID(), hv.ErrBadState)
}

// add builds a guest machine for cfg and registers the wrapped machine.
func (f *fixture) add(t *testing.T, cfg *config.VMConfig, wrap func(*guest.Machine) hv.VirtualMachine) {
	t.Helper()
	b, err := f.backend(cfg)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	m, err := guest.New(cfg, guest.Options{Memory: f.pool, Backend: b, Logger: quiet})
	if err != nil {
		t.Fatalf("guest.New: %v", err)
	}
	if err := f.vmm.AddVM(wrap(m)); err != nil {
		t.Fatalf("AddVM: %v", err)
	}
}

func TestStartCountsVMBeforeBoot(t *testing.T) {
	f := newFixture(t)
	f.add(t, vmConfig(1, config.ScriptStep{Exit: "system_down"}), func(m *guest.Machine) hv.VirtualMachine {
		return slowBoot{m}
	})
	if err := f.vmm.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.vmm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.vmm.RunningVMs(); got != 0 {
		t.Fatalf("running VMs=%d, want 0", got)
	}
}

func TestStartSkipsVMThatFailsToBoot(t *testing.T) {
	f := newFixture(t)
	f.add(t, vmConfig(1, config.ScriptStep{Exit: "system_down"}), func(m *guest.Machine) hv.VirtualMachine {
		return failingBoot{m}
	})
	f.add(t, vmConfig(2,
		config.ScriptStep{Exit: "nothing"},
		config.ScriptStep{Exit: "system_down"},
	), func(m *guest.Machine) hv.VirtualMachine { return m })
	if err := f.vmm.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.vmm.Start(ctx); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("Start err=%v, want %v", err, hv.ErrBadState)
	}
	if got := f.vmm.RunningVMs(); got != 0 {
		t.Fatalf("running VMs=%d, want 0", got)
	}

	vm, _ := f.vmm.VM(2)
	if !vm.(*guest.Machine).ShuttingDown() {
		t.Fatalf("VM 2 state=%v, want shut down", vm.(*guest.Machine).State())
	}
	vm, _ = f.vmm.VM(1)
	if got := vm.(failingBoot).State(); got != guest.StateLoading {
		t.Fatalf("VM 1 state=%v, want %v", got, guest.StateLoading)
	}
}

func TestVMLookups(t *testing.T) {
	f := newFixture(t)
	f.create(t, vmConfig(3), vmConfig(1))

	var ids []int
	for _, vm := range f.vmm.VMs() {
		ids = append(ids, vm.ID())
	}
	if diff := cmp.Diff([]int{1, 3}, ids); diff != "" {
		t.Fatalf("VM ids (-want +got):\n%s", diff)
	}

	if _, ok := f.vmm.VM(2); ok {
		t.Fatal("found VM 2, want none")
	}
	if err := f.vmm.WithVM(2, func(hv.VirtualMachine) error { return nil }); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("WithVM(2) err=%v, want %v", err, hv.ErrNotFound)
	}
	err := f.vmm.WithVMAndVCpu(1, 4, func(hv.VirtualMachine, hv.VirtualCPU) error { return nil })
	if !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("WithVMAndVCpu(1, 4) err=%v, want %v", err, hv.ErrNotFound)
	}

	vm, _ := f.vmm.VM(1)
	if err := f.vmm.AddVM(vm); !errors.Is(err, hv.ErrAlreadyExists) {
		t.Fatalf("AddVM duplicate err=%v, want %v", err, hv.ErrAlreadyExists)
	}
}

func TestCreateVMsRollsBack(t *testing.T) {
	f := newFixture(t)
	bad := vmConfig(2)
	bad.Base.CPUNum = 0
	bad.Base.Arch = "sparc"

	err := f.vmm.CreateVMs([]*config.VMConfig{vmConfig(1), bad}, f.backend)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("CreateVMs err=%v, want %v", err, config.ErrInvalidConfig)
	}
	if n := len(f.vmm.VMs()); n != 0 {
		t.Fatalf("%d VMs left after failed CreateVMs, want 0", n)
	}
	if got := f.pool.InUse(); got != 0 {
		t.Fatalf("frames in use=%d, want 0", got)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.create(t, vmConfig(1))

	if err := f.vmm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := f.vmm.RunningVMs(); got != 0 {
		t.Fatalf("running VMs=%d, want 0", got)
	}
}

func TestStartCancelled(t *testing.T) {
	f := newFixture(t)
	f.create(t, vmConfig(1, config.ScriptStep{Exit: "wait_irq"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.vmm.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start err=%v, want %v", err, context.DeadlineExceeded)
	}
	if got := f.vmm.RunningVMs(); got != 1 {
		t.Fatalf("running VMs=%d, want 1", got)
	}
}

func TestPassThroughSPI(t *testing.T) {
	f := newFixture(t)
	cfg := vmConfig(1,
		config.ScriptStep{Exit: "irq", Vector: 48},
		config.ScriptStep{Exit: "wait_irq"},
		config.ScriptStep{Exit: "system_down"},
	)
	cfg.Devices.PassThroughSPIs = []uint32{48}
	f.create(t, cfg)

	if err := <-f.startAsync(t); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if diff := cmp.Diff([]uint32{48}, f.backends[1].Delivered(0)); diff != "" {
		t.Fatalf("delivered interrupts (-want +got):\n%s", diff)
	}
	if got := f.vmm.IRQs().Count(48); got != 1 {
		t.Fatalf("SPI 48 dispatched %d times, want 1", got)
	}
}

func TestPassThroughSPIConflict(t *testing.T) {
	f := newFixture(t)
	a, b := vmConfig(1), vmConfig(2)
	a.Devices.PassThroughSPIs = []uint32{48}
	b.Devices.PassThroughDevices = []config.PassThroughDevice{{Name: "uart", IRQ: 48}}

	if err := f.vmm.CreateVMs([]*config.VMConfig{a, b}, f.backend); err != nil {
		t.Fatalf("CreateVMs: %v", err)
	}
	if err := f.vmm.Init(); !errors.Is(err, hv.ErrAlreadyExists) {
		t.Fatalf("Init err=%v, want %v", err, hv.ErrAlreadyExists)
	}
}

func TestWithVMAndVCpuOnPCpu(t *testing.T) {
	f := newFixture(t)
	f.create(t, vmConfig(1,
		config.ScriptStep{Exit: "wait_irq"},
		config.ScriptStep{Exit: "system_down"},
	))
	done := f.startAsync(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ranOnTask bool
	err := f.vmm.WithVMAndVCpuOnPCpu(ctx, 1, 0, func(vm hv.VirtualMachine, vcpu hv.VirtualCPU) {
		ranOnTask = vcpu.ID() == 0
		if err := vcpu.InjectInterrupt(40); err != nil {
			t.Errorf("InjectInterrupt: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("WithVMAndVCpuOnPCpu: %v", err)
	}
	if !ranOnTask {
		t.Fatal("closure did not run")
	}
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if diff := cmp.Diff([]uint32{40}, f.backends[1].Delivered(0)); diff != "" {
		t.Fatalf("delivered interrupts (-want +got):\n%s", diff)
	}

	err = f.vmm.WithVMAndVCpuOnPCpu(ctx, 1, 0, func(hv.VirtualMachine, hv.VirtualCPU) {})
	if err == nil {
		t.Fatal("WithVMAndVCpuOnPCpu on a terminated vCPU succeeded")
	}
}

func TestInjectIRQToOfflineVCpu(t *testing.T) {
	f := newFixture(t)
	cfg := vmConfig(1)
	cfg.Base.CPUNum = 2
	f.create(t, cfg)

	err := f.vmm.InjectIRQToVCpu(context.Background(), 1, 1, 40)
	if !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("InjectIRQToVCpu to a secondary that never started err=%v, want %v", err, hv.ErrNotFound)
	}
	if _, err := f.vmm.VCpuResidesOn(1, 0); !errors.Is(err, hv.ErrUnsupported) {
		t.Fatalf("VCpuResidesOn unpinned err=%v, want %v", err, hv.ErrUnsupported)
	}
}
