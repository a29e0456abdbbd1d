// Package guest models a guest VM for the VMM: vCPUs with their interrupt
// context, a stage-2 table over host frames and the IVC window aperture.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/mm"
	"github.com/tinyrange/vmm/internal/vgic"
)

const pageSize = mm.PageSize

type State int32

const (
	StateLoading State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Memory is where guest RAM frames come from.
type Memory interface {
	mm.FrameAllocator
	AllocFrames(n int) (hv.HostPhysAddr, error)
	DeallocFrames(hpa hv.HostPhysAddr, n int)
}

type Options struct {
	Memory  Memory
	Backend hv.VCpuBackend
	Logger  *slog.Logger
}

type ramRegion struct {
	hpa    hv.HostPhysAddr
	frames int
}

// Machine is a guest VM.
type Machine struct {
	cfg  *config.VMConfig
	arch hv.CpuArchitecture

	mem     Memory
	backend hv.VCpuBackend
	log     *slog.Logger

	vcpus []*VCpu

	state atomic.Int32

	mu     sync.Mutex
	stage2 *stage2
	ram    []ramRegion
	ivc    *hv.AddressSpace
}

var _ hv.VirtualMachine = (*Machine)(nil)

// New builds a machine from a validated configuration and backs its memory
// regions with frames from opts.Memory.
func New(cfg *config.VMConfig, opts Options) (*Machine, error) {
	if opts.Memory == nil || opts.Backend == nil {
		return nil, fmt.Errorf("guest: VM[%d] needs memory and a vCPU backend: %w", cfg.Base.ID, hv.ErrInvalidInput)
	}
	arch, err := hv.ParseArchitecture(cfg.Base.Arch)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("vm", cfg.Base.ID)

	version := vgic.GICv3
	if cfg.Interrupts.GICVersion == 2 {
		version = vgic.GICv2
	}

	m := &Machine{
		cfg:     cfg,
		arch:    arch,
		mem:     opts.Memory,
		backend: opts.Backend,
		log:     log,
		stage2:  newStage2(),
		ivc:     hv.NewAddressSpace(cfg.IVC.WindowBase, cfg.IVC.WindowSize),
	}
	m.state.Store(int32(StateLoading))

	for _, aff := range cfg.VCpuAffinities() {
		m.vcpus = append(m.vcpus, newVCpu(cfg.Base.ID, aff.VCpuID, aff.PhysID, aff.PhysCPUSet,
			version, cfg.Interrupts.ListRegisters, log))
	}

	if err := m.setupMemory(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) setupMemory() error {
	for _, r := range m.cfg.Kernel.MemoryRegions {
		flags, err := hv.ParseMappingFlags(r.Flags)
		if err != nil {
			return err
		}
		if err := m.ivc.RegisterFixed("ram", r.GPA, r.Size); err != nil {
			return fmt.Errorf("guest: VM[%d]: %w", m.ID(), err)
		}
		frames := int(r.Size / pageSize)
		hpa, err := m.mem.AllocFrames(frames)
		if err != nil {
			return fmt.Errorf("guest: VM[%d] allocate %#x bytes of RAM at %#x: %w", m.ID(), r.Size, r.GPA, err)
		}
		m.ram = append(m.ram, ramRegion{hpa: hpa, frames: frames})
		if err := m.MapRegion(hv.GuestPhysAddr(r.GPA), hpa, r.Size, flags); err != nil {
			return err
		}
		m.log.Debug("guest: mapped RAM", "gpa", hv.GuestPhysAddr(r.GPA), "hpa", hpa, "size", r.Size, "flags", flags)
	}

	for _, dev := range m.cfg.Devices.PassThroughDevices {
		if err := m.ivc.RegisterFixed(dev.Name, dev.BaseGPA, dev.Length); err != nil {
			return fmt.Errorf("guest: VM[%d]: %w", m.ID(), err)
		}
		flags := hv.MappingRead | hv.MappingWrite | hv.MappingDevice
		if err := m.MapRegion(hv.GuestPhysAddr(dev.BaseGPA), hv.HostPhysAddr(dev.BaseHPA), dev.Length, flags); err != nil {
			return fmt.Errorf("guest: VM[%d] pass-through %s: %w", m.ID(), dev.Name, err)
		}
	}
	return nil
}

func (m *Machine) ID() int                          { return m.cfg.Base.ID }
func (m *Machine) Name() string                     { return m.cfg.Base.Name }
func (m *Machine) Architecture() hv.CpuArchitecture { return m.arch }
func (m *Machine) Config() *config.VMConfig         { return m.cfg }
func (m *Machine) VCpuNum() int                     { return len(m.vcpus) }

func (m *Machine) VCpus() []hv.VirtualCPU {
	ret := make([]hv.VirtualCPU, len(m.vcpus))
	for i, v := range m.vcpus {
		ret[i] = v
	}
	return ret
}

func (m *Machine) VCpu(id int) (hv.VirtualCPU, bool) {
	v, ok := m.vcpu(id)
	if !ok {
		return nil, false
	}
	return v, true
}

func (m *Machine) vcpu(id int) (*VCpu, bool) {
	if id < 0 || id >= len(m.vcpus) {
		return nil, false
	}
	return m.vcpus[id], true
}

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) Running() bool { return m.State() == StateRunning }

func (m *Machine) ShuttingDown() bool { return m.State() >= StateShuttingDown }

// Boot moves the machine from loading to running.
func (m *Machine) Boot() error {
	if !m.state.CompareAndSwap(int32(StateLoading), int32(StateRunning)) {
		return fmt.Errorf("guest: boot VM[%d] in state %v: %w", m.ID(), m.State(), hv.ErrBadState)
	}
	m.log.Info("guest: VM booted", "name", m.Name(), "vcpus", m.VCpuNum())
	return nil
}

// Shutdown marks the machine as shutting down. Repeated calls are no-ops.
func (m *Machine) Shutdown() error {
	for {
		s := m.State()
		switch s {
		case StateShuttingDown, StateStopped:
			return nil
		case StateLoading:
			return fmt.Errorf("guest: shut down VM[%d] that never booted: %w", m.ID(), hv.ErrBadState)
		}
		if m.state.CompareAndSwap(int32(s), int32(StateShuttingDown)) {
			m.log.Info("guest: VM shutting down")
			return nil
		}
	}
}

// RunVCpu enters the guest on vCPU id until the next exit.
func (m *Machine) RunVCpu(ctx context.Context, id int) (hv.ExitReason, error) {
	v, ok := m.vcpu(id)
	if !ok {
		return nil, fmt.Errorf("guest: VM[%d] has no vCPU %d: %w", m.ID(), id, hv.ErrNotFound)
	}
	if m.State() == StateStopped {
		return nil, fmt.Errorf("guest: run vCPU %d of stopped VM[%d]: %w", id, m.ID(), hv.ErrBadState)
	}

	v.setState(hv.VCpuStateRunning)
	exit, err := m.backend.Run(ctx, m, v)
	v.setState(hv.VCpuStateReady)
	if err != nil {
		return nil, fmt.Errorf("guest: run VM[%d] vCPU[%d]: %w", m.ID(), id, err)
	}
	return exit, nil
}

func (m *Machine) MapRegion(gpa hv.GuestPhysAddr, hpa hv.HostPhysAddr, size uint64, flags hv.MappingFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage2.insert(Mapping{GPA: gpa, HPA: hpa, Size: size, Flags: flags})
}

func (m *Machine) UnmapRegion(gpa hv.GuestPhysAddr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.stage2.remove(gpa, size)
	return err
}

// Translate returns the mapping covering gpa.
func (m *Machine) Translate(gpa hv.GuestPhysAddr) (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage2.lookup(gpa)
}

// Mappings returns every stage-2 mapping ordered by guest address.
func (m *Machine) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage2.all()
}

func (m *Machine) AllocIVCChannel(size uint64) (hv.GuestPhysAddr, uint64, error) {
	w, err := m.ivc.Allocate(hv.WindowRequest{Name: "ivc", Size: size, Alignment: pageSize})
	if err != nil {
		return 0, 0, fmt.Errorf("guest: VM[%d]: %w", m.ID(), err)
	}
	return w.Base, w.Size, nil
}

func (m *Machine) ReleaseIVCChannel(gpa hv.GuestPhysAddr, size uint64) error {
	if err := m.ivc.Release(gpa, size); err != nil {
		return fmt.Errorf("guest: VM[%d]: %w", m.ID(), err)
	}
	return nil
}

// IVCWindows returns the live IVC windows.
func (m *Machine) IVCWindows() []hv.Window { return m.ivc.Allocations() }

// ReadAt reads guest physical memory. Only RAM-backed mappings can be read.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, off, false)
}

// WriteAt writes guest physical memory. Only writable RAM-backed mappings can
// be written.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, off, true)
}

func (m *Machine) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guest: negative guest address %d: %w", off, hv.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	done := 0
	for done < len(p) {
		gpa := hv.GuestPhysAddr(uint64(off) + uint64(done))
		mp, ok := m.stage2.lookup(gpa)
		if !ok {
			return done, fmt.Errorf("guest: VM[%d] %v is not mapped: %w", m.ID(), gpa, hv.ErrNotFound)
		}
		if mp.Flags&hv.MappingDevice != 0 {
			return done, fmt.Errorf("guest: VM[%d] %v is device memory: %w", m.ID(), gpa, hv.ErrInvalidInput)
		}
		if write && mp.Flags&hv.MappingWrite == 0 {
			return done, fmt.Errorf("guest: VM[%d] %v is read-only: %w", m.ID(), gpa, hv.ErrInvalidInput)
		}
		if !write && mp.Flags&hv.MappingRead == 0 {
			return done, fmt.Errorf("guest: VM[%d] %v is not readable: %w", m.ID(), gpa, hv.ErrInvalidInput)
		}

		offset := uint64(gpa - mp.GPA)
		n := min(uint64(len(p)-done), mp.Size-offset)
		buf, err := m.mem.PhysToVirt(mp.HPA+hv.HostPhysAddr(offset), n)
		if err != nil {
			return done, fmt.Errorf("guest: VM[%d] %v: %w", m.ID(), gpa, err)
		}
		if write {
			copy(buf, p[done:done+int(n)])
		} else {
			copy(p[done:done+int(n)], buf)
		}
		done += int(n)
	}
	return done, nil
}

// Close stops the machine and returns its RAM.
func (m *Machine) Close() error {
	m.state.Store(int32(StateStopped))

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, r := range m.ram {
		size := uint64(r.frames) * pageSize
		for _, mp := range m.stage2.all() {
			if mp.HPA == r.hpa && mp.Size == size {
				if _, err := m.stage2.remove(mp.GPA, mp.Size); err != nil {
					errs = append(errs, err)
				}
			}
		}
		m.mem.DeallocFrames(r.hpa, r.frames)
	}
	m.ram = nil
	return errors.Join(errs...)
}
