package guest

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/vgic"
)

const numGPRs = 32

// VCpu is a software vCPU. Its interrupt context is a list register file
// that the backend drains on every guest entry.
type VCpu struct {
	id      int
	vmID    int
	physID  uint64
	physSet uint64

	state atomic.Int32

	mu    sync.Mutex
	entry hv.GuestPhysAddr
	gprs  [numGPRs]uint64

	lrs      *vgic.SoftListRegisters
	injector *vgic.Injector
}

var _ hv.VirtualCPU = (*VCpu)(nil)

func newVCpu(vmID, id int, physID, physSet uint64, version vgic.Version, listRegisters int, log *slog.Logger) *VCpu {
	lrs := vgic.NewSoftListRegisters(version, listRegisters)
	v := &VCpu{
		id:       id,
		vmID:     vmID,
		physID:   physID,
		physSet:  physSet,
		lrs:      lrs,
		injector: vgic.NewInjector(lrs, log.With("vcpu", id)),
	}
	v.state.Store(int32(hv.VCpuStateFree))
	return v
}

func (v *VCpu) ID() int { return v.id }

// PhysID is the physical CPU id the guest uses for this vCPU.
func (v *VCpu) PhysID() uint64 { return v.physID }

func (v *VCpu) State() hv.VCpuState { return hv.VCpuState(v.state.Load()) }

func (v *VCpu) setState(s hv.VCpuState) { v.state.Store(int32(s)) }

func (v *VCpu) PhysCPUSet() (uint64, bool) { return v.physSet, v.physSet != 0 }

// SetEntry sets the guest address execution starts at. Only a vCPU that has
// never run can be given an entry point.
func (v *VCpu) SetEntry(entry hv.GuestPhysAddr) error {
	if s := v.State(); s != hv.VCpuStateFree {
		return fmt.Errorf("guest: VM[%d] vCPU[%d] is %v: %w", v.vmID, v.id, s, hv.ErrBadState)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entry = entry
	return nil
}

func (v *VCpu) Entry() hv.GuestPhysAddr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entry
}

func (v *VCpu) SetGPR(idx int, val uint64) {
	if idx < 0 || idx >= numGPRs {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gprs[idx] = val
}

func (v *VCpu) GPR(idx int) uint64 {
	if idx < 0 || idx >= numGPRs {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gprs[idx]
}

// SetReturnValue writes the hypercall return register (x0 / a0 / rax).
func (v *VCpu) SetReturnValue(val uint64) { v.SetGPR(0, val) }

// InjectInterrupt must run on the context hosting the vCPU.
func (v *VCpu) InjectInterrupt(vector uint32) error {
	v.injector.Inject(vector)
	return nil
}

// ListRegisters exposes the vCPU's saved interrupt context.
func (v *VCpu) ListRegisters() *vgic.SoftListRegisters { return v.lrs }
