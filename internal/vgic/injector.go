package vgic

import (
	"fmt"
	"log/slog"
	"sync"
)

// Controller is the hypervisor-facing part of one core's interrupt controller
// virtualization interface.
type Controller interface {
	Version() Version

	// NumListRegisters is ICH_VTR_EL2.ListRegs+1 (GICH_VTR on GICv2).
	NumListRegisters() int
	// EmptyListRegisters is the ELRSR bitmap: bit i set means LR i holds
	// no interrupt.
	EmptyListRegisters() uint64

	ReadLR(i int) uint64
	WriteLR(i int, val uint64)

	// Enabled reports the En bit of ICH_HCR_EL2 / GICH_HCR.
	Enabled() bool
	Enable()
}

// Injector delivers virtual interrupts through one Controller. The codec is
// chosen once when the injector is created.
type Injector struct {
	// mu stands in for masking IRQs and preemption on the core: the
	// read-scan-write of the list registers must not interleave.
	mu sync.Mutex

	ctrl  Controller
	codec lrCodec
	log   *slog.Logger
}

// NewInjector panics if ctrl is nil or of an unknown revision: without a
// controller there is no way to deliver interrupts at all.
func NewInjector(ctrl Controller, log *slog.Logger) *Injector {
	if ctrl == nil {
		panic("vgic: no interrupt controller driver found")
	}
	codec, ok := codecFor(ctrl.Version())
	if !ok {
		panic(fmt.Sprintf("vgic: unsupported interrupt controller %v", ctrl.Version()))
	}
	if log == nil {
		log = slog.Default()
	}
	return &Injector{ctrl: ctrl, codec: codec, log: log}
}

func (in *Injector) Version() Version { return in.ctrl.Version() }

// Inject makes vector pending for the vCPU hosted by this controller. It is a
// no-op if vector is already pending or active. It returns the list register
// used, or -1 if nothing was written. Running out of list registers panics:
// dropping the interrupt would silently break the guest.
func (in *Injector) Inject(vector uint32) int {
	if vector > in.codec.maxVector() {
		panic(fmt.Sprintf("vgic: vector %d does not fit a %v list register", vector, in.ctrl.Version()))
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	empty := in.ctrl.EmptyListRegisters()
	n := in.ctrl.NumListRegisters()

	freeLR := -1
	for i := 0; i < n; i++ {
		if empty&(1<<i) != 0 {
			if freeLR == -1 {
				freeLR = i
			}
			continue
		}
		lr := in.ctrl.ReadLR(i)
		if in.codec.vector(lr) == vector && in.codec.state(lr).InFlight() {
			in.log.Debug("vgic: virtual irq already in flight", "vector", vector, "lr", i, "state", in.codec.state(lr))
			return -1
		}
	}

	if freeLR == -1 {
		in.log.Warn("vgic: no empty list register, looking for an invalid one", "vector", vector)
		for i := 0; i < n; i++ {
			if in.codec.state(in.ctrl.ReadLR(i)) == LRInvalid {
				in.log.Debug("vgic: reusing invalid list register", "vector", vector, "lr", i)
				freeLR = i
				break
			}
		}
		if freeLR == -1 {
			panic(fmt.Sprintf("vgic: no free list register to inject IRQ %d", vector))
		}
	}

	in.ctrl.WriteLR(freeLR, in.codec.encode(vector, LRPending, true))

	if !in.ctrl.Enabled() {
		in.log.Warn("vgic: virtual interrupt interface not enabled, enabling now")
		in.ctrl.Enable()
	}

	in.log.Debug("vgic: virtual interrupt injected", "vector", vector, "lr", freeLR)
	return freeLR
}
