package vgic

import (
	"fmt"
	"sync"
)

// SoftListRegisters is a software list register file. It backs the saved
// interrupt context of a vCPU in the simulated platform and doubles as the
// register model in tests.
type SoftListRegisters struct {
	mu sync.Mutex

	version Version
	codec   lrCodec
	lrs     []uint64
	// occupied overrides the derived ELRSR bit of an LR, modelling hardware
	// that still reports an LR as in use after it went invalid.
	occupied []bool
	enabled  bool
}

var _ Controller = (*SoftListRegisters)(nil)

func NewSoftListRegisters(version Version, n int) *SoftListRegisters {
	codec, ok := codecFor(version)
	if !ok {
		panic(fmt.Sprintf("vgic: unsupported version %v", version))
	}
	if n < 1 || n > 64 {
		panic(fmt.Sprintf("vgic: %d list registers out of range", n))
	}
	return &SoftListRegisters{
		version:  version,
		codec:    codec,
		lrs:      make([]uint64, n),
		occupied: make([]bool, n),
	}
}

func (s *SoftListRegisters) Version() Version { return s.version }

func (s *SoftListRegisters) NumListRegisters() int { return len(s.lrs) }

func (s *SoftListRegisters) EmptyListRegisters() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bitmap uint64
	for i, lr := range s.lrs {
		if s.codec.state(lr) == LRInvalid && !s.occupied[i] {
			bitmap |= 1 << i
		}
	}
	return bitmap
}

func (s *SoftListRegisters) ReadLR(i int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lrs[i]
}

func (s *SoftListRegisters) WriteLR(i int, val uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lrs[i] = val
	s.occupied[i] = false
}

func (s *SoftListRegisters) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *SoftListRegisters) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

// Disable clears the interface enable bit.
func (s *SoftListRegisters) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Set programs LR i directly.
func (s *SoftListRegisters) Set(i int, vector uint32, state LRState) {
	s.WriteLR(i, s.codec.encode(vector, state, true))
}

// ForceOccupied makes LR i report as in use in the ELRSR bitmap until it is
// next written.
func (s *SoftListRegisters) ForceOccupied(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupied[i] = true
}

func (s *SoftListRegisters) State(i int) LRState {
	return s.codec.state(s.ReadLR(i))
}

func (s *SoftListRegisters) Vector(i int) uint32 {
	return s.codec.vector(s.ReadLR(i))
}

// InUse returns the indices of the list registers holding vector in flight.
func (s *SoftListRegisters) InUse(vector uint32) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ret []int
	for i, lr := range s.lrs {
		if s.codec.vector(lr) == vector && s.codec.state(lr).InFlight() {
			ret = append(ret, i)
		}
	}
	return ret
}

// Deliver models the guest taking every pending interrupt and completing it:
// each pending LR goes back to invalid. It returns the delivered vectors in
// list register order.
func (s *SoftListRegisters) Deliver() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	var delivered []uint32
	for i, lr := range s.lrs {
		switch s.codec.state(lr) {
		case LRPending, LRPendingActive:
			delivered = append(delivered, s.codec.vector(lr))
			s.lrs[i] = 0
		}
	}
	return delivered
}
