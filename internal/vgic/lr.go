// Package vgic injects virtual interrupts into the vCPU currently hosted by a
// core by programming the interrupt controller's list registers.
package vgic

import "fmt"

type Version int

const (
	VersionInvalid Version = iota
	// GICv2 exposes the list registers through the memory mapped GICH
	// interface.
	GICv2
	// GICv3 exposes them as ICH_LR<n>_EL2 system registers.
	GICv3
)

func (v Version) String() string {
	switch v {
	case GICv2:
		return "GICv2"
	case GICv3:
		return "GICv3"
	default:
		return "invalid"
	}
}

// LRState is the state field of a list register.
type LRState uint8

const (
	LRInvalid LRState = iota
	LRPending
	LRActive
	LRPendingActive
)

func (s LRState) String() string {
	switch s {
	case LRInvalid:
		return "invalid"
	case LRPending:
		return "pending"
	case LRActive:
		return "active"
	case LRPendingActive:
		return "pending+active"
	default:
		return fmt.Sprintf("LRState(%d)", uint8(s))
	}
}

// InFlight reports whether the interrupt is pending or active.
func (s LRState) InFlight() bool { return s != LRInvalid }

// lrCodec converts between list register values and their fields for one
// controller revision.
type lrCodec interface {
	vector(lr uint64) uint32
	state(lr uint64) LRState
	encode(vector uint32, state LRState, group1 bool) uint64
	maxVector() uint32
}

// ICH_LR<n>_EL2
const (
	v3VINTIDMask  = (1 << 32) - 1
	v3PriorityOff = 48
	v3GroupBit    = 1 << 60
	v3HWBit       = 1 << 61
	v3StateShift  = 62
	v3StateMask   = 0x3 << v3StateShift

	v3DefaultPriority = 0xa0
)

type gicv3Codec struct{}

func (gicv3Codec) vector(lr uint64) uint32 { return uint32(lr & v3VINTIDMask) }
func (gicv3Codec) state(lr uint64) LRState { return LRState((lr & v3StateMask) >> v3StateShift) }
func (gicv3Codec) maxVector() uint32       { return 1<<24 - 1 }

func (gicv3Codec) encode(vector uint32, state LRState, group1 bool) uint64 {
	lr := uint64(vector) | uint64(v3DefaultPriority)<<v3PriorityOff | uint64(state)<<v3StateShift
	if group1 {
		lr |= v3GroupBit
	}
	return lr
}

// GICH_LR<n>
const (
	v2VirtualIDMask = (1 << 10) - 1
	v2PriorityOff   = 23
	v2StateShift    = 28
	v2StateMask     = 0x3 << v2StateShift
	v2Grp1Bit       = 1 << 30
	v2HWBit         = 1 << 31

	// five bit priority field, upper bits of an 8 bit priority
	v2DefaultPriority = 0xa0 >> 3
)

type gicv2Codec struct{}

func (gicv2Codec) vector(lr uint64) uint32 { return uint32(lr & v2VirtualIDMask) }
func (gicv2Codec) state(lr uint64) LRState { return LRState((lr & v2StateMask) >> v2StateShift) }
func (gicv2Codec) maxVector() uint32       { return v2VirtualIDMask }

func (gicv2Codec) encode(vector uint32, state LRState, group1 bool) uint64 {
	lr := uint64(vector)&v2VirtualIDMask | uint64(v2DefaultPriority)<<v2PriorityOff | uint64(state)<<v2StateShift
	if group1 {
		lr |= v2Grp1Bit
	}
	return lr
}

func codecFor(v Version) (lrCodec, bool) {
	switch v {
	case GICv2:
		return gicv2Codec{}, true
	case GICv3:
		return gicv3Codec{}, true
	default:
		return nil, false
	}
}
