// Package hvc decodes and executes guest hypercalls.
package hvc

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Code is the hypercall number passed in the first hypercall register. The
// values are shared with guest drivers.
type Code uint32

const (
	HypervisorDisable        Code = 0
	HypervisorPrepareDisable Code = 1
	HypervisorDebug          Code = 2
	IVCPublishChannel        Code = 3
	IVCSubscribeChannel      Code = 4
	IVCUnpublishChannel      Code = 5
	IVCUnsubscribeChannel    Code = 6
)

var codeNames = map[Code]string{
	HypervisorDisable:        "HypervisorDisable",
	HypervisorPrepareDisable: "HypervisorPrepareDisable",
	HypervisorDebug:          "HypervisorDebug",
	IVCPublishChannel:        "IVCPublishChannel",
	IVCSubscribeChannel:      "IVCSubscribeChannel",
	IVCUnpublishChannel:      "IVCUnpublishChannel",
	IVCUnsubscribeChannel:    "IVCUnsubscribeChannel",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// ParseCode validates a raw hypercall number.
func ParseCode(nr uint64) (Code, error) {
	if nr > uint64(^uint32(0)) {
		return 0, fmt.Errorf("hvc: invalid hypercall code %#x: %w", nr, hv.ErrInvalidInput)
	}
	c := Code(nr)
	if _, ok := codeNames[c]; !ok {
		return 0, fmt.Errorf("hvc: invalid hypercall code %#x: %w", nr, hv.ErrInvalidInput)
	}
	return c, nil
}

// HyperCall is one decoded request. It lives for a single exit.
type HyperCall struct {
	VCpu hv.VirtualCPU
	VM   hv.VirtualMachine
	Code Code
	Args [6]uint64
}

func New(vcpu hv.VirtualCPU, vm hv.VirtualMachine, nr uint64, args [6]uint64) (*HyperCall, error) {
	code, err := ParseCode(nr)
	if err != nil {
		return nil, err
	}
	return &HyperCall{VCpu: vcpu, VM: vm, Code: code, Args: args}, nil
}
