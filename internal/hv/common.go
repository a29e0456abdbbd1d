package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/vmm/internal/config"
)

// Error taxonomy shared by the VMM components. Callers test with errors.Is;
// the hypercall path never lets these reach the guest.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnsupported   = errors.New("unsupported")
	ErrNoMemory      = errors.New("out of memory")
	ErrBadState      = errors.New("bad state")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// ParseArchitecture accepts the configuration spellings of an architecture.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch s {
	case "aarch64", "arm64":
		return ArchitectureARM64, nil
	case "riscv64":
		return ArchitectureRISCV64, nil
	case "x86_64", "amd64":
		return ArchitectureX86_64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("hv: unknown architecture %q: %w", s, ErrInvalidInput)
	}
}

type GuestPhysAddr uint64

func (a GuestPhysAddr) String() string { return fmt.Sprintf("GPA(%#x)", uint64(a)) }

type HostPhysAddr uint64

func (a HostPhysAddr) String() string { return fmt.Sprintf("HPA(%#x)", uint64(a)) }

// MappingFlags are the access rights of a stage-2 mapping.
type MappingFlags uint8

const (
	MappingRead MappingFlags = 1 << iota
	MappingWrite
	MappingExecute
	MappingUser
	MappingDevice
)

func (f MappingFlags) String() string {
	var sb strings.Builder
	for _, c := range []struct {
		flag MappingFlags
		ch   byte
	}{{MappingRead, 'r'}, {MappingWrite, 'w'}, {MappingExecute, 'x'}, {MappingUser, 'u'}, {MappingDevice, 'd'}} {
		if f&c.flag != 0 {
			sb.WriteByte(c.ch)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// ParseMappingFlags parses a string of the letters r, w, x, u and d.
func ParseMappingFlags(s string) (MappingFlags, error) {
	var f MappingFlags
	for _, c := range s {
		switch c {
		case 'r':
			f |= MappingRead
		case 'w':
			f |= MappingWrite
		case 'x':
			f |= MappingExecute
		case 'u':
			f |= MappingUser
		case 'd':
			f |= MappingDevice
		case '-':
		default:
			return 0, fmt.Errorf("hv: invalid mapping flag %q in %q: %w", c, s, ErrInvalidInput)
		}
	}
	return f, nil
}

type VCpuState int32

const (
	VCpuStateInvalid VCpuState = iota
	VCpuStateCreated
	// VCpuStateFree is a configured vCPU that no execution context owns yet.
	VCpuStateFree
	VCpuStateReady
	VCpuStateRunning
	VCpuStateBlocked
)

func (s VCpuState) String() string {
	switch s {
	case VCpuStateCreated:
		return "created"
	case VCpuStateFree:
		return "free"
	case VCpuStateReady:
		return "ready"
	case VCpuStateRunning:
		return "running"
	case VCpuStateBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// VirtualCPU is one virtual processor of a VM. Handles are shared between the
// VM that owns them and the execution context that runs them.
type VirtualCPU interface {
	ID() int
	State() VCpuState

	// PhysCPUSet returns the host CPU mask this vCPU is pinned to.
	PhysCPUSet() (mask uint64, ok bool)

	SetEntry(entry GuestPhysAddr) error
	SetGPR(idx int, val uint64)
	GPR(idx int) uint64
	SetReturnValue(val uint64)

	// InjectInterrupt must be called on the context currently hosting the
	// vCPU.
	InjectInterrupt(vector uint32) error
}

// VirtualMachine is the VM collaborator consumed by the scheduler and the
// hypercall dispatcher. io.ReaderAt and io.WriterAt address guest physical
// memory and fail for ranges that are not mapped RAM.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	ID() int
	Name() string
	Architecture() CpuArchitecture
	Config() *config.VMConfig

	VCpuNum() int
	VCpus() []VirtualCPU
	VCpu(id int) (VirtualCPU, bool)

	Running() bool
	ShuttingDown() bool
	Boot() error
	Shutdown() error

	// RunVCpu enters the guest on the given vCPU until the next VM exit.
	RunVCpu(ctx context.Context, id int) (ExitReason, error)

	MapRegion(gpa GuestPhysAddr, hpa HostPhysAddr, size uint64, flags MappingFlags) error
	UnmapRegion(gpa GuestPhysAddr, size uint64) error

	// AllocIVCChannel reserves a guest physical window for a shared region
	// and returns its base and the page rounded size.
	AllocIVCChannel(size uint64) (GuestPhysAddr, uint64, error)
	ReleaseIVCChannel(gpa GuestPhysAddr, size uint64) error
}

// VCpuBackend is the virtualization layer that actually runs a vCPU.
type VCpuBackend interface {
	Run(ctx context.Context, vm VirtualMachine, vcpu VirtualCPU) (ExitReason, error)
}

// VMLookup finds VMs by id.
type VMLookup interface {
	VM(id int) (VirtualMachine, bool)
}
