// Package config describes the static configuration of guest VMs as consumed by
// the VMM: identity, vCPU count and physical CPU affinity, memory regions,
// pass-through devices and the guest workload script.
package config

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/mod/semver"
)

// SchemaVersion is the configuration schema understood by this build.
const SchemaVersion = "v1.0.0"

const (
	DefaultGICVersion    = 3
	DefaultListRegisters = 16
	DefaultIVCWindowBase = 0xd000_0000
	DefaultIVCWindowSize = 0x1000_0000

	pageSize = 0x1000
	maxVCpus = 64
)

var ErrInvalidConfig = errors.New("invalid VM configuration")

type VMConfig struct {
	Schema     string          `toml:"schema" yaml:"schema"`
	Base       BaseConfig      `toml:"base" yaml:"base"`
	Kernel     KernelConfig    `toml:"kernel" yaml:"kernel"`
	Devices    DevicesConfig   `toml:"devices" yaml:"devices"`
	Interrupts InterruptConfig `toml:"interrupts" yaml:"interrupts"`
	IVC        IVCConfig       `toml:"ivc" yaml:"ivc"`
	Script     []ScriptStep    `toml:"script" yaml:"script"`
}

type BaseConfig struct {
	ID   int    `toml:"id" yaml:"id"`
	Name string `toml:"name" yaml:"name"`
	Arch string `toml:"arch" yaml:"arch"`

	CPUNum int `toml:"cpu_num" yaml:"cpu_num"`

	// PhysCPUIDs[i] is the physical CPU id (MPIDR / hart id) the guest uses to
	// address vCPU i in a CPU_ON request.
	PhysCPUIDs []uint64 `toml:"phys_cpu_ids" yaml:"phys_cpu_ids"`

	// PhysCPUSets[i] is the host CPU mask vCPU i is pinned to. Zero means
	// the vCPU may run anywhere.
	PhysCPUSets []uint64 `toml:"phys_cpu_sets" yaml:"phys_cpu_sets"`
}

type KernelConfig struct {
	EntryPoint     uint64 `toml:"entry_point" yaml:"entry_point"`
	KernelPath     string `toml:"kernel_path" yaml:"kernel_path"`
	KernelLoadAddr uint64 `toml:"kernel_load_addr" yaml:"kernel_load_addr"`
	DTBPath        string `toml:"dtb_path" yaml:"dtb_path"`
	DTBLoadAddr    uint64 `toml:"dtb_load_addr" yaml:"dtb_load_addr"`

	MemoryRegions []MemoryRegion `toml:"memory_regions" yaml:"memory_regions"`
}

type MemoryRegion struct {
	GPA  uint64 `toml:"gpa" yaml:"gpa"`
	Size uint64 `toml:"size" yaml:"size"`
	// Flags is a combination of the letters r, w, x and u.
	Flags string `toml:"flags" yaml:"flags"`
}

type PassThroughDevice struct {
	Name    string `toml:"name" yaml:"name"`
	BaseGPA uint64 `toml:"base_gpa" yaml:"base_gpa"`
	BaseHPA uint64 `toml:"base_hpa" yaml:"base_hpa"`
	Length  uint64 `toml:"length" yaml:"length"`
	IRQ     uint32 `toml:"irq" yaml:"irq"`
}

type DevicesConfig struct {
	PassThroughDevices []PassThroughDevice `toml:"passthrough_devices" yaml:"passthrough_devices"`
	// PassThroughSPIs lists host interrupt vectors forwarded to this VM.
	PassThroughSPIs []uint32 `toml:"passthrough_spis" yaml:"passthrough_spis"`
}

type InterruptConfig struct {
	GICVersion    int `toml:"gic_version" yaml:"gic_version"`
	ListRegisters int `toml:"list_registers" yaml:"list_registers"`
}

type IVCConfig struct {
	WindowBase uint64 `toml:"window_base" yaml:"window_base"`
	WindowSize uint64 `toml:"window_size" yaml:"window_size"`
}

// ScriptStep is one action of a scripted guest. Which fields are meaningful
// depends on Exit.
type ScriptStep struct {
	VCpu   int      `toml:"vcpu" yaml:"vcpu"`
	Exit   string   `toml:"exit" yaml:"exit"`
	Nr     uint64   `toml:"nr" yaml:"nr"`
	Args   []uint64 `toml:"args" yaml:"args"`
	GPA    uint64   `toml:"gpa" yaml:"gpa"`
	Value  uint64   `toml:"value" yaml:"value"`
	Target uint64   `toml:"target" yaml:"target"`
	Entry  uint64   `toml:"entry" yaml:"entry"`
	Arg    uint64   `toml:"arg" yaml:"arg"`
	Vector uint64   `toml:"vector" yaml:"vector"`
	Code   uint64   `toml:"code" yaml:"code"`
	Reg    int      `toml:"reg" yaml:"reg"`
}

// VCpuAffinity is one row of the static vCPU to physical CPU table.
type VCpuAffinity struct {
	VCpuID     int
	PhysCPUSet uint64
	PhysID     uint64
}

// ApplyDefaults fills the zero values of optional fields.
func (c *VMConfig) ApplyDefaults() {
	if c.Base.Name == "" {
		c.Base.Name = fmt.Sprintf("vm%d", c.Base.ID)
	}
	if c.Base.Arch == "" {
		c.Base.Arch = "aarch64"
	}
	if c.Base.CPUNum == 0 {
		c.Base.CPUNum = 1
	}
	if c.Interrupts.GICVersion == 0 {
		c.Interrupts.GICVersion = DefaultGICVersion
	}
	if c.Interrupts.ListRegisters == 0 {
		c.Interrupts.ListRegisters = DefaultListRegisters
	}
	if c.IVC.WindowBase == 0 {
		c.IVC.WindowBase = DefaultIVCWindowBase
	}
	if c.IVC.WindowSize == 0 {
		c.IVC.WindowSize = DefaultIVCWindowSize
	}
	for i := range c.Kernel.MemoryRegions {
		if c.Kernel.MemoryRegions[i].Flags == "" {
			c.Kernel.MemoryRegions[i].Flags = "rwx"
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *VMConfig) Validate() error {
	if c.Schema != "" {
		if !semver.IsValid(c.Schema) {
			return fmt.Errorf("%w: schema %q is not a semantic version", ErrInvalidConfig, c.Schema)
		}
		if semver.Major(c.Schema) != semver.Major(SchemaVersion) {
			return fmt.Errorf("%w: schema %s is not supported (want %s)", ErrInvalidConfig, c.Schema, semver.Major(SchemaVersion))
		}
	}

	if c.Base.ID < 0 {
		return fmt.Errorf("%w: negative VM id %d", ErrInvalidConfig, c.Base.ID)
	}
	switch c.Base.Arch {
	case "aarch64", "arm64", "riscv64", "x86_64":
	default:
		return fmt.Errorf("%w: VM[%d] unknown architecture %q", ErrInvalidConfig, c.Base.ID, c.Base.Arch)
	}
	if c.Base.CPUNum < 1 || c.Base.CPUNum > maxVCpus {
		return fmt.Errorf("%w: VM[%d] cpu_num %d out of range [1, %d]", ErrInvalidConfig, c.Base.ID, c.Base.CPUNum, maxVCpus)
	}
	if n := len(c.Base.PhysCPUIDs); n != 0 && n != c.Base.CPUNum {
		return fmt.Errorf("%w: VM[%d] has %d phys_cpu_ids for %d vCPUs", ErrInvalidConfig, c.Base.ID, n, c.Base.CPUNum)
	}
	if n := len(c.Base.PhysCPUSets); n != 0 && n != c.Base.CPUNum {
		return fmt.Errorf("%w: VM[%d] has %d phys_cpu_sets for %d vCPUs", ErrInvalidConfig, c.Base.ID, n, c.Base.CPUNum)
	}
	seen := make(map[uint64]bool)
	for _, aff := range c.VCpuAffinities() {
		if seen[aff.PhysID] {
			return fmt.Errorf("%w: VM[%d] physical CPU id %d used twice", ErrInvalidConfig, c.Base.ID, aff.PhysID)
		}
		seen[aff.PhysID] = true
	}

	regions := append([]MemoryRegion(nil), c.Kernel.MemoryRegions...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].GPA < regions[j].GPA })
	for i, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("%w: VM[%d] memory region at %#x has zero size", ErrInvalidConfig, c.Base.ID, r.GPA)
		}
		if r.GPA%pageSize != 0 || r.Size%pageSize != 0 {
			return fmt.Errorf("%w: VM[%d] memory region [%#x, +%#x) is not page aligned", ErrInvalidConfig, c.Base.ID, r.GPA, r.Size)
		}
		if i > 0 && regions[i-1].GPA+regions[i-1].Size > r.GPA {
			return fmt.Errorf("%w: VM[%d] memory regions at %#x and %#x overlap", ErrInvalidConfig, c.Base.ID, regions[i-1].GPA, r.GPA)
		}
	}

	switch c.Interrupts.GICVersion {
	case 2, 3:
	default:
		return fmt.Errorf("%w: VM[%d] unsupported gic_version %d", ErrInvalidConfig, c.Base.ID, c.Interrupts.GICVersion)
	}
	maxLRs := 16
	if c.Interrupts.GICVersion == 2 {
		maxLRs = 64
	}
	if c.Interrupts.ListRegisters < 1 || c.Interrupts.ListRegisters > maxLRs {
		return fmt.Errorf("%w: VM[%d] list_registers %d out of range [1, %d]", ErrInvalidConfig, c.Base.ID, c.Interrupts.ListRegisters, maxLRs)
	}

	if c.IVC.WindowBase%pageSize != 0 || c.IVC.WindowSize%pageSize != 0 {
		return fmt.Errorf("%w: VM[%d] IVC window is not page aligned", ErrInvalidConfig, c.Base.ID)
	}
	ivcEnd := c.IVC.WindowBase + c.IVC.WindowSize
	for _, r := range regions {
		if r.GPA < ivcEnd && r.GPA+r.Size > c.IVC.WindowBase {
			return fmt.Errorf("%w: VM[%d] IVC window overlaps memory region at %#x", ErrInvalidConfig, c.Base.ID, r.GPA)
		}
	}

	for i, step := range c.Script {
		if step.VCpu < 0 || step.VCpu >= c.Base.CPUNum {
			return fmt.Errorf("%w: VM[%d] script step %d targets vCPU %d", ErrInvalidConfig, c.Base.ID, i, step.VCpu)
		}
		if len(step.Args) > 6 {
			return fmt.Errorf("%w: VM[%d] script step %d has %d hypercall args", ErrInvalidConfig, c.Base.ID, i, len(step.Args))
		}
	}

	return nil
}

// VCpuAffinities returns the vCPU to physical CPU table: for each vCPU its
// host CPU mask (zero if unpinned) and the physical id the guest knows it by.
func (c *VMConfig) VCpuAffinities() []VCpuAffinity {
	ret := make([]VCpuAffinity, c.Base.CPUNum)
	for i := range ret {
		ret[i] = VCpuAffinity{VCpuID: i, PhysID: uint64(i)}
		if i < len(c.Base.PhysCPUIDs) {
			ret[i].PhysID = c.Base.PhysCPUIDs[i]
		}
		if i < len(c.Base.PhysCPUSets) {
			ret[i].PhysCPUSet = c.Base.PhysCPUSets[i]
		}
	}
	return ret
}

// VCpuForPhysID maps a physical CPU id used by the guest to a vCPU id.
func (c *VMConfig) VCpuForPhysID(physID uint64) (int, bool) {
	for _, aff := range c.VCpuAffinities() {
		if aff.PhysID == physID {
			return aff.VCpuID, true
		}
	}
	return 0, false
}
