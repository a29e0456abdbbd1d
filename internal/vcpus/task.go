package vcpus

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/ipi"
)

// Task is the host execution context running one vCPU.
type Task struct {
	vm    hv.VirtualMachine
	vcpu  hv.VirtualCPU
	owner *VMVCpus

	mailbox *ipi.Mailbox
	state   atomic.Int32
	done    chan struct{}

	// hostCPU is the host CPU the task is pinned to, or -1.
	hostCPU int
}

func newTask(owner *VMVCpus, vcpu hv.VirtualCPU) *Task {
	t := &Task{
		vm:      owner.vm,
		vcpu:    vcpu,
		owner:   owner,
		mailbox: ipi.NewMailbox(),
		done:    make(chan struct{}),
		hostCPU: -1,
	}
	if mask, ok := vcpu.PhysCPUSet(); ok {
		t.hostCPU = bits.TrailingZeros64(mask)
	}
	return t
}

func (t *Task) VM() hv.VirtualMachine { return t.vm }
func (t *Task) VCpu() hv.VirtualCPU   { return t.vcpu }
func (t *Task) Mailbox() *ipi.Mailbox { return t.mailbox }
func (t *Task) State() State          { return State(t.state.Load()) }
func (t *Task) Done() <-chan struct{} { return t.done }

// HostCPU returns the host CPU this task is bound to, if any.
func (t *Task) HostCPU() (int, bool) { return t.hostCPU, t.hostCPU >= 0 }

func (t *Task) String() string {
	return fmt.Sprintf("VM[%d] vCPU[%d]", t.vm.ID(), t.vcpu.ID())
}

type taskKey struct{}

// WithTask marks ctx as running on t.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFromContext returns the vCPU task ctx is running on.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	return t, ok
}
