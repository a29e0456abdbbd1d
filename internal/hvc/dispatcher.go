package hvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/ivc"
	"github.com/tinyrange/vmm/internal/mm"
)

// Failed is the value handed back to the guest for any failed hypercall.
const Failed int64 = -1

type Options struct {
	Registry *ivc.Registry
	Frames   mm.FrameAllocator
	// VMs resolves subscribers when a channel is unpublished.
	VMs hv.VMLookup

	// SubscriberAccess is how subscribers map a channel. Zero means read
	// and write, the same as the publisher.
	SubscriberAccess hv.MappingFlags

	Logger *slog.Logger
}

// Dispatcher executes hypercalls on behalf of any vCPU.
type Dispatcher struct {
	registry  *ivc.Registry
	frames    mm.FrameAllocator
	vms       hv.VMLookup
	subAccess hv.MappingFlags
	log       *slog.Logger
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("hvc: dispatcher needs a channel registry: %w", hv.ErrInvalidInput)
	}
	if opts.Frames == nil {
		return nil, fmt.Errorf("hvc: dispatcher needs a frame allocator: %w", hv.ErrInvalidInput)
	}
	d := &Dispatcher{
		registry:  opts.Registry,
		frames:    opts.Frames,
		vms:       opts.VMs,
		subAccess: opts.SubscriberAccess,
		log:       opts.Logger,
	}
	if d.subAccess == 0 {
		d.subAccess = hv.MappingRead | hv.MappingWrite
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d, nil
}

func (d *Dispatcher) Registry() *ivc.Registry { return d.registry }

// Handle decodes and executes one hypercall and returns the value for the
// guest's return register. Errors never reach the guest: they are logged and
// reported as Failed.
func (d *Dispatcher) Handle(ctx context.Context, vcpu hv.VirtualCPU, vm hv.VirtualMachine, nr uint64, args [6]uint64) int64 {
	hc, err := New(vcpu, vm, nr, args)
	if err == nil {
		var ret int64
		ret, err = d.Execute(ctx, hc)
		if err == nil {
			return ret
		}
	}
	d.log.Warn("hvc: hypercall failed", "vm", vm.ID(), "vcpu", vcpu.ID(), "nr", nr, "error", err)
	return Failed
}

// Execute runs a decoded hypercall.
func (d *Dispatcher) Execute(ctx context.Context, hc *HyperCall) (int64, error) {
	if err := ctx.Err(); err != nil {
		return Failed, err
	}

	d.log.Info("hvc: hypercall", "vm", hc.VM.ID(), "vcpu", hc.VCpu.ID(), "code", hc.Code)

	var err error
	switch hc.Code {
	case IVCPublishChannel:
		err = d.publish(hc.VM, hc.Args[0], hv.GuestPhysAddr(hc.Args[1]), hv.GuestPhysAddr(hc.Args[2]))
	case IVCUnpublishChannel:
		err = d.unpublish(hc.VM, hc.Args[0])
	case IVCSubscribeChannel:
		err = d.subscribe(hc.VM, int(hc.Args[0]), hc.Args[1], hv.GuestPhysAddr(hc.Args[2]), hv.GuestPhysAddr(hc.Args[3]))
	case IVCUnsubscribeChannel:
		err = d.unsubscribe(hc.VM, int(hc.Args[0]), hc.Args[1])
	default:
		err = fmt.Errorf("hvc: %v: %w", hc.Code, hv.ErrUnsupported)
	}
	if err != nil {
		return Failed, err
	}
	return 0, nil
}

func (d *Dispatcher) publish(vm hv.VirtualMachine, key uint64, basePtr, sizePtr hv.GuestPhysAddr) error {
	requested, err := hv.ReadGuestOf[uint64](vm, sizePtr)
	if err != nil {
		return fmt.Errorf("hvc: publish %#x: read size: %w", key, err)
	}
	size, err := ivc.ClampSize(requested)
	if err != nil {
		return fmt.Errorf("hvc: publish %#x: %w", key, err)
	}

	gpa, size, err := vm.AllocIVCChannel(size)
	if err != nil {
		return fmt.Errorf("hvc: publish %#x: allocate window: %w", key, err)
	}
	cu := cleanup.Make(func() {
		if err := vm.ReleaseIVCChannel(gpa, size); err != nil {
			d.log.Error("hvc: release ivc window", "vm", vm.ID(), "gpa", gpa, "error", err)
		}
	})
	defer cu.Clean()

	ch, err := ivc.Alloc(d.frames, vm.ID(), key, size, gpa)
	if err != nil {
		return fmt.Errorf("hvc: publish %#x: %w", key, err)
	}
	cu.Add(ch.Release)

	if err := d.registry.Insert(vm.ID(), ch); err != nil {
		return fmt.Errorf("hvc: publish %#x: %w", key, err)
	}
	cu.Add(func() {
		if _, err := d.registry.Remove(vm.ID(), key); err != nil {
			d.log.Error("hvc: roll back publish", "vm", vm.ID(), "key", key, "error", err)
		}
	})

	if err := vm.MapRegion(gpa, ch.BaseHPA(), ch.Size(), hv.MappingRead|hv.MappingWrite); err != nil {
		return fmt.Errorf("hvc: publish %#x: map region: %w", key, err)
	}
	cu.Add(func() {
		if err := vm.UnmapRegion(gpa, ch.Size()); err != nil {
			d.log.Error("hvc: roll back publish mapping", "vm", vm.ID(), "gpa", gpa, "error", err)
		}
	})

	if err := writeBack(vm, basePtr, sizePtr, gpa, ch.Size()); err != nil {
		return fmt.Errorf("hvc: publish %#x: %w", key, err)
	}

	cu.Release()
	d.log.Info("hvc: channel published", "vm", vm.ID(), "key", key, "gpa", gpa, "hpa", ch.BaseHPA(), "size", ch.Size())
	return nil
}

func (d *Dispatcher) unpublish(vm hv.VirtualMachine, key uint64) error {
	ch, err := d.registry.Remove(vm.ID(), key)
	if err != nil {
		return fmt.Errorf("hvc: unpublish %#x: %w", key, err)
	}
	defer ch.Release()

	var errs []error
	if err := vm.UnmapRegion(ch.BaseGPAInPublisher(), ch.Size()); err != nil {
		errs = append(errs, fmt.Errorf("unmap publisher: %w", err))
	}
	if err := vm.ReleaseIVCChannel(ch.BaseGPAInPublisher(), ch.Size()); err != nil {
		errs = append(errs, fmt.Errorf("release publisher window: %w", err))
	}

	for _, sub := range ch.Subscribers() {
		d.log.Warn("hvc: unpublishing channel with live subscriber, unmapping it",
			"vm", vm.ID(), "key", key, "subscriber", sub.VMID, "gpa", sub.GPA)
		if d.vms == nil {
			d.log.Error("hvc: no vm lookup, subscriber mapping left in place", "subscriber", sub.VMID)
			continue
		}
		subVM, ok := d.vms.VM(sub.VMID)
		if !ok {
			d.log.Warn("hvc: subscriber vm is gone", "subscriber", sub.VMID)
			continue
		}
		if err := subVM.UnmapRegion(sub.GPA, ch.Size()); err != nil {
			errs = append(errs, fmt.Errorf("unmap subscriber %d: %w", sub.VMID, err))
			continue
		}
		if err := subVM.ReleaseIVCChannel(sub.GPA, ch.Size()); err != nil {
			errs = append(errs, fmt.Errorf("release subscriber %d window: %w", sub.VMID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("hvc: unpublish %#x: %w", key, err)
	}
	return nil
}

func (d *Dispatcher) subscribe(vm hv.VirtualMachine, publisherID int, key uint64, basePtr, sizePtr hv.GuestPhysAddr) error {
	size, err := d.registry.ChannelSize(publisherID, key)
	if err != nil {
		return fmt.Errorf("hvc: subscribe %d/%#x: %w", publisherID, key, err)
	}

	gpa, size, err := vm.AllocIVCChannel(size)
	if err != nil {
		return fmt.Errorf("hvc: subscribe %d/%#x: allocate window: %w", publisherID, key, err)
	}
	cu := cleanup.Make(func() {
		if err := vm.ReleaseIVCChannel(gpa, size); err != nil {
			d.log.Error("hvc: release ivc window", "vm", vm.ID(), "gpa", gpa, "error", err)
		}
	})
	defer cu.Clean()

	region, err := d.registry.Subscribe(publisherID, key, vm.ID(), gpa)
	if err != nil {
		return fmt.Errorf("hvc: subscribe %d/%#x: %w", publisherID, key, err)
	}

	if region.GPA != gpa {
		// Already subscribed: the existing mapping stays, the new window
		// goes back through cu.
		d.log.Debug("hvc: repeated subscribe", "vm", vm.ID(), "publisher", publisherID, "key", key, "gpa", region.GPA)
		if err := writeBack(vm, basePtr, sizePtr, region.GPA, region.Size); err != nil {
			return fmt.Errorf("hvc: subscribe %d/%#x: %w", publisherID, key, err)
		}
		return nil
	}

	cu.Add(func() {
		if _, err := d.registry.Unsubscribe(publisherID, key, vm.ID()); err != nil {
			d.log.Error("hvc: roll back subscribe", "vm", vm.ID(), "publisher", publisherID, "key", key, "error", err)
		}
	})

	if err := vm.MapRegion(region.GPA, region.HPA, region.Size, d.subAccess); err != nil {
		return fmt.Errorf("hvc: subscribe %d/%#x: map region: %w", publisherID, key, err)
	}
	cu.Add(func() {
		if err := vm.UnmapRegion(region.GPA, region.Size); err != nil {
			d.log.Error("hvc: roll back subscribe mapping", "vm", vm.ID(), "gpa", region.GPA, "error", err)
		}
	})

	if err := writeBack(vm, basePtr, sizePtr, region.GPA, region.Size); err != nil {
		return fmt.Errorf("hvc: subscribe %d/%#x: %w", publisherID, key, err)
	}

	cu.Release()
	d.log.Info("hvc: channel subscribed", "vm", vm.ID(), "publisher", publisherID, "key", key,
		"gpa", region.GPA, "size", region.Size, "access", d.subAccess)
	return nil
}

func (d *Dispatcher) unsubscribe(vm hv.VirtualMachine, publisherID int, key uint64) error {
	region, err := d.registry.Unsubscribe(publisherID, key, vm.ID())
	if err != nil {
		return fmt.Errorf("hvc: unsubscribe %d/%#x: %w", publisherID, key, err)
	}
	if err := vm.UnmapRegion(region.GPA, region.Size); err != nil {
		return fmt.Errorf("hvc: unsubscribe %d/%#x: unmap: %w", publisherID, key, err)
	}
	if err := vm.ReleaseIVCChannel(region.GPA, region.Size); err != nil {
		return fmt.Errorf("hvc: unsubscribe %d/%#x: release window: %w", publisherID, key, err)
	}
	return nil
}

func writeBack(vm hv.VirtualMachine, basePtr, sizePtr, base hv.GuestPhysAddr, size uint64) error {
	if err := hv.WriteGuestOf(vm, basePtr, uint64(base)); err != nil {
		return fmt.Errorf("write base: %w", err)
	}
	if err := hv.WriteGuestOf(vm, sizePtr, size); err != nil {
		return fmt.Errorf("write size: %w", err)
	}
	return nil
}
