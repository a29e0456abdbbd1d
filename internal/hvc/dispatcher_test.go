package hvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/guest"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/ivc"
	"github.com/tinyrange/vmm/internal/mm"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	ramBase = 0x4000_0000
	basePtr = ramBase + 0x100
	sizePtr = ramBase + 0x108
)

type nopBackend struct{}

func (nopBackend) Run(context.Context, hv.VirtualMachine, hv.VirtualCPU) (hv.ExitReason, error) {
	return hv.ExitNothing{}, nil
}

type vmTable map[int]hv.VirtualMachine

func (t vmTable) VM(id int) (hv.VirtualMachine, bool) {
	vm, ok := t[id]
	return vm, ok
}

type fixture struct {
	pool *mm.Pool
	reg  *ivc.Registry
	vms  vmTable
	d    *Dispatcher
}

func newFixture(t *testing.T, access hv.MappingFlags) *fixture {
	t.Helper()
	pool, err := mm.NewPool(0x8000_0000, 16)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	f := &fixture{pool: pool, reg: ivc.NewRegistry(), vms: vmTable{}}
	for id := 1; id <= 3; id++ {
		cfg := &config.VMConfig{
			Base:   config.BaseConfig{ID: id},
			Kernel: config.KernelConfig{MemoryRegions: []config.MemoryRegion{{GPA: ramBase, Size: 0x1000}}},
		}
		cfg.ApplyDefaults()
		m, err := guest.New(cfg, guest.Options{Memory: pool, Backend: nopBackend{}, Logger: quiet})
		if err != nil {
			t.Fatalf("guest.New: %v", err)
		}
		t.Cleanup(func() { m.Close() })
		f.vms[id] = m
	}

	f.d, err = NewDispatcher(Options{Registry: f.reg, Frames: pool, VMs: f.vms, SubscriberAccess: access, Logger: quiet})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return f
}

func (f *fixture) machine(id int) *guest.Machine { return f.vms[id].(*guest.Machine) }

func (f *fixture) call(t *testing.T, vmID int, code Code, args ...uint64) int64 {
	t.Helper()
	vm := f.vms[vmID]
	vcpu, _ := vm.VCpu(0)
	var a [6]uint64
	copy(a[:], args)
	return f.d.Handle(context.Background(), vcpu, vm, uint64(code), a)
}

func readBack(t *testing.T, vm hv.VirtualMachine) (hv.GuestPhysAddr, uint64) {
	t.Helper()
	base, err := hv.ReadGuestOf[uint64](vm, basePtr)
	if err != nil {
		t.Fatalf("read base: %v", err)
	}
	size, err := hv.ReadGuestOf[uint64](vm, sizePtr)
	if err != nil {
		t.Fatalf("read size: %v", err)
	}
	return hv.GuestPhysAddr(base), size
}

func (f *fixture) publish(t *testing.T, vmID int, key uint64, size uint64) {
	t.Helper()
	if err := hv.WriteGuestOf(f.vms[vmID], sizePtr, size); err != nil {
		t.Fatalf("write size: %v", err)
	}
	if ret := f.call(t, vmID, IVCPublishChannel, key, basePtr, sizePtr); ret != 0 {
		t.Fatalf("publish returned %d, want 0", ret)
	}
}

func mappingAt(m *guest.Machine, gpa hv.GuestPhysAddr) (guest.Mapping, bool) {
	mp, ok := m.Translate(gpa)
	if !ok || mp.GPA != gpa {
		return guest.Mapping{}, false
	}
	return mp, true
}

func TestParseCode(t *testing.T) {
	for nr := uint64(0); nr <= 6; nr++ {
		if _, err := ParseCode(nr); err != nil {
			t.Fatalf("ParseCode(%d): %v", nr, err)
		}
	}
	for _, nr := range []uint64{7, 0xffff, 1 << 32} {
		if _, err := ParseCode(nr); !errors.Is(err, hv.ErrInvalidInput) {
			t.Fatalf("ParseCode(%#x) err=%v, want %v", nr, err, hv.ErrInvalidInput)
		}
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t, 0)
	f.publish(t, 1, 0x1, 64)

	if !f.reg.Contains(1, 0x1) {
		t.Fatal("registry is missing (1, 0x1)")
	}
	base, size := readBack(t, f.vms[1])
	if base == 0 {
		t.Fatal("published base is zero")
	}
	if size < 64 || size%4096 != 0 {
		t.Fatalf("published size=%d, want a page multiple >= 64", size)
	}

	mp, ok := mappingAt(f.machine(1), base)
	if !ok {
		t.Fatalf("publisher has no mapping at %v", base)
	}
	if mp.Flags != hv.MappingRead|hv.MappingWrite {
		t.Fatalf("publisher mapping flags=%v, want rw", mp.Flags)
	}

	// the publisher sees the header through its own mapping
	key, err := hv.ReadGuestOf[uint64](f.vms[1], base+8)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if key != 0x1 {
		t.Fatalf("header key=%#x, want 0x1", key)
	}
}

func TestPublishDuplicateRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	f.publish(t, 1, 0x1, 64)
	inUse := f.pool.InUse()
	windows := f.machine(1).IVCWindows()
	mappings := f.machine(1).Mappings()

	if ret := f.call(t, 1, IVCPublishChannel, 0x1, basePtr, sizePtr); ret != Failed {
		t.Fatalf("duplicate publish returned %d, want %d", ret, Failed)
	}
	if got := f.pool.InUse(); got != inUse {
		t.Fatalf("frames in use=%d, want %d", got, inUse)
	}
	if diff := cmp.Diff(windows, f.machine(1).IVCWindows()); diff != "" {
		t.Fatalf("ivc windows (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(mappings, f.machine(1).Mappings()); diff != "" {
		t.Fatalf("mappings (-before +after):\n%s", diff)
	}
}

func TestPublishBadPointerFails(t *testing.T) {
	f := newFixture(t, 0)
	if ret := f.call(t, 1, IVCPublishChannel, 0x1, basePtr, 0x1234_0000); ret != Failed {
		t.Fatalf("publish returned %d, want %d", ret, Failed)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("registry has %d channels, want 0", f.reg.Len())
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, 0)
	f.publish(t, 1, 0x1, 64)
	pubBase, _ := readBack(t, f.vms[1])
	pubMapping, _ := mappingAt(f.machine(1), pubBase)

	if ret := f.call(t, 2, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr); ret != 0 {
		t.Fatalf("subscribe returned %d, want 0", ret)
	}
	base, size := readBack(t, f.vms[2])
	mp, ok := mappingAt(f.machine(2), base)
	if !ok {
		t.Fatalf("subscriber has no mapping at %v", base)
	}
	if mp.HPA != pubMapping.HPA || mp.Size != size {
		t.Fatalf("subscriber mapping %+v does not cover the channel frame %v", mp, pubMapping.HPA)
	}
	if mp.Flags != hv.MappingRead|hv.MappingWrite {
		t.Fatalf("subscriber flags=%v, want rw", mp.Flags)
	}

	subs, err := f.reg.Subscribers(1, 0x1)
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if diff := cmp.Diff([]ivc.Subscriber{{VMID: 2, GPA: base}}, subs); diff != "" {
		t.Fatalf("subscribers (-want +got):\n%s", diff)
	}

	// publisher writes, subscriber reads
	if err := hv.WriteGuestOf(f.vms[1], pubBase+64, uint64(0xfeed)); err != nil {
		t.Fatalf("publisher write: %v", err)
	}
	got, err := hv.ReadGuestOf[uint64](f.vms[2], base+64)
	if err != nil {
		t.Fatalf("subscriber read: %v", err)
	}
	if got != 0xfeed {
		t.Fatalf("subscriber read %#x, want 0xfeed", got)
	}
}

func TestSubscribeTwiceKeepsOneMapping(t *testing.T) {
	f := newFixture(t, 0)
	f.publish(t, 1, 0x1, 64)

	f.call(t, 2, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr)
	first, _ := readBack(t, f.vms[2])
	windows := f.machine(2).IVCWindows()

	if ret := f.call(t, 2, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr); ret != 0 {
		t.Fatalf("second subscribe returned %d, want 0", ret)
	}
	second, _ := readBack(t, f.vms[2])
	if first != second {
		t.Fatalf("second subscribe reported %v, want %v", second, first)
	}
	if diff := cmp.Diff(windows, f.machine(2).IVCWindows()); diff != "" {
		t.Fatalf("ivc windows (-before +after):\n%s", diff)
	}
}

func TestSubscribeReadOnly(t *testing.T) {
	f := newFixture(t, hv.MappingRead)
	f.publish(t, 1, 0x1, 64)

	f.call(t, 2, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr)
	base, _ := readBack(t, f.vms[2])
	if err := hv.WriteGuestOf(f.vms[2], base+64, uint64(1)); err == nil {
		t.Fatal("subscriber wrote to a read-only channel")
	}
}

func TestSubscribeMissingChannel(t *testing.T) {
	f := newFixture(t, 0)
	if ret := f.call(t, 2, IVCSubscribeChannel, 1, 0x9, basePtr, sizePtr); ret != Failed {
		t.Fatalf("subscribe returned %d, want %d", ret, Failed)
	}
	if got := len(f.machine(2).IVCWindows()); got != 0 {
		t.Fatalf("subscriber holds %d ivc windows, want 0", got)
	}
}

func TestUnsupportedCode(t *testing.T) {
	f := newFixture(t, 0)
	f.publish(t, 1, 0x1, 64)
	mappings := f.machine(1).Mappings()

	for _, nr := range []uint64{0xffff, uint64(HypervisorDisable), uint64(HypervisorDebug)} {
		vm := f.vms[1]
		vcpu, _ := vm.VCpu(0)
		if ret := f.d.Handle(context.Background(), vcpu, vm, nr, [6]uint64{0x1}); ret != Failed {
			t.Fatalf("Handle(%#x)=%d, want %d", nr, ret, Failed)
		}
	}
	if f.reg.Len() != 1 || !f.reg.Contains(1, 0x1) {
		t.Fatal("registry changed by a rejected hypercall")
	}
	if diff := cmp.Diff(mappings, f.machine(1).Mappings()); diff != "" {
		t.Fatalf("mappings (-before +after):\n%s", diff)
	}

	vcpu, _ := f.vms[1].VCpu(0)
	if _, err := f.d.Execute(context.Background(), &HyperCall{VCpu: vcpu, VM: f.vms[1], Code: HypervisorDebug}); !errors.Is(err, hv.ErrUnsupported) {
		t.Fatalf("Execute(HypervisorDebug) err=%v, want %v", err, hv.ErrUnsupported)
	}
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t, 0)
	f.publish(t, 1, 0x1, 64)
	before := f.machine(2).Mappings()

	f.call(t, 2, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr)
	if ret := f.call(t, 2, IVCUnsubscribeChannel, 1, 0x1); ret != 0 {
		t.Fatalf("unsubscribe returned %d, want 0", ret)
	}
	if diff := cmp.Diff(before, f.machine(2).Mappings()); diff != "" {
		t.Fatalf("subscriber mappings (-before +after):\n%s", diff)
	}
	if got := len(f.machine(2).IVCWindows()); got != 0 {
		t.Fatalf("subscriber holds %d ivc windows, want 0", got)
	}
	if ret := f.call(t, 2, IVCUnsubscribeChannel, 1, 0x1); ret != Failed {
		t.Fatalf("second unsubscribe returned %d, want %d", ret, Failed)
	}
}

func TestUnpublishTearsDownSubscribers(t *testing.T) {
	f := newFixture(t, 0)
	inUse := f.pool.InUse()
	pubBefore := f.machine(1).Mappings()
	subBefore := f.machine(2).Mappings()

	f.publish(t, 1, 0x1, 64)
	f.call(t, 2, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr)
	f.call(t, 3, IVCSubscribeChannel, 1, 0x1, basePtr, sizePtr)
	// vm 3 disappears before the channel is unpublished
	delete(f.vms, 3)

	if ret := f.call(t, 1, IVCUnpublishChannel, 0x1); ret != 0 {
		t.Fatalf("unpublish returned %d, want 0", ret)
	}
	if f.reg.Contains(1, 0x1) {
		t.Fatal("channel still registered after unpublish")
	}
	if diff := cmp.Diff(pubBefore, f.machine(1).Mappings()); diff != "" {
		t.Fatalf("publisher mappings (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(subBefore, f.machine(2).Mappings()); diff != "" {
		t.Fatalf("subscriber mappings (-before +after):\n%s", diff)
	}
	if got := f.pool.InUse(); got != inUse {
		t.Fatalf("frames in use=%d, want %d", got, inUse)
	}
	if ret := f.call(t, 1, IVCUnpublishChannel, 0x1); ret != Failed {
		t.Fatalf("second unpublish returned %d, want %d", ret, Failed)
	}
}
