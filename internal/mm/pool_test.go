package mm

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

func newTestPool(t *testing.T, frames int) *Pool {
	t.Helper()
	p, err := NewPool(0x4000_0000, frames)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocDealloc(t *testing.T) {
	p := newTestPool(t, 4)

	a, ok := p.AllocFrame()
	if !ok {
		t.Fatalf("AllocFrame failed")
	}
	if a != 0x4000_0000 {
		t.Fatalf("first frame=%v, want 0x40000000", a)
	}
	b, ok := p.AllocFrame()
	if !ok || b != 0x4000_1000 {
		t.Fatalf("second frame=%v,%v, want 0x40001000", b, ok)
	}
	if p.InUse() != 2 {
		t.Fatalf("InUse=%d, want 2", p.InUse())
	}

	p.DeallocFrame(a)
	if p.InUse() != 1 {
		t.Fatalf("InUse=%d, want 1", p.InUse())
	}

	c, ok := p.AllocFrame()
	if !ok || c != a {
		t.Fatalf("reallocated frame=%v, want %v", c, a)
	}
}

func TestAllocFramesContiguous(t *testing.T) {
	p := newTestPool(t, 8)

	a, _ := p.AllocFrame()
	b, _ := p.AllocFrame()
	p.DeallocFrame(a)
	_ = b

	// frame 0 is free but too small for a run of 3
	run, err := p.AllocFrames(3)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	if run != 0x4000_2000 {
		t.Fatalf("run=%v, want 0x40002000", run)
	}

	if _, err := p.AllocFrames(4); !errors.Is(err, hv.ErrNoMemory) {
		t.Fatalf("AllocFrames(4) error=%v, want ErrNoMemory", err)
	}
	if _, err := p.AllocFrames(0); !errors.Is(err, hv.ErrInvalidInput) {
		t.Fatalf("AllocFrames(0) error=%v, want ErrInvalidInput", err)
	}
}

func TestAllocZeroes(t *testing.T) {
	p := newTestPool(t, 1)

	a, _ := p.AllocFrame()
	mem, err := p.PhysToVirt(a, PageSize)
	if err != nil {
		t.Fatalf("PhysToVirt: %v", err)
	}
	mem[10] = 0xaa
	p.DeallocFrame(a)

	a, _ = p.AllocFrame()
	mem, _ = p.PhysToVirt(a, PageSize)
	if mem[10] != 0 {
		t.Fatalf("reallocated frame not zeroed")
	}
}

func TestPhysToVirtRoundTrip(t *testing.T) {
	p := newTestPool(t, 2)

	mem, err := p.PhysToVirt(0x4000_1010, 16)
	if err != nil {
		t.Fatalf("PhysToVirt: %v", err)
	}
	hpa, ok := p.VirtToPhys(mem)
	if !ok || hpa != 0x4000_1010 {
		t.Fatalf("VirtToPhys=%v,%v, want 0x40001010", hpa, ok)
	}

	if _, err := p.PhysToVirt(0x4000_1ff0, 0x20); !errors.Is(err, hv.ErrInvalidInput) {
		t.Fatalf("PhysToVirt past end error=%v, want ErrInvalidInput", err)
	}
	if _, ok := p.VirtToPhys(make([]byte, 4)); ok {
		t.Fatalf("VirtToPhys accepted a foreign slice")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := newTestPool(t, 1)
	a, _ := p.AllocFrame()
	p.DeallocFrame(a)

	defer func() {
		if recover() == nil {
			t.Fatalf("double free did not panic")
		}
	}()
	p.DeallocFrame(a)
}

func TestAllocAcrossBitmapWords(t *testing.T) {
	p := newTestPool(t, 128)

	low, err := p.AllocFrames(60)
	if err != nil {
		t.Fatalf("AllocFrames(60): %v", err)
	}
	// The second run straddles the first 64-bit word boundary.
	mid, err := p.AllocFrames(10)
	if err != nil {
		t.Fatalf("AllocFrames(10): %v", err)
	}
	if want := low + 60*PageSize; mid != want {
		t.Fatalf("run=%v, want %v", mid, want)
	}
	tail, err := p.AllocFrames(58)
	if err != nil {
		t.Fatalf("AllocFrames(58): %v", err)
	}
	if got := p.InUse(); got != 128 {
		t.Fatalf("frames in use=%d, want 128", got)
	}
	if _, ok := p.AllocFrame(); ok {
		t.Fatal("AllocFrame succeeded on a full pool")
	}

	// Freeing the run that ends on the last frame.
	p.DeallocFrames(tail, 58)
	p.DeallocFrames(mid, 10)
	if got := p.InUse(); got != 60 {
		t.Fatalf("frames in use=%d, want 60", got)
	}
	run, err := p.AllocFrames(68)
	if err != nil {
		t.Fatalf("AllocFrames(68): %v", err)
	}
	if run != mid {
		t.Fatalf("run=%v, want %v", run, mid)
	}
	if _, err := p.AllocFrames(129); !errors.Is(err, hv.ErrNoMemory) {
		t.Fatalf("AllocFrames(129) error=%v, want ErrNoMemory", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("double free of the last frame did not panic")
		}
	}()
	p.DeallocFrames(run, 68)
	p.DeallocFrame(low + 127*PageSize)
}
