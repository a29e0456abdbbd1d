// Package mm provides the host frame allocator used by the VMM. Frames come
// from a single arena whose offsets are exposed as host physical addresses.
package mm

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/vmm/internal/hv"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// FrameAllocator is the frame-allocation capability consumed by the IVC
// registry and the guest memory model.
type FrameAllocator interface {
	AllocFrame() (hv.HostPhysAddr, bool)
	DeallocFrame(hpa hv.HostPhysAddr)
	PhysToVirt(hpa hv.HostPhysAddr, size uint64) ([]byte, error)
}

// Pool is a first-fit frame allocator over a contiguous arena.
type Pool struct {
	mu sync.Mutex

	base   hv.HostPhysAddr
	arena  []byte
	frames int
	used   bitmap.Bitmap // one bit per frame

	release func() error
}

var _ FrameAllocator = (*Pool)(nil)

// NewPool creates a pool of the given number of 4K frames whose first frame
// has host physical address base.
func NewPool(base hv.HostPhysAddr, frames int) (*Pool, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("mm: pool needs at least one frame: %w", hv.ErrInvalidInput)
	}
	if uint64(frames) > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("mm: pool of %d frames is too large: %w", frames, hv.ErrInvalidInput)
	}
	if uint64(base)%PageSize != 0 {
		return nil, fmt.Errorf("mm: pool base %v is not page aligned: %w", base, hv.ErrInvalidInput)
	}

	arena, release, err := allocArena(frames * PageSize)
	if err != nil {
		return nil, fmt.Errorf("mm: allocate arena of %d frames: %w", frames, err)
	}

	return &Pool{
		base:    base,
		arena:   arena,
		frames:  frames,
		used:    bitmap.New(uint32(frames)),
		release: release,
	}, nil
}

func (p *Pool) isUsed(i uint32) bool {
	one, err := p.used.FirstOne(i)
	return err == nil && one == i
}

// freeRun returns the first run of n free frames.
func (p *Pool) freeRun(n uint32) (uint32, bool) {
	frames := uint32(p.frames)
	for start := uint32(0); start < frames; {
		first, err := p.used.FirstZero(start)
		if err != nil || first+n > frames {
			return 0, false
		}
		end, err := p.used.FirstOne(first)
		if err != nil || end > frames {
			end = frames
		}
		if end-first >= n {
			return first, true
		}
		start = end + 1
	}
	return 0, false
}

// AllocFrame allocates one zeroed frame.
func (p *Pool) AllocFrame() (hv.HostPhysAddr, bool) {
	hpa, err := p.AllocFrames(1)
	if err != nil {
		return 0, false
	}
	return hpa, true
}

// AllocFrames allocates n physically contiguous zeroed frames.
func (p *Pool) AllocFrames(n int) (hv.HostPhysAddr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("mm: allocate %d frames: %w", n, hv.ErrInvalidInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return 0, fmt.Errorf("mm: pool closed: %w", hv.ErrBadState)
	}

	start, ok := uint32(0), false
	if n <= p.frames {
		start, ok = p.freeRun(uint32(n))
	}
	if !ok {
		return 0, fmt.Errorf("mm: no run of %d free frames (%d of %d in use): %w", n, p.used.GetNumOnes(), p.frames, hv.ErrNoMemory)
	}
	for i := start; i < start+uint32(n); i++ {
		p.used.Add(i)
	}
	off := int(start) * PageSize
	clear(p.arena[off : off+n*PageSize])
	return p.base + hv.HostPhysAddr(off), nil
}

// DeallocFrame frees one frame. Freeing a frame that is not allocated is a
// hypervisor bug and panics.
func (p *Pool) DeallocFrame(hpa hv.HostPhysAddr) {
	p.DeallocFrames(hpa, 1)
}

// DeallocFrames frees n frames starting at hpa.
func (p *Pool) DeallocFrames(hpa hv.HostPhysAddr, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first, ok := p.frameIndex(hpa)
	if !ok || first+n > p.frames {
		panic(fmt.Sprintf("mm: dealloc of %d frames at %v outside pool", n, hpa))
	}
	for i := first; i < first+n; i++ {
		if !p.isUsed(uint32(i)) {
			panic(fmt.Sprintf("mm: double free of frame %v", p.base+hv.HostPhysAddr(i*PageSize)))
		}
	}
	// Bitmap.ClearRange indexes past the last word when the range ends on it.
	for i := first; i < first+n; i++ {
		p.used.Remove(uint32(i))
	}
}

func (p *Pool) frameIndex(hpa hv.HostPhysAddr) (int, bool) {
	if hpa < p.base || uint64(hpa-p.base)%PageSize != 0 {
		return 0, false
	}
	i := int(uint64(hpa-p.base) / PageSize)
	return i, i < p.frames
}

// PhysToVirt returns the host view of [hpa, hpa+size). The range must lie in
// the pool; whether it is allocated is the caller's business.
func (p *Pool) PhysToVirt(hpa hv.HostPhysAddr, size uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return nil, fmt.Errorf("mm: pool closed: %w", hv.ErrBadState)
	}
	if hpa < p.base {
		return nil, fmt.Errorf("mm: %v below pool base %v: %w", hpa, p.base, hv.ErrInvalidInput)
	}
	off := uint64(hpa - p.base)
	end, carry := bits.Add64(off, size, 0)
	if carry != 0 || end > uint64(len(p.arena)) {
		return nil, fmt.Errorf("mm: [%v, +%#x) outside pool: %w", hpa, size, hv.ErrInvalidInput)
	}
	return p.arena[off:end:end], nil
}

// VirtToPhys maps a slice obtained from PhysToVirt back to its address.
func (p *Pool) VirtToPhys(b []byte) (hv.HostPhysAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(b) == 0 || len(p.arena) == 0 {
		return 0, false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(p.arena)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if ptr < start || ptr >= start+uintptr(len(p.arena)) {
		return 0, false
	}
	return p.base + hv.HostPhysAddr(ptr-start), true
}

func (p *Pool) Base() hv.HostPhysAddr { return p.base }
func (p *Pool) Frames() int           { return p.frames }

// InUse returns the number of allocated frames.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.used.GetNumOnes())
}

// Close releases the arena. Slices returned by PhysToVirt must not be used
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return nil
	}
	p.arena = nil
	if p.release != nil {
		return p.release()
	}
	return nil
}
