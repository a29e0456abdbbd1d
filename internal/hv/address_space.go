package hv

import (
	"fmt"
	"sort"
	"sync"
)

// AddressSpace hands out guest physical windows for shared memory regions.
// Windows are carved first-fit out of a fixed aperture of the VM's address
// space and can be released and reused.
type AddressSpace struct {
	mu sync.Mutex

	base uint64
	size uint64

	// allocations is kept sorted by base.
	allocations []Window

	// fixedRegions holds ranges owned by something else (RAM, pass-through
	// devices) that must never overlap the aperture.
	fixedRegions []Window
}

type WindowRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

type Window struct {
	Name string
	Base GuestPhysAddr
	Size uint64
}

func (w Window) End() GuestPhysAddr { return w.Base + GuestPhysAddr(w.Size) }

// NewAddressSpace creates an allocator over the page-aligned part of
// [base, base+size).
func NewAddressSpace(base, size uint64) *AddressSpace {
	aligned := alignUp(base, 0x1000)
	if skip := aligned - base; skip < size {
		size -= skip
	} else {
		size = 0
	}
	return &AddressSpace{
		base: aligned,
		size: size,
	}
}

// Allocate reserves a window. The size is rounded up to the alignment, which
// defaults to 4KB.
func (a *AddressSpace) Allocate(req WindowRequest) (Window, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return Window{}, fmt.Errorf("address_space: cannot allocate zero-size window for %s: %w", req.Name, ErrInvalidInput)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return Window{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s: %w", alignment, req.Name, ErrInvalidInput)
	}

	size := alignUp(req.Size, alignment)
	end := a.base + a.size

	cursor := a.base
	insertAt := len(a.allocations)
	found := false
	for i, alloc := range a.allocations {
		candidate := alignUp(cursor, alignment)
		if candidate+size <= uint64(alloc.Base) {
			cursor = candidate
			insertAt = i
			found = true
			break
		}
		cursor = uint64(alloc.End())
	}
	if !found {
		cursor = alignUp(cursor, alignment)
		if cursor+size > end || cursor+size < cursor {
			return Window{}, fmt.Errorf("address_space: no room for 0x%x bytes for %s in [0x%x-0x%x): %w",
				size, req.Name, a.base, end, ErrNoMemory)
		}
	}

	w := Window{Name: req.Name, Base: GuestPhysAddr(cursor), Size: size}
	a.allocations = append(a.allocations, Window{})
	copy(a.allocations[insertAt+1:], a.allocations[insertAt:])
	a.allocations[insertAt] = w

	return w, nil
}

// Release frees a window previously returned by Allocate. base and size must
// match the allocation exactly.
func (a *AddressSpace) Release(base GuestPhysAddr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.allocations), func(i int) bool { return a.allocations[i].Base >= base })
	if i == len(a.allocations) || a.allocations[i].Base != base {
		return fmt.Errorf("address_space: no window at %v: %w", base, ErrNotFound)
	}
	if a.allocations[i].Size != size {
		return fmt.Errorf("address_space: window at %v has size 0x%x, not 0x%x: %w",
			base, a.allocations[i].Size, size, ErrInvalidInput)
	}
	a.allocations = append(a.allocations[:i], a.allocations[i+1:]...)
	return nil
}

// RegisterFixed records a range owned by something else. Returns an error if
// it overlaps the aperture.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s: %w", name, ErrInvalidInput)
	}

	regionEnd := base + size
	end := a.base + a.size
	if base < end && regionEnd > a.base {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps the window aperture [0x%x-0x%x): %w",
			name, base, regionEnd, a.base, end, ErrAlreadyExists)
	}

	a.fixedRegions = append(a.fixedRegions, Window{
		Name: name,
		Base: GuestPhysAddr(base),
		Size: size,
	})

	return nil
}

// Allocations returns a copy of all live windows.
func (a *AddressSpace) Allocations() []Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Window, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed regions.
func (a *AddressSpace) FixedRegions() []Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Window, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

func (a *AddressSpace) Base() uint64 { return a.base }
func (a *AddressSpace) Size() uint64 { return a.size }
func (a *AddressSpace) End() uint64  { return a.base + a.size }

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
