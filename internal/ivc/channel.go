// Package ivc implements inter-VM communication channels: one page of host
// memory published by one VM and mapped into any number of subscribers.
package ivc

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/mm"
)

// Header sits at the start of every shared region.
type Header struct {
	PublisherID uint64
	Key         uint64
	ContentSize uint64
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 24

// ClampSize rounds a requested region size up to page granularity. Regions
// are a single frame for now.
// TODO: back channels with contiguous frames to lift the one page cap.
func ClampSize(requested uint64) (uint64, error) {
	if requested == 0 {
		return 0, fmt.Errorf("ivc: zero sized channel: %w", hv.ErrInvalidInput)
	}
	rounded, ok := hostarch.Addr(requested).RoundUp()
	if !ok || uint64(rounded) > hostarch.PageSize {
		return hostarch.PageSize, nil
	}
	return uint64(rounded), nil
}

// Subscriber is one VM mapping a channel.
type Subscriber struct {
	VMID int
	GPA  hv.GuestPhysAddr
}

// Channel is a published shared region. The subscriber set is only changed
// through the Registry that owns the channel.
type Channel struct {
	publisherID int
	key         uint64
	baseHPA     hv.HostPhysAddr
	baseGPA     hv.GuestPhysAddr
	size        uint64

	frames   mm.FrameAllocator
	released atomic.Bool

	mu          sync.Mutex
	subscribers map[int]hv.GuestPhysAddr
}

// Alloc backs a new channel with one frame from frames and writes its header.
// baseGPA is where the publisher will map the region.
func Alloc(frames mm.FrameAllocator, publisherID int, key uint64, requestedSize uint64, baseGPA hv.GuestPhysAddr) (*Channel, error) {
	size, err := ClampSize(requestedSize)
	if err != nil {
		return nil, err
	}

	hpa, ok := frames.AllocFrame()
	if !ok {
		return nil, fmt.Errorf("ivc: allocate frame for channel %d/%#x: %w", publisherID, key, hv.ErrNoMemory)
	}

	ch := &Channel{
		publisherID: publisherID,
		key:         key,
		baseHPA:     hpa,
		baseGPA:     baseGPA,
		size:        size,
		frames:      frames,
		subscribers: make(map[int]hv.GuestPhysAddr),
	}
	if err := ch.writeHeader(Header{PublisherID: uint64(publisherID), Key: key}); err != nil {
		frames.DeallocFrame(hpa)
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) writeHeader(h Header) error {
	buf, err := ch.frames.PhysToVirt(ch.baseHPA, HeaderSize)
	if err != nil {
		return fmt.Errorf("ivc: map header: %w", err)
	}
	if _, err := binary.Encode(buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("ivc: encode header: %w", err)
	}
	return nil
}

// Header decodes the header currently stored in the region.
func (ch *Channel) Header() (Header, error) {
	var h Header
	buf, err := ch.frames.PhysToVirt(ch.baseHPA, HeaderSize)
	if err != nil {
		return h, fmt.Errorf("ivc: map header: %w", err)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("ivc: decode header: %w", err)
	}
	return h, nil
}

// DataRegion returns the host view of the region after the header.
func (ch *Channel) DataRegion() ([]byte, error) {
	buf, err := ch.frames.PhysToVirt(ch.baseHPA, ch.size)
	if err != nil {
		return nil, fmt.Errorf("ivc: map channel: %w", err)
	}
	return buf[HeaderSize:], nil
}

// Release returns the backing frame. Only the first call has any effect.
func (ch *Channel) Release() {
	if ch.released.Swap(true) {
		return
	}
	ch.frames.DeallocFrame(ch.baseHPA)
}

func (ch *Channel) Released() bool { return ch.released.Load() }

func (ch *Channel) PublisherID() int                     { return ch.publisherID }
func (ch *Channel) Key() uint64                          { return ch.key }
func (ch *Channel) BaseHPA() hv.HostPhysAddr             { return ch.baseHPA }
func (ch *Channel) BaseGPAInPublisher() hv.GuestPhysAddr { return ch.baseGPA }
func (ch *Channel) Size() uint64                         { return ch.size }

// Subscribers returns the current subscribers ordered by VM id.
func (ch *Channel) Subscribers() []Subscriber {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ret := make([]Subscriber, 0, len(ch.subscribers))
	for id, gpa := range ch.subscribers {
		ret = append(ret, Subscriber{VMID: id, GPA: gpa})
	}
	slices.SortFunc(ret, func(a, b Subscriber) int { return a.VMID - b.VMID })
	return ret
}

func (ch *Channel) String() string {
	return fmt.Sprintf("ivc channel %d/%#x at %v size %#x", ch.publisherID, ch.key, ch.baseHPA, ch.size)
}

// addSubscriber records gpa for id unless id is already subscribed, and
// returns the recorded address.
func (ch *Channel) addSubscriber(id int, gpa hv.GuestPhysAddr) hv.GuestPhysAddr {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if prev, ok := ch.subscribers[id]; ok {
		return prev
	}
	ch.subscribers[id] = gpa
	return gpa
}

func (ch *Channel) removeSubscriber(id int) (hv.GuestPhysAddr, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	gpa, ok := ch.subscribers[id]
	if ok {
		delete(ch.subscribers, id)
	}
	return gpa, ok
}
