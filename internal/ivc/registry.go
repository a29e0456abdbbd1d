package ivc

import (
	"cmp"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/vmm/internal/hv"
)

type channelKey struct {
	publisherID int
	key         uint64
}

func (k channelKey) String() string { return fmt.Sprintf("%d/%#x", k.publisherID, k.key) }

type entry struct {
	channelKey
	ch *Channel
}

func entryLess(a, b entry) bool {
	if c := cmp.Compare(a.publisherID, b.publisherID); c != 0 {
		return c < 0
	}
	return a.key < b.key
}

// Region describes one mapping of a channel's backing memory.
type Region struct {
	HPA  hv.HostPhysAddr
	GPA  hv.GuestPhysAddr
	Size uint64
}

// Registry holds every published channel keyed by (publisher, key). A single
// mutex guards the tree; nothing blocks while it is held.
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[entry]
}

func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(8, entryLess)}
}

func (r *Registry) lookup(k channelKey) (*Channel, error) {
	e, ok := r.tree.Get(entry{channelKey: k})
	if !ok {
		return nil, fmt.Errorf("ivc: channel %v: %w", k, hv.ErrNotFound)
	}
	return e.ch, nil
}

// Insert publishes ch under publisherID. An existing channel with the same
// key is never replaced.
func (r *Registry) Insert(publisherID int, ch *Channel) error {
	k := channelKey{publisherID: publisherID, key: ch.Key()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree.Has(entry{channelKey: k}) {
		return fmt.Errorf("ivc: channel %v: %w", k, hv.ErrAlreadyExists)
	}
	r.tree.ReplaceOrInsert(entry{channelKey: k, ch: ch})
	return nil
}

// Remove unpublishes a channel and hands it back to the caller, who must
// tear down its mappings and Release it.
func (r *Registry) Remove(publisherID int, key uint64) (*Channel, error) {
	k := channelKey{publisherID: publisherID, key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tree.Delete(entry{channelKey: k})
	if !ok {
		return nil, fmt.Errorf("ivc: channel %v: %w", k, hv.ErrNotFound)
	}
	return e.ch, nil
}

// Subscribe records gpa as subscriberID's mapping of the channel. A repeated
// subscribe keeps the first address; the returned Region always carries the
// recorded one.
func (r *Registry) Subscribe(publisherID int, key uint64, subscriberID int, gpa hv.GuestPhysAddr) (Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.lookup(channelKey{publisherID: publisherID, key: key})
	if err != nil {
		return Region{}, err
	}
	recorded := ch.addSubscriber(subscriberID, gpa)
	return Region{HPA: ch.BaseHPA(), GPA: recorded, Size: ch.Size()}, nil
}

// Unsubscribe drops subscriberID from the channel and returns the range it
// had mapped.
func (r *Registry) Unsubscribe(publisherID int, key uint64, subscriberID int) (Region, error) {
	k := channelKey{publisherID: publisherID, key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.lookup(k)
	if err != nil {
		return Region{}, err
	}
	gpa, ok := ch.removeSubscriber(subscriberID)
	if !ok {
		return Region{}, fmt.Errorf("ivc: vm %d is not subscribed to channel %v: %w", subscriberID, k, hv.ErrNotFound)
	}
	return Region{HPA: ch.BaseHPA(), GPA: gpa, Size: ch.Size()}, nil
}

func (r *Registry) ChannelSize(publisherID int, key uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.lookup(channelKey{publisherID: publisherID, key: key})
	if err != nil {
		return 0, err
	}
	return ch.Size(), nil
}

func (r *Registry) Subscribers(publisherID int, key uint64) ([]Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.lookup(channelKey{publisherID: publisherID, key: key})
	if err != nil {
		return nil, err
	}
	return ch.Subscribers(), nil
}

func (r *Registry) Contains(publisherID int, key uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Has(entry{channelKey: channelKey{publisherID: publisherID, key: key}})
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// Published returns the keys publisherID currently has published, in order.
func (r *Registry) Published(publisherID int) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []uint64
	r.tree.AscendGreaterOrEqual(entry{channelKey: channelKey{publisherID: publisherID}}, func(e entry) bool {
		if e.publisherID != publisherID {
			return false
		}
		keys = append(keys, e.key)
		return true
	})
	return keys
}
