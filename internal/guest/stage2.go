package guest

import (
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/vmm/internal/hv"
)

// Mapping is one stage-2 translation.
type Mapping struct {
	GPA   hv.GuestPhysAddr
	HPA   hv.HostPhysAddr
	Size  uint64
	Flags hv.MappingFlags
}

func (m Mapping) End() hv.GuestPhysAddr { return m.GPA + hv.GuestPhysAddr(m.Size) }

func (m Mapping) contains(gpa hv.GuestPhysAddr) bool { return gpa >= m.GPA && gpa < m.End() }

func mappingLess(a, b Mapping) bool { return a.GPA < b.GPA }

// stage2 is a guest physical to host physical table. Callers hold the
// machine lock.
type stage2 struct {
	tree *btree.BTreeG[Mapping]
}

func newStage2() *stage2 {
	return &stage2{tree: btree.NewG(16, mappingLess)}
}

func (s *stage2) insert(m Mapping) error {
	if m.Size == 0 {
		return fmt.Errorf("guest: zero sized mapping at %v: %w", m.GPA, hv.ErrInvalidInput)
	}
	if uint64(m.GPA)%pageSize != 0 || uint64(m.HPA)%pageSize != 0 || m.Size%pageSize != 0 {
		return fmt.Errorf("guest: mapping %v -> %v size %#x is not page aligned: %w", m.GPA, m.HPA, m.Size, hv.ErrInvalidInput)
	}
	if m.End() < m.GPA {
		return fmt.Errorf("guest: mapping at %v size %#x wraps: %w", m.GPA, m.Size, hv.ErrInvalidInput)
	}

	if prev, ok := s.lookup(m.GPA); ok {
		return fmt.Errorf("guest: mapping at %v overlaps [%v, %v): %w", m.GPA, prev.GPA, prev.End(), hv.ErrAlreadyExists)
	}
	var next Mapping
	found := false
	s.tree.AscendGreaterOrEqual(Mapping{GPA: m.GPA}, func(item Mapping) bool {
		next, found = item, true
		return false
	})
	if found && next.GPA < m.End() {
		return fmt.Errorf("guest: mapping at %v overlaps [%v, %v): %w", m.GPA, next.GPA, next.End(), hv.ErrAlreadyExists)
	}

	s.tree.ReplaceOrInsert(m)
	return nil
}

func (s *stage2) remove(gpa hv.GuestPhysAddr, size uint64) (Mapping, error) {
	m, ok := s.tree.Get(Mapping{GPA: gpa})
	if !ok {
		return Mapping{}, fmt.Errorf("guest: no mapping at %v: %w", gpa, hv.ErrNotFound)
	}
	if m.Size != size {
		return Mapping{}, fmt.Errorf("guest: mapping at %v has size %#x, not %#x: %w", gpa, m.Size, size, hv.ErrInvalidInput)
	}
	s.tree.Delete(m)
	return m, nil
}

// lookup finds the mapping containing gpa.
func (s *stage2) lookup(gpa hv.GuestPhysAddr) (Mapping, bool) {
	var ret Mapping
	found := false
	s.tree.DescendLessOrEqual(Mapping{GPA: gpa}, func(item Mapping) bool {
		ret, found = item, item.contains(gpa)
		return false
	})
	return ret, found
}

func (s *stage2) all() []Mapping {
	ret := make([]Mapping, 0, s.tree.Len())
	s.tree.Ascend(func(item Mapping) bool {
		ret = append(ret, item)
		return true
	})
	return ret
}
