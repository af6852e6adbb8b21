// Package iova maintains the bidirectional mapping between guest buffer
// addresses and the backend-visible (IOVA) addresses a device uses to access
// them. Lookups and updates are O(log n) over balanced trees, because the
// data path translates every buffer fragment of every request.
package iova

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
)

var (
	// ErrNotMapped is returned when an address range is not covered by any
	// live mapping.
	ErrNotMapped = errors.New("address range is not mapped")

	// ErrOverlap is returned when a new mapping would overlap a live one.
	ErrOverlap = errors.New("mapping overlaps an existing mapping")

	// ErrOutOfSpace is returned when no free backend range of the requested
	// size exists.
	ErrOutOfSpace = errors.New("backend address space exhausted")
)

// Mapping is one translated range. The backend ranges of all live mappings
// are kept non-overlapping, as are the guest ranges.
type Mapping struct {
	// GuestAddr is the base address of the range as the guest sees it.
	GuestAddr uint64
	// BackendAddr is the base address the device backend uses for the same
	// memory.
	BackendAddr uint64
	// Size is the length of the range in bytes.
	Size uint64
}

func (m Mapping) guestEnd() uint64   { return m.GuestAddr + m.Size }
func (m Mapping) backendEnd() uint64 { return m.BackendAddr + m.Size }

// Backend address 0 is kept invalid on purpose: a zeroed descriptor must
// never alias a real mapping.
const allocFirst = 0x1000

// Tree is a bidirectional interval map over [Mapping]s.
//
// A Tree may be mutated by a memory-hotplug path concurrently with data-path
// translations, so all methods are safe for concurrent use.
type Tree struct {
	mu sync.RWMutex

	// byGuest orders mappings by guest base address, byBackend by backend
	// base address. Both hold the same set of mappings.
	byGuest   *btree.BTreeG[Mapping]
	byBackend *btree.BTreeG[Mapping]
}

// NewTree creates an empty translation tree.
func NewTree() *Tree {
	return &Tree{
		byGuest: btree.NewG(2, func(a, b Mapping) bool {
			return a.GuestAddr < b.GuestAddr
		}),
		byBackend: btree.NewG(2, func(a, b Mapping) bool {
			return a.BackendAddr < b.BackendAddr
		}),
	}
}

// Translate resolves a guest address range to its backend address. The whole
// range must fall within a single live mapping; a range that is unmapped or
// straddles a mapping boundary returns [ErrNotMapped].
func (t *Tree) Translate(guestAddr, length uint64) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.findByGuest(guestAddr)
	if !ok || guestAddr+length > m.guestEnd() {
		return 0, fmt.Errorf("%w: guest address %#x length %d", ErrNotMapped, guestAddr, length)
	}
	return m.BackendAddr + (guestAddr - m.GuestAddr), nil
}

// Insert adds a fully specified mapping. Both its guest range and its backend
// range must not overlap any live mapping.
func (t *Tree) Insert(m Mapping) error {
	if m.Size == 0 {
		return errors.New("mapping size must not be zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.overlapsGuest(m) {
		return fmt.Errorf("%w: guest range %#x+%d", ErrOverlap, m.GuestAddr, m.Size)
	}
	if t.overlapsBackend(m) {
		return fmt.Errorf("%w: backend range %#x+%d", ErrOverlap, m.BackendAddr, m.Size)
	}

	t.byGuest.ReplaceOrInsert(m)
	t.byBackend.ReplaceOrInsert(m)
	return nil
}

// Alloc places a guest range at a free backend range of the same size and
// returns the resulting mapping. Free backend space is found first-fit in
// ascending address order, starting above a small reserved region so that
// backend address zero never becomes valid.
func (t *Tree) Alloc(guestAddr, size uint64) (Mapping, error) {
	if size == 0 {
		return Mapping{}, errors.New("mapping size must not be zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	probe := Mapping{GuestAddr: guestAddr, Size: size}
	if t.overlapsGuest(probe) {
		return Mapping{}, fmt.Errorf("%w: guest range %#x+%d", ErrOverlap, guestAddr, size)
	}

	// Walk the gaps between live backend ranges until one fits.
	hole := uint64(allocFirst)
	found := false
	t.byBackend.Ascend(func(m Mapping) bool {
		if m.BackendAddr >= hole && m.BackendAddr-hole >= size {
			found = true
			return false
		}
		if end := m.backendEnd(); end > hole {
			hole = end
		}
		return true
	})
	if !found && math.MaxUint64-hole < size {
		return Mapping{}, fmt.Errorf("%w: need %d bytes", ErrOutOfSpace, size)
	}

	probe.BackendAddr = hole
	t.byGuest.ReplaceOrInsert(probe)
	t.byBackend.ReplaceOrInsert(probe)
	return probe, nil
}

// Remove drops the mapping whose backend range contains the given backend
// address. Removing an unmapped address is a no-op.
func (t *Tree) Remove(backendAddr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.findByBackend(backendAddr)
	if !ok {
		return
	}
	t.byGuest.Delete(m)
	t.byBackend.Delete(m)
}

// Mappings returns a snapshot of all live mappings in backend address order.
// The memory/control layer uses this to publish the memory layout to the
// device backend.
func (t *Tree) Mappings() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Mapping, 0, t.byBackend.Len())
	t.byBackend.Ascend(func(m Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Len returns the number of live mappings.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byGuest.Len()
}

// findByGuest returns the mapping containing the given guest address.
func (t *Tree) findByGuest(guestAddr uint64) (Mapping, bool) {
	var found Mapping
	ok := false
	t.byGuest.DescendLessOrEqual(Mapping{GuestAddr: guestAddr}, func(m Mapping) bool {
		if guestAddr < m.guestEnd() {
			found, ok = m, true
		}
		return false
	})
	return found, ok
}

// findByBackend returns the mapping containing the given backend address.
func (t *Tree) findByBackend(backendAddr uint64) (Mapping, bool) {
	var found Mapping
	ok := false
	t.byBackend.DescendLessOrEqual(Mapping{BackendAddr: backendAddr}, func(m Mapping) bool {
		if backendAddr < m.backendEnd() {
			found, ok = m, true
		}
		return false
	})
	return found, ok
}

func (t *Tree) overlapsGuest(m Mapping) bool {
	overlap := false
	t.byGuest.AscendGreaterOrEqual(Mapping{GuestAddr: m.GuestAddr}, func(o Mapping) bool {
		overlap = o.GuestAddr < m.guestEnd()
		return false
	})
	if overlap {
		return true
	}
	t.byGuest.DescendLessOrEqual(Mapping{GuestAddr: m.GuestAddr}, func(o Mapping) bool {
		overlap = m.GuestAddr < o.guestEnd()
		return false
	})
	return overlap
}

func (t *Tree) overlapsBackend(m Mapping) bool {
	overlap := false
	t.byBackend.AscendGreaterOrEqual(Mapping{BackendAddr: m.BackendAddr}, func(o Mapping) bool {
		overlap = o.BackendAddr < m.backendEnd()
		return false
	})
	if overlap {
		return true
	}
	t.byBackend.DescendLessOrEqual(Mapping{BackendAddr: m.BackendAddr}, func(o Mapping) bool {
		overlap = m.BackendAddr < o.backendEnd()
		return false
	})
	return overlap
}
