package virtqueue

import (
	"fmt"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the shadow layer
	// to not kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the
// device and read by the shadow layer.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	initialized bool

	// flags that describe this ring.
	flags *usedRingFlag
	// ringIndex indicates where the device would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is not used by this implementation, but we reserve it
	// anyway to avoid issues in case a device may try to write to it,
	// contrary to the virtio specification.
	availableEvent *uint16

	// lastIndex is the internal ringIndex up to which all [UsedElement]s were
	// processed.
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := UsedRing{
		initialized:    true,
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.lastIndex = *r.ringIndex
	return &r
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flags))
}

// pending returns the number of new used elements the device has published
// but the shadow layer has not taken yet.
func (r *UsedRing) pending() int {
	ringIndex := *r.ringIndex
	if ringIndex == r.lastIndex {
		// Nothing new.
		return 0
	}

	// The ring index may wrap, so the subtraction is done on the 16-bit
	// values on purpose.
	count := int(ringIndex - r.lastIndex)

	// The number of new elements can never exceed the queue size. A device
	// that advances the index by more is writing garbage, so skip ahead
	// instead of grinding through tens of thousands of bogus entries. The
	// skipped slots cannot refer to live chains anyway.
	if count > len(r.ring) {
		r.lastIndex = ringIndex - uint16(len(r.ring))
		count = len(r.ring)
	}
	return count
}

// Take returns the next unprocessed [UsedElement], in the order the device
// published them.
func (r *UsedRing) Take() (UsedElement, bool) {
	if r.pending() == 0 {
		return UsedElement{}, false
	}

	out := r.ring[r.lastIndex%uint16(len(r.ring))]
	r.lastIndex++
	return out, true
}

// PutUsed writes a used element into the ring and publishes it by advancing
// the ring index. This is the device side of the contract: only a device
// backend (or a test standing in for one) may call this.
func (r *UsedRing) PutUsed(head uint16, length uint32) {
	insertIndex := int(*r.ringIndex) % len(r.ring)
	r.ring[insertIndex] = UsedElement{
		DescriptorIndex: uint32(head),
		Length:          length,
	}
	*r.ringIndex += 1
}
