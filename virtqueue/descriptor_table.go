package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would
	// contain no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full. This is backpressure, not a
	// failure: capacity comes back when the device returns chains on the used
	// ring.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain head is
	// not valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally,
// because it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// DescriptorTable manages the shadow descriptor table, addressed via index.
//
// The table memory itself is shared with the device backend, which is only
// supposed to read it. A buggy or hostile backend may write to it anyway, so
// the table never bases a control-flow decision on anything read back from
// that memory. The free list and the linkage of every live chain are kept in
// a private next-link backup that the backend cannot reach; the shared next
// fields are write-only hints for the device. The worst a misbehaving
// backend can cause is wrong data getting transferred, never a corrupted
// free list or a double free.
type DescriptorTable struct {
	// descriptors lives in memory shared with the device backend.
	descriptors []Descriptor

	// next is the private backup of all chain links, threaded independently
	// of the next fields in the shared table. next[i] is only meaningful
	// while i is part of the free list or of a live chain.
	next []uint16
	// chainLen records the length of the live chain starting at each head
	// index, zero for indexes that are not live chain heads. This is what
	// makes freeing immune to whatever the device wrote into the table.
	chainLen []uint16

	// freeHead is the index of the first descriptor of the free list. When
	// all descriptors are in use, this has the special value of noFreeHead.
	freeHead uint16
	// freeNum tracks the number of descriptors which are currently not in
	// use.
	freeNum uint16
}

// newDescriptorTable creates a descriptor table that uses the given
// underlying memory. The length of the memory slice must match the size
// needed for the descriptor table (see [descriptorTableSize]) for the given
// queue size.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	dt := &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		next:        make([]uint16, queueSize),
		chainLen:    make([]uint16, queueSize),
		// We have no free descriptors until they were initialized.
		freeHead: noFreeHead,
		freeNum:  0,
	}
	dt.initialize()
	return dt
}

// initialize links all descriptors into one free list and clears the shared
// table.
func (dt *DescriptorTable) initialize() {
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{}
		dt.next[i] = uint16(i + 1)
		dt.chainLen[i] = 0
	}

	// All descriptors are free to use now.
	dt.freeHead = 0
	dt.freeNum = uint16(len(dt.descriptors))
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// Size returns the number of descriptors the table can hold.
func (dt *DescriptorTable) Size() int {
	return len(dt.descriptors)
}

// FreeNum returns the number of descriptors that are currently free.
func (dt *DescriptorTable) FreeNum() uint16 {
	return dt.freeNum
}

// AllocChain pops one descriptor per fragment from the free list, links them
// into a chain and publishes address, length and flags of every fragment in
// the shared table for the device to read. It returns the index of the head
// of the new chain.
//
// When fewer descriptors are free than fragments were given, a wrapped
// [ErrNotEnoughFreeDescriptors] is returned and the free list is left
// untouched.
func (dt *DescriptorTable) AllocChain(frags []Fragment) (uint16, error) {
	numDesc := len(frags)
	if numDesc < 1 {
		return 0, ErrDescriptorChainEmpty
	}
	if numDesc > int(dt.freeNum) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughFreeDescriptors,
			numDesc, dt.freeNum)
	}

	// The free count above guarantees a valid free list head.
	if dt.freeHead == noFreeHead {
		panic("free list head is unset but there should be free descriptors")
	}

	head := dt.freeHead
	idx := head
	for i, frag := range frags {
		desc := &dt.descriptors[idx]
		desc.address = frag.Addr
		desc.length = frag.Len

		var flags descriptorFlag
		if frag.DeviceWritable {
			flags |= descriptorFlagWritable
		}

		last := i == numDesc-1
		if last {
			// The tail ends the chain. Whatever free-list link the private
			// next entry still holds becomes the new free head below.
			desc.flags = flags
			desc.next = 0 // Not necessary to clear this, it's just for looks.
		} else {
			// The free list links double as the chain links: the chain is
			// carved out of consecutive free list entries, so the private
			// next entries already form the path. Mirror them into the
			// shared table so the device can traverse the chain.
			desc.flags = flags | descriptorFlagHasNext
			desc.next = dt.next[idx]
			idx = dt.next[idx]
		}
	}

	dt.freeNum -= uint16(numDesc)
	if dt.freeNum == 0 {
		dt.freeHead = noFreeHead
	} else {
		dt.freeHead = dt.next[idx]
	}
	dt.chainLen[head] = uint16(numDesc)

	return head, nil
}

// FreeChain puts the chain starting at the given head index back onto the
// free list and returns the number of descriptors that were freed.
//
// The walk follows the private next backup exclusively. The next fields in
// the shared table are ignored here, because the device may have overwritten
// them with anything.
func (dt *DescriptorTable) FreeChain(head uint16) (int, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidDescriptorChain, head)
	}
	numDesc := int(dt.chainLen[head])
	if numDesc == 0 {
		// Not a live chain head. Either it was never allocated or it was
		// freed before, which would corrupt the free list if we continued.
		return 0, fmt.Errorf("%w: %d is not the head of a live chain", ErrInvalidDescriptorChain, head)
	}

	tail := head
	for i := 0; i < numDesc-1; i++ {
		// Scrub the shared entries on the way. Not required for correctness,
		// but it keeps stale addresses from lingering in device-visible
		// memory and makes tests able to assert unused entries are zero.
		dt.descriptors[tail] = Descriptor{}
		tail = dt.next[tail]
	}
	dt.descriptors[tail] = Descriptor{}

	// Splice the whole chain onto the front of the free list.
	dt.next[tail] = dt.freeHead
	dt.freeHead = head
	dt.freeNum += uint16(numDesc)
	dt.chainLen[head] = 0

	return numDesc, nil
}
