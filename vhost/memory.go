// Package vhost implements the payloads the shadow layer exchanges with a
// vhost-style device backend over its control file descriptor: the memory
// layout describing all backend-visible regions and the vring configuration
// of the shadow rings.
package vhost

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/newfriday/patchew-qemu-sub001/iova"
)

// MemoryRegion describes a region of memory which is being made accessible
// to a vhost device backend.
//
// Kernel name: vhost_memory_region
type MemoryRegion struct {
	// GuestPhysicalAddress is the backend-visible (IOVA) base address of the
	// region. The device backend addresses the region through this value, so
	// it has to match what the translator hands out.
	GuestPhysicalAddress uint64
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uint64
	// Padding and room for flags. Currently unused.
	_ uint64
}

// MemoryLayout is a list of [MemoryRegion]s.
type MemoryLayout []MemoryRegion

// NewMemoryLayoutFromTree returns a [MemoryLayout] describing every live
// mapping of the given translation tree. The backend must be given the
// translated base addresses, because after feature validation it only ever
// sees translated addresses in descriptors.
func NewMemoryLayoutFromTree(tree *iova.Tree) MemoryLayout {
	mappings := tree.Mappings()
	regions := make(MemoryLayout, 0, len(mappings))
	for _, m := range mappings {
		regions = append(regions, MemoryRegion{
			GuestPhysicalAddress: m.BackendAddr,
			Size:                 m.Size,
			UserspaceAddress:     m.GuestAddr,
		})
	}
	return regions
}

// SerializePayload serializes the list of memory regions into a format that
// is compatible to the vhost_memory kernel struct. The returned byte slice
// can be used as a payload for the set-memory-layout control request.
func (regions MemoryLayout) SerializePayload() []byte {
	regionCount := len(regions)
	regionSize := int(unsafe.Sizeof(MemoryRegion{}))
	payload := make([]byte, 8+regionCount*regionSize)

	// The first 32 bits contain the number of memory regions. The following
	// 32 bits are padding.
	binary.LittleEndian.PutUint32(payload[0:4], uint32(regionCount))

	if regionCount > 0 {
		// The underlying byte array of the slice should already have the
		// correct format, so just copy that.
		copied := copy(payload[8:], unsafe.Slice((*byte)(unsafe.Pointer(&regions[0])), regionCount*regionSize))
		if copied != regionCount*regionSize {
			panic(fmt.Sprintf("copied only %d bytes of the memory regions, but expected %d",
				copied, regionCount*regionSize))
		}
	}

	return payload
}
