package virtqueue

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// VringAddresses are the memory addresses of the three parts of a split
// virtqueue, in the form they get published to the device backend over the
// control channel.
type VringAddresses struct {
	// Descriptor is the address of the descriptor table.
	Descriptor uintptr
	// Available is the address of the available ring.
	Available uintptr
	// Used is the address of the used ring.
	Used uintptr
}

// SplitRings owns the backend-visible ring storage of one shadow virtqueue:
// the descriptor table, the available ring and the used ring.
//
// The memory is laid out the way the device backend expects to map it: the
// driver area (descriptor table followed by the available ring) and the
// device area (the used ring) are two separate page-aligned regions, sized
// exactly as [DriverAreaSize] and [DeviceAreaSize] report.
type SplitRings struct {
	// size is the size of the queue.
	size int
	// driverBuf backs the descriptor table and the available ring.
	driverBuf []byte
	// deviceBuf backs the used ring.
	deviceBuf []byte

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing
}

// NewSplitRings allocates the ring storage for a shadow virtqueue of the
// given size. The queue size specifies the number of descriptors the queue
// can hold and must mirror the negotiated size of the guest ring.
func NewSplitRings(queueSize int) (_ *SplitRings, err error) {
	if err = CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	sr := SplitRings{
		size: queueSize,
	}

	// Clean up partially initialized storage when something fails.
	defer func() {
		if err != nil {
			_ = sr.Close()
		}
	}()

	// The memory is allocated manually instead of using Go native structs,
	// for the same reasons as in any virtqueue implementation: the queue size
	// is not a compile time constant, the virtio spec dictates alignment Go
	// cannot guarantee for struct fields, and the device backend keeps
	// accessing the memory for as long as the queue lives, which rules out
	// anything the garbage collector may move or collect.

	// The descriptor table is at the start of the driver area, so alignment
	// is not an issue here. Its size is a multiple of 16, which satisfies the
	// alignment of the available ring that follows it.
	descriptorTableEnd := descriptorTableSize(queueSize)
	availableRingEnd := descriptorTableEnd + availableRingSize(queueSize)

	sr.driverBuf, err = unix.Mmap(-1, 0, DriverAreaSize(queueSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate driver area: %w", err)
	}

	sr.deviceBuf, err = unix.Mmap(-1, 0, DeviceAreaSize(queueSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate device area: %w", err)
	}

	sr.descriptorTable = newDescriptorTable(queueSize, sr.driverBuf[:descriptorTableEnd])
	sr.availableRing = newAvailableRing(queueSize, sr.driverBuf[descriptorTableEnd:availableRingEnd])
	sr.usedRing = newUsedRing(queueSize, sr.deviceBuf[:usedRingSize(queueSize)])

	return &sr, nil
}

// Size returns the size of this queue, which is the number of descriptor
// chains this queue can hold.
func (sr *SplitRings) Size() int {
	return sr.size
}

// DescriptorTable returns the [DescriptorTable] behind this queue.
func (sr *SplitRings) DescriptorTable() *DescriptorTable {
	return sr.descriptorTable
}

// AvailableRing returns the [AvailableRing] behind this queue.
func (sr *SplitRings) AvailableRing() *AvailableRing {
	return sr.availableRing
}

// UsedRing returns the [UsedRing] behind this queue.
func (sr *SplitRings) UsedRing() *UsedRing {
	return sr.usedRing
}

// Addresses returns the [VringAddresses] to publish to the device backend.
func (sr *SplitRings) Addresses() VringAddresses {
	return VringAddresses{
		Descriptor: sr.descriptorTable.Address(),
		Available:  sr.availableRing.Address(),
		Used:       sr.usedRing.Address(),
	}
}

// DriverAreaSize returns the byte size of the mapped driver area.
func (sr *SplitRings) DriverAreaSize() int {
	return DriverAreaSize(sr.size)
}

// DeviceAreaSize returns the byte size of the mapped device area.
func (sr *SplitRings) DeviceAreaSize() int {
	return DeviceAreaSize(sr.size)
}

// Close releases the ring memory. The caller must make sure the device
// backend no longer accesses it.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (sr *SplitRings) Close() error {
	var errs []error

	if sr.driverBuf != nil {
		if err := unix.Munmap(sr.driverBuf); err == nil {
			sr.driverBuf = nil
			sr.descriptorTable = nil
			sr.availableRing = nil
		} else {
			errs = append(errs, fmt.Errorf("unmap driver area: %w", err))
		}
	}
	if sr.deviceBuf != nil {
		if err := unix.Munmap(sr.deviceBuf); err == nil {
			sr.deviceBuf = nil
			sr.usedRing = nil
		} else {
			errs = append(errs, fmt.Errorf("unmap device area: %w", err))
		}
	}

	return errors.Join(errs...)
}
