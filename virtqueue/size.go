package virtqueue

import (
	"errors"
	"fmt"
	"os"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// maxQueueSize is the largest power of 2 that still allows the 16-bit ring
// indexes to wrap correctly. 2 * 32768 would be 65536 which no longer fits.
const maxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// The queue size must always be a power of 2.
	// This ensures that ring indexes wrap correctly when the 16-bit integers
	// overflow.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	if queueSize > maxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, maxQueueSize)
	}

	return nil
}

// descriptorTableSize is the number of bytes needed to store the descriptor
// table for the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// Minimum alignments of the virtqueue parts in memory, as required by the
// virtio spec.
const (
	descriptorTableAlignment = 16
	availableRingAlignment   = 2
	usedRingAlignment        = 4
)

// DriverAreaSize returns the page-aligned number of bytes of the driver area
// (descriptor table followed by the available ring) for the given queue size.
// The device backend maps exactly this many bytes, so the value reported to
// it must match this computation.
func DriverAreaSize(queueSize int) int {
	return align(descriptorTableSize(queueSize)+availableRingSize(queueSize), os.Getpagesize())
}

// DeviceAreaSize returns the page-aligned number of bytes of the device area
// (the used ring) for the given queue size.
func DeviceAreaSize(queueSize int) int {
	return align(usedRingSize(queueSize), os.Getpagesize())
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
