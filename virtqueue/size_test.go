package virtqueue

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueSize(t *testing.T) {
	tests := []struct {
		name        string
		queueSize   int
		containsErr string
	}{
		{
			name:        "negative",
			queueSize:   -1,
			containsErr: "too small",
		},
		{
			name:        "zero",
			queueSize:   0,
			containsErr: "too small",
		},
		{
			name:        "not a power of 2",
			queueSize:   24,
			containsErr: "not a power of 2",
		},
		{
			name:        "too large",
			queueSize:   65536,
			containsErr: "larger than the maximum",
		},
		{
			name:      "valid 1",
			queueSize: 1,
		},
		{
			name:      "valid 256",
			queueSize: 256,
		},
		{
			name:      "valid 32768",
			queueSize: 32768,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueueSize(tt.queueSize)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAreaSizes(t *testing.T) {
	pageSize := os.Getpagesize()

	for _, queueSize := range []int{1, 4, 256, 32768} {
		driver := DriverAreaSize(queueSize)
		device := DeviceAreaSize(queueSize)

		assert.Zero(t, driver%pageSize, "driver area must be page aligned")
		assert.Zero(t, device%pageSize, "device area must be page aligned")
		assert.GreaterOrEqual(t, driver, descriptorTableSize(queueSize)+availableRingSize(queueSize))
		assert.GreaterOrEqual(t, device, usedRingSize(queueSize))
		assert.Less(t, driver-pageSize, descriptorTableSize(queueSize)+availableRingSize(queueSize),
			"driver area must not round up more than one page")
		assert.Less(t, device-pageSize, usedRingSize(queueSize),
			"device area must not round up more than one page")
	}
}
