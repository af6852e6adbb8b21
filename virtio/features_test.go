package virtio_test

import (
	"testing"

	"github.com/newfriday/patchew-qemu-sub001/virtio"
	"github.com/stretchr/testify/assert"
)

func TestValidateFeatures(t *testing.T) {
	required := virtio.FeatureVersion1 | virtio.FeatureAccessPlatform

	tests := []struct {
		name       string
		offered    virtio.Feature
		expected   virtio.Feature
		expectedOK bool
	}{
		{
			name:       "nothing offered",
			offered:    0,
			expected:   required,
			expectedOK: false,
		},
		{
			name:       "exactly the required set",
			offered:    required,
			expected:   required,
			expectedOK: true,
		},
		{
			name:       "version 1 missing",
			offered:    virtio.FeatureAccessPlatform,
			expected:   required,
			expectedOK: false,
		},
		{
			name:       "access platform missing",
			offered:    virtio.FeatureVersion1,
			expected:   required,
			expectedOK: false,
		},
		{
			name:       "unsupported transport bits are stripped",
			offered:    required | virtio.FeatureIndirectDescriptors | virtio.FeatureEventIndex | virtio.FeatureRingPacked | virtio.FeatureInOrder,
			expected:   required,
			expectedOK: true,
		},
		{
			name:       "device class bits pass through",
			offered:    required | virtio.FeatureAnyLayout | 1<<0 | 1<<15 | 1<<63,
			expected:   required | virtio.FeatureAnyLayout | 1<<0 | 1<<15 | 1<<63,
			expectedOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reduced, ok := virtio.ValidateFeatures(tt.offered)
			assert.Equal(t, tt.expected, reduced)
			assert.Equal(t, tt.expectedOK, ok)
		})
	}
}

// Reducing an already reduced feature set must not change it again.
func TestValidateFeatures_Idempotent(t *testing.T) {
	samples := []virtio.Feature{
		0,
		virtio.FeatureVersion1,
		virtio.FeatureVersion1 | virtio.FeatureAccessPlatform,
		virtio.FeatureIndirectDescriptors | virtio.FeatureRingPacked,
		0xffffffffffffffff,
		1<<5 | 1<<29 | 1<<40,
	}
	for _, f := range samples {
		once, okOnce := virtio.ValidateFeatures(f)
		twice, okTwice := virtio.ValidateFeatures(once)
		assert.Equal(t, once, twice)
		assert.True(t, okTwice, "a reduced set always contains the required bits")
		_ = okOnce
	}
}
