package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// The device backend parses descriptors straight out of shared memory, so
// size and field offsets must match the split ring layout exactly.
func TestDescriptor_MemoryLayout(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(Descriptor{}))

	var d Descriptor
	assert.EqualValues(t, 0, unsafe.Offsetof(d.address))
	assert.EqualValues(t, 8, unsafe.Offsetof(d.length))
	assert.EqualValues(t, 12, unsafe.Offsetof(d.flags))
	assert.EqualValues(t, 14, unsafe.Offsetof(d.next))
}
