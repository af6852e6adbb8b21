package vhost_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/newfriday/patchew-qemu-sub001/iova"
	"github.com/newfriday/patchew-qemu-sub001/vhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueState_Size(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(vhost.QueueState{}))
}

func TestQueueAddresses_Size(t *testing.T) {
	assert.EqualValues(t, 40, unsafe.Sizeof(vhost.QueueAddresses{}))
}

func TestQueueFile_Size(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(vhost.QueueFile{}))
}

func TestMemoryRegion_Size(t *testing.T) {
	assert.EqualValues(t, 32, unsafe.Sizeof(vhost.MemoryRegion{}))
}

func TestMemoryLayout_SerializePayload(t *testing.T) {
	layout := vhost.MemoryLayout{
		{
			GuestPhysicalAddress: 0x1000,
			Size:                 0x2000,
			UserspaceAddress:     0xabcd0000,
		},
	}

	payload := layout.SerializePayload()
	require.Len(t, payload, 8+32)

	assert.EqualValues(t, 1, binary.LittleEndian.Uint32(payload[0:4]))
	assert.EqualValues(t, 0x1000, binary.LittleEndian.Uint64(payload[8:16]))
	assert.EqualValues(t, 0x2000, binary.LittleEndian.Uint64(payload[16:24]))
	assert.EqualValues(t, 0xabcd0000, binary.LittleEndian.Uint64(payload[24:32]))
}

func TestMemoryLayout_SerializePayloadEmpty(t *testing.T) {
	payload := vhost.MemoryLayout{}.SerializePayload()
	require.Len(t, payload, 8)
	assert.EqualValues(t, 0, binary.LittleEndian.Uint32(payload[0:4]))
}

func TestNewMemoryLayoutFromTree(t *testing.T) {
	tree := iova.NewTree()
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x30000, BackendAddr: 0x8000, Size: 0x1000}))
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x10000, BackendAddr: 0x4000, Size: 0x2000}))

	layout := vhost.NewMemoryLayoutFromTree(tree)
	require.Len(t, layout, 2)

	// The device addresses regions by their translated base.
	assert.EqualValues(t, 0x4000, layout[0].GuestPhysicalAddress)
	assert.EqualValues(t, 0x10000, layout[0].UserspaceAddress)
	assert.EqualValues(t, 0x2000, layout[0].Size)
	assert.EqualValues(t, 0x8000, layout[1].GuestPhysicalAddress)
}
