package iova_test

import (
	"testing"

	"github.com/newfriday/patchew-qemu-sub001/iova"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_TranslateRoundTrip(t *testing.T) {
	tree := iova.NewTree()

	m := iova.Mapping{GuestAddr: 0x10000, BackendAddr: 0x4000, Size: 0x1000}
	require.NoError(t, tree.Insert(m))

	addr, err := tree.Translate(0x10000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4000), addr)

	// Offsets within the mapping translate linearly.
	addr, err = tree.Translate(0x10800, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4800), addr)

	tree.Remove(0x4000)
	_, err = tree.Translate(0x10000, 0x1000)
	assert.ErrorIs(t, err, iova.ErrNotMapped)
}

func TestTree_TranslateMisses(t *testing.T) {
	tree := iova.NewTree()
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x10000, BackendAddr: 0x4000, Size: 0x1000}))
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x20000, BackendAddr: 0x8000, Size: 0x1000}))

	tests := []struct {
		name      string
		guestAddr uint64
		length    uint64
	}{
		{"below all mappings", 0x100, 8},
		{"between mappings", 0x18000, 8},
		{"straddles mapping end", 0x10ff0, 0x100},
		{"crosses into second mapping", 0x10000, 0x10001},
		{"above all mappings", 0x9000000, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tree.Translate(tt.guestAddr, tt.length)
			assert.ErrorIs(t, err, iova.ErrNotMapped)
		})
	}
}

func TestTree_InsertOverlap(t *testing.T) {
	tree := iova.NewTree()
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x10000, BackendAddr: 0x4000, Size: 0x1000}))

	tests := []struct {
		name string
		m    iova.Mapping
	}{
		{"same guest range", iova.Mapping{GuestAddr: 0x10000, BackendAddr: 0x9000, Size: 0x1000}},
		{"guest overlap from below", iova.Mapping{GuestAddr: 0xf800, BackendAddr: 0x9000, Size: 0x1000}},
		{"guest overlap from above", iova.Mapping{GuestAddr: 0x10800, BackendAddr: 0x9000, Size: 0x1000}},
		{"backend overlap", iova.Mapping{GuestAddr: 0x30000, BackendAddr: 0x4800, Size: 0x1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tree.Insert(tt.m), iova.ErrOverlap)
		})
	}

	// Adjacent ranges do not overlap.
	assert.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x11000, BackendAddr: 0x5000, Size: 0x1000}))
	assert.Equal(t, 2, tree.Len())
}

func TestTree_Alloc(t *testing.T) {
	tree := iova.NewTree()

	a, err := tree.Alloc(0x100000, 0x2000)
	require.NoError(t, err)
	b, err := tree.Alloc(0x200000, 0x1000)
	require.NoError(t, err)

	// Allocated backend ranges never overlap and never contain address zero.
	assert.NotZero(t, a.BackendAddr)
	assert.NotZero(t, b.BackendAddr)
	disjoint := a.BackendAddr+a.Size <= b.BackendAddr || b.BackendAddr+b.Size <= a.BackendAddr
	assert.True(t, disjoint, "allocated ranges must be disjoint")

	// Freed backend space is reused.
	tree.Remove(a.BackendAddr)
	c, err := tree.Alloc(0x300000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, a.BackendAddr, c.BackendAddr)

	// Guest overlap is still rejected.
	_, err = tree.Alloc(0x200000, 0x1000)
	assert.ErrorIs(t, err, iova.ErrOverlap)
}

func TestTree_Mappings(t *testing.T) {
	tree := iova.NewTree()
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x30000, BackendAddr: 0x8000, Size: 0x1000}))
	require.NoError(t, tree.Insert(iova.Mapping{GuestAddr: 0x10000, BackendAddr: 0x4000, Size: 0x1000}))

	mappings := tree.Mappings()
	require.Len(t, mappings, 2)
	assert.Equal(t, uint64(0x4000), mappings[0].BackendAddr, "snapshot must be in backend address order")
	assert.Equal(t, uint64(0x8000), mappings[1].BackendAddr)
}

func TestTree_RemoveUnmapped(t *testing.T) {
	tree := iova.NewTree()
	tree.Remove(0xdead)
	assert.Zero(t, tree.Len())
}
