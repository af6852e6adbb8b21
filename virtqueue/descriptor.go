package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the
	// next field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection. The shadow
	// layer never negotiates indirect descriptors, so it never sets this.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that
// carries one logical request. Device-readable descriptors always come first
// in a chain.
//
// In the shadow table the address field always holds a backend-visible (IOVA)
// address produced by the translator, never a raw guest address. The device
// backend parses this struct directly from shared memory, so its layout must
// match the virtio split ring descriptor byte for byte.
type Descriptor struct {
	// address is the backend-visible address of the continuous memory holding
	// the data for this descriptor.
	address uint64
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this
	// descriptor chain when the [descriptorFlagHasNext] flag is set.
	// The device may scribble over this field; the table never reads it back.
	next uint16
}

// Fragment is one device-visible piece of a buffer chain: a translated
// address range plus its direction.
type Fragment struct {
	// Addr is the backend-visible address of the fragment.
	Addr uint64
	// Len is the fragment length in bytes.
	Len uint32
	// DeviceWritable marks the fragment as write-only for the device.
	DeviceWritable bool
}
