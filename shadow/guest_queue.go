package shadow

// GuestBuffer is one fragment of a guest element: a guest address range plus
// its direction. Addresses are guest addresses and have to be translated
// before a device backend may see them.
type GuestBuffer struct {
	// GuestAddr is the guest-side base address of the fragment.
	GuestAddr uint64
	// Len is the fragment length in bytes.
	Len uint32
	// DeviceWritable marks the fragment as write-only for the device.
	// Device-readable fragments always come first in an element.
	DeviceWritable bool
}

// Element is one guest buffer chain in flight. The guest queue owns it until
// it is handed back through [GuestQueue.PushUsed] or [GuestQueue.PushFailed];
// the shadow queue only borrows it while the chain is pending.
type Element struct {
	// Buffers are the fragments making up the chain.
	Buffers []GuestBuffer
	// Handle is an opaque value of the guest queue, threaded through
	// unchanged. The shadow layer never looks at it.
	Handle any
}

// GuestQueue is the guest-facing virtqueue collaborator. It exposes the
// guest's own ring pair, which the shadow layer mirrors: available guest
// elements are popped here, translated, run through the shadow rings and
// completions are pushed back here.
//
// Implementations are driven from the same event loop as the shadow queue
// and must not block.
type GuestQueue interface {
	// PopAvailable returns ownership of the next available guest element, or
	// false when the guest has nothing queued.
	PopAvailable() (*Element, bool)

	// PushUsed transfers a completed element back to the guest, together
	// with the number of bytes the device wrote. The completion becomes
	// guest-visible immediately; waking the guest up is the shadow layer's
	// job.
	PushUsed(elem *Element, bytesWritten uint32)

	// PushFailed returns an element the shadow layer could not publish, as
	// an error completion. The queue keeps operating.
	PushFailed(elem *Element)

	// Size returns the negotiated guest ring size, a power of two. The
	// shadow rings are created with the same capacity.
	Size() int
}
