package virtio

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureAnyLayout indicates that the device accepts arbitrary descriptor
	// layouts. This is a legacy bit which sits just below the transport
	// feature range.
	FeatureAnyLayout Feature = 1 << 27

	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event/avail_event notification
	// suppression fields at the end of the rings.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification, which fixes the byte layout of the split ring parts.
	FeatureVersion1 Feature = 1 << 32

	// FeatureAccessPlatform indicates that the device can be limited to
	// access only translated addresses. A device with this feature never
	// dereferences raw guest physical addresses.
	FeatureAccessPlatform Feature = 1 << 33

	// FeatureRingPacked indicates support for the packed virtqueue layout.
	FeatureRingPacked Feature = 1 << 34

	// FeatureInOrder indicates that buffers are used by the device in the
	// same order in which they were made available.
	FeatureInOrder Feature = 1 << 35

	// FeatureOrderPlatform indicates that memory accesses by the driver and
	// the device need platform-specific ordering.
	FeatureOrderPlatform Feature = 1 << 36

	// FeatureSRIOV indicates that the device supports single root I/O
	// virtualization.
	FeatureSRIOV Feature = 1 << 37

	// FeatureNotificationData indicates that the driver passes extra data in
	// its device notifications.
	FeatureNotificationData Feature = 1 << 38
)

// The transport feature range as defined by the virtio specification.
// Feature bits in this range describe the queue transport itself instead of
// the device class and are therefore subject to shadowing constraints.
const (
	transportFeatureStart = 28
	transportFeatureEnd   = 38
)

// requiredFeatures are force-enabled by [ValidateFeatures]. The shadow layer
// only ever hands translated addresses to the device, so the device must
// honor FeatureAccessPlatform, and the fixed ring layout of FeatureVersion1
// is assumed by all ring size math.
const requiredFeatures = FeatureAccessPlatform | FeatureVersion1

// ValidateFeatures reduces a device-offered feature set to the one the shadow
// queue layer can actually support. All transport-range feature bits that the
// shadow layer does not implement are stripped, while [FeatureAccessPlatform]
// and [FeatureVersion1] are enabled unconditionally. Feature bits outside the
// transport range belong to the device class and pass through untouched.
//
// The second return value reports whether the device can be expected to
// accept the returned set: when the offered set is missing one of the
// required bits, the device cannot be forced to use it and the queue must not
// be shadowed.
func ValidateFeatures(offered Feature) (Feature, bool) {
	ok := offered&requiredFeatures == requiredFeatures

	reduced := offered
	for bit := transportFeatureStart; bit <= transportFeatureEnd; bit++ {
		b := Feature(1) << bit
		if requiredFeatures&b == 0 {
			reduced &^= b
		}
	}
	reduced |= requiredFeatures

	return reduced, ok
}
