// Package virtqueue implements the host-owned shadow rings for a virtio
// split queue as described in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
// This package does not make assumptions about the device that consumes the
// queue. It rather just allocates the ring structures in memory, keeps the
// descriptor bookkeeping out of the device's reach and provides methods to
// interact with the rings.
package virtqueue
