package shadow

import (
	"errors"

	"github.com/newfriday/patchew-qemu-sub001/virtqueue"
)

type optionValues struct {
	queueSize int
	batchSize int
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.queueSize != 0 {
		if err := virtqueue.CheckQueueSize(o.queueSize); err != nil {
			return err
		}
	}
	if o.batchSize < 0 {
		return errors.New("batch size must not be negative")
	}
	return nil
}

var optionDefaults = optionValues{
	// Defaults to the guest ring size.
	queueSize: 0,
	// Drain to empty.
	batchSize: 0,
}

// Option can be passed to [New] to influence queue creation.
type Option func(*optionValues)

// WithQueueSize returns an [Option] that overrides the shadow ring capacity.
// It must be an integer from 1 to 32768 that is also a power of 2. By default
// the capacity mirrors the guest ring size, which is what production callers
// want; overriding it is mostly useful to provoke backpressure in tests.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithBatchSize returns an [Option] that bounds how many guest elements are
// published per kick before the device gets notified. The default of 0 means
// drain-to-empty: one kick per full batch, however large. A small bound
// trades a little throughput for lower first-element latency.
func WithBatchSize(batchSize int) Option {
	return func(o *optionValues) { o.batchSize = batchSize }
}
