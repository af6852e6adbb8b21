// Package shadow implements the shadow virtqueue engine: it interposes a
// host-owned ring pair between a guest virtqueue and an untrusted device
// backend, translating guest addresses to backend-visible ones and forwarding
// kick and call notifications in both directions. The backend only ever sees
// the shadow rings, never the guest's live ring metadata.
package shadow

import (
	"context"
	"errors"
	"fmt"

	"github.com/newfriday/patchew-qemu-sub001/config"
	"github.com/newfriday/patchew-qemu-sub001/iova"
	"github.com/newfriday/patchew-qemu-sub001/virtqueue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueNotStarted is returned when an operation needs a started queue.
	ErrQueueNotStarted = errors.New("shadow queue is not started")

	// ErrQueueStarted is returned when an operation needs a stopped queue.
	ErrQueueStarted = errors.New("shadow queue is already started")

	// errElementMalformed marks a guest element the shadow layer refuses to
	// publish. It never leaves the engine; the element is failed back to the
	// guest queue instead.
	errElementMalformed = errors.New("malformed guest element")
)

// Queue is the shadow side of one offloaded guest virtqueue.
//
// All methods except the Set* notification plumbing must be called from a
// single event loop goroutine. OnGuestKick and OnDeviceCall never block;
// waiting for the next notification is [Queue.Run]'s job, or the caller's
// when an external loop drives the handlers directly.
type Queue struct {
	l     *logrus.Logger
	guest GuestQueue
	tree  *iova.Tree

	queueSize int
	batchSize int

	rings    *virtqueue.SplitRings
	notifier *Notifier

	// shadowAvailIdx is the next available ring slot the engine will publish.
	shadowAvailIdx uint16
	// lastUsedIdx is the next used ring slot the engine has not consumed yet.
	// The number of in-flight chains is always shadowAvailIdx-lastUsedIdx.
	lastUsedIdx uint16

	// pending maps a descriptor chain head to the guest element it carries,
	// for every published but not yet completed chain.
	pending []*Element
	// stashed holds a popped guest element that did not fit into the shadow
	// rings. It is published first once the device returns capacity.
	stashed *Element

	started bool

	metricKicks     metrics.Counter
	metricCalls     metrics.Counter
	metricElements  metrics.Counter
	metricMisses    metrics.Counter
	metricExhausted metrics.Counter
}

// New creates a shadow queue for the given guest queue and translation tree.
// The queue holds no resources until [Queue.Start] is called.
func New(l *logrus.Logger, guest GuestQueue, tree *iova.Tree, options ...Option) (*Queue, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	queueSize := opts.queueSize
	if queueSize == 0 {
		queueSize = guest.Size()
	}
	if err := virtqueue.CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	return &Queue{
		l:         l,
		guest:     guest,
		tree:      tree,
		queueSize: queueSize,
		batchSize: opts.batchSize,

		metricKicks:     metrics.GetOrRegisterCounter("shadow.kicks.guest", nil),
		metricCalls:     metrics.GetOrRegisterCounter("shadow.calls.device", nil),
		metricElements:  metrics.GetOrRegisterCounter("shadow.elements.published", nil),
		metricMisses:    metrics.GetOrRegisterCounter("shadow.translate.miss", nil),
		metricExhausted: metrics.GetOrRegisterCounter("shadow.descriptors.exhausted", nil),
	}, nil
}

// NewFromConfig creates a shadow queue with tunables sourced from the
// settings tree: shadow.queue_size and shadow.batch_size.
func NewFromConfig(c *config.C, l *logrus.Logger, guest GuestQueue, tree *iova.Tree) (*Queue, error) {
	var options []Option
	if queueSize := c.GetInt("shadow.queue_size", 0); queueSize != 0 {
		options = append(options, WithQueueSize(queueSize))
	}
	options = append(options, WithBatchSize(c.GetInt("shadow.batch_size", 0)))
	return New(l, guest, tree, options...)
}

// Start allocates the shadow ring storage and the notification channels and
// zeroes all ring indices. After a successful start, the device-facing
// descriptors ([Queue.DeviceKickFD], [Queue.DeviceCallFD]) and the ring
// addresses ([Queue.VringAddresses]) can be published to the backend.
func (q *Queue) Start() (err error) {
	if q.started {
		return ErrQueueStarted
	}

	// A stopped queue may be started again; drop the previous storage first.
	if q.rings != nil || q.notifier != nil {
		if err := q.release(); err != nil {
			return fmt.Errorf("release previous ring storage: %w", err)
		}
	}

	defer func() {
		if err != nil {
			_ = q.release()
		}
	}()

	if q.rings, err = virtqueue.NewSplitRings(q.queueSize); err != nil {
		return fmt.Errorf("allocate shadow rings: %w", err)
	}
	if q.notifier, err = newNotifier(q.l); err != nil {
		return fmt.Errorf("create notification channels: %w", err)
	}

	q.shadowAvailIdx = 0
	q.lastUsedIdx = 0
	q.pending = make([]*Element, q.queueSize)
	q.stashed = nil
	q.started = true

	q.l.WithFields(logrus.Fields{
		"size":      q.queueSize,
		"batchSize": q.batchSize,
	}).Debug("shadow queue started")

	return nil
}

// Stop unregisters the notification handlers and stops accepting guest
// kicks. It does not touch in-flight elements: the caller decides whether to
// fail them back to the guest queue or to drain them with one more
// [Queue.OnDeviceCall] pass before calling [Queue.Close].
func (q *Queue) Stop() error {
	if !q.started {
		return ErrQueueNotStarted
	}
	q.started = false

	if inFlight := q.InFlight(); inFlight > 0 {
		q.l.WithField("inFlight", inFlight).Warn(
			"shadow queue stopped with pending elements, caller must drain or fail them")
	}

	if err := q.notifier.SetGuestKickSource(-1); err != nil {
		return fmt.Errorf("unbind guest kick source: %w", err)
	}
	// Wake up a Run loop that is blocked in the notifier.
	if err := q.notifier.interrupt(); err != nil {
		return fmt.Errorf("wake up run loop: %w", err)
	}
	return nil
}

// Close releases the ring storage and the notification channels. The device
// backend must have been torn down first; ring memory is unmapped here.
func (q *Queue) Close() error {
	if q.started {
		if err := q.Stop(); err != nil {
			return err
		}
	}
	return q.release()
}

func (q *Queue) release() error {
	var errs []error

	if q.notifier != nil {
		if err := q.notifier.close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
		q.notifier = nil
	}
	if q.rings != nil {
		if err := q.rings.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shadow rings: %w", err))
		}
		q.rings = nil
	}
	q.pending = nil

	return errors.Join(errs...)
}

// Size returns the shadow ring capacity.
func (q *Queue) Size() int {
	return q.queueSize
}

// InFlight returns the number of published but not yet completed chains.
func (q *Queue) InFlight() int {
	return int(q.shadowAvailIdx - q.lastUsedIdx)
}

// VringAddresses returns the addresses of the shadow ring parts for
// publication to the device backend.
func (q *Queue) VringAddresses() virtqueue.VringAddresses {
	return q.rings.Addresses()
}

// DriverAreaSize returns the byte size of the mapped driver area.
func (q *Queue) DriverAreaSize() int {
	return q.rings.DriverAreaSize()
}

// DeviceAreaSize returns the byte size of the mapped device area.
func (q *Queue) DeviceAreaSize() int {
	return q.rings.DeviceAreaSize()
}

// DeviceKickFD returns the descriptor the device backend polls for kicks.
func (q *Queue) DeviceKickFD() int {
	return q.notifier.DeviceKickFD()
}

// DeviceCallFD returns the descriptor the device backend signals calls on.
func (q *Queue) DeviceCallFD() int {
	return q.notifier.DeviceCallFD()
}

// SetGuestKickSource binds the guest's kick file descriptor. See
// [Notifier.SetGuestKickSource] for the rebind discipline.
func (q *Queue) SetGuestKickSource(fd int) error {
	if q.notifier == nil {
		return ErrQueueNotStarted
	}
	return q.notifier.SetGuestKickSource(fd)
}

// SetGuestCallTarget binds the guest's call file descriptor, or unbinds it
// when fd is negative. See [Notifier.SetGuestCallTarget].
func (q *Queue) SetGuestCallTarget(fd int) error {
	if q.notifier == nil {
		return ErrQueueNotStarted
	}
	return q.notifier.SetGuestCallTarget(fd)
}

// OnGuestKick pops available guest elements, translates them and publishes
// them on the shadow available ring until the guest queue runs dry, the
// descriptor table is exhausted or the batch bound is hit. The device is
// kicked once per batch, not once per element.
//
// A guest element that fails translation or is malformed is failed back to
// the guest queue and publishing continues; this is a per-element condition,
// never fatal to the queue.
func (q *Queue) OnGuestKick() error {
	if !q.started {
		return ErrQueueNotStarted
	}
	q.metricKicks.Inc(1)

	published, err := q.publishAvailable()
	if err != nil {
		return err
	}
	if published > 0 {
		if err := q.notifier.KickDevice(); err != nil {
			return err
		}
	}
	return nil
}

// publishAvailable moves guest elements onto the shadow rings, starting with
// a previously stashed one. The whole batch of chain heads is offered on the
// available ring in one publish. It returns how many chains were published.
func (q *Queue) publishAvailable() (int, error) {
	var heads []uint16
	var publishErr error
	for q.batchSize == 0 || len(heads) < q.batchSize {
		elem := q.stashed
		q.stashed = nil
		if elem == nil {
			var ok bool
			if elem, ok = q.guest.PopAvailable(); !ok {
				break
			}
		}

		frags, err := q.translateElement(elem)
		if err != nil {
			// Recoverable, affects only this element.
			q.metricMisses.Inc(1)
			q.l.WithError(err).Warn("failing guest element back to the guest queue")
			q.guest.PushFailed(elem)
			continue
		}

		head, err := q.rings.DescriptorTable().AllocChain(frags)
		if err != nil {
			if errors.Is(err, virtqueue.ErrNotEnoughFreeDescriptors) {
				// Backpressure, not an error. Keep the element for the next
				// device call, which frees capacity.
				q.metricExhausted.Inc(1)
				q.stashed = elem
				break
			}
			publishErr = fmt.Errorf("allocate descriptor chain: %w", err)
			break
		}

		heads = append(heads, head)
		q.pending[head] = elem
		q.metricElements.Inc(1)
	}

	// Chains allocated before an error still have to reach the device.
	if len(heads) > 0 {
		q.rings.AvailableRing().Offer(heads)
		q.shadowAvailIdx += uint16(len(heads))
	}
	return len(heads), publishErr
}

// translateElement rewrites every fragment of a guest element into a
// backend-visible descriptor fragment.
func (q *Queue) translateElement(elem *Element) ([]virtqueue.Fragment, error) {
	if len(elem.Buffers) == 0 {
		return nil, fmt.Errorf("%w: no buffers", errElementMalformed)
	}
	if len(elem.Buffers) > q.queueSize {
		// More fragments than the ring has descriptors can never be
		// published, so waiting for capacity would wedge the queue.
		return nil, fmt.Errorf("%w: %d buffers exceed the ring capacity of %d",
			errElementMalformed, len(elem.Buffers), q.queueSize)
	}

	frags := make([]virtqueue.Fragment, len(elem.Buffers))
	for i, buf := range elem.Buffers {
		if buf.Len == 0 {
			return nil, fmt.Errorf("%w: buffer %d has zero length", errElementMalformed, i)
		}
		addr, err := q.tree.Translate(buf.GuestAddr, uint64(buf.Len))
		if err != nil {
			return nil, fmt.Errorf("translate buffer %d: %w", i, err)
		}
		frags[i] = virtqueue.Fragment{
			Addr:           addr,
			Len:            buf.Len,
			DeviceWritable: buf.DeviceWritable,
		}
	}
	return frags, nil
}

// OnDeviceCall drains the shadow used ring, reclaims the completed chains
// and pushes the completions to the guest queue in exactly the order the
// device reported them, which may differ from submission order. The guest is
// signaled once per batch. May be called after [Queue.Stop] to drain
// leftover completions.
//
// Used entries whose head index is out of range or does not refer to a
// pending chain come from a misbehaving backend. They are dropped; nothing
// the device writes is ever trusted for control flow.
func (q *Queue) OnDeviceCall() error {
	if q.rings == nil {
		return ErrQueueNotStarted
	}
	q.metricCalls.Inc(1)

	completed := 0
	for {
		used, ok := q.rings.UsedRing().Take()
		if !ok {
			break
		}

		head := used.Head()
		if int(head) >= q.queueSize || q.pending[head] == nil {
			q.l.WithField("head", head).Warn("device reported bogus used entry, dropping")
			continue
		}

		if _, err := q.rings.DescriptorTable().FreeChain(head); err != nil {
			// Cannot happen while pending[head] is set; chain bookkeeping is
			// private to us.
			return fmt.Errorf("reclaim chain %d: %w", head, err)
		}

		elem := q.pending[head]
		q.pending[head] = nil
		q.lastUsedIdx++
		completed++

		q.guest.PushUsed(elem, used.Length)
	}

	if completed == 0 {
		return nil
	}

	// Freed capacity may unblock a stashed element and further guest work.
	if q.started && q.stashed != nil {
		published, err := q.publishAvailable()
		if err != nil {
			return err
		}
		if published > 0 {
			if err := q.notifier.KickDevice(); err != nil {
				return err
			}
		}
	}

	return q.notifier.CallGuest()
}

// Run drives the queue from its own goroutine: it waits for guest kicks and
// device calls and invokes the matching handler. It returns when the context
// is canceled or the queue is stopped. Callers that embed the queue into an
// existing event loop can skip Run and invoke the handlers directly.
func (q *Queue) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		guestKicked, deviceCalled, err := q.notifier.wait()
		if err != nil {
			return err
		}
		if !q.started {
			return nil
		}

		if guestKicked {
			if err := q.OnGuestKick(); err != nil {
				return fmt.Errorf("handle guest kick: %w", err)
			}
		}
		if deviceCalled {
			if err := q.OnDeviceCall(); err != nil {
				return fmt.Errorf("handle device call: %w", err)
			}
		}
	}
	return ctx.Err()
}
