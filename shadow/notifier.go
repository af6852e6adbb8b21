package shadow

import (
	"errors"
	"fmt"

	"github.com/newfriday/patchew-qemu-sub001/eventfd"
	"github.com/sirupsen/logrus"
)

// channelState tracks the lifecycle of one notification channel.
type channelState int

const (
	// channelUnbound means no file descriptor is attached.
	channelUnbound channelState = iota
	// channelBound means a file descriptor is attached but not polled.
	channelBound
	// channelPolling means the file descriptor is registered with the epoll
	// instance and wakes up the engine.
	channelPolling
)

// notifyChannel is one notification endpoint with its polling state.
type notifyChannel struct {
	state channelState
	fd    eventfd.EventFD
	// owned marks file descriptors created by us, which we also close. Guest
	// provided descriptors stay open; their lifetime belongs to the caller.
	owned bool
}

// Notifier owns the four notification endpoints of one shadow queue and the
// polling registration for the two that are waited on:
//
//	guest  -> shadow: kick, input, polled
//	shadow -> device: kick, output only
//	device -> shadow: call, input, polled
//	shadow -> guest:  call, output only, may be unbound
//
// The device-side pair is created here and its descriptors are handed to the
// device backend over the control channel. The guest-side pair is provided by
// the caller via [Notifier.SetGuestKickSource] and
// [Notifier.SetGuestCallTarget].
type Notifier struct {
	l *logrus.Logger

	epoll      eventfd.Epoll
	guestKick  notifyChannel
	deviceCall notifyChannel
	deviceKick eventfd.EventFD
	guestCall  notifyChannel
}

// newNotifier creates the device-side eventfd pair and starts polling the
// device call channel. The guest-side channels start out unbound.
func newNotifier(l *logrus.Logger) (_ *Notifier, err error) {
	n := &Notifier{l: l}

	defer func() {
		if err != nil {
			_ = n.close()
		}
	}()

	if n.epoll, err = eventfd.NewEpoll(); err != nil {
		return nil, fmt.Errorf("create epoll instance: %w", err)
	}
	if n.deviceKick, err = eventfd.New(); err != nil {
		return nil, fmt.Errorf("create device kick event file descriptor: %w", err)
	}
	if n.deviceCall.fd, err = eventfd.New(); err != nil {
		return nil, fmt.Errorf("create device call event file descriptor: %w", err)
	}
	n.deviceCall.owned = true
	n.deviceCall.state = channelBound

	if err = n.epoll.AddEvent(n.deviceCall.fd.FD()); err != nil {
		return nil, fmt.Errorf("register device call channel: %w", err)
	}
	n.deviceCall.state = channelPolling

	return n, nil
}

// DeviceKickFD returns the file descriptor the device backend should poll
// for new available ring entries.
func (n *Notifier) DeviceKickFD() int {
	return n.deviceKick.FD()
}

// DeviceCallFD returns the file descriptor the device backend should signal
// when it publishes used ring entries.
func (n *Notifier) DeviceCallFD() int {
	return n.deviceCall.fd.FD()
}

// SetGuestKickSource binds the guest's kick file descriptor and starts
// polling it. When another descriptor is already polling, it is unregistered
// first, so that two wakeups can never race on the same queue state: the
// guest kick handler stays effectively single-threaded per queue.
func (n *Notifier) SetGuestKickSource(fd int) error {
	if err := n.unbindGuestKick(); err != nil {
		return err
	}
	if fd < 0 {
		return nil
	}

	n.guestKick.fd = eventfd.Wrap(fd)
	n.guestKick.owned = false
	n.guestKick.state = channelBound

	if err := n.epoll.AddEvent(fd); err != nil {
		return fmt.Errorf("register guest kick channel: %w", err)
	}
	n.guestKick.state = channelPolling
	return nil
}

// SetGuestCallTarget binds the guest's call file descriptor. Passing a
// negative descriptor unbinds the target: an explicit degraded mode in which
// completions keep flowing into the guest queue while the final wakeup
// signal is suppressed, used when the guest side is being torn down but
// device draining must continue.
func (n *Notifier) SetGuestCallTarget(fd int) error {
	if n.guestCall.state != channelUnbound && n.guestCall.owned {
		if err := n.guestCall.fd.Close(); err != nil {
			return fmt.Errorf("close previous guest call target: %w", err)
		}
	}
	if fd < 0 {
		n.guestCall = notifyChannel{}
		n.l.WithField("channel", "guest-call").Debug("notification target unbound")
		return nil
	}

	// Output-only channel, never polled.
	n.guestCall.fd = eventfd.Wrap(fd)
	n.guestCall.owned = false
	n.guestCall.state = channelBound
	return nil
}

// unbindGuestKick unregisters and drops the current guest kick source.
func (n *Notifier) unbindGuestKick() error {
	if n.guestKick.state == channelPolling {
		// Unregister before touching anything else. A wakeup that is already
		// in flight will still be handled by the current poll pass, but no
		// new one can arrive for the old descriptor afterwards.
		if err := n.epoll.RemoveEvent(n.guestKick.fd.FD()); err != nil {
			return fmt.Errorf("unregister guest kick channel: %w", err)
		}
	}
	n.guestKick = notifyChannel{}
	return nil
}

// KickDevice signals the device that new chains are on the available ring.
func (n *Notifier) KickDevice() error {
	if err := n.deviceKick.Kick(); err != nil {
		return fmt.Errorf("notify device: %w", err)
	}
	return nil
}

// CallGuest signals the guest that completions were pushed to its queue.
// With an unbound call target this is a no-op.
func (n *Notifier) CallGuest() error {
	if n.guestCall.state == channelUnbound {
		return nil
	}
	if err := n.guestCall.fd.Kick(); err != nil {
		return fmt.Errorf("notify guest: %w", err)
	}
	return nil
}

// wait blocks until a polled channel fires and reports which ones did. The
// fired descriptors are drained before returning, so one wakeup covers any
// number of pending notifications.
func (n *Notifier) wait() (guestKicked, deviceCalled bool, err error) {
	fds, err := n.epoll.Block()
	if err != nil {
		return false, false, fmt.Errorf("wait for notification: %w", err)
	}

	for _, fd := range fds {
		switch {
		case n.guestKick.state == channelPolling && fd == int32(n.guestKick.fd.FD()):
			guestKicked = true
			if err := n.guestKick.fd.Drain(); err != nil {
				return false, false, fmt.Errorf("drain guest kick: %w", err)
			}
		case n.deviceCall.state == channelPolling && fd == int32(n.deviceCall.fd.FD()):
			deviceCalled = true
			if err := n.deviceCall.fd.Drain(); err != nil {
				return false, false, fmt.Errorf("drain device call: %w", err)
			}
		}
	}
	return guestKicked, deviceCalled, nil
}

// interrupt wakes up a blocked wait. Used during teardown.
func (n *Notifier) interrupt() error {
	if n.deviceCall.state != channelPolling {
		return nil
	}
	return n.deviceCall.fd.Kick()
}

// close unregisters all channels and releases the descriptors owned by the
// notifier.
func (n *Notifier) close() error {
	var errs []error

	if err := n.unbindGuestKick(); err != nil {
		errs = append(errs, err)
	}
	n.guestCall = notifyChannel{}

	if n.deviceCall.state == channelPolling {
		if err := n.epoll.RemoveEvent(n.deviceCall.fd.FD()); err != nil {
			errs = append(errs, fmt.Errorf("unregister device call channel: %w", err))
		}
		n.deviceCall.state = channelBound
	}
	if n.deviceCall.owned {
		if err := n.deviceCall.fd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device call event file descriptor: %w", err))
		}
		n.deviceCall = notifyChannel{}
	}
	if err := n.deviceKick.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device kick event file descriptor: %w", err))
	}
	if err := n.epoll.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close epoll instance: %w", err))
	}

	return errors.Join(errs...)
}
