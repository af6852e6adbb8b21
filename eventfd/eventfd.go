// Package eventfd wraps the Linux eventfd and epoll primitives used to
// forward virtqueue kick and call notifications between processes.
package eventfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFD is a Linux event file descriptor. Writing to it wakes up whoever
// polls the other end, which is all a virtio notification needs.
type EventFD struct {
	fd  int
	buf [8]byte
}

// New creates a non-blocking event file descriptor with a zero counter.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{fd: fd}, nil
}

// Wrap adopts an existing event file descriptor, e.g. one received from
// another process over a control channel.
func Wrap(fd int) EventFD {
	return EventFD{fd: fd}
}

// Kick increments the eventfd counter, waking up a blocked poller.
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	return err
}

// Drain consumes the pending counter so the descriptor stops polling ready.
// A would-block result just means nobody kicked, which is fine.
func (e *EventFD) Drain() error {
	_, err := unix.Read(e.fd, e.buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close releases the file descriptor.
func (e *EventFD) Close() error {
	if e.fd > 0 {
		err := unix.Close(e.fd)
		e.fd = -1
		return err
	}
	return nil
}

// FD returns the raw file descriptor.
func (e *EventFD) FD() int {
	return e.fd
}

// Valid reports whether the eventfd refers to an open descriptor.
func (e *EventFD) Valid() bool {
	return e.fd > 0
}

// Epoll multiplexes a small set of event file descriptors. It is used to wait
// for guest kicks and device calls at the same time.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

// NewEpoll creates an empty epoll instance.
func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return Epoll{}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 4),
	}, nil
}

// AddEvent registers a file descriptor for readiness polling.
func (ep *Epoll) AddEvent(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// RemoveEvent unregisters a file descriptor. It must be called before the
// descriptor is closed or rebound, so that a stale registration can never
// wake a poller after its channel was replaced.
func (ep *Epoll) RemoveEvent(fd int) error {
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Block waits until at least one registered descriptor becomes readable and
// returns the readable file descriptors. An interrupted wait returns an empty
// slice instead of an error so callers can simply retry.
func (ep *Epoll) Block() ([]int32, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	fds := make([]int32, n)
	for i := 0; i < n; i++ {
		fds[i] = ep.events[i].Fd
	}
	return fds, nil
}

// Close releases the epoll instance.
func (ep *Epoll) Close() error {
	if ep.fd > 0 {
		err := unix.Close(ep.fd)
		ep.fd = -1
		return err
	}
	return nil
}
