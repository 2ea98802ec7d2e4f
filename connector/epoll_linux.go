//go:build linux
// +build linux

package connector

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

// Read interest is one-shot: a readiness edge disarms the fd until the poller
// re-arms it, so a socket held by a worker never fires again meanwhile.
const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// wakeHandle tags the eventfd; socket handles start at 1.
const wakeHandle uint64 = 0

// selector is a wrapper around epoll. Registrations carry an opaque 64-bit
// handle in the event data instead of the fd, because fd numbers get reused.
type selector struct {
	epollFd int
	wakeFd  int
}

func openSelector() (*selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	s := &selector{epollFd: epfd, wakeFd: efd}
	ev := eventFor(wakeHandle, unix.EPOLLIN)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	return s, nil
}

func eventFor(handle uint64, events uint32) unix.EpollEvent {
	return unix.EpollEvent{
		Events: events,
		Fd:     int32(uint32(handle)),
		Pad:    int32(uint32(handle >> 32)),
	}
}

func handleOf(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// armRead registers fd for one read-readiness notification. The first call adds
// the fd, later calls re-arm it.
func (s *selector) armRead(fd int, handle uint64, added bool) error {
	ev := eventFor(handle, readEvents)
	if added {
		return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, fd, &ev))
	}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// wait blocks until at least one registration is ready or the selector is woken.
func (s *selector) wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(s.epollFd, events, -1)
}

func (s *selector) wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.wakeFd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

// drainWakeup resets the eventfd counter so the next wait blocks again.
func (s *selector) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(s.wakeFd, buf[:])
}

// close order: eventfd, epoll
func (s *selector) close() error {
	err := CloseFd(s.wakeFd)
	if cerr := CloseFd(s.epollFd); err == nil {
		err = cerr
	}
	return err
}
