//go:build linux
// +build linux

package connector

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// SocketWrapper is the per-connection state. It lives from accept to close and
// is reused across keep-alive cycles.
type SocketWrapper struct {
	handle uint64
	remote string
	poller *Poller // owner, never changes

	// mu guards fd against close while a worker reads or writes it, and makes
	// the idle->working and idle->closed transitions exclusive.
	mu     sync.RWMutex
	fd     int
	closed bool

	working   atomic.Bool
	waitBegin atomic.Int64 // monotonic nanoseconds

	// touched only by the owning poller goroutine
	added bool
	// touched only by the worker holding the socket
	in []byte
}

func (w *SocketWrapper) Poller() *Poller { return w.poller }
func (w *SocketWrapper) Handle() uint64  { return w.handle }
func (w *SocketWrapper) Remote() string  { return w.remote }
func (w *SocketWrapper) Working() bool   { return w.working.Load() }

func (w *SocketWrapper) WaitBegin() time.Duration {
	return time.Duration(w.waitBegin.Load())
}

func (w *SocketWrapper) IsClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// markWorking claims the socket for a worker. It fails once the socket is closed.
func (w *SocketWrapper) markWorking() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.working.Store(true)
	return true
}

// markIdle restarts the idle budget, then releases the worker claim.
func (w *SocketWrapper) markIdle(now time.Duration) {
	w.waitBegin.Store(int64(now))
	w.working.Store(false)
}

type reapResult int

const (
	reapKept reapResult = iota
	reapBusy
	reapExpired
	reapGone
)

// reapIfIdle closes the socket when nobody works on it and it waited longer
// than timeout.
func (w *SocketWrapper) reapIfIdle(now, timeout time.Duration) (reapResult, error) {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return reapGone, nil
	case w.working.Load():
		w.mu.Unlock()
		return reapBusy, nil
	case now-w.WaitBegin() <= timeout:
		w.mu.Unlock()
		return reapKept, nil
	}
	fd := w.markClosedLocked()
	w.mu.Unlock()
	return reapExpired, w.release(fd)
}

// Close closes the socket and drops it from its poller. Closing twice is a no-op.
func (w *SocketWrapper) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	fd := w.markClosedLocked()
	w.mu.Unlock()
	return w.release(fd)
}

func (w *SocketWrapper) markClosedLocked() int {
	w.closed = true
	fd := w.fd
	w.fd = -1
	return fd
}

func (w *SocketWrapper) release(fd int) error {
	w.poller.forget(w)
	// closing the fd also drops it from the epoll interest list
	if err := unix.Close(fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// withFd runs fn with the descriptor while holding it open.
func (w *SocketWrapper) withFd(fn func(fd int) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrSocketClosed
	}
	return fn(w.fd)
}

// fill reads everything currently available into the input buffer, stopping
// once limit bytes are buffered. eof reports a zero-length read: the peer closed.
func (w *SocketWrapper) fill(limit int) (n int, eof bool, err error) {
	var chunk [readChunk]byte
	for limit <= 0 || len(w.in) <= limit {
		var r int
		err = w.withFd(func(fd int) error {
			var rerr error
			r, rerr = unix.Read(fd, chunk[:])
			return rerr
		})
		if r > 0 {
			w.in = append(w.in, chunk[:r]...)
			n += r
		}
		switch {
		case err == nil && r == 0:
			return n, true, nil
		case err == unix.EINTR:
			continue
		case IsTemporaryError(err):
			return n, false, nil
		case err != nil:
			if errors.Is(err, unix.ECONNRESET) {
				return n, true, nil
			}
			return n, false, err
		}
	}
	return n, false, nil
}

// writeFull writes all of data, waiting for writability up to timeout.
func (w *SocketWrapper) writeFull(data []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for len(data) > 0 {
		var n int
		var fd int
		err := w.withFd(func(f int) error {
			var werr error
			fd = f
			n, werr = unix.Write(f, data)
			return werr
		})
		if n > 0 {
			data = data[n:]
		}
		switch {
		case err == nil || err == unix.EINTR:
			continue
		case IsTemporaryError(err):
		default:
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
				return io.ErrClosedPipe
			}
			return err
		}

		left := time.Until(deadline)
		if left <= 0 {
			return ErrWriteTimeout
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, int(left/time.Millisecond)+1); err != nil && err != unix.EINTR {
			return os.NewSyscallError("poll", err)
		}
	}
	return nil
}

// tryWrite makes one non-blocking write attempt, used for rejections.
func (w *SocketWrapper) tryWrite(data []byte) {
	_ = w.withFd(func(fd int) error {
		_, err := unix.Write(fd, data)
		return err
	})
}

// resetInput drops buffered request bytes.
func (w *SocketWrapper) resetInput() {
	w.in = w.in[:0]
}
