//go:build linux
// +build linux

package connector

import (
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Acceptor is the only goroutine calling accept on the listening socket.
type Acceptor struct {
	endpoint *NioEndpoint
	lfd      int
	done     chan struct{}
}

func newAcceptor(e *NioEndpoint, lfd int) *Acceptor {
	return &Acceptor{endpoint: e, lfd: lfd, done: make(chan struct{})}
}

func (a *Acceptor) run() {
	defer close(a.done)
	var tempDelay time.Duration // backoff when out of descriptors

	for a.endpoint.isRunning() {
		fd, sa, err := unix.Accept4(a.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !a.endpoint.isRunning() {
				// the listener was shut down under us
				return
			}
			switch err {
			case unix.EINTR, unix.ECONNABORTED, unix.EAGAIN:
				continue
			case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Logger.Warn("accept error, retrying", zap.Duration("delay", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			default:
				log.Logger.Error("accept error", zap.Error(err))
				continue
			}
		}
		tempDelay = 0
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		a.endpoint.registerToPoller(fd, remoteString(sa))
	}
}
