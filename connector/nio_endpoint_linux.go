//go:build linux
// +build linux

package connector

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NioEndpoint owns the listening socket, the pollers, the acceptor, the
// dispatcher and the reaper as one unit.
type NioEndpoint struct {
	opts     Options
	exchange *exchange
	stats    counters

	mu         sync.Mutex
	started    bool
	closed     bool
	lfd        int
	addr       net.Addr
	pollers    []*Poller
	acceptor   *Acceptor
	dispatcher *Dispatcher
	reaper     *IdleConnectionReaper

	running atomic.Bool
	rotate  atomic.Int32
}

func NewNioEndpoint(opts Options, parser RequestParser, handler Handler) (*NioEndpoint, error) {
	e := &NioEndpoint{opts: opts.withDefaults(), lfd: -1}
	e.exchange = &exchange{parser: parser, handler: handler, encode: e.opts.Encode, stats: &e.stats}
	return e, nil
}

// Start binds port and starts the pollers, the acceptor and the reaper. Any
// failure closes whatever was already started.
func (e *NioEndpoint) Start(port int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrEndpointClosed
	case e.started:
		return ErrEndpointStarted
	}
	e.started = true
	defer func() {
		if err != nil {
			log.Logger.Error("nio endpoint start failed", zap.Int("port", port), zap.Error(err))
			_ = e.closeLocked()
		}
	}()

	e.dispatcher = newDispatcher(e.opts.Workers, e.opts.QueueSize, e.exchange,
		e.opts.WriteTimeout, e.opts.MaxRequestSize, &e.stats)

	e.lfd, e.addr, err = openListener(port)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	e.pollers = make([]*Poller, 0, e.opts.Pollers)
	targets := make([]sweeper, 0, e.opts.Pollers)
	for i := 0; i < e.opts.Pollers; i++ {
		p, err := newPoller(fmt.Sprintf("NioPoller-%d", i), e.dispatcher, e.opts.KeepAliveTimeout, &e.stats)
		if err != nil {
			return err
		}
		e.pollers = append(e.pollers, p)
		targets = append(targets, p)
		p.start()
	}

	e.running.Store(true)
	e.acceptor = newAcceptor(e, e.lfd)
	go e.acceptor.run()

	e.reaper = newIdleConnectionReaper(e.opts.ReaperInterval, targets...)
	e.reaper.start()

	log.Logger.Info("nio endpoint started",
		zap.Stringer("addr", e.addr),
		zap.Int("pollers", len(e.pollers)),
		zap.Int("workers", e.opts.Workers),
		zap.Duration("keepAlive", e.opts.KeepAliveTimeout))
	return nil
}

// Close stops the reaper, closes every poller with its sockets, drains the
// dispatcher and closes the listener. Calling it again is a no-op.
func (e *NioEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	err := e.closeLocked()
	log.Logger.Info("nio endpoint closed")
	return err
}

func (e *NioEndpoint) closeLocked() error {
	e.closed = true
	e.running.Store(false)

	if e.reaper != nil {
		e.reaper.shutdown()
	}
	// shutdown wakes the blocked accept; the fd is closed last
	if e.lfd >= 0 {
		_ = unix.Shutdown(e.lfd, unix.SHUT_RDWR)
	}
	if e.acceptor != nil {
		<-e.acceptor.done
	}

	var err error
	for _, p := range e.pollers {
		if cerr := p.Close(); cerr != nil {
			log.Logger.Warn("close poller", zap.String("poller", p.name), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}
	if e.dispatcher != nil {
		e.dispatcher.shutdown()
	}
	if e.lfd >= 0 {
		err = multierr.Append(err, CloseFd(e.lfd))
		e.lfd = -1
	}
	return err
}

func (e *NioEndpoint) isRunning() bool { return e.running.Load() }

func (e *NioEndpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func (e *NioEndpoint) Stats() Stats { return e.stats.snapshot() }

// Pollers exposes the poller set, for stats and tests.
func (e *NioEndpoint) Pollers() []*Poller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Poller(nil), e.pollers...)
}

// nextPoller rotates over the pollers.
func (e *NioEndpoint) nextPoller() *Poller {
	next := e.rotate.Add(1) - 1
	return e.pollers[pollerIndex(next, len(e.pollers))]
}

// registerToPoller hands a freshly accepted socket to the next poller.
func (e *NioEndpoint) registerToPoller(fd int, remote string) {
	e.stats.accepted.Add(1)
	p := e.nextPoller()
	p.register(p.newSocketWrapper(fd, remote), true)
	log.Logger.Debug("connection accepted", zap.String("poller", p.name), zap.String("remote", remote))
}
