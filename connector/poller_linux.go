//go:build linux
// +build linux

package connector

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxEvents = 256

// dispatcher executes a read-ready socket off the poller goroutine.
type dispatcher interface {
	doDispatch(w *SocketWrapper)
}

// Poller is one epoll loop owning a disjoint subset of the connections. A
// connection stays with its poller for its whole life.
type Poller struct {
	name       string
	selector   *selector
	events     *eventQueue
	sockets    sync.Map // handle -> *SocketWrapper
	dispatcher dispatcher
	keepAlive  time.Duration
	stats      *counters
	now        func() time.Duration

	nextHandle atomic.Uint64
	registered atomic.Int64

	// mu orders wakeups against releasing the selector fds
	mu       sync.RWMutex
	closed   atomic.Bool
	released bool
	started  atomic.Bool
	done     chan struct{}
}

func newPoller(name string, d dispatcher, keepAlive time.Duration, stats *counters) (*Poller, error) {
	sel, err := openSelector()
	if err != nil {
		return nil, fmt.Errorf("%s: open selector: %w", name, err)
	}
	return &Poller{
		name:       name,
		selector:   sel,
		events:     newEventQueue(),
		dispatcher: d,
		keepAlive:  keepAlive,
		stats:      stats,
		now:        monotonicNow,
		done:       make(chan struct{}),
	}, nil
}

func (p *Poller) Name() string { return p.name }

// Registered counts the brand-new connections this poller has taken.
func (p *Poller) Registered() int64 { return p.registered.Load() }

// Len counts the connections currently owned.
func (p *Poller) Len() int {
	n := 0
	p.sockets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (p *Poller) newSocketWrapper(fd int, remote string) *SocketWrapper {
	return &SocketWrapper{
		handle: p.nextHandle.Add(1),
		remote: remote,
		poller: p,
		fd:     fd,
	}
}

// register queues read interest for w and wakes the loop. New sockets are
// stored in the map; returning keep-alive sockets are released by their worker.
// Both restart the idle budget.
func (p *Poller) register(w *SocketWrapper, isNewSocket bool) {
	now := p.now()
	if isNewSocket {
		w.waitBegin.Store(int64(now))
		p.sockets.Store(w.handle, w)
		p.registered.Add(1)
		p.stats.active.Add(1)
	} else {
		w.markIdle(now)
	}
	p.arm(w)
}

// resume re-arms a socket holding a partial request. Its idle budget is not
// restarted, so a client trickling bytes is still reaped.
func (p *Poller) resume(w *SocketWrapper) {
	w.working.Store(false)
	p.arm(w)
}

func (p *Poller) arm(w *SocketWrapper) {
	if p.closed.Load() {
		_ = w.Close()
		return
	}
	p.events.offer(pollerEvent{wrapper: w})
	p.wakeup()
}

func (p *Poller) wakeup() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.released {
		return
	}
	if err := p.selector.wakeup(); err != nil {
		log.Logger.Warn("wake poller", zap.String("poller", p.name), zap.Error(err))
	}
}

// forget drops w from the connection map; called once per socket on close.
func (p *Poller) forget(w *SocketWrapper) {
	if _, ok := p.sockets.LoadAndDelete(w.handle); ok {
		p.stats.active.Add(-1)
	}
}

func (p *Poller) lookup(handle uint64) (*SocketWrapper, bool) {
	v, ok := p.sockets.Load(handle)
	if !ok {
		return nil, false
	}
	return v.(*SocketWrapper), true
}

// start runs the loop on its own goroutine.
func (p *Poller) start() {
	p.started.Store(true)
	go p.run()
}

func (p *Poller) run() {
	defer close(p.done)
	log.Logger.Info("poller started", zap.String("poller", p.name))

	events := make([]unix.EpollEvent, maxEvents)
	for !p.closed.Load() {
		p.drainEvents()

		n, err := p.selector.wait(events)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if p.closed.Load() || err == unix.EBADF {
				break
			}
			log.Logger.Error("epoll wait", zap.String("poller", p.name), zap.Error(err))
			continue
		}
		// n == 0 only on a wakeup race; loop back to pick up new events
		for i := 0; i < n; i++ {
			ev := &events[i]
			h := handleOf(ev)
			if h == wakeHandle {
				p.selector.drainWakeup()
				continue
			}
			if w, ok := p.lookup(h); ok {
				p.processSocket(w)
			}
		}
	}
	log.Logger.Info("poller stopped", zap.String("poller", p.name))
}

// drainEvents runs the events queued before the drain started. Events offered
// meanwhile wait for the next iteration.
func (p *Poller) drainEvents() {
	for i, size := 0, p.events.size(); i < size; i++ {
		ev, ok := p.events.poll()
		if !ok {
			return
		}
		ev.run(p)
	}
}

func (p *Poller) processSocket(w *SocketWrapper) {
	if !w.markWorking() {
		return
	}
	p.dispatcher.doDispatch(w)
}

// cleanTimeoutSockets closes idle sockets whose keep-alive budget ran out. A
// socket held by a worker is never closed here. It returns the number reaped.
func (p *Poller) cleanTimeoutSockets() int {
	now := p.now()
	reaped := 0
	p.sockets.Range(func(key, value any) bool {
		w := value.(*SocketWrapper)
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Logger.Error("reap socket panic", zap.String("poller", p.name), zap.Any("panic", r))
				}
			}()
			res, err := w.reapIfIdle(now, p.keepAlive)
			switch res {
			case reapGone:
				p.sockets.Delete(key)
			case reapExpired:
				reaped++
				log.Logger.Debug("keep-alive expired", zap.String("poller", p.name), zap.String("remote", w.remote))
			}
			if err != nil {
				log.Logger.Warn("close idle socket", zap.String("poller", p.name), zap.Error(err))
			}
		}()
		return true
	})
	if reaped > 0 {
		p.stats.reaped.Add(int64(reaped))
	}
	return reaped
}

// Close closes every owned socket, drops pending events and releases the
// selector. It may race with the loop; the loop sees the closed flag and exits.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	p.sockets.Range(func(_, value any) bool {
		err = multierr.Append(err, value.(*SocketWrapper).Close())
		return true
	})
	p.events.clear()

	if p.started.Load() {
		p.wakeup()
		<-p.done
	}
	p.mu.Lock()
	p.released = true
	err = multierr.Append(err, p.selector.close())
	p.mu.Unlock()
	return err
}
