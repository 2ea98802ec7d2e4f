//go:build linux
// +build linux

package connector

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
)

// pollerEvent asks the owning poller to arm read interest for one socket.
// Acceptor and dispatcher produce it; only the poller goroutine runs it.
type pollerEvent struct {
	wrapper *SocketWrapper
}

func (e pollerEvent) run(p *Poller) {
	w := e.wrapper
	err := w.withFd(func(fd int) error {
		return p.selector.armRead(fd, w.handle, w.added)
	})
	switch {
	case err == nil:
		w.added = true
	case err == ErrSocketClosed:
		log.Logger.Debug("socket closed before registration", zap.String("poller", p.name), zap.Uint64("handle", w.handle))
	default:
		log.Logger.Warn("register read interest", zap.String("poller", p.name), zap.Uint64("handle", w.handle), zap.Error(err))
		_ = w.Close()
	}
}

// eventQueue is a multi-producer single-consumer FIFO.
type eventQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newEventQueue() *eventQueue {
	return &eventQueue{q: queue.New()}
}

func (e *eventQueue) offer(ev pollerEvent) {
	e.mu.Lock()
	e.q.Add(ev)
	e.mu.Unlock()
}

func (e *eventQueue) poll() (pollerEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.q.Length() == 0 {
		return pollerEvent{}, false
	}
	return e.q.Remove().(pollerEvent), true
}

func (e *eventQueue) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Length()
}

func (e *eventQueue) clear() {
	e.mu.Lock()
	e.q = queue.New()
	e.mu.Unlock()
}
