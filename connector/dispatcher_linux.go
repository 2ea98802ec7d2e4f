//go:build linux
// +build linux

package connector

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"github.com/fzft/go-mini-tomcat/protocol"
	"go.uber.org/zap"
)

var (
	serviceUnavailable    = protocol.ErrorResponse(http.StatusServiceUnavailable)
	requestEntityTooLarge = protocol.ErrorResponse(http.StatusRequestEntityTooLarge)
)

// Dispatcher runs read-ready sockets on a fixed pool of workers fed by a
// bounded queue. A full queue rejects the socket instead of growing.
type Dispatcher struct {
	tasks        chan *SocketWrapper
	wg           sync.WaitGroup
	exchange     *exchange
	writeTimeout time.Duration
	maxRequest   int
	stats        *counters

	mu     sync.RWMutex
	closed bool
}

func newDispatcher(workers, queueSize int, x *exchange, writeTimeout time.Duration, maxRequest int, stats *counters) *Dispatcher {
	d := &Dispatcher{
		tasks:        make(chan *SocketWrapper, queueSize),
		exchange:     x,
		writeTimeout: writeTimeout,
		maxRequest:   maxRequest,
		stats:        stats,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// doDispatch hands w to a worker. It never blocks the poller: when the queue is
// full the client gets a 503 and the socket is closed.
func (d *Dispatcher) doDispatch(w *SocketWrapper) {
	if err := d.submit(w); err != nil {
		d.stats.rejected.Add(1)
		log.Logger.Warn("dispatch rejected", zap.String("remote", w.remote), zap.Error(err))
		if errors.Is(err, ErrDispatcherSaturated) {
			// consume the pending request so the close is not a reset
			_, _, _ = w.fill(d.maxRequest)
			w.tryWrite(serviceUnavailable)
		}
		_ = w.Close()
	}
}

func (d *Dispatcher) submit(w *SocketWrapper) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.tasks <- w:
		return nil
	default:
		return ErrDispatcherSaturated
	}
}

// shutdown stops accepting work and waits for queued and in-flight sockets.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for w := range d.tasks {
		d.run(w)
	}
}

// run isolates one socket so a panic never kills the worker.
func (d *Dispatcher) run(w *SocketWrapper) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("worker panic", zap.String("remote", w.remote), zap.Any("panic", r))
			_ = w.Close()
		}
	}()
	d.process(w)
}

func (d *Dispatcher) process(w *SocketWrapper) {
	if w.IsClosed() {
		return
	}
	_, eof, err := w.fill(d.maxRequest)
	if err != nil {
		log.Logger.Debug("read socket", zap.String("remote", w.remote), zap.Error(err))
		_ = w.Close()
		return
	}
	if len(w.in) == 0 {
		if eof {
			_ = w.Close()
		} else {
			// spurious readiness, nothing to read yet
			w.poller.register(w, false)
		}
		return
	}

	reply, keepAlive, err := d.exchange.serve(w.in, w.remote)
	if errors.Is(err, protocol.ErrIncomplete) {
		if eof {
			_ = w.Close()
			return
		}
		if d.maxRequest > 0 && len(w.in) > d.maxRequest {
			// fill stopped at the limit; the rest would never be read
			_ = w.writeFull(requestEntityTooLarge, d.writeTimeout)
			_ = w.Close()
			return
		}
		// the idle budget keeps running from the last complete response
		w.poller.resume(w)
		return
	}
	// pipelined bytes past the first request are not served
	w.resetInput()

	if err := w.writeFull(reply, d.writeTimeout); err != nil {
		log.Logger.Debug("write socket", zap.String("remote", w.remote), zap.Error(err))
		_ = w.Close()
		return
	}
	if !keepAlive || eof {
		_ = w.Close()
		return
	}
	w.poller.register(w, false)
}
