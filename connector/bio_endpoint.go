package connector

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"github.com/fzft/go-mini-tomcat/protocol"
	"go.uber.org/zap"
)

// BioEndpoint serves each connection on its own goroutine with blocking reads.
// The number of live connections is capped at Workers+QueueSize.
type BioEndpoint struct {
	opts     Options
	exchange *exchange
	stats    counters
	limiter  chan struct{}

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewBioEndpoint(opts Options, parser RequestParser, handler Handler) *BioEndpoint {
	e := &BioEndpoint{opts: opts.withDefaults(), conns: make(map[net.Conn]struct{})}
	e.exchange = &exchange{parser: parser, handler: handler, encode: e.opts.Encode, stats: &e.stats}
	e.limiter = make(chan struct{}, e.opts.Workers+e.opts.QueueSize)
	return e
}

func (e *BioEndpoint) Start(port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrEndpointClosed
	case e.started:
		return ErrEndpointStarted
	}
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		e.closed = true
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	e.started = true
	e.ln = ln
	e.wg.Add(1)
	go e.serve(ln)
	log.Logger.Info("bio endpoint started", zap.Stringer("addr", ln.Addr()))
	return nil
}

func (e *BioEndpoint) serve(ln net.Listener) {
	defer e.wg.Done()
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
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
		}
		tempDelay = 0
		e.stats.accepted.Add(1)

		select {
		case e.limiter <- struct{}{}:
		default:
			e.stats.rejected.Add(1)
			_ = conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
			_, _ = conn.Write(protocol.ErrorResponse(http.StatusServiceUnavailable))
			_ = conn.Close()
			continue
		}
		if !e.track(conn, true) {
			<-e.limiter
			_ = conn.Close()
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.limiter }()
			defer e.track(conn, false)
			e.serveConn(conn)
		}()
	}
}

func (e *BioEndpoint) track(conn net.Conn, add bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		if e.closed {
			return false
		}
		e.conns[conn] = struct{}{}
		e.stats.active.Add(1)
		return true
	}
	if _, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		e.stats.active.Add(-1)
	}
	return true
}

// serveConn loops request/response cycles until close, error or idle timeout.
func (e *BioEndpoint) serveConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("connection panic", zap.Stringer("remote", conn.RemoteAddr()), zap.Any("panic", r))
		}
	}()

	remote := conn.RemoteAddr().String()
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		// the deadline runs from the last complete response, so an idle or
		// trickling connection times out here
		if len(buf) == 0 {
			_ = conn.SetReadDeadline(time.Now().Add(e.opts.KeepAliveTimeout))
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				e.stats.reaped.Add(1)
			}
			return
		}

		reply, keepAlive, err := e.exchange.serve(buf, remote)
		if errors.Is(err, protocol.ErrIncomplete) {
			if max := e.opts.MaxRequestSize; max > 0 && len(buf) > max {
				_ = conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
				_, _ = conn.Write(protocol.ErrorResponse(http.StatusRequestEntityTooLarge))
				return
			}
			continue
		}
		buf = buf[:0]
		_ = conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
		if _, err := conn.Write(reply); err != nil || !keepAlive {
			return
		}
	}
}

func (e *BioEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var err error
	if e.ln != nil {
		err = e.ln.Close()
	}
	for conn := range e.conns {
		_ = conn.Close()
	}
	e.mu.Unlock()

	e.wg.Wait()
	log.Logger.Info("bio endpoint closed")
	return err
}

func (e *BioEndpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

func (e *BioEndpoint) Stats() Stats { return e.stats.snapshot() }
