// Package connector accepts TCP connections, turns their bytes into requests
// for the servlet container and writes the replies back.
//
// The nio endpoint is a reactor: one acceptor goroutine, N epoll pollers, a
// bounded dispatcher pool and an idle connection reaper. The bio endpoint is a
// goroutine-per-connection peer selectable at startup.
package connector

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/fzft/go-mini-tomcat/config"
	"github.com/fzft/go-mini-tomcat/protocol"
)

var (
	ErrEndpointClosed       = errors.New("connector: endpoint closed")
	ErrEndpointStarted      = errors.New("connector: endpoint already started")
	ErrDispatcherSaturated  = errors.New("connector: dispatcher queue full")
	ErrDispatcherClosed     = errors.New("connector: dispatcher closed")
	ErrSocketClosed         = errors.New("connector: socket closed")
	ErrWriteTimeout         = errors.New("connector: write timeout")
	ErrPlatformNotSupported = errors.New("connector: nio endpoint requires linux/epoll")
	ErrUnknownConnector     = errors.New("connector: unknown connector")
)

const readChunk = 16 << 10

// Endpoint is the process-facing lifecycle of a connector.
type Endpoint interface {
	// Start binds port (0 picks a free one) and starts serving.
	Start(port int) error
	// Close stops serving. It is idempotent.
	Close() error
	// Addr is the bound address, nil before Start.
	Addr() net.Addr
	Stats() Stats
}

// RequestParser finds and parses one request at the head of buf. It returns
// protocol.ErrIncomplete when buf does not yet hold a whole request.
type RequestParser interface {
	Parse(buf []byte) (*protocol.Request, int, error)
}

// Handler routes a request to the application and returns its response. The
// keep-alive decision is read from the response.
type Handler interface {
	Handle(req *protocol.Request) *protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *protocol.Request) *protocol.Response

func (f HandlerFunc) Handle(req *protocol.Request) *protocol.Response { return f(req) }

type Options struct {
	Pollers          int
	Workers          int
	QueueSize        int
	KeepAliveTimeout time.Duration
	ReaperInterval   time.Duration
	WriteTimeout     time.Duration
	MaxRequestSize   int
	Encode           protocol.EncodeOptions
}

// OptionsFrom maps validated configuration onto endpoint options.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		Pollers:          cfg.PollerCount(),
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		KeepAliveTimeout: cfg.KeepAliveTimeout,
		ReaperInterval:   cfg.ReaperInterval,
		WriteTimeout:     cfg.WriteTimeout,
		MaxRequestSize:   cfg.MaxRequestSize,
		Encode:           protocol.EncodeOptions{GzipMinSize: cfg.GzipMinSize},
	}
}

func (o Options) withDefaults() Options {
	if o.Pollers < 1 {
		o.Pollers = 1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.QueueSize < 1 {
		o.QueueSize = 1
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = 20 * time.Second
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// New builds the endpoint named by kind ("nio" or "bio").
func New(kind string, opts Options, parser RequestParser, handler Handler) (Endpoint, error) {
	switch kind {
	case config.ConnectorNio:
		return NewNioEndpoint(opts, parser, handler)
	case config.ConnectorBio:
		return NewBioEndpoint(opts, parser, handler), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownConnector, kind)
	}
}

// Stats is a snapshot of endpoint counters.
type Stats struct {
	Accepted int64
	Active   int64
	Requests int64
	Reaped   int64
	Rejected int64
}

type counters struct {
	accepted atomic.Int64
	active   atomic.Int64
	requests atomic.Int64
	reaped   atomic.Int64
	rejected atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted: c.accepted.Load(),
		Active:   c.active.Load(),
		Requests: c.requests.Load(),
		Reaped:   c.reaped.Load(),
		Rejected: c.rejected.Load(),
	}
}
