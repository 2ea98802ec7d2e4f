// Package container hosts servlets behind the connector: it maps paths to
// handlers, runs filters, binds sessions and renders the reply.
package container

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"github.com/fzft/go-mini-tomcat/protocol"
	"github.com/fzft/go-mini-tomcat/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNoContext   = errors.New("container: request not served by a context")
	ErrInitialized = errors.New("container: context already initialized")
)

// Options configures a Context.
type Options struct {
	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration
	// DocRoot enables the static default servlet; empty means 404 for unmapped paths.
	DocRoot string
}

type servletMapping struct {
	name    string
	pattern string
	servlet Servlet
}

// Context is the servlet context: servlet and filter mappings, attributes and
// the session store. It implements the connector's request handler.
type Context struct {
	opts     Options
	router   *httprouter.Router
	sessions *session.Manager
	static   *StaticServlet

	mu          sync.RWMutex
	servlets    []servletMapping
	filters     []filterMapping
	attrs       map[string]any
	initialized bool
	destroyed   bool
}

func NewContext(opts Options) *Context {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Minute
	}
	if opts.SessionSweepInterval <= 0 {
		opts.SessionSweepInterval = time.Minute
	}
	c := &Context{
		opts:     opts,
		router:   httprouter.New(),
		sessions: session.NewManager(opts.SessionTimeout),
		attrs:    make(map[string]any),
	}
	if opts.DocRoot != "" {
		c.static = NewStaticServlet(opts.DocRoot)
		c.router.NotFound = c.static
	} else {
		c.router.NotFound = http.HandlerFunc(notFound)
	}
	return c
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "404 Not Found: "+r.URL.Path, http.StatusNotFound)
}

// Sessions exposes the session store, for listeners and stats.
func (c *Context) Sessions() *session.Manager { return c.sessions }

// AddServlet mounts s at pattern for methods (GET, HEAD and POST when none are
// given). Patterns use httprouter syntax: "/user/:id", "/files/*path".
func (c *Context) AddServlet(name, pattern string, s Servlet, methods ...string) (err error) {
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead, http.MethodPost}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrInitialized
	}
	// httprouter panics on conflicting routes
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("container: mount servlet %q at %q: %v", name, pattern, r)
		}
	}()
	for _, m := range methods {
		c.router.Handler(m, pattern, s)
	}
	c.servlets = append(c.servlets, servletMapping{name: name, pattern: pattern, servlet: s})
	return nil
}

// AddFilter appends f to the chain for paths under prefix.
func (c *Context) AddFilter(name, prefix string, f Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrInitialized
	}
	c.filters = append(c.filters, filterMapping{name: name, prefix: prefix, filter: f})
	return nil
}

func (c *Context) Attribute(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok
}

func (c *Context) SetAttribute(name string, value any) {
	c.mu.Lock()
	c.attrs[name] = value
	c.mu.Unlock()
}

func (c *Context) RemoveAttribute(name string) {
	c.mu.Lock()
	delete(c.attrs, name)
	c.mu.Unlock()
}

// Init initializes every servlet in mount order, then starts the session
// sweeper and the static file watcher. Mappings are frozen afterwards.
func (c *Context) Init() error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return ErrInitialized
	}
	c.initialized = true
	servlets := append([]servletMapping(nil), c.servlets...)
	c.mu.Unlock()

	for _, m := range servlets {
		if in, ok := m.servlet.(Initializer); ok {
			if err := in.Init(c); err != nil {
				return fmt.Errorf("container: init servlet %q: %w", m.name, err)
			}
		}
		log.Logger.Info("servlet mounted", zap.String("servlet", m.name), zap.String("pattern", m.pattern))
	}
	if c.static != nil {
		if err := c.static.Init(c); err != nil {
			return err
		}
	}
	c.sessions.StartSweeper(c.opts.SessionSweepInterval)
	return nil
}

// Destroy tears down servlets in reverse mount order and closes the session
// store. Calling it again is a no-op.
func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	servlets := append([]servletMapping(nil), c.servlets...)
	c.mu.Unlock()

	var err error
	for i := len(servlets) - 1; i >= 0; i-- {
		if d, ok := servlets[i].servlet.(Destroyer); ok {
			err = multierr.Append(err, d.Destroy())
		}
	}
	if c.static != nil {
		err = multierr.Append(err, c.static.Destroy())
	}
	c.sessions.Close()
	return err
}

// Handle serves one parsed request. Panics in servlets or filters become a 500
// that closes the connection.
func (c *Context) Handle(req *protocol.Request) (resp *protocol.Response) {
	resp = protocol.NewResponse()
	st := &requestState{ctx: c, req: req}
	hr := withState(req.HTTPRequest(), st)

	c.mu.RLock()
	filters := c.filters
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("servlet panic", zap.String("method", req.Method), zap.String("path", req.Path), zap.Any("panic", r))
			resp = protocol.NewResponse()
			resp.WriteHeader(http.StatusInternalServerError)
			resp.Write([]byte(http.StatusText(http.StatusInternalServerError)))
			resp.Close()
		}
	}()
	chain(filters, req.Path, c.router).ServeHTTP(resp, hr)

	if st.created && st.session.IsValid() {
		resp.SetCookie(sessionCookie(st.session))
	}
	log.Logger.Debug("request served", zap.String("method", req.Method), zap.String("path", req.Path), zap.Int("status", resp.Status()))
	return resp
}
