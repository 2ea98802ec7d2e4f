package container

import (
	"net/http"
	"strings"
)

// Servlet is any http.Handler mounted on the context. It may also implement
// Initializer and Destroyer to join the context lifecycle.
type Servlet = http.Handler

// Initializer is called once by Context.Init before the first request.
type Initializer interface {
	Init(c *Context) error
}

// Destroyer is called once by Context.Destroy.
type Destroyer interface {
	Destroy() error
}

// Filter wraps servlet execution. It calls next to continue the chain or
// writes a response itself to stop it.
type Filter interface {
	DoFilter(w http.ResponseWriter, r *http.Request, next http.Handler)
}

type FilterFunc func(w http.ResponseWriter, r *http.Request, next http.Handler)

func (f FilterFunc) DoFilter(w http.ResponseWriter, r *http.Request, next http.Handler) {
	f(w, r, next)
}

type filterMapping struct {
	name   string
	prefix string
	filter Filter
}

// matches reports whether path falls under the mapping's prefix. "/" and ""
// match everything; "/admin" matches "/admin" and "/admin/x" but not "/administrator".
func (m filterMapping) matches(path string) bool {
	p := strings.TrimSuffix(m.prefix, "/")
	if p == "" {
		return true
	}
	return path == p || strings.HasPrefix(path, p+"/")
}

// chain builds the handler running the matching filters in registration
// order, then target.
func chain(filters []filterMapping, path string, target http.Handler) http.Handler {
	h := target
	for i := len(filters) - 1; i >= 0; i-- {
		m := filters[i]
		if !m.matches(path) {
			continue
		}
		next := h
		f := m.filter
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.DoFilter(w, r, next)
		})
	}
	return h
}
