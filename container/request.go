package container

import (
	"context"
	"net/http"

	"github.com/fzft/go-mini-tomcat/protocol"
	"github.com/fzft/go-mini-tomcat/session"
	"github.com/julienschmidt/httprouter"
)

type stateKey struct{}

// requestState is what a servlet can reach from its *http.Request.
type requestState struct {
	ctx     *Context
	req     *protocol.Request
	session *session.Session
	created bool
}

func withState(r *http.Request, st *requestState) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), stateKey{}, st))
}

func stateFrom(r *http.Request) *requestState {
	st, _ := r.Context().Value(stateKey{}).(*requestState)
	return st
}

// ContextFrom returns the servlet context serving r, or nil outside a container.
func ContextFrom(r *http.Request) *Context {
	if st := stateFrom(r); st != nil {
		return st.ctx
	}
	return nil
}

// RequestFrom returns the parsed frame behind r, or nil outside a container.
func RequestFrom(r *http.Request) *protocol.Request {
	if st := stateFrom(r); st != nil {
		return st.req
	}
	return nil
}

// Params returns the path parameters matched by the servlet pattern.
func Params(r *http.Request) httprouter.Params {
	return httprouter.ParamsFromContext(r.Context())
}

// SessionFrom returns the session named by the request's JSESSIONID cookie.
// When there is none and create is set, a new session is started and its
// cookie is sent with the response.
func SessionFrom(r *http.Request, create bool) (*session.Session, error) {
	st := stateFrom(r)
	if st == nil {
		return nil, ErrNoContext
	}
	if st.session != nil && st.session.IsValid() {
		return st.session, nil
	}
	if c := st.req.Cookie(session.CookieName); c != nil && !st.created {
		if s, ok := st.ctx.sessions.Get(c.Value); ok {
			st.session = s
			return s, nil
		}
	}
	if !create {
		return nil, nil
	}
	s, err := st.ctx.sessions.Create()
	if err != nil {
		return nil, err
	}
	st.session = s
	st.created = true
	return s, nil
}

func sessionCookie(s *session.Session) *http.Cookie {
	return &http.Cookie{Name: session.CookieName, Value: s.ID(), Path: "/", HttpOnly: true}
}
