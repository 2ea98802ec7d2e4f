package protocol

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is one parsed HTTP/1.x request frame.
type Request struct {
	Method     string
	RequestURI string // raw request-target
	Path       string // decoded path
	RawQuery   string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Cookies    []*http.Cookie
	Params     url.Values // query string and urlencoded form body
	Body       []byte
	RemoteAddr string
}

// Param returns the first value for key, or "" when absent.
func (r *Request) Param(key string) string {
	return r.Params.Get(key)
}

// Cookie returns the named cookie or nil.
func (r *Request) Cookie(name string) *http.Cookie {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// WantsKeepAlive reports whether the client asked to reuse the connection.
// HTTP/1.1 keeps alive unless told to close, HTTP/1.0 only when asked.
func (r *Request) WantsKeepAlive() bool {
	conn := r.Header.Values("Connection")
	if r.ProtoMajor == 1 && r.ProtoMinor >= 1 {
		return !headerHasToken(conn, "close")
	}
	return headerHasToken(conn, "keep-alive")
}

// AcceptsGzip reports whether gzip is listed in Accept-Encoding.
func (r *Request) AcceptsGzip() bool {
	return headerHasToken(r.Header.Values("Accept-Encoding"), "gzip")
}

// HTTPRequest adapts the frame to *http.Request so servlets can be plain http.Handlers.
func (r *Request) HTTPRequest() *http.Request {
	u := &url.URL{Path: r.Path, RawQuery: r.RawQuery}
	return &http.Request{
		Method:        r.Method,
		URL:           u,
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Header:        r.Header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Host:          r.Header.Get("Host"),
		Form:          r.Params,
		RemoteAddr:    r.RemoteAddr,
		RequestURI:    r.RequestURI,
		Close:         !r.WantsKeepAlive(),
	}
}

func headerHasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if i := strings.IndexByte(part, ';'); i >= 0 {
				part = strings.TrimSpace(part[:i])
			}
			if strings.EqualFold(part, token) {
				return true
			}
		}
	}
	return false
}
