package protocol

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Response buffers one reply. It satisfies http.ResponseWriter.
type Response struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
	forceClose  bool
}

func NewResponse() *Response {
	return &Response{status: http.StatusOK, header: make(http.Header)}
}

func (r *Response) Header() http.Header { return r.header }

func (r *Response) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
}

func (r *Response) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(p)
}

func (r *Response) Status() int     { return r.status }
func (r *Response) Body() []byte    { return r.body.Bytes() }
func (r *Response) ResetBody()      { r.body.Reset() }
func (r *Response) Committed() bool { return r.wroteHeader }

func (r *Response) SetCookie(c *http.Cookie) {
	if v := c.String(); v != "" {
		r.header.Add("Set-Cookie", v)
	}
}

// Close makes the connection close after this response regardless of the request.
func (r *Response) Close() { r.forceClose = true }

// KeepAlive decides whether the connection is reused after req is answered.
func (r *Response) KeepAlive(req *Request) bool {
	if r.forceClose || headerHasToken(r.header.Values("Connection"), "close") {
		return false
	}
	return req != nil && req.WantsKeepAlive()
}

// EncodeOptions controls the wire form of a response.
type EncodeOptions struct {
	Server      string
	GzipMinSize int // 0 disables compression
	Now         time.Time
}

// Encode renders the status line, headers and body for req. The body is left
// out for HEAD.
func (r *Response) Encode(req *Request, opts EncodeOptions) ([]byte, error) {
	body := r.body.Bytes()
	if opts.GzipMinSize > 0 && len(body) >= opts.GzipMinSize && req != nil && req.AcceptsGzip() &&
		r.header.Get("Content-Encoding") == "" {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		body = zbuf.Bytes()
		r.header.Set("Content-Encoding", "gzip")
		r.header.Add("Vary", "Accept-Encoding")
	}

	proto := "HTTP/1.1"
	if req != nil && req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		proto = "HTTP/1.0"
	}
	if r.header.Get("Content-Type") == "" && len(body) > 0 {
		r.header.Set("Content-Type", http.DetectContentType(r.body.Bytes()))
	}
	if opts.Server != "" {
		r.header.Set("Server", opts.Server)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	r.header.Set("Date", now.UTC().Format(http.TimeFormat))
	r.header.Set("Content-Length", strconv.Itoa(len(body)))
	if r.KeepAlive(req) {
		r.header.Set("Connection", "keep-alive")
	} else {
		r.header.Set("Connection", "close")
	}

	var out bytes.Buffer
	out.Grow(256 + len(body))
	fmt.Fprintf(&out, "%s %d %s\r\n", proto, r.status, http.StatusText(r.status))
	if err := r.header.Write(&out); err != nil {
		return nil, err
	}
	out.WriteString("\r\n")
	// HEAD reports the length a GET would carry but sends no body
	if req == nil || req.Method != http.MethodHead {
		out.Write(body)
	}
	return out.Bytes(), nil
}

// ErrorResponse renders a minimal reply that always closes the connection. It is
// used when no request could be parsed or no handler can run.
func ErrorResponse(status int) []byte {
	text := http.StatusText(status)
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\nConnection: close\r\n\r\n%s", status, text, len(text), text))
}
