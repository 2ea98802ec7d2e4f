// Package protocol detects HTTP/1.x frame boundaries, parses request frames and
// encodes responses. Chunked transfer and pipelining are not supported.
package protocol

import (
	"bytes"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrIncomplete means more bytes are needed before the frame can be parsed.
	ErrIncomplete  = errors.New("protocol: incomplete request")
	ErrMalformed   = errors.New("protocol: malformed request")
	ErrTooLarge    = errors.New("protocol: request too large")
	ErrUnsupported = errors.New("protocol: unsupported transfer encoding")
)

var crlfcrlf = []byte("\r\n\r\n")

// Parser turns raw socket bytes into requests.
type Parser struct {
	// MaxSize bounds the head plus body of one request; 0 means unbounded.
	MaxSize int
}

func NewParser(maxSize int) *Parser {
	return &Parser{MaxSize: maxSize}
}

// FrameLength returns the size of the first complete request in buf.
func (p *Parser) FrameLength(buf []byte) (int, error) {
	end := bytes.Index(buf, crlfcrlf)
	if end < 0 {
		if p.MaxSize > 0 && len(buf) > p.MaxSize {
			return 0, ErrTooLarge
		}
		return 0, ErrIncomplete
	}
	head := end + len(crlfcrlf)

	contentLength := 0
	for _, line := range strings.Split(string(buf[:end]), "\r\n")[1:] {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		switch {
		case strings.EqualFold(key, "Content-Length"):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return 0, errors.Wrapf(ErrMalformed, "content-length %q", value)
			}
			contentLength = n
		case strings.EqualFold(key, "Transfer-Encoding") && !strings.EqualFold(value, "identity"):
			return 0, errors.Wrapf(ErrUnsupported, "transfer-encoding %q", value)
		}
	}

	total := head + contentLength
	if p.MaxSize > 0 && total > p.MaxSize {
		return 0, ErrTooLarge
	}
	if len(buf) < total {
		return 0, ErrIncomplete
	}
	return total, nil
}

// Parse parses the first request in buf and reports how many bytes it used.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	n, err := p.FrameLength(buf)
	if err != nil {
		return nil, 0, err
	}
	frame := buf[:n]
	end := bytes.Index(frame, crlfcrlf)
	lines := strings.Split(string(frame[:end]), "\r\n")

	req, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, 0, err
	}

	req.Header = make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, 0, errors.Wrapf(ErrMalformed, "header line %q", line)
		}
		req.Header.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
	req.Cookies = (&http.Request{Header: req.Header}).Cookies()

	if body := frame[end+len(crlfcrlf):]; len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	req.Params, err = url.ParseQuery(req.RawQuery)
	if err != nil {
		return nil, 0, errors.Wrap(ErrMalformed, err.Error())
	}
	if isForm(req.Header.Get("Content-Type")) && len(req.Body) > 0 {
		form, err := url.ParseQuery(string(req.Body))
		if err != nil {
			return nil, 0, errors.Wrap(ErrMalformed, err.Error())
		}
		for k, vs := range form {
			req.Params[k] = append(req.Params[k], vs...)
		}
	}
	return req, n, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, errors.Wrapf(ErrMalformed, "request line %q", line)
	}
	major, minor, ok := http.ParseHTTPVersion(parts[2])
	if !ok || major != 1 {
		return nil, errors.Wrapf(ErrMalformed, "protocol %q", parts[2])
	}

	req := &Request{
		Method:     parts[0],
		RequestURI: parts[1],
		Proto:      parts[2],
		ProtoMajor: major,
		ProtoMinor: minor,
	}
	target := parts[1]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		req.RawQuery = target[i+1:]
		target = target[:i]
	}
	path, err := url.PathUnescape(target)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "path %q", target)
	}
	req.Path = path
	return req, nil
}

func isForm(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.EqualFold(strings.TrimSpace(contentType), "application/x-www-form-urlencoded")
}
