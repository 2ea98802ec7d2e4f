//go:build !linux
// +build !linux

package connector

// NewNioEndpoint needs epoll; use the bio connector elsewhere.
func NewNioEndpoint(opts Options, parser RequestParser, handler Handler) (Endpoint, error) {
	return nil, ErrPlatformNotSupported
}
