package connector

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fzft/go-mini-tomcat/log"
	"github.com/fzft/go-mini-tomcat/protocol"
	"go.uber.org/zap"
)

// exchange runs one request/response cycle over buffered bytes. It is shared by
// the nio dispatcher and the bio connector.
type exchange struct {
	parser  RequestParser
	handler Handler
	encode  protocol.EncodeOptions
	stats   *counters
}

// serve returns protocol.ErrIncomplete when buf needs more bytes. Otherwise it
// returns the encoded reply and whether the connection stays open.
func (x *exchange) serve(buf []byte, remote string) (reply []byte, keepAlive bool, err error) {
	req, _, err := x.parser.Parse(buf)
	if err != nil {
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil, false, err
		}
		log.Logger.Debug("reject request", zap.String("remote", remote), zap.Error(err))
		return protocol.ErrorResponse(statusFor(err)), false, nil
	}
	req.RemoteAddr = remote
	x.stats.requests.Add(1)

	resp, err := x.handle(req)
	if err != nil {
		log.Logger.Error("handler failed", zap.String("path", req.Path), zap.Error(err))
		return protocol.ErrorResponse(http.StatusInternalServerError), false, nil
	}
	reply, err = resp.Encode(req, x.encode)
	if err != nil {
		log.Logger.Error("encode response", zap.String("path", req.Path), zap.Error(err))
		return protocol.ErrorResponse(http.StatusInternalServerError), false, nil
	}
	return reply, resp.KeepAlive(req), nil
}

func (x *exchange) handle(req *protocol.Request) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	resp = x.handler.Handle(req)
	if resp == nil {
		return nil, errors.New("handler returned no response")
	}
	return resp, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, protocol.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}
