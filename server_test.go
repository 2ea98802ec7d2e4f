package main

import (
	"net/http"
	"strings"
	"testing"

	"github.com/fzft/go-mini-tomcat/container"
	"github.com/fzft/go-mini-tomcat/protocol"
	"github.com/fzft/go-mini-tomcat/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDemoContext(t *testing.T) *container.Context {
	ctx := container.NewContext(container.Options{})
	require.NoError(t, mountServlets(ctx))
	require.NoError(t, ctx.Init())
	t.Cleanup(func() { _ = ctx.Destroy() })
	return ctx
}

func serve(t *testing.T, ctx *container.Context, raw string) *protocol.Response {
	req, _, err := protocol.NewParser(0).Parse([]byte(raw))
	require.NoError(t, err)
	return ctx.Handle(req)
}

func TestDemoServlets(t *testing.T) {
	ctx := newDemoContext(t)

	resp := serve(t, ctx, "GET /hello HTTP/1.1\r\n\r\n")
	assert.Equal(t, "hello, world\n", string(resp.Body()))

	resp = serve(t, ctx, "POST /hello HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 8\r\n\r\nname=tom")
	assert.Equal(t, "hello, tom\n", string(resp.Body()))

	resp = serve(t, ctx, "GET /greet/jerry HTTP/1.1\r\n\r\n")
	assert.Equal(t, "greetings, jerry\n", string(resp.Body()))
}

func TestDemoSessionCounter(t *testing.T) {
	ctx := newDemoContext(t)

	resp := serve(t, ctx, "GET /session/count HTTP/1.1\r\n\r\n")
	assert.Contains(t, string(resp.Body()), "visits 1")
	cookie := resp.Header().Get("Set-Cookie")
	require.True(t, strings.HasPrefix(cookie, session.CookieName+"="))
	pair := strings.SplitN(cookie, ";", 2)[0]

	resp = serve(t, ctx, "GET /session/count HTTP/1.1\r\nCookie: "+pair+"\r\n\r\n")
	assert.Contains(t, string(resp.Body()), "visits 2")

	resp = serve(t, ctx, "GET /session/logout HTTP/1.1\r\nCookie: "+pair+"\r\n\r\n")
	assert.Equal(t, http.StatusNoContent, resp.Status())
	assert.Equal(t, 0, ctx.Sessions().Len())

	resp = serve(t, ctx, "GET /session/count HTTP/1.1\r\nCookie: "+pair+"\r\n\r\n")
	assert.Contains(t, string(resp.Body()), "visits 1")
}

func TestVersion(t *testing.T) {
	v, err := Version()
	require.NoError(t, err)
	assert.Equal(t, "minitomcat/"+version, ServerName(v))
	assert.Contains(t, versionString(v), version)

	saved := version
	version = "not-a-version"
	defer func() { version = saved }()
	_, err = Version()
	assert.Error(t, err)
}
