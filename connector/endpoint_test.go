//go:build linux
// +build linux

package connector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/fzft/go-mini-tomcat/config"
	"github.com/fzft/go-mini-tomcat/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var connectorKinds = []string{config.ConnectorNio, config.ConnectorBio}

func testOptions() Options {
	return Options{
		Pollers:          2,
		Workers:          4,
		QueueSize:        16,
		KeepAliveTimeout: 5 * time.Second,
		ReaperInterval:   20 * time.Millisecond,
		WriteTimeout:     time.Second,
		MaxRequestSize:   4 << 10,
	}
}

var helloHandler = HandlerFunc(func(req *protocol.Request) *protocol.Response {
	resp := protocol.NewResponse()
	resp.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(resp, "hello %s", req.Path)
	return resp
})

func startEndpoint(t *testing.T, kind string, opts Options, h Handler) Endpoint {
	t.Helper()
	e, err := New(kind, opts, protocol.NewParser(opts.MaxRequestSize), h)
	require.NoError(t, err)
	require.NoError(t, e.Start(0))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func dial(t *testing.T, e Endpoint) net.Conn {
	t.Helper()
	port := e.Addr().(*net.TCPAddr).Port
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, raw string) (*http.Response, string) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

// waitEOF reports whether the server closed conn within d.
func waitEOF(conn net.Conn, r *bufio.Reader, d time.Duration) bool {
	_ = conn.SetReadDeadline(time.Now().Add(d))
	_, err := r.ReadByte()
	return err == io.EOF || (err != nil && strings.Contains(err.Error(), "reset"))
}

func TestEndpointKeepAliveReuse(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			e := startEndpoint(t, kind, testOptions(), helloHandler)
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			for i := 0; i < 3; i++ {
				resp, body := roundTrip(t, conn, r, fmt.Sprintf("GET /n%d HTTP/1.1\r\nHost: x\r\n\r\n", i))
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, fmt.Sprintf("hello /n%d", i), body)
				assert.False(t, resp.Close)
			}
			assert.Equal(t, int64(3), e.Stats().Requests)
			assert.Equal(t, int64(1), e.Stats().Accepted)
		})
	}
}

func TestEndpointConnectionClose(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			e := startEndpoint(t, kind, testOptions(), helloHandler)
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			resp, body := roundTrip(t, conn, r, "GET /bye HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "hello /bye", body)
			assert.True(t, resp.Close)
			assert.True(t, waitEOF(conn, r, 2*time.Second))
			assert.Eventually(t, func() bool { return e.Stats().Active == 0 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestEndpointHTTP10DefaultsToClose(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			e := startEndpoint(t, kind, testOptions(), helloHandler)
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			resp, _ := roundTrip(t, conn, r, "GET / HTTP/1.0\r\n\r\n")
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.True(t, waitEOF(conn, r, 2*time.Second))
		})
	}
}

func TestEndpointReapsIdleKeepAlive(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			opts := testOptions()
			opts.KeepAliveTimeout = 150 * time.Millisecond
			e := startEndpoint(t, kind, opts, helloHandler)
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			resp, _ := roundTrip(t, conn, r, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			assert.False(t, resp.Close)

			start := time.Now()
			assert.True(t, waitEOF(conn, r, 3*time.Second))
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
			assert.Eventually(t, func() bool {
				s := e.Stats()
				return s.Reaped == 1 && s.Active == 0
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestEndpointIncompleteRequestWaitsForMore(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			e := startEndpoint(t, kind, testOptions(), HandlerFunc(func(req *protocol.Request) *protocol.Response {
				resp := protocol.NewResponse()
				resp.Write(req.Body)
				return resp
			}))
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			_, err := io.WriteString(conn, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nhello")
			require.NoError(t, err)
			time.Sleep(50 * time.Millisecond)
			resp, body := roundTrip(t, conn, r, "world")
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "helloworld", body)
		})
	}
}

func TestEndpointErrorResponses(t *testing.T) {
	panicky := HandlerFunc(func(req *protocol.Request) *protocol.Response {
		if req.Path == "/panic" {
			panic("boom")
		}
		return helloHandler(req)
	})
	cases := []struct {
		name   string
		raw    string
		status int
	}{
		{"malformed", "NONSENSE\r\n\r\n", http.StatusBadRequest},
		{"chunked", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", http.StatusNotImplemented},
		{"too large", "POST / HTTP/1.1\r\nContent-Length: 100000\r\n\r\n", http.StatusRequestEntityTooLarge},
		{"panic", "GET /panic HTTP/1.1\r\nHost: x\r\n\r\n", http.StatusInternalServerError},
	}
	for _, kind := range connectorKinds {
		for _, c := range cases {
			t.Run(kind+"/"+c.name, func(t *testing.T) {
				e := startEndpoint(t, kind, testOptions(), panicky)
				conn := dial(t, e)
				r := bufio.NewReader(conn)

				resp, _ := roundTrip(t, conn, r, c.raw)
				assert.Equal(t, c.status, resp.StatusCode)
				assert.True(t, resp.Close)
				assert.True(t, waitEOF(conn, r, 2*time.Second))
			})
		}
	}
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			defer leaktest.Check(t)()

			opts := testOptions()
			e, err := New(kind, opts, protocol.NewParser(opts.MaxRequestSize), helloHandler)
			require.NoError(t, err)
			require.NoError(t, e.Start(0))

			conn := dial(t, e)
			r := bufio.NewReader(conn)
			roundTrip(t, conn, r, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

			require.NoError(t, e.Close())
			require.NoError(t, e.Close())
			assert.True(t, waitEOF(conn, r, 2*time.Second))
			assert.ErrorIs(t, e.Start(0), ErrEndpointClosed)
		})
	}
}

func TestEndpointStartTwice(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			e := startEndpoint(t, kind, testOptions(), helloHandler)
			assert.ErrorIs(t, e.Start(0), ErrEndpointStarted)
		})
	}
}

func TestEndpointStartFailureRollsBack(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			defer leaktest.Check(t)()

			holder, err := net.Listen("tcp4", ":0")
			require.NoError(t, err)
			defer holder.Close()
			port := holder.Addr().(*net.TCPAddr).Port

			opts := testOptions()
			e, err := New(kind, opts, protocol.NewParser(opts.MaxRequestSize), helloHandler)
			require.NoError(t, err)
			assert.Error(t, e.Start(port))
			assert.NoError(t, e.Close())
		})
	}
}

func TestNioDistributesConnectionsRoundRobin(t *testing.T) {
	opts := testOptions()
	opts.Pollers = 2
	e := startEndpoint(t, config.ConnectorNio, opts, helloHandler)
	nio := e.(*NioEndpoint)

	const conns = 1000
	var lim unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &lim))
	if lim.Cur < 2*conns+64 {
		t.Skipf("open file limit %d too low for %d loopback pairs", lim.Cur, conns)
	}
	for i := 0; i < conns; i++ {
		dial(t, e)
	}
	pollers := nio.Pollers()
	require.Len(t, pollers, 2)
	require.Eventually(t, func() bool {
		return pollers[0].Registered()+pollers[1].Registered() == conns
	}, 5*time.Second, 10*time.Millisecond)

	a, b := pollers[0].Registered(), pollers[1].Registered()
	assert.Equal(t, int64(conns), e.Stats().Accepted)
	assert.LessOrEqual(t, abs(a-b), int64(1))
	assert.Equal(t, "NioPoller-0", pollers[0].Name())
	assert.Equal(t, "NioPoller-1", pollers[1].Name())
}

func TestNioRejectsWhenDispatcherSaturated(t *testing.T) {
	opts := testOptions()
	opts.Workers = 1
	opts.QueueSize = 1

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var released atomic.Bool
	unblock := func() {
		if released.CompareAndSwap(false, true) {
			close(release)
		}
	}
	defer unblock()

	e := startEndpoint(t, config.ConnectorNio, opts, HandlerFunc(func(req *protocol.Request) *protocol.Response {
		entered <- struct{}{}
		<-release
		return helloHandler(req)
	}))
	t.Cleanup(unblock)

	req := "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"
	busy := dial(t, e)
	_, err := io.WriteString(busy, req)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never entered")
	}

	queued := dial(t, e)
	_, err = io.WriteString(queued, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Stats().Accepted == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	rejected := dial(t, e)
	resp, _ := roundTrip(t, rejected, bufio.NewReader(rejected), req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(1), e.Stats().Rejected)

	unblock()
	for _, conn := range []net.Conn{busy, queued} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// serverClosed drains conn and reports whether the server ended the
// connection before d elapsed.
func serverClosed(conn net.Conn, d time.Duration) bool {
	_ = conn.SetReadDeadline(time.Now().Add(d))
	_, err := io.Copy(io.Discard, conn)
	var ne net.Error
	return !(errors.As(err, &ne) && ne.Timeout())
}

func TestEndpointPeerCloseDropsConnection(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			e := startEndpoint(t, kind, testOptions(), helloHandler)
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			resp, _ := roundTrip(t, conn, r, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			assert.False(t, resp.Close)
			assert.Equal(t, int64(1), e.Stats().Active)

			require.NoError(t, conn.Close())
			assert.Eventually(t, func() bool { return e.Stats().Active == 0 }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, int64(0), e.Stats().Reaped)
		})
	}
}

func TestEndpointClosesOversizedHeadWithoutFrame(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			opts := testOptions()
			opts.KeepAliveTimeout = 5 * time.Second
			// the parser does not bound the frame, the connector must
			e, err := New(kind, opts, protocol.NewParser(0), helloHandler)
			require.NoError(t, err)
			require.NoError(t, e.Start(0))
			t.Cleanup(func() { _ = e.Close() })

			conn := dial(t, e)
			head := "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 60<<10)
			go func() { _, _ = io.WriteString(conn, head) }()

			start := time.Now()
			assert.True(t, serverClosed(conn, 3*time.Second))
			assert.Less(t, time.Since(start), opts.KeepAliveTimeout)
			assert.Eventually(t, func() bool { return e.Stats().Active == 0 }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, int64(0), e.Stats().Requests)
		})
	}
}

func TestEndpointReapsTricklingPartialRequest(t *testing.T) {
	for _, kind := range connectorKinds {
		t.Run(kind, func(t *testing.T) {
			opts := testOptions()
			opts.KeepAliveTimeout = 150 * time.Millisecond
			e := startEndpoint(t, kind, opts, helloHandler)
			conn := dial(t, e)

			stop := make(chan struct{})
			defer close(stop)
			go func() {
				ticker := time.NewTicker(40 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						if _, err := io.WriteString(conn, "X"); err != nil {
							return
						}
					}
				}
			}()

			assert.True(t, serverClosed(conn, 3*time.Second))
			assert.Eventually(t, func() bool {
				s := e.Stats()
				return s.Reaped == 1 && s.Active == 0
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}
