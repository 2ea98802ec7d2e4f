package container

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticServlet(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>home</h1>"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "site.css"), []byte("body{}"), 0o644))

	c := newTestContext(t, Options{DocRoot: root})
	require.NoError(t, c.AddServlet("hello", "/hello", hello))
	require.NoError(t, c.Init())

	resp := get(t, c, "/")
	assert.Equal(t, http.StatusOK, resp.Status())
	assert.Equal(t, "<h1>home</h1>", string(resp.Body()))
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/html")

	resp = get(t, c, "/css/site.css")
	assert.Equal(t, "body{}", string(resp.Body()))
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/css")

	resp = get(t, c, "/nope.txt")
	assert.Equal(t, http.StatusNotFound, resp.Status())

	resp = get(t, c, "/../../etc/passwd")
	assert.Equal(t, http.StatusNotFound, resp.Status())

	resp = get(t, c, "/hello?name=x")
	assert.Equal(t, "hello x", string(resp.Body()))
}

func TestStaticCacheEvictedOnChange(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))

	c := newTestContext(t, Options{DocRoot: root})
	require.NoError(t, c.Init())
	s := c.static
	require.NotNil(t, s)

	resp := get(t, c, "/a.txt")
	assert.Equal(t, "v1", string(resp.Body()))
	require.True(t, s.cached(s.root+string(filepath.Separator)+"a.txt"))

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))
	assert.Eventually(t, func() bool {
		return string(get(t, c, "/a.txt").Body()) == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(file))
	assert.Eventually(t, func() bool {
		return get(t, c, "/a.txt").Status() == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaticNotModified(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o644))
	c := newTestContext(t, Options{DocRoot: root})
	require.NoError(t, c.Init())

	resp := get(t, c, "/a.txt")
	lm := resp.Header().Get("Last-Modified")
	require.NotEmpty(t, lm)
	resp = get(t, c, "/a.txt", "If-Modified-Since: "+lm)
	assert.Equal(t, http.StatusNotModified, resp.Status())
}

func TestStaticRejectsWrites(t *testing.T) {
	c := newTestContext(t, Options{DocRoot: t.TempDir()})
	require.NoError(t, c.Init())
	resp := c.Handle(parse(t, "PUT /a.txt HTTP/1.1\r\nContent-Length: 0\r\n\r\n"))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status())
}
