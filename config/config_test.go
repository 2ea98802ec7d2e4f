package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := []byte("port: 9090\nconnector: BIO\nkeep_alive_timeout: 5s\nworkers: 3\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ConnectorBio, cfg.Connector)
	assert.Equal(t, 5*time.Second, cfg.KeepAliveTimeout)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 1024, cfg.QueueSize)
}

func TestLoadRejectsBadConnector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connector: aio\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPollerCount(t *testing.T) {
	cfg := Default()
	want := 2
	if runtime.NumCPU() < 2 {
		want = 1
	}
	assert.Equal(t, want, cfg.PollerCount())

	cfg.Pollers = 1 << 20
	assert.Equal(t, runtime.NumCPU(), cfg.PollerCount())
}
