package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverSection struct {
	Name                string        `mapstructure:"name"`
	EvictionGracePeriod time.Duration `mapstructure:"eviction_grace_period"`
	QueueSize           int           `mapstructure:"queue_size"`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
server:
  name: write-1
  eviction_grace_period: 30s
  queue_size: 1024
resolver:
  region: us-east-1
`)
	writeFile(t, filepath.Join(dir, "config.dev.yaml"), `
server:
  queue_size: 16
`)

	t.Setenv("RGTEST_ENV", "dev")
	t.Setenv("RGTEST_SERVER_NAME", "write-env")

	loader, err := New(&Config{Paths: []string{dir}, EnvPrefix: "rgtest"})
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))
	defer loader.Close()

	var srv serverSection
	require.NoError(t, loader.UnmarshalKey("server", &srv))
	assert.Equal(t, "write-env", loader.Get("server.name"))
	assert.Equal(t, 30*time.Second, srv.EvictionGracePeriod)
	assert.Equal(t, 16, srv.QueueSize)
	assert.Equal(t, "us-east-1", loader.Get("resolver.region"))
}

func TestLoaderEmptyConfigFailsValidation(t *testing.T) {
	loader, err := New(&Config{Name: "missing", Paths: []string{t.TempDir()}, EnvPrefix: "RGEMPTY"})
	require.NoError(t, err)

	err = loader.Load(context.Background())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "config", cfg.Name)
	assert.Equal(t, "yaml", cfg.FileType)
	assert.Equal(t, "REGISTRAR", cfg.EnvPrefix)

	_, err := New(&Config{EnvPrefix: "bad.prefix"})
	assert.Error(t, err)
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	writeFile(t, file, "server:\n  queue_size: 8\n")

	loader, err := New(&Config{Paths: []string{dir}, EnvPrefix: "RGWATCH"})
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := loader.Watch(ctx, "server.queue_size")
	require.NoError(t, err)

	writeFile(t, file, "server:\n  queue_size: 64\n")

	select {
	case ev := <-ch:
		assert.Equal(t, "server.queue_size", ev.Key)
		assert.Equal(t, 64, ev.Value)
		assert.Equal(t, "file", ev.Source)
	case <-time.After(5 * time.Second):
		t.Skip("file watcher did not fire in time on this platform")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
