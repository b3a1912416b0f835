package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, envFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
session_timeout: 5m
minio:
  endpoint: files:9000
  bucket: from-file
docker:
  enabled: true
  image: embed:dev
`), 0o644))

	env := envFrom(map[string]string{
		"TRACKER_CONFIG": path,
		"MINIO_BUCKET":   "from-env",
		"MINIO_USE_SSL":  "true",
		"OPENAI_API_KEY": "sk-test",
	})
	cfg, err := Load([]string{"--listen", ":7000"}, env)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, "files:9000", cfg.MinIO.Endpoint)
	assert.Equal(t, "from-env", cfg.MinIO.Bucket)
	assert.True(t, cfg.MinIO.UseSSL)
	assert.True(t, cfg.Docker.Enabled)
	assert.Equal(t, "embed:dev", cfg.Docker.Image)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	// untouched defaults survive
	assert.Equal(t, "iter8", cfg.MinIO.AccessKey)
}

func TestLoad_FlagDefaultsDoNotMaskEnv(t *testing.T) {
	cfg, err := Load([]string{"--minio-bucket", "flagged"}, envFrom(map[string]string{
		"LISTEN_ADDR": ":6000",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.ListenAddr)
	assert.Equal(t, "flagged", cfg.MinIO.Bucket)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(nil, envFrom(map[string]string{"SESSION_TIMEOUT": "soon"}))
	assert.Error(t, err)

	_, err = Load([]string{"--log-level", "loud"}, envFrom(nil))
	assert.Error(t, err)

	_, err = Load(nil, envFrom(map[string]string{"TRACKER_CONFIG": filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.Error(t, err)

	_, err = Load([]string{"--help"}, envFrom(nil))
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
