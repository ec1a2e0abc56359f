package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryWindow)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 3*time.Second, cfg.Proxy.ProbeTimeout)
	assert.Equal(t, "http://"+DefaultAddr, cfg.PeerURL())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	t.Setenv("SWB_TEST_SECRET", "s3cret")
	t.Setenv("SWB_BREAKER_THRESHOLD", "7")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
default_project: alpha
server:
  addr: 127.0.0.1:9999
breaker:
  recovery_window: 10s
auth:
  jwt_secret: ${SWB_TEST_SECRET}
webhooks:
  - url: http://127.0.0.1:1/hook
    events: [task.created]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.DefaultProject)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Breaker.RecoveryWindow)
	assert.Equal(t, 7, cfg.Breaker.Threshold)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, filepath.Join(dir, "switchboard.db"), cfg.StoragePath())
	assert.Equal(t, filepath.Join(dir, "swb.lock"), cfg.LockPath())
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"task.created"}, cfg.Webhooks[0].Events)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":  "breaker:\n  recovery_window: soon\n",
		"bad level":     "logging:\n  level: loud\n",
		"zero attempts": "retry:\n  attempts: 0\n",
		"hook url":      "webhooks:\n  - events: [x]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}
