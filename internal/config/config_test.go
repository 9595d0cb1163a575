package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMustLoadPathDefaults(t *testing.T) {
	cfg := MustLoadPath(writeConfig(t, "env: dev\n"))

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.STUNServers)
	assert.Equal(t, 64, cfg.Realtime.MemberQueueSize)
	assert.Equal(t, 5, cfg.Client.ReconnectAttempts)
	assert.Equal(t, 300, cfg.Session.DefaultTimerSeconds)
	assert.Equal(t, "camera", cfg.Session.DefaultTool)
	assert.Equal(t, 10, cfg.Quiz.PointsPerCorrect)
	assert.Equal(t, 5, cfg.Quiz.MaxSpeedBonus)
	assert.Equal(t, 2*time.Second, cfg.Quiz.BonusStep)
	assert.Equal(t, 3, cfg.Quiz.Winners)
}

func TestMustLoadPathOverrides(t *testing.T) {
	path := writeConfig(t, `
env: prod
http:
  address: ":9090"
client:
  reconnect_attempts: 2
  reconnect_base_delay: 50ms
quiz:
  winners: 1
`)
	cfg := MustLoadPath(path)

	assert.Equal(t, ":9090", cfg.HTTP.Address)
	assert.Equal(t, 2, cfg.Client.ReconnectAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Client.ReconnectBaseDelay)
	assert.Equal(t, 1, cfg.Quiz.Winners)
}

func TestMustLoadPathMissingFilePanics(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadPath(filepath.Join(t.TempDir(), "missing.yaml"))
	})
}
