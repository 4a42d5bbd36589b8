package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BrokerRedis, cfg.Broker.Mode)
	assert.Equal(t, "localhost:6379", cfg.Broker.Addr())
	assert.Equal(t, 30*time.Second, cfg.Broker.BackoffMax)
	assert.Equal(t, 15*time.Second, cfg.Negotiation.DtlsTimeout)
	assert.Equal(t, 120*time.Second, cfg.Negotiation.IdleTimeout)
	assert.Equal(t, uint16(40000), cfg.RTC.MinPort)
	assert.Equal(t, 1, cfg.RTC.NumWorkers)
}

func TestLoadFileWithCodecsAndEnv(t *testing.T) {
	t.Setenv("SIGNAL_BROKER_HOST", "redis.internal")
	t.Setenv("SIGNAL_RTC_NUM_WORKERS", "3")

	path := writeConfig(t, `
mode: debug
broker:
  mode: redis
  port: 6380
rtc:
  min_port: 50000
  max_port: 50010
  codecs:
    - kind: audio
      mimeType: audio/opus
      clockRate: 48000
      channels: 2
negotiation:
  dtls_timeout: 5s
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, "redis.internal:6380", cfg.Broker.Addr())
	assert.Equal(t, 3, cfg.RTC.NumWorkers)
	assert.Equal(t, 5*time.Second, cfg.Negotiation.DtlsTimeout)
	require.Len(t, cfg.RTC.Codecs, 1)
	assert.Equal(t, domain.KindAudio, cfg.RTC.Codecs[0].Kind)
	assert.Equal(t, "audio/opus", cfg.RTC.Codecs[0].MimeType)
	assert.Equal(t, uint32(48000), cfg.RTC.Codecs[0].ClockRate)
	assert.Equal(t, uint16(2), cfg.RTC.Codecs[0].Channels)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
rtc:
  min_port: 50010
  max_port: 50000
`)
	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "port range")

	path = writeConfig(t, `
broker:
  mode: kafka
`)
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "broker.mode")

	t.Setenv("SIGNAL_RTC_NUM_WORKERS", "0")
	_, err = LoadFile(writeConfig(t, "mode: debug\n"))
	assert.ErrorContains(t, err, "num_workers")
}
