package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/golaborate-awg/proteus"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `addr: ":9000"
instrument: 10.0.0.2:5025
timeout: 2s
awg:
  sampleRate: 1.125e9
  channel: 2
  trigger:
    input: 2
    level: 1.5
    slope: NEG
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "10.0.0.2:5025", c.Instrument)
	assert.Equal(t, 2*time.Second, c.Timeout)
	assert.Equal(t, 1.125e9, c.AWG.SampleRate)
	assert.Equal(t, 2, c.AWG.Channel)
	assert.Equal(t, 16, c.AWG.Bits, "defaults survive a partial file")
	assert.Equal(t, proteus.Trigger{Input: 2, Level: 1.5, Slope: proteus.Negative}, c.AWG.Trigger)
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("AWG_LOGLEVEL=debug\n"), 0o644))
	t.Setenv("AWG_AWG__SAMPLERATE", "2.5e9")
	t.Setenv("AWG_ADDR", ":7000")
	t.Cleanup(func() { os.Unsetenv("AWG_LOGLEVEL") })

	c, err := Load(filepath.Join(dir, FileName), dotenv, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Addr)
	assert.Equal(t, 2.5e9, c.AWG.SampleRate)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestWriteRoundTrip(t *testing.T) {
	c := Default()
	c.AWG.Trigger.Slope = proteus.Negative
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	assert.Contains(t, buf.String(), "slope: NEG")

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestSCPILimiter(t *testing.T) {
	c := Default()
	s := c.SCPI()
	require.NotNil(t, s.Limiter)
	assert.Equal(t, 20, s.Limiter.Burst())
	s.Pool.Close()

	c.RateLimit = 0
	s = c.SCPI()
	assert.Nil(t, s.Limiter)
	s.Pool.Close()
}

func TestOpenRejectsBadConfig(t *testing.T) {
	c := Default()
	c.AWG.Channel = 0
	_, err := c.Open(nil)
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	c := Default()
	c.LogJSON = true
	log := c.Logger("awg", &buf)
	log.Info("hello", "k", 1)
	log.Debug("hidden")
	assert.Contains(t, buf.String(), `"@message":"hello"`)
	assert.NotContains(t, buf.String(), "hidden")
}
