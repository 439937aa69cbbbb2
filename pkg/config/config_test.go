package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadClientConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, cfg.Cadence.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Settle.Duration)
	assert.Equal(t, time.Duration(0), cfg.Timeout.Duration)
	assert.Equal(t, float32(0.1), cfg.Speed.Z)
	assert.Equal(t, "50", cfg.ReportFrequency)
	assert.Error(t, cfg.Validate(), "address is required")
}

func TestLoadClientConfigFileAndEnv(t *testing.T) {
	path := writeFile(t, "client.json", `{
		"addr": " 10.0.0.2:8439 ",
		"timeout": "10s",
		"cadence": 40,
		"dns_servers": [" 1.1.1.1:53 ", ""],
		"speed": {"speed_z": 0.3}
	}`)
	t.Setenv("BASECTL_REPORT_FREQUENCY", "10")
	t.Setenv("BASECTL_SPEED_Z", "0.2")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8439", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.Timeout.Duration)
	assert.Equal(t, 40*time.Millisecond, cfg.Cadence.Duration)
	assert.Equal(t, []string{"1.1.1.1:53"}, cfg.DNSServers)
	assert.Equal(t, "10", cfg.ReportFrequency)
	assert.Equal(t, float32(0.2), cfg.Speed.Z)
	assert.NoError(t, cfg.Validate())
}

func TestLoadClientConfigExplicitMissingFile(t *testing.T) {
	_, err := LoadClientConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadClientConfigBadEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BASECTL_TIMEOUT", "soon")
	_, err := LoadClientConfig("")
	assert.Error(t, err)
}

func TestLoadSimConfig(t *testing.T) {
	path := writeFile(t, "sim.json", `{"protocol_major_version": 2, "log": "low battery"}`)
	t.Setenv("BASESIM_ADDR", "127.0.0.1:0")
	cfg, err := LoadSimConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cfg.ProtocolMajorVersion)
	assert.Equal(t, "low battery", cfg.Log)
	assert.Equal(t, "127.0.0.1:0", cfg.Addr)

	_, err = LoadSimConfig(writeFile(t, "sim.yaml", "addr: x"))
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
