package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
engine:
  max_parallel: 4
  condition_poll_interval: 5s
log:
  level: debug
  format: json
  output: stdout
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Engine.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Engine.ConditionPollInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Engine.ShutdownTimeout)
	assert.True(t, cfg.Engine.Recover)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddress)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad driver", "store:\n  driver: postgres\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"bad exporter", "tracing:\n  enabled: true\n  exporter: jaeger\n"},
		{"sampling out of range", "tracing:\n  sampling_rate: 1.5\n"},
		{"not yaml", "{{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTelemetryConversion(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Metrics.Enabled = true

	tcfg := cfg.Telemetry("1.2.3")
	assert.Equal(t, "loom", tcfg.ServiceName)
	assert.Equal(t, "1.2.3", tcfg.ServiceVersion)
	assert.Equal(t, "warn", tcfg.Logging.Level)
	assert.True(t, tcfg.Metrics.Enabled)
	assert.NoError(t, tcfg.Validate())
}
