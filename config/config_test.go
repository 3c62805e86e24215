package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.Bus.QueueCapacity)
	assert.Equal(t, "structured", cfg.ErrorLog.Format)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing app name", func(c *Config) { c.App.Name = "" }},
		{"tiny queue", func(c *Config) { c.Bus.QueueCapacity = 2 }},
		{"zero delivery timeout", func(c *Config) { c.Bus.DeliveryTimeout = 0 }},
		{"bad multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"probes below success threshold", func(c *Config) {
			c.Breaker.SuccessThreshold = 3
			c.Breaker.HalfOpenProbes = 1
		}},
		{"bad severity", func(c *Config) { c.ErrorLog.MinSeverity = "verbose" }},
		{"bad format", func(c *Config) { c.ErrorLog.Format = "xml" }},
		{"cpu limit out of range", func(c *Config) {
			c.Resource.Limits = map[string]ResourceLimits{
				"storage": {MaxCPUPercent: 150},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration

	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`"not-a-duration"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"app": {"name": "skelly-test"},
		"bus": {"queue_capacity": 256, "delivery_timeout": "2s"},
		"error_log": {"min_severity": "warning"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "skelly-test", cfg.App.Name)
	assert.Equal(t, 256, cfg.Bus.QueueCapacity)
	assert.Equal(t, 2*time.Second, cfg.Bus.DeliveryTimeout.Std())
	assert.Equal(t, "warning", cfg.ErrorLog.MinSeverity)

	// Defaults preserved for untouched fields
	assert.Equal(t, 3, cfg.Bus.MaxRetries)
	assert.Equal(t, "structured", cfg.ErrorLog.Format)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("SKELLY_ENVIRONMENT", "test")
	t.Setenv("SKELLY_LOG_SEVERITY", "ERROR")
	t.Setenv("SKELLY_METRICS_PORT", "9999")

	loader := NewLoader()
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, "error", cfg.ErrorLog.MinSeverity)
	assert.Equal(t, 9999, cfg.Metrics.Port)
}

func TestLoader_RejectsNonJSONPath(t *testing.T) {
	loader := NewLoader()
	_, err := loader.LoadFile("/tmp/config.yaml")
	assert.Error(t, err)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(Defaults())

	// Get returns a copy: mutations do not leak back
	got := sc.Get()
	got.App.Name = "mutated"
	assert.Equal(t, "skelly-jelly", sc.Get().App.Name)

	// Update validates
	bad := Defaults()
	bad.App.Name = ""
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	good := Defaults()
	good.App.Name = "updated"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "updated", sc.Get().App.Name)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":{"b":[1,2,3]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a":`)))

	deep := ""
	for i := 0; i < maxJSONDepth+1; i++ {
		deep += "["
	}
	for i := 0; i < maxJSONDepth+1; i++ {
		deep += "]"
	}
	assert.Error(t, validateJSONDepth([]byte(deep)))
}

func TestConfig_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.json")

	cfg := Defaults()
	cfg.App.Name = "roundtrip"
	require.NoError(t, cfg.SaveToFile(path))

	loader := NewLoader()
	loaded, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.App.Name)
	assert.Equal(t, cfg.Bus.DeliveryTimeout, loaded.Bus.DeliveryTimeout)
}
