package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/framereader/pkg/adapters/framesink"
	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/adapters/mp4extractor"
	"github.com/user/framereader/pkg/adapters/nullsink"
	"github.com/user/framereader/pkg/mocks"
	"github.com/user/framereader/pkg/transform"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.BufferCount)
	assert.Equal(t, "continue", cfg.ErrorPolicy)
	assert.Equal(t, "full", cfg.ReleaseMode)
	assert.Equal(t, "top-left-origin", cfg.Correction)
	assert.Equal(t, 64, cfg.RowAlignment)
	assert.False(t, cfg.Debug.Enabled)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.yaml")
	yaml := `
buffer_count: 3
error_policy: abort
release_mode: unselect-only
log:
  level: debug
  format: json
debug:
  enabled: true
  every: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.BufferCount)
	assert.Equal(t, "abort", cfg.ErrorPolicy)
	assert.Equal(t, "unselect-only", cfg.ReleaseMode)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Debug.Enabled)
	assert.Equal(t, 5, cfg.Debug.Every)

	// Untouched fields keep their defaults.
	assert.Equal(t, Defaults().MaxImages, cfg.MaxImages)
	assert.Equal(t, "./debug", cfg.Debug.Dir)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buffer_count: [1, 2"), 0644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero buffers", func(c *Config) { c.BufferCount = 0 }},
		{"one image", func(c *Config) { c.MaxImages = 1 }},
		{"negative timeout", func(c *Config) { c.OpenTimeoutMs = -1 }},
		{"negative alignment", func(c *Config) { c.RowAlignment = -4 }},
		{"error policy", func(c *Config) { c.ErrorPolicy = "retry" }},
		{"release mode", func(c *Config) { c.ReleaseMode = "partial" }},
		{"correction", func(c *Config) { c.Correction = "bottom-left" }},
		{"filter", func(c *Config) { c.Filter = "lanczos" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"debug without dir", func(c *Config) { c.Debug.Enabled = true; c.Debug.Dir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseCorrection(t *testing.T) {
	c, err := ParseCorrection("")
	require.NoError(t, err)
	assert.Equal(t, transform.TopLeftOrigin.Name(), c.Name())

	c, err = ParseCorrection("none")
	require.NoError(t, err)
	assert.Equal(t, transform.Identity(), c.Apply(transform.Identity()))
}

func TestNewFrameSink(t *testing.T) {
	cfg := Defaults()
	_, ok := cfg.NewFrameSink().(*nullsink.Sink)
	assert.True(t, ok)

	cfg.Debug.Enabled = true
	cfg.Debug.Dir = t.TempDir()
	sink, ok := cfg.NewFrameSink().(*framesink.Sink)
	require.True(t, ok)
	assert.True(t, sink.Enabled())
}

func TestNewLogger(t *testing.T) {
	cfg := Defaults()
	log, err := cfg.NewLogger()
	require.NoError(t, err)
	_, ok := log.(*logger.ConsoleLogger)
	assert.True(t, ok)

	cfg.Log.Format = "json"
	cfg.Log.Output = filepath.Join(t.TempDir(), "logs", "reader.log")
	log, err = cfg.NewLogger()
	require.NoError(t, err)
	_, ok = log.(*logger.StructuredLogger)
	assert.True(t, ok)
}

func TestNewExtractorFactoryCreatesFreshExtractors(t *testing.T) {
	factory := Defaults().NewExtractorFactory(logger.NewNoop())
	a := factory()
	b := factory()
	_, ok := a.(*mp4extractor.Extractor)
	assert.True(t, ok)
	assert.NotSame(t, a, b)
}

func TestReaderOptions(t *testing.T) {
	cfg := Defaults()
	opts, err := cfg.ReaderOptions(logger.NewNoop(), prometheus.NewRegistry(), mocks.NewDecoderFactory())
	require.NoError(t, err)
	assert.Len(t, opts, 12)

	cfg.BufferCount = 0
	_, err = cfg.ReaderOptions(logger.NewNoop(), nil, mocks.NewDecoderFactory())
	assert.ErrorIs(t, err, ErrInvalid)
}
