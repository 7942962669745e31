// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/user/framereader/pkg/adapters/ffmpegcodec"
	"github.com/user/framereader/pkg/adapters/framesink"
	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/adapters/mp4extractor"
	"github.com/user/framereader/pkg/adapters/nullsink"
	"github.com/user/framereader/pkg/adapters/osfilesystem"
	"github.com/user/framereader/pkg/adapters/softgpu"
	"github.com/user/framereader/pkg/decode"
	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/reader"
	"github.com/user/framereader/pkg/transform"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid value")

// Config represents the full configuration of a frame reader.
type Config struct {
	Log LogConfig `yaml:"log"`

	// Pipeline
	BufferCount   int    `yaml:"buffer_count"`
	MaxImages     int    `yaml:"max_images"`
	ErrorPolicy   string `yaml:"error_policy"`
	ReleaseMode   string `yaml:"release_mode"`
	Correction    string `yaml:"correction"`
	OpenTimeoutMs int    `yaml:"open_timeout_ms"`

	// Graphics
	RowAlignment int    `yaml:"row_alignment"`
	Filter       string `yaml:"filter"`

	// Decoding
	FFmpegPath string `yaml:"ffmpeg_path"`

	Metrics MetricsConfig `yaml:"metrics"`
	Debug   DebugConfig   `yaml:"debug"`
}

// LogConfig selects the logger and its output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig names the prometheus namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// DebugConfig controls saving delivered frames as PNG files.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Every   int    `yaml:"every"`
	Overlay bool   `yaml:"overlay"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	gpu := softgpu.DefaultConfig()
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},

		BufferCount:   reader.DefaultBufferCount,
		MaxImages:     reader.DefaultMaxImages,
		ErrorPolicy:   decode.ErrorPolicyContinue.String(),
		ReleaseMode:   reader.ReleaseModeFull.String(),
		Correction:    transform.TopLeftOrigin.Name(),
		OpenTimeoutMs: int(reader.DefaultOpenTimeout / time.Millisecond),

		RowAlignment: gpu.RowAlignment,
		Filter:       gpu.Filter,

		Metrics: MetricsConfig{Namespace: "framereader"},

		Debug: DebugConfig{
			Dir:   "./debug",
			Every: 1,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of Defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if c.BufferCount < 1 {
		return fmt.Errorf("%w: buffer_count must be at least 1, got %d", ErrInvalid, c.BufferCount)
	}
	if c.MaxImages < 2 {
		return fmt.Errorf("%w: max_images must be at least 2, got %d", ErrInvalid, c.MaxImages)
	}
	if c.OpenTimeoutMs < 0 {
		return fmt.Errorf("%w: open_timeout_ms must not be negative", ErrInvalid)
	}
	if c.RowAlignment < 0 {
		return fmt.Errorf("%w: row_alignment must not be negative", ErrInvalid)
	}
	if _, err := decode.ParseErrorPolicy(c.ErrorPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := reader.ParseReleaseMode(c.ReleaseMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := ParseCorrection(c.Correction); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Filter {
	case "", "nearest", "bilinear":
	default:
		return fmt.Errorf("%w: unknown filter %q", ErrInvalid, c.Filter)
	}
	if _, err := ports.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "", "console", "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	if c.Debug.Enabled && c.Debug.Dir == "" {
		return fmt.Errorf("%w: debug.dir is required when debug is enabled", ErrInvalid)
	}
	return nil
}

// ParseCorrection maps a correction name to its transform.
func ParseCorrection(name string) (transform.Correction, error) {
	switch name {
	case "", transform.TopLeftOrigin.Name():
		return transform.TopLeftOrigin, nil
	case transform.None.Name():
		return transform.None, nil
	default:
		return nil, fmt.Errorf("unknown correction %q", name)
	}
}

// NewLogger builds the configured logger.
func (c Config) NewLogger() (ports.Logger, error) {
	return logger.New(logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Output:     c.Log.Output,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	})
}

// NewDevice builds the graphics device.
func (c Config) NewDevice(log ports.Logger) (*softgpu.Device, error) {
	return softgpu.NewDevice(softgpu.Config{
		RowAlignment: c.RowAlignment,
		Filter:       c.Filter,
	}, log)
}

// NewFrameSink returns a PNG sink when debug output is enabled and a null
// sink otherwise.
func (c Config) NewFrameSink() ports.FrameSink {
	if !c.Debug.Enabled {
		return nullsink.New()
	}
	return framesink.New(framesink.Config{
		Dir:     c.Debug.Dir,
		Every:   c.Debug.Every,
		Overlay: c.Debug.Overlay,
	}, osfilesystem.New())
}

// NewExtractorFactory returns a factory of MP4 extractors.
func (c Config) NewExtractorFactory(log ports.Logger) reader.ExtractorFactory {
	return func() ports.Extractor {
		return mp4extractor.New(mp4extractor.WithLogger(log))
	}
}

// ReaderOptions converts the configuration to reader options. The decoder
// factory is built only when decoders is nil, which requires ffmpeg. A nil
// reg disables metrics.
func (c Config) ReaderOptions(log ports.Logger, reg prometheus.Registerer, decoders ports.DecoderFactory) ([]reader.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	policy, _ := decode.ParseErrorPolicy(c.ErrorPolicy)
	mode, _ := reader.ParseReleaseMode(c.ReleaseMode)
	correction, _ := ParseCorrection(c.Correction)

	device, err := c.NewDevice(log)
	if err != nil {
		return nil, fmt.Errorf("create graphics device: %w", err)
	}

	if decoders == nil {
		f, err := ffmpegcodec.NewFactory(c.FFmpegPath, log)
		if err != nil {
			return nil, fmt.Errorf("create decoder factory: %w", err)
		}
		decoders = f
	}

	var collector *metrics.Collector
	if reg != nil {
		collector = metrics.New(reg, c.Metrics.Namespace)
	}

	return []reader.Option{
		reader.WithLogger(log),
		reader.WithGraphicsDevice(device),
		reader.WithDecoderFactory(decoders),
		reader.WithExtractorFactory(c.NewExtractorFactory(log)),
		reader.WithMetrics(collector),
		reader.WithBufferCount(c.BufferCount),
		reader.WithMaxImages(c.MaxImages),
		reader.WithErrorPolicy(policy),
		reader.WithReleaseMode(mode),
		reader.WithCorrection(correction),
		reader.WithFrameSink(c.NewFrameSink()),
		reader.WithOpenTimeout(time.Duration(c.OpenTimeoutMs) * time.Millisecond),
	}, nil
}
