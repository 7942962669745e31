package reader

import (
	"fmt"
	"time"

	"github.com/user/framereader/pkg/decode"
	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/transform"
)

// ReleaseMode selects how much Release tears down.
type ReleaseMode int

const (
	// ReleaseModeFull unselects the track and schedules a complete teardown
	// of the decoder, texture, render context, image reader and delivery
	// queue.
	ReleaseModeFull ReleaseMode = iota
	// ReleaseModeUnselectOnly only unselects the track. The decoder then
	// drains to end of stream and tears itself down.
	ReleaseModeUnselectOnly
)

func (m ReleaseMode) String() string {
	if m == ReleaseModeUnselectOnly {
		return "unselect-only"
	}
	return "full"
}

// ParseReleaseMode parses "full" or "unselect-only".
func ParseReleaseMode(s string) (ReleaseMode, error) {
	switch s {
	case "", "full":
		return ReleaseModeFull, nil
	case "unselect-only":
		return ReleaseModeUnselectOnly, nil
	default:
		return 0, fmt.Errorf("unknown release mode %q", s)
	}
}

// ExtractorFactory creates one extractor per session.
type ExtractorFactory func() ports.Extractor

// Defaults
const (
	DefaultBufferCount = 2
	DefaultMaxImages   = 4
	DefaultOpenTimeout = 30 * time.Second
)

type options struct {
	log          ports.Logger
	onDiagnostic func(Diagnostic)
	device       ports.GraphicsDevice
	decoders     ports.DecoderFactory
	extractors   ExtractorFactory
	metrics      *metrics.Collector
	buffers      int
	maxImages    int
	policy       decode.ErrorPolicy
	releaseMode  ReleaseMode
	correction   transform.Correction
	sink         ports.FrameSink
	openTimeout  time.Duration
}

// Option configures a FrameReader.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log ports.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDiagnostics sets the handler receiving session diagnostics. It is
// called from internal goroutines and must not block.
func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(o *options) { o.onDiagnostic = fn }
}

// WithGraphicsDevice sets the device providing the render context and image reader.
func WithGraphicsDevice(d ports.GraphicsDevice) Option {
	return func(o *options) { o.device = d }
}

// WithDecoderFactory sets the hardware decoder factory.
func WithDecoderFactory(f ports.DecoderFactory) Option {
	return func(o *options) { o.decoders = f }
}

// WithExtractorFactory sets the demuxer factory.
func WithExtractorFactory(f ExtractorFactory) Option {
	return func(o *options) { o.extractors = f }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithBufferCount sets the number of pixel buffers in the delivery ring.
// One buffer makes every conversion wait for the previous callback to return.
func WithBufferCount(n int) Option {
	return func(o *options) { o.buffers = n }
}

// WithMaxImages bounds the image reader queue.
func WithMaxImages(n int) Option {
	return func(o *options) { o.maxImages = n }
}

// WithErrorPolicy sets what a runtime decoder error does to the session.
func WithErrorPolicy(p decode.ErrorPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithReleaseMode sets how much Release tears down.
func WithReleaseMode(m ReleaseMode) Option {
	return func(o *options) { o.releaseMode = m }
}

// WithCorrection replaces the texture coordinate correction.
func WithCorrection(c transform.Correction) Option {
	return func(o *options) { o.correction = c }
}

// WithFrameSink saves every delivered frame to sink when it is enabled.
func WithFrameSink(s ports.FrameSink) Option {
	return func(o *options) { o.sink = s }
}

// WithOpenTimeout bounds how long opening the source may take.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) { o.openTimeout = d }
}

func defaultOptions() options {
	return options{
		buffers:     DefaultBufferCount,
		maxImages:   DefaultMaxImages,
		policy:      decode.ErrorPolicyContinue,
		releaseMode: ReleaseModeFull,
		correction:  transform.TopLeftOrigin,
		openTimeout: DefaultOpenTimeout,
	}
}
