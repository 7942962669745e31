// Package decode drives an asynchronous hardware decoder: it feeds compressed
// samples on input-ready events, renders every output to the bound surface
// and tears the decoder down once the end-of-stream output arrives.
package decode

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/framereader/pkg/demux"
	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/ports"
)

var (
	// ErrDecoderInit wraps any failure to create, configure or start the decoder.
	ErrDecoderInit = errors.New("decode: decoder initialization failed")

	// ErrInvalidState is returned when an operation does not fit the current state.
	ErrInvalidState = errors.New("decode: invalid state")
)

// State is the decoder lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateConfigured
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrorPolicy decides what a runtime decoder error does to the session.
type ErrorPolicy int

const (
	// ErrorPolicyContinue reports the error and keeps decoding.
	ErrorPolicyContinue ErrorPolicy = iota
	// ErrorPolicyAbort reports the error and tears the decoder down.
	ErrorPolicyAbort
)

func (p ErrorPolicy) String() string {
	if p == ErrorPolicyAbort {
		return "abort"
	}
	return "continue"
}

// ParseErrorPolicy parses "continue" or "abort".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "continue":
		return ErrorPolicyContinue, nil
	case "abort":
		return ErrorPolicyAbort, nil
	default:
		return 0, fmt.Errorf("unknown error policy %q", s)
	}
}

// Source is the sample pump the adapter reads from.
type Source interface {
	NextSample(dst []byte) (demux.Sample, error)
	Unselect()
	Close() error
}

// Config carries the adapter's collaborators and hooks.
type Config struct {
	Policy  ErrorPolicy
	Metrics *metrics.Collector

	// ErrorLogInterval is the minimum spacing of decoder error log lines.
	ErrorLogInterval time.Duration

	// OnEndOfStream runs after the end-of-stream teardown.
	OnEndOfStream func()
	// OnError runs for every runtime decoder error.
	OnError func(err error)
	// OnAbort runs after a teardown caused by ErrorPolicyAbort.
	OnAbort func(err error)
}

// Adapter implements ports.DecoderCallback. All callbacks arrive on the
// executor given to New.
type Adapter struct {
	factory ports.DecoderFactory
	src     Source
	exec    ports.Executor
	log     ports.Logger
	cfg     Config
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
	dec   ports.HardwareDecoder

	stopOnce   sync.Once
	queued     atomic.Int64
	rendered   atomic.Int64
	errors     atomic.Int64
	suppressed atomic.Int64
}

// New creates an adapter reading from src whose decoder events run on exec.
func New(factory ports.DecoderFactory, src Source, exec ports.Executor, log ports.Logger, cfg Config) *Adapter {
	interval := cfg.ErrorLogInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Adapter{
		factory: factory,
		src:     src,
		exec:    exec,
		log:     log.WithComponent("decode"),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Configure creates a decoder for the descriptor's MIME type and binds it to
// surface. On failure nothing is left allocated by the adapter.
func (a *Adapter) Configure(desc demux.StreamDescriptor, surface ports.Surface) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateUninitialized {
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, a.state)
	}

	dec, err := a.factory.CreateDecoderByType(desc.MIME)
	if err != nil {
		return fmt.Errorf("%w: create %s decoder: %w", ErrDecoderInit, desc.MIME, err)
	}

	dec.SetCallback(a, a.exec)
	if err := dec.Configure(desc.Format(), surface); err != nil {
		dec.Release()
		return fmt.Errorf("%w: configure %s decoder: %w", ErrDecoderInit, desc.MIME, err)
	}

	a.dec = dec
	a.state = StateConfigured
	a.log.Debug("Configured %s decoder for %dx%d", desc.MIME, desc.Width, desc.Height)
	return nil
}

// Start starts the configured decoder.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateConfigured {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, a.state)
	}
	if err := a.dec.Start(); err != nil {
		a.dec.Release()
		a.dec = nil
		a.state = StateStopped
		return fmt.Errorf("%w: start decoder: %w", ErrDecoderInit, err)
	}
	a.state = StateRunning
	return nil
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Queued returns the number of samples submitted to the decoder.
func (a *Adapter) Queued() int64 {
	return a.queued.Load()
}

// Rendered returns the number of images rendered to the output surface.
func (a *Adapter) Rendered() int64 {
	return a.rendered.Load()
}

// Errors returns the number of runtime decoder errors seen.
func (a *Adapter) Errors() int64 {
	return a.errors.Load()
}

// OnInputBufferAvailable pulls one sample into the input slot, or queues the
// end-of-stream marker once the source is exhausted or unselected. Samples
// that do not fit the slot are reported and skipped; any other read error
// ends the stream.
func (a *Adapter) OnInputBufferAvailable(dec ports.HardwareDecoder, index int) {
	if a.State() != StateRunning {
		return
	}

	buf, err := dec.InputBuffer(index)
	if err != nil {
		a.OnError(dec, fmt.Errorf("input buffer %d: %w", index, err))
		return
	}

	sample, err := a.src.NextSample(buf)
	for errors.Is(err, demux.ErrSampleTooLarge) {
		a.OnError(dec, err)
		if a.State() != StateRunning {
			return
		}
		sample, err = a.src.NextSample(buf)
	}
	if err != nil {
		if !errors.Is(err, demux.ErrEndOfStream) {
			a.OnError(dec, err)
		}
		a.queueEndOfStream(dec, index)
		return
	}

	flags := sample.Flags &^ ports.SampleFlagEndOfStream
	if err := dec.QueueInputBuffer(index, 0, sample.Size(), sample.PresentationTimeUs, flags); err != nil {
		a.OnError(dec, fmt.Errorf("queue sample at %dus: %w", sample.PresentationTimeUs, err))
		return
	}
	a.queued.Add(1)
	a.cfg.Metrics.SampleQueued()
}

func (a *Adapter) queueEndOfStream(dec ports.HardwareDecoder, index int) {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	a.state = StateDraining
	a.mu.Unlock()

	a.log.Debug("Queued %d samples, signalling end of stream", a.queued.Load())
	if err := dec.QueueInputBuffer(index, 0, 0, 0, ports.SampleFlagEndOfStream); err != nil {
		a.OnError(dec, fmt.Errorf("queue end of stream: %w", err))
	}
}

// OnOutputBufferAvailable renders the output to the surface and, on the
// end-of-stream output, runs the teardown.
func (a *Adapter) OnOutputBufferAvailable(dec ports.HardwareDecoder, index int, info ports.BufferInfo) {
	state := a.State()
	if state == StateStopped || state == StateUninitialized {
		return
	}

	render := info.Size > 0
	if err := dec.ReleaseOutputBuffer(index, render); err != nil {
		a.OnError(dec, fmt.Errorf("release output %d: %w", index, err))
	} else if render {
		a.rendered.Add(1)
		a.cfg.Metrics.FrameRendered()
	}

	if info.Flags.Has(ports.SampleFlagEndOfStream) {
		a.log.Info("Decoder reached end of stream after %d frames", a.rendered.Load())
		if a.teardown() && a.cfg.OnEndOfStream != nil {
			a.cfg.OnEndOfStream()
		}
	}
}

// OnError reports a runtime decoder error. Log output is rate limited.
func (a *Adapter) OnError(dec ports.HardwareDecoder, err error) {
	a.errors.Add(1)

	if a.limiter.Allow() {
		if n := a.suppressed.Swap(0); n > 0 {
			a.log.Warn("Decoder error: %v (%d similar errors suppressed)", err, n)
		} else {
			a.log.Warn("Decoder error: %v", err)
		}
	} else {
		a.suppressed.Add(1)
	}

	if a.cfg.OnError != nil {
		a.cfg.OnError(err)
	}

	if a.cfg.Policy == ErrorPolicyAbort {
		if a.teardown() && a.cfg.OnAbort != nil {
			a.cfg.OnAbort(err)
		}
	}
}

// OnOutputFormatChanged logs the new output format.
func (a *Adapter) OnOutputFormatChanged(dec ports.HardwareDecoder, format ports.TrackFormat) {
	a.log.Debug("Decoder output format: %s %dx%d", format.MIME, format.Width, format.Height)
}

// Shutdown stops and releases the decoder and closes the source if the
// end-of-stream teardown has not already done so.
func (a *Adapter) Shutdown() {
	a.teardown()
}

// teardown runs at most once. It reports whether this call performed it.
func (a *Adapter) teardown() bool {
	ran := false
	a.stopOnce.Do(func() {
		ran = true

		a.mu.Lock()
		dec := a.dec
		a.dec = nil
		a.state = StateStopped
		a.mu.Unlock()

		a.src.Unselect()
		if err := a.src.Close(); err != nil {
			a.log.Warn("Failed to close source: %v", err)
		}
		if dec == nil {
			return
		}
		if err := dec.Stop(); err != nil {
			a.log.Warn("Failed to stop decoder: %v", err)
		}
		dec.Release()
		a.log.Debug("Decoder released")
	})
	return ran
}

var _ ports.DecoderCallback = (*Adapter)(nil)
