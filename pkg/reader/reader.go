// Package reader is the frame pipeline controller. A FrameReader opens a
// video source, drives the decoder into a GPU texture, converts each image
// to tightly packed RGBA and delivers it, with its presentation timestamp,
// to a callback running on a dedicated delivery queue.
package reader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/demux"
	"github.com/user/framereader/pkg/dispatch"
	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/repack"
)

var (
	// ErrAlreadyStarted is returned by StartReading outside the Idle state.
	ErrAlreadyStarted = errors.New("reader: already started")

	// ErrReleased is returned by StartReading after Release or after the
	// session ended.
	ErrReleased = errors.New("reader: released")

	// ErrMissingCollaborator is returned by New when a required option is absent.
	ErrMissingCollaborator = errors.New("reader: missing collaborator")
)

// Callback receives one tightly packed RGBA frame. pixels is only valid
// until the callback returns.
type Callback func(pixels []byte, width, height int, timestampUs int64)

// State is the session state.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// FrameReader reads one video source. Create it with New, call StartReading
// once and Release when done.
type FrameReader struct {
	id       string
	callback Callback
	opts     options
	log      ports.Logger
	delivery *dispatch.Queue

	mu       sync.Mutex
	state    State
	url      string
	desc     demux.StreamDescriptor
	src      *demux.Source
	sess     *session
	released bool
	hooks    []func()

	delivered atomic.Int64
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a reader that delivers frames to callback.
func New(callback Callback, opts ...Option) (*FrameReader, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: callback", ErrMissingCollaborator)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case o.device == nil:
		return nil, fmt.Errorf("%w: graphics device", ErrMissingCollaborator)
	case o.decoders == nil:
		return nil, fmt.Errorf("%w: decoder factory", ErrMissingCollaborator)
	case o.extractors == nil:
		return nil, fmt.Errorf("%w: extractor factory", ErrMissingCollaborator)
	}
	if o.log == nil {
		o.log = logger.NewNoop()
	}
	if o.buffers < 1 {
		o.buffers = DefaultBufferCount
	}
	if o.maxImages < 1 {
		o.maxImages = DefaultMaxImages
	}
	if o.openTimeout <= 0 {
		o.openTimeout = DefaultOpenTimeout
	}

	id := uuid.NewString()
	log := o.log.WithComponent("reader/" + id[:8])

	r := &FrameReader{
		id:       id,
		callback: callback,
		opts:     o,
		log:      log,
		delivery: dispatch.New("delivery", log),
		done:     make(chan struct{}),
	}
	r.delivery.Start()
	return r, nil
}

// ID returns the session id used in log output.
func (r *FrameReader) ID() string {
	return r.id
}

// StartReading begins reading url in the background and returns at once.
// Setup failures are reported as diagnostics; only misuse is returned.
func (r *FrameReader) StartReading(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released || r.state == StateReleased {
		return ErrReleased
	}
	if r.state != StateIdle {
		return ErrAlreadyStarted
	}
	r.state = StateInitializing
	r.url = url

	r.log.Info("Starting to read %s", url)
	go r.initialize(url)
	return nil
}

// Release stops frame production. It never blocks on decoder or GPU work and
// may be called any number of times.
func (r *FrameReader) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	src, sess, state := r.src, r.sess, r.state
	hooks := r.hooks
	r.hooks = nil
	full := r.opts.releaseMode == ReleaseModeFull
	if full || state == StateIdle {
		r.state = StateReleased
	}
	r.mu.Unlock()

	r.log.Info("Release requested in state %s", state)

	for _, fn := range hooks {
		fn()
	}

	if src != nil {
		src.Unselect()
	}

	switch {
	case state == StateIdle || state == StateReleased:
		r.closeDelivery()
	case full && sess != nil:
		sess.repacker.Close()
		if !sess.gctx.Post(func() { r.finish(sess, metrics.OutcomeReleased) }) {
			r.closeDelivery()
		}
	}
	// Without a session yet, initialize notices the release and cleans up.
}

// OnRelease registers fn to run when Release is called, before the
// teardown is scheduled. It unblocks callbacks that wait on the consumer.
// After Release, fn runs at once.
func (r *FrameReader) OnRelease(fn func()) {
	r.mu.Lock()
	if !r.released {
		r.hooks = append(r.hooks, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

// State returns the session state.
func (r *FrameReader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the session is fully released and every scheduled
// delivery has run.
func (r *FrameReader) Done() <-chan struct{} {
	return r.done
}

// URI returns the URL passed to StartReading.
func (r *FrameReader) URI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// FrameSize returns the video dimensions, or zeros before the source opened.
func (r *FrameReader) FrameSize() (width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desc.Width, r.desc.Height
}

// FrameRate returns the average frame rate reported by the container.
func (r *FrameReader) FrameRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desc.FrameRate
}

// Duration returns the track duration.
func (r *FrameReader) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.desc.DurationUs) * time.Microsecond
}

// TrackIndex returns the selected track, or -1 outside Running and Draining.
func (r *FrameReader) TrackIndex() int {
	r.mu.Lock()
	src, state := r.src, r.state
	r.mu.Unlock()
	if src == nil || (state != StateRunning && state != StateDraining) {
		return -1
	}
	return src.TrackIndex()
}

// Delivered returns the number of callbacks run.
func (r *FrameReader) Delivered() int64 {
	return r.delivered.Load()
}

func (r *FrameReader) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *FrameReader) diagnose(kind DiagnosticKind, err error) {
	r.opts.metrics.Error(kind.String())
	if r.isReleased() {
		return
	}
	d := Diagnostic{Kind: kind, Err: err}
	if d.Fatal() {
		r.log.Error("Session failed: %s", d)
	}
	if r.opts.onDiagnostic != nil {
		r.opts.onDiagnostic(d)
	}
}

// deliver schedules a repacked frame on the delivery queue. The ring buffer
// is returned once the callback has run.
func (r *FrameReader) deliver(f repack.Frame, release func()) {
	ok := r.delivery.Post(func() {
		defer release()
		r.invoke(f)
	})
	if !ok {
		release()
		r.opts.metrics.FrameDropped()
	}
}

func (r *FrameReader) invoke(f repack.Frame) {
	if r.isReleased() && r.opts.releaseMode == ReleaseModeFull {
		r.opts.metrics.FrameDropped()
		return
	}

	if sink := r.opts.sink; sink != nil && sink.Enabled() {
		if err := sink.SaveFrame(f.Sequence, f.Pixels, f.Width, f.Height, f.TimestampUs); err != nil {
			r.log.Warn("Failed to save frame %d: %v", f.Sequence, err)
		}
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Frame callback panicked: %v", p)
		}
		r.delivered.Add(1)
		r.opts.metrics.FrameDelivered(time.Since(start).Seconds())
	}()
	r.callback(f.Pixels, f.Width, f.Height, f.TimestampUs)
}

// closeDelivery stops the delivery queue and closes Done once it drained.
func (r *FrameReader) closeDelivery() {
	r.delivery.Close()
	go func() {
		<-r.delivery.Done()
		r.doneOnce.Do(func() { close(r.done) })
	}()
}
