package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/user/framereader/pkg/convert"
	"github.com/user/framereader/pkg/decode"
	"github.com/user/framereader/pkg/demux"
	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/repack"
)

// session holds the GPU and decoder resources of one StartReading call.
// Everything except repacker.Close runs on gctx.
type session struct {
	desc     demux.StreamDescriptor
	src      *demux.Source
	images   ports.ImageReader
	gctx     ports.RenderContext
	repacker *repack.Repacker
	stage    *convert.Stage
	dec      *decode.Adapter

	eos        atomic.Bool
	finishOnce sync.Once
	scheduled  atomic.Bool
}

// initialize opens the source and builds the session. It runs on its own
// goroutine so StartReading never blocks.
func (r *FrameReader) initialize(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.openTimeout)
	defer cancel()

	src := demux.NewSource(r.opts.extractors(), r.log)
	desc, err := src.Open(ctx, url)
	if err != nil {
		if cerr := src.Close(); cerr != nil {
			r.log.Warn("Failed to close source: %v", cerr)
		}
		kind := SourceUnavailable
		if errors.Is(err, demux.ErrNoVideoTrack) {
			kind = NoVideoTrack
		}
		r.setupFailed(kind, err)
		return
	}

	r.mu.Lock()
	r.src = src
	r.desc = desc
	released := r.released
	r.mu.Unlock()

	if released {
		src.Unselect()
		if r.opts.releaseMode == ReleaseModeFull {
			if err := src.Close(); err != nil {
				r.log.Warn("Failed to close source: %v", err)
			}
			r.endWithoutSession()
			return
		}
	}

	s, err := r.newSession(desc, src)
	if err != nil {
		if cerr := src.Close(); cerr != nil {
			r.log.Warn("Failed to close source: %v", cerr)
		}
		r.setupFailed(DecoderInitError, err)
		return
	}

	r.mu.Lock()
	r.sess = s
	abort := r.released && r.opts.releaseMode == ReleaseModeFull
	r.mu.Unlock()

	r.opts.metrics.SessionStarted()
	s.gctx.Post(func() { r.setup(s) })
	if abort {
		s.repacker.Close()
		s.gctx.Post(func() { r.finish(s, metrics.OutcomeReleased) })
	}
}

// newSession creates the image reader, the render context and the repacker
// and starts the context. Partially created resources are released on error.
func (r *FrameReader) newSession(desc demux.StreamDescriptor, src *demux.Source) (*session, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", desc.Width, desc.Height)
	}

	images, err := r.opts.device.NewImageReader(desc.Width, desc.Height, r.opts.maxImages)
	if err != nil {
		return nil, fmt.Errorf("create image reader: %w", err)
	}

	gctx, err := r.opts.device.NewRenderContext(images.Surface())
	if err != nil {
		images.Close()
		return nil, fmt.Errorf("create render context: %w", err)
	}

	s := &session{
		desc:   desc,
		src:    src,
		images: images,
		gctx:   gctx,
	}
	s.repacker = repack.New(images, r.opts.buffers, r.deliver, r.log)
	images.SetOnImageAvailable(s.repacker.OnImageAvailable, gctx)

	if err := gctx.Start(); err != nil {
		gctx.Release()
		images.Close()
		return nil, fmt.Errorf("start render context: %w", err)
	}
	return s, nil
}

// setup runs on the render context: texture, conversion stage, decoder.
func (r *FrameReader) setup(s *session) {
	if r.isReleased() && r.opts.releaseMode == ReleaseModeFull {
		return
	}

	stage, err := convert.New(s.gctx, r.log, convert.Config{
		Correction:  r.opts.correction,
		Metrics:     r.opts.metrics,
		OnConverted: func() { r.checkDrained(s) },
	})
	if err != nil {
		r.abortSetup(s, err)
		return
	}
	s.stage = stage

	s.dec = decode.New(r.opts.decoders, s.src, s.gctx, r.log, decode.Config{
		Policy:        r.opts.policy,
		Metrics:       r.opts.metrics,
		OnEndOfStream: func() { r.onEndOfStream(s) },
		OnError:       func(err error) { r.diagnose(DecoderError, err) },
		OnAbort: func(err error) {
			r.log.Error("Aborting session after decoder error: %v", err)
			r.finish(s, metrics.OutcomeFailed)
		},
	})

	if err := s.dec.Configure(s.desc, stage.Surface()); err != nil {
		r.abortSetup(s, err)
		return
	}
	if err := s.dec.Start(); err != nil {
		r.abortSetup(s, err)
		return
	}

	r.mu.Lock()
	if r.state == StateInitializing {
		r.state = StateRunning
	}
	r.mu.Unlock()
	r.log.Info("Decoding %s %dx%d", s.desc.MIME, s.desc.Width, s.desc.Height)
}

// abortSetup releases the partially built session and returns to Idle.
func (r *FrameReader) abortSetup(s *session, err error) {
	s.finishOnce.Do(func() {
		r.release(s)
		r.opts.metrics.SessionFinished(metrics.OutcomeFailed)
		r.setupFailed(DecoderInitError, err)
	})
}

// setupFailed reports a setup diagnostic and returns to Idle, or completes
// the release if one was requested meanwhile.
func (r *FrameReader) setupFailed(kind DiagnosticKind, err error) {
	r.diagnose(kind, err)

	r.mu.Lock()
	r.src = nil
	r.sess = nil
	released := r.released
	if released {
		r.state = StateReleased
	} else {
		r.state = StateIdle
	}
	r.mu.Unlock()

	if released {
		r.closeDelivery()
	}
}

func (r *FrameReader) endWithoutSession() {
	r.mu.Lock()
	r.state = StateReleased
	r.src = nil
	r.mu.Unlock()
	r.closeDelivery()
}

func (r *FrameReader) onEndOfStream(s *session) {
	r.mu.Lock()
	if r.state == StateRunning || r.state == StateInitializing {
		r.state = StateDraining
	}
	r.mu.Unlock()

	s.eos.Store(true)
	r.checkDrained(s)
}

// checkDrained schedules the finish once every rendered image went through
// the conversion stage. The finish is posted so that image-available events
// raised by the last conversion run before it.
func (r *FrameReader) checkDrained(s *session) {
	if !s.eos.Load() || s.stage == nil || s.dec == nil {
		return
	}
	if s.stage.Processed() < s.dec.Rendered() {
		return
	}
	if !s.scheduled.CompareAndSwap(false, true) {
		return
	}
	outcome := metrics.OutcomeCompleted
	if r.isReleased() {
		outcome = metrics.OutcomeReleased
	}
	s.gctx.Post(func() { r.finish(s, outcome) })
}

// finish tears the session down and ends the reader. It runs on gctx.
func (r *FrameReader) finish(s *session, outcome string) {
	s.finishOnce.Do(func() {
		r.release(s)
		r.opts.metrics.SessionFinished(outcome)

		r.mu.Lock()
		r.state = StateReleased
		r.mu.Unlock()

		r.log.Info("Session %s after %d frames", outcome, r.delivered.Load())
		r.closeDelivery()
	})
}

// release frees every session resource. Each step is idempotent, so the
// end-of-stream path and Release may both reach it.
func (r *FrameReader) release(s *session) {
	s.repacker.Close()
	if s.dec != nil {
		s.dec.Shutdown()
	} else {
		s.src.Unselect()
		if err := s.src.Close(); err != nil {
			r.log.Warn("Failed to close source: %v", err)
		}
	}
	if s.stage != nil {
		s.stage.Release()
	}
	s.images.Close()
	s.gctx.Release()
}
