// Package convert turns decoder output latched on an external texture into
// an upright RGBA image on the render context's target.
package convert

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/transform"
)

// Config carries optional collaborators of a Stage.
type Config struct {
	// Correction is applied to the texture transform before blitting.
	// Defaults to transform.TopLeftOrigin.
	Correction transform.Correction
	Metrics    *metrics.Collector

	// OnConverted runs on the render context after every frame-available
	// event, whether or not the conversion succeeded.
	OnConverted func()
}

// Stage owns the external texture the decoder renders into and the blit
// encoder that converts it. All methods except Converted, Failed and
// Processed must be called on the render context.
type Stage struct {
	ctx        ports.RenderContext
	texture    ports.ExternalTexture
	blit       ports.BlitEncoder
	correction transform.Correction
	log        ports.Logger
	cfg        Config

	converted atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	released bool
}

// New allocates the texture and the blit encoder on ctx and subscribes to
// the texture's frame-available events.
func New(ctx ports.RenderContext, log ports.Logger, cfg Config) (*Stage, error) {
	texture, err := ctx.CreateExternalTexture()
	if err != nil {
		return nil, fmt.Errorf("create external texture: %w", err)
	}

	blit, err := ctx.NewBlitEncoder()
	if err != nil {
		texture.Release()
		return nil, fmt.Errorf("create blit encoder: %w", err)
	}

	correction := cfg.Correction
	if correction == nil {
		correction = transform.TopLeftOrigin
	}

	s := &Stage{
		ctx:        ctx,
		texture:    texture,
		blit:       blit,
		correction: correction,
		log:        log.WithComponent("convert"),
		cfg:        cfg,
	}
	texture.SetOnFrameAvailable(s.OnFrameAvailable, ctx)
	s.log.Debug("Created texture %d with %s correction", texture.ID(), correction.Name())
	return s, nil
}

// Surface is the producer surface the decoder renders into.
func (s *Stage) Surface() ports.Surface {
	return s.texture.Surface()
}

// TextureID returns the external texture name.
func (s *Stage) TextureID() uint32 {
	return s.texture.ID()
}

// OnFrameAvailable converts the next decoded image: latch it, correct the
// producer transform, blit and present it with the image's timestamp.
func (s *Stage) OnFrameAvailable() {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return
	}

	if err := s.convert(); err != nil {
		s.failed.Add(1)
		s.log.Warn("Frame conversion failed: %v", err)
	} else {
		s.converted.Add(1)
		s.cfg.Metrics.FrameConverted()
	}

	if s.cfg.OnConverted != nil {
		s.cfg.OnConverted()
	}
}

func (s *Stage) convert() error {
	if err := s.texture.UpdateTexImage(); err != nil {
		return fmt.Errorf("update texture: %w", err)
	}

	m := s.correction.Apply(s.texture.TransformMatrix())
	if err := s.blit.Blit(s.texture.ID(), m); err != nil {
		return fmt.Errorf("blit texture %d: %w", s.texture.ID(), err)
	}

	s.ctx.SetPresentationTime(s.texture.Timestamp())
	if err := s.ctx.SwapBuffers(); err != nil {
		return fmt.Errorf("swap buffers: %w", err)
	}
	return nil
}

// Converted returns the number of successful conversions.
func (s *Stage) Converted() int64 {
	return s.converted.Load()
}

// Failed returns the number of conversions that failed.
func (s *Stage) Failed() int64 {
	return s.failed.Load()
}

// Processed returns the number of frame-available events handled.
func (s *Stage) Processed() int64 {
	return s.converted.Load() + s.failed.Load()
}

// Release frees the blit encoder and the texture. It is idempotent.
func (s *Stage) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.blit.Release()
	s.texture.Release()
	s.log.Debug("Released texture after %d conversions", s.converted.Load())
}
