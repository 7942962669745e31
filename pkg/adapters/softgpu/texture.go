package softgpu

import (
	"image"
	"sync"

	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/transform"
)

type textureFrame struct {
	img       image.Image
	timestamp int64
}

// Texture is an external texture fed by its producer surface. Each queued
// image raises one frame-available event; UpdateTexImage latches the oldest
// pending image.
type Texture struct {
	ctx *RenderContext
	id  uint32

	mu        sync.Mutex
	pending   []textureFrame
	current   image.Image
	timestamp int64
	listener  func()
	exec      ports.Executor
	released  bool
}

func (t *Texture) ID() uint32 { return t.id }

// Surface returns the producer surface decoders render into.
func (t *Texture) Surface() ports.Surface {
	return textureSurface{t}
}

// SetOnFrameAvailable registers fn, posted to exec for every queued image.
func (t *Texture) SetOnFrameAvailable(fn func(), exec ports.Executor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = fn
	t.exec = exec
}

// UpdateTexImage latches the oldest pending image. Without pending images the
// current one is kept.
func (t *Texture) UpdateTexImage() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	if len(t.pending) == 0 {
		return nil
	}
	f := t.pending[0]
	t.pending[0] = textureFrame{}
	t.pending = t.pending[1:]
	t.current = f.img
	t.timestamp = f.timestamp
	return nil
}

// TransformMatrix returns the texture coordinate transform, which is the
// vertical flip a GL producer reports for bottom-left origin textures.
func (t *Texture) TransformMatrix() transform.Mat4 {
	return transform.FlipV()
}

// Timestamp returns the latched image's timestamp in nanoseconds.
func (t *Texture) Timestamp() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timestamp
}

// Release frees the texture. It is idempotent.
func (t *Texture) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	t.pending = nil
	t.current = nil
	t.listener = nil
	t.mu.Unlock()

	t.ctx.forget(t.id)
	t.ctx.dev.release(KindTexture)
}

func (t *Texture) latched() image.Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

type textureSurface struct {
	t *Texture
}

func (s textureSurface) QueueImage(img image.Image, timestampNs int64) error {
	t := s.t
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return ErrReleased
	}
	t.pending = append(t.pending, textureFrame{img: img, timestamp: timestampNs})
	listener, exec := t.listener, t.exec
	t.mu.Unlock()

	if listener != nil {
		if exec != nil {
			exec.Post(listener)
		} else {
			listener()
		}
	}
	return nil
}

var _ ports.ExternalTexture = (*Texture)(nil)
