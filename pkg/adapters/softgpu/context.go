package softgpu

import (
	"image"
	"sync"

	"github.com/user/framereader/pkg/dispatch"
	"github.com/user/framereader/pkg/ports"
)

// RenderContext owns a framebuffer the size of its target and a dispatch
// queue standing in for the GL thread. SwapBuffers presents the framebuffer
// to the target surface.
type RenderContext struct {
	dev    *Device
	target ports.Surface
	queue  *dispatch.Queue

	mu       sync.Mutex
	fb       *image.RGBA
	pts      int64
	textures map[uint32]*Texture
	swaps    int
	released bool
}

func newRenderContext(d *Device, target ports.Surface, width, height int) *RenderContext {
	return &RenderContext{
		dev:      d,
		target:   target,
		queue:    dispatch.New("render", d.log),
		fb:       image.NewRGBA(image.Rect(0, 0, width, height)),
		textures: make(map[uint32]*Texture),
	}
}

// Start starts the context thread.
func (c *RenderContext) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	c.queue.Start()
	return nil
}

// Post runs fn on the context thread.
func (c *RenderContext) Post(fn func()) bool {
	return c.queue.Post(fn)
}

// Done is closed once the context thread has exited after Release.
func (c *RenderContext) Done() <-chan struct{} {
	return c.queue.Done()
}

// CreateExternalTexture allocates a texture with its own producer surface.
func (c *RenderContext) CreateExternalTexture() (ports.ExternalTexture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrReleased
	}
	t := &Texture{ctx: c, id: c.dev.nextTextureID()}
	c.textures[t.id] = t
	c.dev.acquire(KindTexture)
	return t, nil
}

// NewBlitEncoder creates an encoder drawing into this context's framebuffer.
func (c *RenderContext) NewBlitEncoder() (ports.BlitEncoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrReleased
	}
	c.dev.acquire(KindBlitEncoder)
	return &BlitEncoder{ctx: c}, nil
}

// SetPresentationTime sets the timestamp of the next swap.
func (c *RenderContext) SetPresentationTime(timestampNs int64) {
	c.mu.Lock()
	c.pts = timestampNs
	c.mu.Unlock()
}

// SwapBuffers presents the framebuffer to the target.
func (c *RenderContext) SwapBuffers() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	fb, pts := c.fb, c.pts
	c.swaps++
	c.mu.Unlock()

	return c.target.QueueImage(fb, pts)
}

// Swaps returns the number of presented frames.
func (c *RenderContext) Swaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.swaps
}

// Release stops the context thread after already posted work has run.
// Textures not yet released are released with it.
func (c *RenderContext) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	textures := make([]*Texture, 0, len(c.textures))
	for _, t := range c.textures {
		textures = append(textures, t)
	}
	c.mu.Unlock()

	for _, t := range textures {
		t.Release()
	}
	c.queue.Close()
	c.dev.release(KindRenderContext)
}

func (c *RenderContext) texture(id uint32) (*Texture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.textures[id]
	return t, ok
}

func (c *RenderContext) forget(id uint32) {
	c.mu.Lock()
	delete(c.textures, id)
	c.mu.Unlock()
}

func (c *RenderContext) framebuffer() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fb
}

var _ ports.RenderContext = (*RenderContext)(nil)
