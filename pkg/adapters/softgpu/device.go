// Package softgpu is a CPU implementation of the GPU collaborators: a render
// context running on its own dispatch queue, external textures fed through a
// producer surface, an affine blit encoder and an image reader with padded
// rows. It keeps count of live resources so tests can assert nothing leaks.
package softgpu

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/draw"

	"github.com/user/framereader/pkg/ports"
)

var (
	// ErrReleased is returned when a released resource is used.
	ErrReleased = errors.New("softgpu: resource released")

	// ErrUnknownTexture is returned when a blit names a texture the context
	// does not own.
	ErrUnknownTexture = errors.New("softgpu: unknown texture")

	// ErrMaxImages is returned when more images are acquired than the reader allows.
	ErrMaxImages = errors.New("softgpu: too many acquired images")

	// ErrUnsizedTarget is returned when a render target does not report its size.
	ErrUnsizedTarget = errors.New("softgpu: render target has no size")
)

// Resource kinds tracked by Device.
const (
	KindImageReader   = "image-reader"
	KindImage         = "image"
	KindRenderContext = "render-context"
	KindTexture       = "texture"
	KindBlitEncoder   = "blit-encoder"
)

// Config tunes the simulated device.
type Config struct {
	// RowAlignment pads image reader rows to a multiple of this many bytes.
	// Zero or one gives tightly packed rows.
	RowAlignment int

	// Filter selects the blit sampler: "nearest" (default) or "bilinear".
	Filter string
}

// DefaultConfig pads rows to 64 bytes, like most mobile GPU drivers.
func DefaultConfig() Config {
	return Config{RowAlignment: 64, Filter: "nearest"}
}

// Device creates render contexts and image readers.
type Device struct {
	cfg    Config
	log    ports.Logger
	interp draw.Interpolator

	mu        sync.Mutex
	live      map[string]int
	textureID uint32
}

// NewDevice creates a device.
func NewDevice(cfg Config, log ports.Logger) (*Device, error) {
	var interp draw.Interpolator
	switch cfg.Filter {
	case "", "nearest":
		interp = draw.NearestNeighbor
	case "bilinear":
		interp = draw.ApproxBiLinear
	default:
		return nil, fmt.Errorf("softgpu: unknown filter %q", cfg.Filter)
	}
	if cfg.RowAlignment < 1 {
		cfg.RowAlignment = 1
	}
	return &Device{
		cfg:    cfg,
		log:    log.WithComponent("softgpu"),
		interp: interp,
		live:   make(map[string]int),
	}, nil
}

// RowStride returns the padded row length for a width in pixels.
func (d *Device) RowStride(width int) int {
	n := width * 4
	a := d.cfg.RowAlignment
	return (n + a - 1) / a * a
}

// NewImageReader creates a reader of RGBA images with at most maxImages
// queued or acquired at once.
func (d *Device) NewImageReader(width, height, maxImages int) (ports.ImageReader, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("softgpu: invalid image reader size %dx%d", width, height)
	}
	if maxImages <= 0 {
		return nil, fmt.Errorf("softgpu: maxImages must be positive, got %d", maxImages)
	}
	r := newImageReader(d, width, height, maxImages)
	d.acquire(KindImageReader)
	return r, nil
}

// NewRenderContext creates a context that renders into target. The target
// must report its size, as the image reader surface does.
func (d *Device) NewRenderContext(target ports.Surface) (ports.RenderContext, error) {
	sized, ok := target.(interface {
		Width() int
		Height() int
	})
	if !ok {
		return nil, ErrUnsizedTarget
	}
	ctx := newRenderContext(d, target, sized.Width(), sized.Height())
	d.acquire(KindRenderContext)
	return ctx, nil
}

// Live returns the number of resources not yet released.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.live {
		total += n
	}
	return total
}

// LiveByKind returns the live resource count per kind.
func (d *Device) LiveByKind() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.live))
	for k, n := range d.live {
		if n != 0 {
			out[k] = n
		}
	}
	return out
}

// String summarizes live resources, e.g. "texture=1 image=2".
func (d *Device) String() string {
	live := d.LiveByKind()
	kinds := make([]string, 0, len(live))
	for k := range live {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, live[k])
	}
	return strings.Join(parts, " ")
}

func (d *Device) acquire(kind string) {
	d.mu.Lock()
	d.live[kind]++
	d.mu.Unlock()
}

func (d *Device) release(kind string) {
	d.mu.Lock()
	d.live[kind]--
	n := d.live[kind]
	d.mu.Unlock()
	if n < 0 {
		d.log.Error("Released more %s resources than were created", kind)
	}
}

func (d *Device) nextTextureID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.textureID++
	return d.textureID
}

var _ ports.GraphicsDevice = (*Device)(nil)
