package softgpu

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/transform"
)

// BlitEncoder samples an external texture into the context framebuffer
// through a texture coordinate transform.
type BlitEncoder struct {
	ctx *RenderContext

	once sync.Once
}

// Blit draws texture into the framebuffer. Destination pixel centres are
// normalized to [0,1] with the origin at the top-left, mapped through m and
// sampled from the latched texture image.
func (b *BlitEncoder) Blit(texture uint32, m transform.Mat4) error {
	t, ok := b.ctx.texture(texture)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTexture, texture)
	}
	src := t.latched()
	if src == nil {
		return nil
	}
	if !m.IsAffine2D() {
		return fmt.Errorf("softgpu: blit needs an affine 2D transform")
	}

	dst := b.ctx.framebuffer()
	s2d, err := sourceToDest(m, src.Bounds(), dst.Bounds())
	if err != nil {
		return err
	}

	draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
	b.ctx.dev.interp.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return nil
}

// Release frees the encoder. It is idempotent.
func (b *BlitEncoder) Release() {
	b.once.Do(func() {
		b.ctx.dev.release(KindBlitEncoder)
	})
}

// sourceToDest inverts the destination-to-source pixel mapping
//
//	src = S(src) * M * S(dst)^-1 * dst
//
// into the source-to-destination matrix draw.Transformer expects.
func sourceToDest(m transform.Mat4, sr, dr image.Rectangle) (f64.Aff3, error) {
	sw, sh := float64(sr.Dx()), float64(sr.Dy())
	dw, dh := float64(dr.Dx()), float64(dr.Dy())

	// Destination pixel (x, y) to source pixel, row-major 2x3.
	a := sw * float64(m[0]) / dw
	b := sw * float64(m[4]) / dh
	c := sw*float64(m[12]) + float64(sr.Min.X) - a*float64(dr.Min.X) - b*float64(dr.Min.Y)
	d := sh * float64(m[1]) / dw
	e := sh * float64(m[5]) / dh
	f := sh*float64(m[13]) + float64(sr.Min.Y) - d*float64(dr.Min.X) - e*float64(dr.Min.Y)

	det := a*e - b*d
	if det == 0 {
		return f64.Aff3{}, fmt.Errorf("softgpu: singular blit transform")
	}

	ia := e / det
	ib := -b / det
	id := -d / det
	ie := a / det
	return f64.Aff3{
		ia, ib, -(ia*c + ib*f),
		id, ie, -(id*c + ie*f),
	}, nil
}

var _ ports.BlitEncoder = (*BlitEncoder)(nil)
