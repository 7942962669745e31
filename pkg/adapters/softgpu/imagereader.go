package softgpu

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/user/framereader/pkg/ports"
)

// ImageReader holds RGBA images whose rows are padded to the device row
// alignment. When the queue is full the oldest queued image is dropped.
type ImageReader struct {
	dev       *Device
	width     int
	height    int
	stride    int
	maxImages int

	mu       sync.Mutex
	queue    []*Image
	acquired int
	dropped  int
	listener func()
	exec     ports.Executor
	closed   bool
}

func newImageReader(d *Device, width, height, maxImages int) *ImageReader {
	return &ImageReader{
		dev:       d,
		width:     width,
		height:    height,
		stride:    d.RowStride(width),
		maxImages: maxImages,
	}
}

func (r *ImageReader) Width() int  { return r.width }
func (r *ImageReader) Height() int { return r.height }

// Surface returns the producer side of the reader.
func (r *ImageReader) Surface() ports.Surface {
	return readerSurface{r}
}

// SetOnImageAvailable registers fn, posted to exec for every queued image.
// A nil exec runs fn on the producing goroutine.
func (r *ImageReader) SetOnImageAvailable(fn func(), exec ports.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
	r.exec = exec
}

// AcquireLatestImage returns the newest queued image and closes the older
// ones. It returns nil, nil when nothing is queued.
func (r *ImageReader) AcquireLatestImage() (ports.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReleased
	}
	if len(r.queue) == 0 {
		return nil, nil
	}
	if r.acquired >= r.maxImages {
		return nil, fmt.Errorf("%w: %d of %d", ErrMaxImages, r.acquired, r.maxImages)
	}

	latest := r.queue[len(r.queue)-1]
	for _, img := range r.queue[:len(r.queue)-1] {
		img.discard()
		r.dropped++
	}
	r.queue = r.queue[:0]
	r.acquired++
	return latest, nil
}

// Dropped returns how many images were discarded without being acquired.
func (r *ImageReader) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close discards queued images and releases the reader. Acquired images stay
// valid until closed by their holder.
func (r *ImageReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, img := range r.queue {
		img.discard()
	}
	r.queue = nil
	r.listener = nil
	r.dev.release(KindImageReader)
}

func (r *ImageReader) queueImage(src image.Image, timestampNs int64) error {
	if b := src.Bounds(); b.Dx() != r.width || b.Dy() != r.height {
		return fmt.Errorf("softgpu: image %dx%d does not match reader %dx%d", b.Dx(), b.Dy(), r.width, r.height)
	}

	pix := &image.RGBA{
		Pix:    make([]byte, r.stride*r.height),
		Stride: r.stride,
		Rect:   image.Rect(0, 0, r.width, r.height),
	}
	draw.Draw(pix, pix.Rect, src, src.Bounds().Min, draw.Src)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReleased
	}
	if len(r.queue)+r.acquired >= r.maxImages && len(r.queue) > 0 {
		r.queue[0].discard()
		r.queue = r.queue[1:]
		r.dropped++
	}
	img := &Image{reader: r, pix: pix, timestamp: timestampNs}
	r.dev.acquire(KindImage)
	r.queue = append(r.queue, img)
	listener, exec := r.listener, r.exec
	r.mu.Unlock()

	if listener != nil {
		if exec != nil {
			exec.Post(listener)
		} else {
			listener()
		}
	}
	return nil
}

func (r *ImageReader) imageClosed() {
	r.mu.Lock()
	r.acquired--
	r.mu.Unlock()
}

type readerSurface struct {
	r *ImageReader
}

func (s readerSurface) QueueImage(img image.Image, timestampNs int64) error {
	return s.r.queueImage(img, timestampNs)
}

func (s readerSurface) Width() int  { return s.r.width }
func (s readerSurface) Height() int { return s.r.height }

// Image is one RGBA image owned by an ImageReader.
type Image struct {
	reader    *ImageReader
	pix       *image.RGBA
	timestamp int64

	once sync.Once
}

func (i *Image) Width() int       { return i.pix.Rect.Dx() }
func (i *Image) Height() int      { return i.pix.Rect.Dy() }
func (i *Image) Timestamp() int64 { return i.timestamp }

// Planes returns the single RGBA plane, including row padding.
func (i *Image) Planes() []ports.Plane {
	return []ports.Plane{{
		Buffer:      i.pix.Pix,
		RowStride:   i.pix.Stride,
		PixelStride: 4,
	}}
}

// Close returns the image to its reader. It is idempotent.
func (i *Image) Close() {
	i.once.Do(func() {
		i.reader.imageClosed()
		i.reader.dev.release(KindImage)
	})
}

// discard releases an image that was never acquired.
func (i *Image) discard() {
	i.once.Do(func() {
		i.reader.dev.release(KindImage)
	})
}

var (
	_ ports.ImageReader = (*ImageReader)(nil)
	_ ports.Image       = (*Image)(nil)
)
