package repack

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/user/framereader/pkg/ports"
)

// Frame is one tightly packed RGBA frame. Pixels belongs to the ring and is
// valid until the delivery's release function runs.
type Frame struct {
	Pixels      []byte
	Width       int
	Height      int
	TimestampUs int64
	Sequence    int
}

// DeliverFunc hands a frame on. It must eventually call release exactly once
// to return the buffer to the ring.
type DeliverFunc func(frame Frame, release func())

// Repacker listens for converted images on an image reader.
type Repacker struct {
	reader  ports.ImageReader
	width   int
	height  int
	ring    *Ring
	deliver DeliverFunc
	log     ports.Logger

	repacked atomic.Int64
	closed   atomic.Bool
}

// New creates a repacker with a ring of buffers sized for the reader.
func New(reader ports.ImageReader, buffers int, deliver DeliverFunc, log ports.Logger) *Repacker {
	w, h := reader.Width(), reader.Height()
	return &Repacker{
		reader:  reader,
		width:   w,
		height:  h,
		ring:    NewRing(buffers, w*h*BytesPerPixel),
		deliver: deliver,
		log:     log.WithComponent("repack"),
	}
}

// Ring exposes the buffer ring.
func (r *Repacker) Ring() *Ring {
	return r.ring
}

// Repacked returns the number of frames handed to the deliver function.
func (r *Repacker) Repacked() int64 {
	return r.repacked.Load()
}

// OnImageAvailable repacks the latest converted image. Without an image it
// does nothing. When every ring buffer is still out for delivery it waits
// for one, unless the repacker is closed.
func (r *Repacker) OnImageAvailable() {
	if r.closed.Load() {
		return
	}

	img, err := r.reader.AcquireLatestImage()
	if err != nil {
		r.log.Warn("Failed to acquire image: %v", err)
		return
	}
	if img == nil {
		return
	}

	frame, err := r.copyOut(img)
	img.Close()
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			r.log.Warn("Failed to repack image: %v", err)
		}
		return
	}

	buf := frame.Pixels
	var once sync.Once
	r.deliver(frame, func() {
		once.Do(func() { r.ring.Put(buf) })
	})
}

func (r *Repacker) copyOut(img ports.Image) (Frame, error) {
	if img.Width() != r.width || img.Height() != r.height {
		return Frame{}, fmt.Errorf("image %dx%d does not match %dx%d", img.Width(), img.Height(), r.width, r.height)
	}
	planes := img.Planes()
	if len(planes) == 0 {
		return Frame{}, fmt.Errorf("image has no planes")
	}
	plane := planes[0]
	if plane.PixelStride != 0 && plane.PixelStride != BytesPerPixel {
		return Frame{}, fmt.Errorf("unsupported pixel stride %d", plane.PixelStride)
	}

	buf, err := r.ring.Acquire()
	if err != nil {
		return Frame{}, err
	}
	if err := Repack(buf, plane.Buffer, r.width, r.height, plane.RowStride); err != nil {
		r.ring.Put(buf)
		return Frame{}, err
	}

	seq := int(r.repacked.Add(1)) - 1
	return Frame{
		Pixels:      buf,
		Width:       r.width,
		Height:      r.height,
		TimestampUs: img.Timestamp() / 1000,
		Sequence:    seq,
	}, nil
}

// Close abandons any wait for a free buffer and ignores later images.
func (r *Repacker) Close() {
	r.closed.Store(true)
	r.ring.Close()
}
