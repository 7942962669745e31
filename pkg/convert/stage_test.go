package convert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/adapters/softgpu"
	"github.com/user/framereader/pkg/mocks"
	"github.com/user/framereader/pkg/ports"
	"github.com/user/framereader/pkg/transform"
)

type harness struct {
	dev    *softgpu.Device
	reader ports.ImageReader
	ctx    ports.RenderContext
}

func newHarness(t *testing.T, w, h int) *harness {
	t.Helper()
	dev, err := softgpu.NewDevice(softgpu.DefaultConfig(), logger.NewNoop())
	require.NoError(t, err)
	reader, err := dev.NewImageReader(w, h, 4)
	require.NoError(t, err)
	ctx, err := dev.NewRenderContext(reader.Surface())
	require.NoError(t, err)
	require.NoError(t, ctx.Start())
	return &harness{dev: dev, reader: reader, ctx: ctx}
}

func (h *harness) run(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, h.ctx.Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("render context did not run work")
	}
}

func (h *harness) newStage(t *testing.T, cfg Config) *Stage {
	t.Helper()
	var s *Stage
	var err error
	h.run(t, func() { s, err = New(h.ctx, logger.NewNoop(), cfg) })
	require.NoError(t, err)
	return s
}

func (h *harness) close() {
	h.ctx.Release()
	h.reader.Close()
}

func pixel(img ports.Image, x, y int) (r, g, b byte) {
	p := img.Planes()[0]
	off := y*p.RowStride + x*p.PixelStride
	return p.Buffer[off], p.Buffer[off+1], p.Buffer[off+2]
}

func TestConvertProducesUprightImage(t *testing.T) {
	const w, h = 12, 6
	hs := newHarness(t, w, h)
	defer hs.close()

	converted := make(chan struct{}, 1)
	s := hs.newStage(t, Config{OnConverted: func() { converted <- struct{}{} }})

	require.NoError(t, s.Surface().QueueImage(mocks.Gradient(7, w, h), 40_000_000))
	select {
	case <-converted:
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not converted")
	}

	var img ports.Image
	var err error
	hs.run(t, func() { img, err = hs.reader.AcquireLatestImage() })
	require.NoError(t, err)
	require.NotNil(t, img)
	defer img.Close()

	assert.Equal(t, int64(40_000_000), img.Timestamp())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := pixel(img, x, y)
			require.Equal(t, byte(x), r, "column at (%d,%d)", x, y)
			require.Equal(t, byte(y), g, "row at (%d,%d)", x, y)
			require.Equal(t, byte(7), b)
		}
	}
	assert.Equal(t, int64(1), s.Converted())
	assert.Equal(t, int64(0), s.Failed())
}

func TestConvertWithoutCorrectionIsFlipped(t *testing.T) {
	const w, h = 4, 8
	hs := newHarness(t, w, h)
	defer hs.close()

	converted := make(chan struct{}, 1)
	s := hs.newStage(t, Config{
		Correction:  transform.None,
		OnConverted: func() { converted <- struct{}{} },
	})
	require.NoError(t, s.Surface().QueueImage(mocks.Gradient(0, w, h), 0))
	select {
	case <-converted:
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not converted")
	}

	var img ports.Image
	hs.run(t, func() { img, _ = hs.reader.AcquireLatestImage() })
	require.NotNil(t, img)
	defer img.Close()

	for y := 0; y < h; y++ {
		_, g, _ := pixel(img, 0, y)
		assert.Equal(t, byte(h-1-y), g)
	}
}

func TestConvertInDecodeOrder(t *testing.T) {
	const w, h = 4, 4
	hs := newHarness(t, w, h)
	defer hs.close()

	var timestamps []int64
	hs.reader.SetOnImageAvailable(func() {
		img, err := hs.reader.AcquireLatestImage()
		if err != nil || img == nil {
			return
		}
		timestamps = append(timestamps, img.Timestamp())
		img.Close()
	}, nil)

	s := hs.newStage(t, Config{})
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Surface().QueueImage(mocks.Gradient(i, w, h), int64(i)*1000))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for s.Processed() < 10 {
		select {
		case <-ctx.Done():
			t.Fatal("conversions did not finish")
		case <-time.After(time.Millisecond):
		}
	}

	hs.run(t, func() {})
	require.Len(t, timestamps, 10)
	for i, ts := range timestamps {
		assert.Equal(t, int64(i)*1000, ts)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	hs := newHarness(t, 4, 4)
	s := hs.newStage(t, Config{})

	assert.Equal(t, 1, hs.dev.LiveByKind()[softgpu.KindTexture])
	hs.run(t, func() {
		s.Release()
		s.Release()
	})
	assert.Zero(t, hs.dev.LiveByKind()[softgpu.KindTexture])
	assert.Zero(t, hs.dev.LiveByKind()[softgpu.KindBlitEncoder])

	hs.close()
	assert.Zero(t, hs.dev.Live(), hs.dev.String())
}

func TestFrameAfterReleaseIsIgnored(t *testing.T) {
	hs := newHarness(t, 4, 4)
	defer hs.close()

	s := hs.newStage(t, Config{})
	hs.run(t, func() {
		s.Release()
		s.OnFrameAvailable()
	})
	assert.Zero(t, s.Processed())
}
