// Package repack copies converted images out of row-padded GPU buffers into
// tightly packed RGBA buffers taken from a small reusable ring.
package repack

import (
	"errors"
	"fmt"
)

var (
	// ErrRowStride is returned when a row stride is shorter than a row.
	ErrRowStride = errors.New("repack: row stride shorter than row")

	// ErrShortBuffer is returned when a source or destination is too small.
	ErrShortBuffer = errors.New("repack: buffer too small")
)

// BytesPerPixel of RGBA8.
const BytesPerPixel = 4

// Repack copies height rows of width RGBA pixels from src, whose rows start
// rowStride bytes apart, into dst with rows width*4 bytes apart.
func Repack(dst, src []byte, width, height, rowStride int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("repack: invalid size %dx%d", width, height)
	}
	row := width * BytesPerPixel
	if rowStride < row {
		return fmt.Errorf("%w: stride %d, row %d", ErrRowStride, rowStride, row)
	}
	if len(dst) < row*height {
		return fmt.Errorf("%w: destination %d bytes, need %d", ErrShortBuffer, len(dst), row*height)
	}
	// The last row may be stored without padding.
	if need := (height-1)*rowStride + row; len(src) < need {
		return fmt.Errorf("%w: source %d bytes, need %d", ErrShortBuffer, len(src), need)
	}

	if rowStride == row {
		copy(dst[:row*height], src[:row*height])
		return nil
	}
	for y := 0; y < height; y++ {
		copy(dst[y*row:(y+1)*row], src[y*rowStride:y*rowStride+row])
	}
	return nil
}
