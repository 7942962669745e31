// Package framesink saves delivered frames as PNG files for debugging.
package framesink

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"time"

	"github.com/fogleman/gg"

	"github.com/user/framereader/pkg/ports"
)

// Config controls which frames are saved and how.
type Config struct {
	// Dir receives frame-NNNNNN.png files.
	Dir string
	// Every saves one frame out of Every. Zero or one saves all frames.
	Every int
	// Overlay draws the frame index and timestamp in the top-left corner.
	Overlay bool
}

// Sink writes frames through a ports.FileSystem.
type Sink struct {
	cfg Config
	fs  ports.FileSystem

	mu       sync.Mutex
	dirReady bool
	saved    int
}

// New creates a Sink.
func New(cfg Config, fs ports.FileSystem) *Sink {
	if cfg.Every < 1 {
		cfg.Every = 1
	}
	return &Sink{cfg: cfg, fs: fs}
}

// Enabled returns true as this sink saves output.
func (s *Sink) Enabled() bool {
	return true
}

// SaveFrame encodes one packed RGBA frame as PNG. pixels is not modified.
func (s *Sink) SaveFrame(index int, pixels []byte, width, height int, timestampUs int64) error {
	if index%s.cfg.Every != 0 {
		return nil
	}
	if len(pixels) < width*height*4 {
		return fmt.Errorf("frame %d: %d bytes for %dx%d", index, len(pixels), width, height)
	}

	img := &image.RGBA{
		Pix:    append([]byte(nil), pixels[:width*height*4]...),
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	if s.cfg.Overlay {
		drawLabel(img, fmt.Sprintf("#%d %s", index, formatTimestamp(timestampUs)))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode frame %d: %w", index, err)
	}

	if err := s.ensureDir(); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("frame-%06d.png", index))
	if err := s.fs.WriteFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	s.mu.Lock()
	s.saved++
	s.mu.Unlock()
	return nil
}

// Saved returns the number of frames written.
func (s *Sink) Saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func (s *Sink) ensureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirReady {
		return nil
	}
	if err := s.fs.MkdirAll(s.cfg.Dir); err != nil {
		return fmt.Errorf("create %s: %w", s.cfg.Dir, err)
	}
	s.dirReady = true
	return nil
}

// drawLabel paints text on a dark box in the top-left corner of img.
func drawLabel(img *image.RGBA, text string) {
	dc := gg.NewContextForRGBA(img)
	w, h := dc.MeasureString(text)
	const pad = 3.0

	dc.SetColor(color.RGBA{A: 180})
	dc.DrawRectangle(0, 0, w+2*pad, h+2*pad)
	dc.Fill()

	dc.SetColor(color.White)
	dc.DrawStringAnchored(text, pad, pad+h/2, 0, 0.5)
}

func formatTimestamp(us int64) string {
	d := time.Duration(us) * time.Microsecond
	return fmt.Sprintf("%02d:%02d.%03d", int(d.Minutes()), int(d.Seconds())%60, d.Milliseconds()%1000)
}

var _ ports.FrameSink = (*Sink)(nil)
