package framesink

import (
	"bytes"
	"errors"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/user/framereader/pkg/mocks"
)

var testDir = filepath.Join("debug", "frames")

func gradient(width, height int) []byte {
	pixels := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := y*width*4 + x*4
			pixels[off] = byte(x)
			pixels[off+1] = byte(y)
			pixels[off+2] = 7
			pixels[off+3] = 255
		}
	}
	return pixels
}

func TestSink_Enabled(t *testing.T) {
	sink := New(Config{Dir: testDir}, mocks.NewFileSystem())
	if !sink.Enabled() {
		t.Error("expected Enabled to return true")
	}
}

func TestSink_SaveFrameWritesPNG(t *testing.T) {
	fs := mocks.NewFileSystem()
	sink := New(Config{Dir: testDir}, fs)

	pixels := gradient(16, 8)
	if err := sink.SaveFrame(3, pixels, 16, 8, 100000); err != nil {
		t.Fatalf("SaveFrame failed: %v", err)
	}

	path := filepath.Join(testDir, "frame-000003.png")
	data, ok := fs.GetFile(path)
	if !ok {
		t.Fatalf("expected file at %s, got %v", path, fs.Paths())
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("expected 16x8, got %v", b)
	}
	r, g, _, _ := img.At(5, 6).RGBA()
	if r>>8 != 5 || g>>8 != 6 {
		t.Errorf("pixel (5,6) = %d,%d", r>>8, g>>8)
	}
	if exists, _ := fs.Exists(testDir); !exists {
		t.Error("expected frame directory to be created")
	}
	if sink.Saved() != 1 {
		t.Errorf("expected 1 saved frame, got %d", sink.Saved())
	}
}

func TestSink_OverlayDoesNotTouchCallerBuffer(t *testing.T) {
	fs := mocks.NewFileSystem()
	sink := New(Config{Dir: testDir, Overlay: true}, fs)

	pixels := gradient(120, 40)
	orig := append([]byte(nil), pixels...)
	if err := sink.SaveFrame(0, pixels, 120, 40, 1500000); err != nil {
		t.Fatalf("SaveFrame failed: %v", err)
	}
	if !bytes.Equal(orig, pixels) {
		t.Error("SaveFrame modified the caller's pixels")
	}

	data, _ := fs.GetFile(filepath.Join(testDir, "frame-000000.png"))
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}

	// Corner under the label is darkened, the opposite corner is untouched.
	_, _, b, _ := img.At(1, 1).RGBA()
	if b>>8 >= 7 {
		t.Errorf("expected label background in the top-left corner, blue = %d", b>>8)
	}
	r, g, _, _ := img.At(119, 39).RGBA()
	if r>>8 != 119 || g>>8 != 39 {
		t.Errorf("bottom-right pixel = %d,%d", r>>8, g>>8)
	}
}

func TestSink_EverySkipsFrames(t *testing.T) {
	fs := mocks.NewFileSystem()
	sink := New(Config{Dir: testDir, Every: 2}, fs)

	pixels := gradient(4, 4)
	for i := 0; i < 5; i++ {
		if err := sink.SaveFrame(i, pixels, 4, 4, int64(i)*33333); err != nil {
			t.Fatalf("SaveFrame %d failed: %v", i, err)
		}
	}

	paths := fs.Paths()
	if len(paths) != 3 {
		t.Fatalf("expected 3 files, got %v", paths)
	}
	if paths[1] != filepath.Join(testDir, "frame-000002.png") {
		t.Errorf("unexpected path %s", paths[1])
	}
}

func TestSink_ShortBuffer(t *testing.T) {
	sink := New(Config{Dir: testDir}, mocks.NewFileSystem())
	if err := sink.SaveFrame(0, make([]byte, 10), 4, 4, 0); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestSink_WriteError(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFileFunc = func(path string, data []byte) error {
		return errors.New("disk full")
	}
	sink := New(Config{Dir: testDir}, fs)

	if err := sink.SaveFrame(0, gradient(2, 2), 2, 2, 0); err == nil {
		t.Error("expected write error")
	}
	if sink.Saved() != 0 {
		t.Errorf("expected 0 saved frames, got %d", sink.Saved())
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		us   int64
		want string
	}{
		{0, "00:00.000"},
		{1500000, "00:01.500"},
		{61033333, "01:01.033"},
	}
	for _, tt := range tests {
		if got := formatTimestamp(tt.us); got != tt.want {
			t.Errorf("formatTimestamp(%d) = %q, want %q", tt.us, got, tt.want)
		}
	}
}
