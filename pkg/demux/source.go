// Package demux selects the video track of a container and pumps its
// compressed samples one at a time.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/framereader/pkg/ports"
)

var (
	// ErrSourceUnavailable is returned when the extractor cannot open a URL.
	ErrSourceUnavailable = errors.New("demux: source unavailable")

	// ErrNoVideoTrack is returned when no track has a video/ MIME type.
	ErrNoVideoTrack = errors.New("demux: no video track")

	// ErrEndOfStream is returned by NextSample once the track is exhausted.
	ErrEndOfStream = errors.New("demux: end of stream")

	// ErrSampleTooLarge is returned by NextSample when a sample does not fit
	// dst. The sample is skipped.
	ErrSampleTooLarge = errors.New("demux: sample larger than buffer")

	// ErrClosed is returned by Open after the source was closed.
	ErrClosed = errors.New("demux: source closed")
)

// StreamDescriptor describes the selected video track. It does not change
// after Open returns.
type StreamDescriptor struct {
	URL        string
	TrackIndex int
	Width      int
	Height     int
	MIME       string
	DurationUs int64
	FrameRate  float64
	CSD        [][]byte
}

// Format returns the track format handed to the decoder.
func (d StreamDescriptor) Format() ports.TrackFormat {
	return ports.TrackFormat{
		MIME:       d.MIME,
		Width:      d.Width,
		Height:     d.Height,
		DurationUs: d.DurationUs,
		FrameRate:  d.FrameRate,
		CSD:        d.CSD,
	}
}

// Sample is one compressed access unit.
type Sample struct {
	Data               []byte
	PresentationTimeUs int64
	Flags              ports.SampleFlags
}

// Size returns the payload length.
func (s Sample) Size() int {
	return len(s.Data)
}

// Source owns an extractor and the cursor over its selected video track.
// NextSample is called from the decoder context while Unselect may be called
// from any goroutine, so the cursor is guarded by a mutex.
type Source struct {
	ext ports.Extractor
	log ports.Logger

	mu       sync.Mutex
	track    int
	desc     StreamDescriptor
	read     int
	eos      bool
	released bool
}

// NewSource wraps ext.
func NewSource(ext ports.Extractor, log ports.Logger) *Source {
	return &Source{
		ext:   ext,
		log:   log.WithComponent("demux"),
		track: -1,
	}
}

// Open points the extractor at url and selects the first video track.
func (s *Source) Open(ctx context.Context, url string) (StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return StreamDescriptor{}, ErrClosed
	}

	if err := s.ext.SetDataSource(ctx, url); err != nil {
		return StreamDescriptor{}, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, url, err)
	}

	count := s.ext.TrackCount()
	s.log.Debug("Source has %d tracks", count)

	for i := 0; i < count; i++ {
		format, err := s.ext.TrackFormat(i)
		if err != nil {
			return StreamDescriptor{}, fmt.Errorf("%w: read track %d: %w", ErrSourceUnavailable, i, err)
		}
		if !strings.HasPrefix(format.MIME, "video/") {
			continue
		}

		if err := s.ext.SelectTrack(i); err != nil {
			return StreamDescriptor{}, fmt.Errorf("%w: select track %d: %w", ErrSourceUnavailable, i, err)
		}
		s.track = i
		s.desc = StreamDescriptor{
			URL:        url,
			TrackIndex: i,
			Width:      format.Width,
			Height:     format.Height,
			MIME:       format.MIME,
			DurationUs: format.DurationUs,
			FrameRate:  format.FrameRate,
			CSD:        format.CSD,
		}
		s.log.Info("Selected track %d (%s, %dx%d)", i, format.MIME, format.Width, format.Height)
		return s.desc, nil
	}

	return StreamDescriptor{}, fmt.Errorf("%w: %s", ErrNoVideoTrack, url)
}

// Descriptor returns the descriptor resolved by Open.
func (s *Source) Descriptor() StreamDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// TrackIndex returns the selected track, or -1 once unselected.
func (s *Source) TrackIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// NextSample reads the next sample into dst and advances the cursor.
// Once the track is exhausted or unselected it returns ErrEndOfStream. A
// sample larger than dst is skipped and reported as ErrSampleTooLarge.
func (s *Source) NextSample(dst []byte) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track < 0 || s.eos {
		return Sample{}, ErrEndOfStream
	}

	n, err := s.ext.ReadSampleData(dst)
	if errors.Is(err, io.EOF) || n < 0 {
		s.eos = true
		s.log.Debug("Read %d samples before end of stream", s.read)
		return Sample{}, ErrEndOfStream
	}
	if errors.Is(err, io.ErrShortBuffer) {
		ts := s.ext.SampleTime()
		s.ext.Advance()
		s.read++
		return Sample{}, fmt.Errorf("%w: sample %d at %dus", ErrSampleTooLarge, s.read-1, ts)
	}
	if err != nil {
		return Sample{}, fmt.Errorf("read sample %d: %w", s.read, err)
	}

	sample := Sample{
		Data:               dst[:n],
		PresentationTimeUs: s.ext.SampleTime(),
		Flags:              s.ext.SampleFlags(),
	}
	s.ext.Advance()
	s.read++
	return sample, nil
}

// SamplesRead returns how many samples NextSample has produced.
func (s *Source) SamplesRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read
}

// Unselect unselects the track and invalidates the index. Further calls to
// NextSample report end of stream.
func (s *Source) Unselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unselectLocked()
}

func (s *Source) unselectLocked() {
	if s.track < 0 || s.released {
		return
	}
	if err := s.ext.UnselectTrack(s.track); err != nil {
		s.log.Warn("Failed to unselect track %d: %v", s.track, err)
	}
	s.track = -1
}

// Close unselects the track and releases the extractor. It is safe to call
// more than once, mid-stream or after end of stream.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.unselectLocked()
	s.released = true
	if err := s.ext.Release(); err != nil {
		return fmt.Errorf("release extractor: %w", err)
	}
	return nil
}
