// Package mp4extractor implements ports.Extractor for MP4 files, progressive
// or fragmented, read from disk or over HTTP.
package mp4extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/ports"
)

var (
	// ErrReleased is returned by every call after Release.
	ErrReleased = errors.New("mp4extractor: released")

	// ErrAlreadyOpen is returned when SetDataSource is called twice.
	ErrAlreadyOpen = errors.New("mp4extractor: data source already set")

	// ErrTrackIndex is returned for a track index out of range.
	ErrTrackIndex = errors.New("mp4extractor: track index out of range")
)

// Extractor reads samples from one MP4 source. Samples of the selected
// tracks are returned in file order.
type Extractor struct {
	client *http.Client
	log    ports.Logger

	mu       sync.Mutex
	src      io.ReadSeeker
	closer   io.Closer
	tracks   []*track
	released bool
	scratch  []byte
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) { e.client = c }
}

// WithLogger sets the logger.
func WithLogger(log ports.Logger) Option {
	return func(e *Extractor) { e.log = log }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		client: http.DefaultClient,
		log:    logger.NewNoop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDataSource opens a file path, a file:// URL or an http(s):// URL and
// indexes its tracks. HTTP sources are downloaded completely.
func (e *Extractor) SetDataSource(ctx context.Context, rawURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return ErrReleased
	}
	if e.src != nil {
		return ErrAlreadyOpen
	}

	src, closer, err := e.open(ctx, rawURL)
	if err != nil {
		return err
	}

	f, err := mp4.DecodeFile(src)
	if err != nil {
		closeQuietly(closer)
		return fmt.Errorf("decode mp4: %w", err)
	}

	tracks, err := indexTracks(f)
	if err != nil {
		closeQuietly(closer)
		return err
	}

	e.src = src
	e.closer = closer
	e.tracks = tracks
	e.log.Debug("Opened %s: %d tracks, fragmented=%v", rawURL, len(tracks), f.IsFragmented())
	return nil
}

func (e *Extractor) open(ctx context.Context, rawURL string) (io.ReadSeeker, io.Closer, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		data, err := e.download(ctx, rawURL)
		if err != nil {
			return nil, nil, err
		}
		return bytes.NewReader(data), nil, nil

	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse url: %w", err)
		}
		return openFile(u.Path)

	default:
		return openFile(rawURL)
	}
}

func (e *Extractor) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return data, nil
}

func openFile(path string) (io.ReadSeeker, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	return f, f, nil
}

// TrackCount returns the number of tracks.
func (e *Extractor) TrackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}

// TrackFormat returns the format of the track at index.
func (e *Extractor) TrackFormat(index int) (ports.TrackFormat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.track(index)
	if err != nil {
		return ports.TrackFormat{}, err
	}
	return t.format, nil
}

// SelectTrack makes the samples of the track at index readable.
func (e *Extractor) SelectTrack(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.track(index)
	if err != nil {
		return err
	}
	t.selected = true
	return nil
}

// UnselectTrack stops returning samples of the track at index.
func (e *Extractor) UnselectTrack(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.track(index)
	if err != nil {
		return err
	}
	t.selected = false
	return nil
}

// ReadSampleData copies the current sample into dst. AVC and HEVC samples
// are returned in Annex B form. When dst is too small it returns
// io.ErrShortBuffer and the cursor does not move.
func (e *Extractor) ReadSampleData(dst []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return 0, ErrReleased
	}
	t := e.current()
	if t == nil {
		return 0, io.EOF
	}
	s := t.samples[t.next]

	if len(dst) < int(s.size) {
		return 0, io.ErrShortBuffer
	}

	data := s.data
	if data == nil {
		var err error
		if data, err = e.readAt(s.offset, s.size); err != nil {
			return 0, err
		}
	}

	n := copy(dst, data)
	if t.annexB {
		lengthPrefixToStartCodes(dst[:n])
	}
	return n, nil
}

func (e *Extractor) readAt(offset int64, size uint32) ([]byte, error) {
	if cap(e.scratch) < int(size) {
		e.scratch = make([]byte, size)
	}
	buf := e.scratch[:size]

	if _, err := e.src.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to sample: %w", err)
	}
	if _, err := io.ReadFull(e.src, buf); err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	return buf, nil
}

// SampleTime returns the presentation time of the current sample in
// microseconds, or -1 when no sample is left.
func (e *Extractor) SampleTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.current()
	if t == nil || e.released {
		return -1
	}
	return t.samples[t.next].ptsUs
}

// SampleFlags returns the flags of the current sample.
func (e *Extractor) SampleFlags() ports.SampleFlags {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.current()
	if t == nil || e.released {
		return 0
	}
	if t.samples[t.next].sync {
		return ports.SampleFlagSync
	}
	return 0
}

// Advance moves to the next sample in file order.
func (e *Extractor) Advance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return false
	}
	t := e.current()
	if t == nil {
		return false
	}
	t.next++
	return e.current() != nil
}

// Release closes the source.
func (e *Extractor) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return nil
	}
	e.released = true
	e.tracks = nil
	e.scratch = nil
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}

func (e *Extractor) track(index int) (*track, error) {
	if e.released {
		return nil, ErrReleased
	}
	if index < 0 || index >= len(e.tracks) {
		return nil, fmt.Errorf("%w: %d", ErrTrackIndex, index)
	}
	return e.tracks[index], nil
}

// current returns the selected track whose next sample comes first in the
// file, or nil.
func (e *Extractor) current() *track {
	var best *track
	for _, t := range e.tracks {
		if !t.selected || t.next >= len(t.samples) {
			continue
		}
		if best == nil || t.samples[t.next].order < best.samples[best.next].order {
			best = t
		}
	}
	return best
}

// lengthPrefixToStartCodes rewrites 4-byte NAL length prefixes as Annex B
// start codes in place.
func lengthPrefixToStartCodes(data []byte) {
	offset := 0
	for offset+4 <= len(data) {
		naluLen := int(data[offset])<<24 | int(data[offset+1])<<16 |
			int(data[offset+2])<<8 | int(data[offset+3])
		data[offset], data[offset+1], data[offset+2], data[offset+3] = 0, 0, 0, 1
		offset += 4 + naluLen
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		c.Close()
	}
}

var _ ports.Extractor = (*Extractor)(nil)
