package mocks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/user/framereader/pkg/ports"
)

// Sample is one canned sample served by Extractor.
type Sample struct {
	Data   []byte
	TimeUs int64
	Flags  ports.SampleFlags
}

// Extractor is a mock implementation of ports.Extractor serving canned
// tracks and samples.
type Extractor struct {
	mu sync.Mutex

	Tracks  []ports.TrackFormat
	Samples map[int][]Sample

	SetDataSourceFunc func(ctx context.Context, url string) error
	TrackFormatFunc   func(index int) (ports.TrackFormat, error)
	ReleaseFunc       func() error

	// Recorded calls
	URL           string
	SelectCalls   []int
	UnselectCalls []int
	ReadCalls     int
	ReleaseCalls  int

	selected int
	cursor   int
}

// NewExtractor creates a mock extractor with the given tracks.
func NewExtractor(tracks ...ports.TrackFormat) *Extractor {
	return &Extractor{
		Tracks:   tracks,
		Samples:  make(map[int][]Sample),
		selected: -1,
	}
}

// NewVideoExtractor creates a mock extractor with a single AVC track of
// frames samples, 33ms apart. Every tenth sample is a sync sample.
func NewVideoExtractor(width, height, frames int) *Extractor {
	m := NewExtractor(ports.TrackFormat{
		MIME:       "video/avc",
		Width:      width,
		Height:     height,
		DurationUs: int64(frames) * 33333,
		FrameRate:  30,
	})
	samples := make([]Sample, frames)
	for i := range samples {
		var flags ports.SampleFlags
		if i%10 == 0 {
			flags = ports.SampleFlagSync
		}
		samples[i] = Sample{
			Data:   []byte{0, 0, 0, 1, byte(i)},
			TimeUs: int64(i) * 33333,
			Flags:  flags,
		}
	}
	m.Samples[0] = samples
	return m
}

func (m *Extractor) SetDataSource(ctx context.Context, url string) error {
	m.mu.Lock()
	m.URL = url
	m.mu.Unlock()
	if m.SetDataSourceFunc != nil {
		return m.SetDataSourceFunc(ctx, url)
	}
	return nil
}

func (m *Extractor) TrackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Tracks)
}

func (m *Extractor) TrackFormat(index int) (ports.TrackFormat, error) {
	if m.TrackFormatFunc != nil {
		return m.TrackFormatFunc(index)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.Tracks) {
		return ports.TrackFormat{}, fmt.Errorf("track %d out of range", index)
	}
	return m.Tracks[index], nil
}

func (m *Extractor) SelectTrack(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SelectCalls = append(m.SelectCalls, index)
	if index < 0 || index >= len(m.Tracks) {
		return fmt.Errorf("track %d out of range", index)
	}
	m.selected = index
	m.cursor = 0
	return nil
}

func (m *Extractor) UnselectTrack(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnselectCalls = append(m.UnselectCalls, index)
	if index == m.selected {
		m.selected = -1
	}
	return nil
}

func (m *Extractor) ReadSampleData(dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadCalls++
	s, ok := m.current()
	if !ok {
		return 0, io.EOF
	}
	if len(dst) < len(s.Data) {
		return 0, io.ErrShortBuffer
	}
	return copy(dst, s.Data), nil
}

func (m *Extractor) SampleTime() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.current()
	if !ok {
		return -1
	}
	return s.TimeUs
}

func (m *Extractor) SampleFlags() ports.SampleFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.current()
	return s.Flags
}

func (m *Extractor) Advance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.current(); !ok {
		return false
	}
	m.cursor++
	_, ok := m.current()
	return ok
}

func (m *Extractor) Release() error {
	m.mu.Lock()
	m.ReleaseCalls++
	m.selected = -1
	m.mu.Unlock()
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc()
	}
	return nil
}

// Selected returns the selected track index, or -1.
func (m *Extractor) Selected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Calls returns copies of the recorded select/unselect calls and the number
// of Release calls.
func (m *Extractor) Calls() (selects, unselects []int, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.SelectCalls...), append([]int(nil), m.UnselectCalls...), m.ReleaseCalls
}

func (m *Extractor) current() (Sample, bool) {
	if m.selected < 0 {
		return Sample{}, false
	}
	samples := m.Samples[m.selected]
	if m.cursor >= len(samples) {
		return Sample{}, false
	}
	return samples[m.cursor], true
}

// ExtractorFactory hands out a prepared Extractor and records how many were
// requested.
type ExtractorFactory struct {
	mu        sync.Mutex
	Extractor *Extractor
	Created   int
}

// New returns the prepared extractor.
func (f *ExtractorFactory) New() ports.Extractor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created++
	return f.Extractor
}

var _ ports.Extractor = (*Extractor)(nil)
