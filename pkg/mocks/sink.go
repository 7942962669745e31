package mocks

import (
	"sync"

	"github.com/user/framereader/pkg/ports"
)

// SavedFrame is one frame recorded by FrameSink.
type SavedFrame struct {
	Index       int
	Pixels      []byte
	Width       int
	Height      int
	TimestampUs int64
}

// FrameSink is a mock implementation of ports.FrameSink.
type FrameSink struct {
	mu sync.RWMutex

	enabled bool
	Frames  []SavedFrame

	SaveFrameFunc func(index int, pixels []byte, width, height int, timestampUs int64) error
}

// NewFrameSink creates a new mock FrameSink.
func NewFrameSink(enabled bool) *FrameSink {
	return &FrameSink{enabled: enabled}
}

func (m *FrameSink) Enabled() bool {
	return m.enabled
}

func (m *FrameSink) SaveFrame(index int, pixels []byte, width, height int, timestampUs int64) error {
	if m.SaveFrameFunc != nil {
		return m.SaveFrameFunc(index, pixels, width, height, timestampUs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Frames = append(m.Frames, SavedFrame{
		Index:       index,
		Pixels:      append([]byte(nil), pixels...),
		Width:       width,
		Height:      height,
		TimestampUs: timestampUs,
	})
	return nil
}

// Saved returns a copy of the recorded frames.
func (m *FrameSink) Saved() []SavedFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SavedFrame(nil), m.Frames...)
}

var _ ports.FrameSink = (*FrameSink)(nil)
