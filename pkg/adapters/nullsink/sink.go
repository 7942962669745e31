// Package nullsink provides a frame sink that discards everything.
package nullsink

import "github.com/user/framereader/pkg/ports"

// Sink is a no-op implementation of ports.FrameSink.
type Sink struct{}

// New creates a new NullSink.
func New() *Sink {
	return &Sink{}
}

// Enabled returns false so the reader skips the sink entirely.
func (s *Sink) Enabled() bool {
	return false
}

// SaveFrame does nothing.
func (s *Sink) SaveFrame(index int, pixels []byte, width, height int, timestampUs int64) error {
	return nil
}

// Ensure Sink implements ports.FrameSink
var _ ports.FrameSink = (*Sink)(nil)
