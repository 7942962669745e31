package ports

// FrameSink abstracts debug output of delivered frames.
type FrameSink interface {
	// Enabled returns true if frames should be saved.
	Enabled() bool

	// SaveFrame saves one tightly packed RGBA frame.
	SaveFrame(index int, pixels []byte, width, height int, timestampUs int64) error
}
