package ports

import "context"

// SampleFlags describes a compressed sample.
type SampleFlags uint32

const (
	// SampleFlagSync marks a sample that can be decoded without earlier samples.
	SampleFlagSync SampleFlags = 1 << iota
	// SampleFlagEndOfStream marks the terminal (possibly empty) sample of a track.
	SampleFlagEndOfStream
)

// Has reports whether all bits of flag are set.
func (f SampleFlags) Has(flag SampleFlags) bool {
	return f&flag == flag
}

// TrackFormat describes one elementary stream of a container.
type TrackFormat struct {
	MIME       string   // e.g. "video/avc", "audio/mp4a-latm"
	Width      int      // Coded width in pixels (video only)
	Height     int      // Coded height in pixels (video only)
	DurationUs int64    // Track duration in microseconds (0 if unknown)
	FrameRate  float64  // Average frames per second (0 if unknown)
	CSD        [][]byte // Codec-specific data, e.g. SPS/PPS NAL units without start codes
}

// Extractor abstracts the demux primitive: it opens a source, enumerates its
// elementary streams and yields the samples of the selected ones in file order.
type Extractor interface {
	// SetDataSource opens the source at url (file path, file:// or http(s)://).
	SetDataSource(ctx context.Context, url string) error

	// TrackCount returns the number of tracks in the source.
	TrackCount() int

	// TrackFormat returns the format of the track at index.
	TrackFormat(index int) (TrackFormat, error)

	// SelectTrack makes samples of the track at index available for reading.
	SelectTrack(index int) error

	// UnselectTrack stops reading samples of the track at index.
	UnselectTrack(index int) error

	// ReadSampleData copies the current sample into dst and returns its size.
	// It returns io.EOF when no selected track has samples left.
	ReadSampleData(dst []byte) (int, error)

	// SampleTime returns the presentation time of the current sample in microseconds.
	SampleTime() int64

	// SampleFlags returns the flags of the current sample.
	SampleFlags() SampleFlags

	// Advance moves to the next sample. It returns false at the end of the stream.
	Advance() bool

	// Release frees the source. Further calls fail.
	Release() error
}
