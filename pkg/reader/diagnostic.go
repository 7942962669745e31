package reader

import "fmt"

// DiagnosticKind classifies a session diagnostic.
type DiagnosticKind int

const (
	// SourceUnavailable: the source URL could not be opened.
	SourceUnavailable DiagnosticKind = iota
	// NoVideoTrack: the source has no track with a video/ MIME type.
	NoVideoTrack
	// DecoderInitError: the decoder or the GPU resources could not be set up.
	DecoderInitError
	// DecoderError: the decoder reported a runtime error.
	DecoderError
)

func (k DiagnosticKind) String() string {
	switch k {
	case SourceUnavailable:
		return "SourceUnavailable"
	case NoVideoTrack:
		return "NoVideoTrack"
	case DecoderInitError:
		return "DecoderInitError"
	case DecoderError:
		return "DecoderError"
	default:
		return "Unknown"
	}
}

// Diagnostic reports a failure that is not returned from a call.
type Diagnostic struct {
	Kind DiagnosticKind
	Err  error
}

func (d Diagnostic) String() string {
	if d.Err == nil {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s: %v", d.Kind, d.Err)
}

// Fatal reports whether the diagnostic ended the session setup.
func (d Diagnostic) Fatal() bool {
	return d.Kind != DecoderError
}
