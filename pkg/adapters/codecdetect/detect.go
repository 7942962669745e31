// Package codecdetect maps MP4 sample entries to MIME types.
package codecdetect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
)

// MIME types reported for MP4 tracks.
const (
	MIMEAVC   = "video/avc"
	MIMEHEVC  = "video/hevc"
	MIMEAV1   = "video/av01"
	MIMEVP9   = "video/x-vnd.on2.vp9"
	MIMEAAC   = "audio/mp4a-latm"
	MIMEOpus  = "audio/opus"
	MIMEVideo = "video/unknown"
	MIMEAudio = "audio/unknown"
	MIMEOther = "application/octet-stream"
)

// ErrNoVideoTrack is returned when a file has no video track.
var ErrNoVideoTrack = errors.New("codecdetect: no video track")

var entryTypes = map[string]string{
	"avc1": MIMEAVC,
	"avc3": MIMEAVC,
	"hvc1": MIMEHEVC,
	"hev1": MIMEHEVC,
	"av01": MIMEAV1,
	"vp09": MIMEVP9,
	"mp4a": MIMEAAC,
	"Opus": MIMEOpus,
}

// MIMEType returns the MIME type of a sample entry four-character code, or
// the empty string when it is not known.
func MIMEType(entryType string) string {
	return entryTypes[entryType]
}

// TrackMIME returns the MIME type of trak. Tracks with an unknown sample
// entry keep their handler family, so an unsupported video codec is still
// reported as video.
func TrackMIME(trak *mp4.TrakBox) string {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
		return MIMEOther
	}

	if trak.Mdia.Minf != nil && trak.Mdia.Minf.Stbl != nil && trak.Mdia.Minf.Stbl.Stsd != nil {
		for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
			if mime := MIMEType(child.Type()); mime != "" {
				return mime
			}
		}
	}

	switch trak.Mdia.Hdlr.HandlerType {
	case "vide":
		return MIMEVideo
	case "soun":
		return MIMEAudio
	default:
		return MIMEOther
	}
}

// Tracks returns the tracks of a decoded file, progressive or fragmented.
func Tracks(f *mp4.File) []*mp4.TrakBox {
	if f.Init != nil && f.Init.Moov != nil {
		return f.Init.Moov.Traks
	}
	if f.Moov != nil {
		return f.Moov.Traks
	}
	return nil
}

// DetectFromFile returns the MIME type of the first video track of an MP4 file.
func DetectFromFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return DetectFromReader(f)
}

// DetectFromReader returns the MIME type of the first video track. The
// reader is rewound afterwards.
func DetectFromReader(reader io.ReadSeeker) (string, error) {
	mp4File, err := mp4.DecodeFile(reader)
	if err != nil {
		return "", fmt.Errorf("decode mp4: %w", err)
	}

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek: %w", err)
	}

	for _, trak := range Tracks(mp4File) {
		if mime := TrackMIME(trak); IsVideo(mime) {
			return mime, nil
		}
	}
	return "", ErrNoVideoTrack
}

// IsVideo reports whether mime names a video format.
func IsVideo(mime string) bool {
	return strings.HasPrefix(mime, "video/")
}
