package mp4extractor

import (
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/framereader/pkg/adapters/codecdetect"
	"github.com/user/framereader/pkg/ports"
)

// ErrNoSampleTable is returned for a progressive track without stbl boxes.
var ErrNoSampleTable = errors.New("mp4extractor: missing sample table")

type sampleRef struct {
	order  int64  // position in the file, orders samples across tracks
	offset int64  // progressive only
	size   uint32
	data   []byte // fragmented only
	ptsUs  int64
	sync   bool
}

type track struct {
	id        uint32
	timescale uint32
	format    ports.TrackFormat
	samples   []sampleRef
	durTicks  int64
	next      int
	selected  bool
	annexB    bool
}

// indexTracks builds the sample index of every track. Edit lists are not
// applied; timestamps are composition times on the media timeline.
func indexTracks(f *mp4.File) ([]*track, error) {
	traks := codecdetect.Tracks(f)
	tracks := make([]*track, 0, len(traks))
	byID := make(map[uint32]*track, len(traks))

	for _, trak := range traks {
		t := newTrack(trak)
		if !f.IsFragmented() {
			samples, durTicks, err := progressiveSamples(trak)
			if err != nil {
				return nil, fmt.Errorf("track %d: %w", t.id, err)
			}
			t.samples = samples
			t.durTicks = durTicks
		}
		tracks = append(tracks, t)
		byID[t.id] = t
	}

	if f.IsFragmented() {
		if err := fragmentedSamples(f, byID); err != nil {
			return nil, err
		}
	}

	for _, t := range tracks {
		t.finish()
	}
	return tracks, nil
}

func newTrack(trak *mp4.TrakBox) *track {
	t := &track{timescale: 1000}
	if trak.Tkhd != nil {
		t.id = trak.Tkhd.TrackID
	}

	mime := codecdetect.TrackMIME(trak)
	t.format.MIME = mime
	t.annexB = mime == codecdetect.MIMEAVC || mime == codecdetect.MIMEHEVC

	if trak.Mdia == nil {
		return t
	}
	if mdhd := trak.Mdia.Mdhd; mdhd != nil && mdhd.Timescale != 0 {
		t.timescale = mdhd.Timescale
		t.format.DurationUs = int64(mdhd.Duration) * 1000000 / int64(mdhd.Timescale)
	}

	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return t
	}
	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		entry, ok := child.(*mp4.VisualSampleEntryBox)
		if !ok {
			continue
		}
		t.format.Width = int(entry.Width)
		t.format.Height = int(entry.Height)
		if entry.AvcC != nil {
			t.format.CSD = append(t.format.CSD, entry.AvcC.SPSnalus...)
			t.format.CSD = append(t.format.CSD, entry.AvcC.PPSnalus...)
		}
		if entry.HvcC != nil {
			for _, arr := range entry.HvcC.NaluArrays {
				t.format.CSD = append(t.format.CSD, arr.Nalus...)
			}
		}
		break
	}
	return t
}

// finish derives the duration and frame rate when the headers lack them.
func (t *track) finish() {
	n := len(t.samples)
	if t.format.DurationUs == 0 && t.durTicks > 0 {
		t.format.DurationUs = t.toMicros(t.durTicks)
	}
	if t.format.DurationUs > 0 && n > 0 && codecdetect.IsVideo(t.format.MIME) {
		t.format.FrameRate = float64(n) * 1e6 / float64(t.format.DurationUs)
	}
}

func (t *track) toMicros(ticks int64) int64 {
	return ticks * 1000000 / int64(t.timescale)
}

// progressiveSamples locates every sample of trak through the stsc, stco
// and stsz tables.
func progressiveSamples(trak *mp4.TrakBox) ([]sampleRef, int64, error) {
	if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
		return nil, 0, ErrNoSampleTable
	}
	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stsz == nil || stbl.Stsc == nil {
		return nil, 0, fmt.Errorf("%w: no stsz or stsc box", ErrNoSampleTable)
	}
	if stbl.Stco == nil && stbl.Co64 == nil {
		return nil, 0, fmt.Errorf("%w: no stco or co64 box", ErrNoSampleTable)
	}

	timescale := int64(1000)
	if trak.Mdia.Mdhd != nil && trak.Mdia.Mdhd.Timescale != 0 {
		timescale = int64(trak.Mdia.Mdhd.Timescale)
	}

	syncSamples := make(map[uint32]bool)
	if stbl.Stss != nil {
		for _, nr := range stbl.Stss.SampleNumber {
			syncSamples[nr] = true
		}
	}

	count := stbl.Stsz.SampleNumber
	samples := make([]sampleRef, 0, count)
	currentChunk := -1
	var pos uint64
	var durTicks int64

	for nr := uint32(1); nr <= count; nr++ {
		chunkNr, firstInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
		if err != nil {
			return nil, 0, fmt.Errorf("sample %d: %w", nr, err)
		}
		if chunkNr != currentChunk {
			if pos, err = chunkOffset(stbl, chunkNr); err != nil {
				return nil, 0, fmt.Errorf("sample %d: %w", nr, err)
			}
			for s := uint32(firstInChunk); s < nr; s++ {
				pos += uint64(stbl.Stsz.GetSampleSize(int(s)))
			}
			currentChunk = chunkNr
		}

		size := stbl.Stsz.GetSampleSize(int(nr))

		var decodeTime uint64
		var dur uint32
		if stbl.Stts != nil {
			decodeTime, dur = stbl.Stts.GetDecodeTime(nr)
		}
		durTicks += int64(dur)
		var cto int64
		if stbl.Ctts != nil {
			cto = int64(stbl.Ctts.GetCompositionTimeOffset(nr))
		}

		samples = append(samples, sampleRef{
			order:  int64(pos),
			offset: int64(pos),
			size:   size,
			ptsUs:  (int64(decodeTime) + cto) * 1000000 / timescale,
			sync:   stbl.Stss == nil || syncSamples[nr],
		})
		pos += uint64(size)
	}
	return samples, durTicks, nil
}

func chunkOffset(stbl *mp4.StblBox, chunkNr int) (uint64, error) {
	if stbl.Stco != nil {
		offset, err := stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return 0, fmt.Errorf("get chunk offset: %w", err)
		}
		return offset, nil
	}
	if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
		return 0, fmt.Errorf("chunk %d out of range", chunkNr)
	}
	return stbl.Co64.ChunkOffset[chunkNr-1], nil
}

// fragmentedSamples collects the samples of every moof/mdat pair. The
// payload stays in memory, as decoded by mp4ff.
func fragmentedSamples(f *mp4.File, byID map[uint32]*track) error {
	trexs := make(map[uint32]*mp4.TrexBox)
	if f.Init != nil && f.Init.Moov != nil && f.Init.Moov.Mvex != nil {
		for _, trex := range f.Init.Moov.Mvex.Trexs {
			trexs[trex.TrackID] = trex
		}
	}

	var order int64
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil || len(frag.Moof.Trafs) == 0 {
				continue
			}
			traf := frag.Moof.Trafs[0]
			t, ok := byID[traf.Tfhd.TrackID]
			if !ok {
				continue
			}

			samples, err := frag.GetFullSamples(trexs[t.id])
			if err != nil {
				return fmt.Errorf("get samples: %w", err)
			}

			var currentTime uint64
			if traf.Tfdt != nil {
				currentTime = traf.Tfdt.BaseMediaDecodeTime()
			}
			for i := range samples {
				s := &samples[i]
				t.samples = append(t.samples, sampleRef{
					order: order,
					size:  uint32(len(s.Data)),
					data:  s.Data,
					ptsUs: t.toMicros(int64(currentTime) + int64(s.CompositionTimeOffset)),
					sync:  s.IsSync(),
				})
				order++
				currentTime += uint64(s.Dur)
				t.durTicks += int64(s.Dur)
			}
		}
	}
	return nil
}
