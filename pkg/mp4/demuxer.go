package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNoSpace is returned by NextSample when the destination buffer is
// too small for the sample. The cursor is not advanced.
var ErrNoSpace = errors.New("sample does not fit in the provided buffer")

// ErrNoVideoTrack is returned by NewDemuxer when the movie contains no
// AVC video track.
var ErrNoVideoTrack = errors.New("no video track")

// Track describes the video track of a recording.
type Track struct {
	ID               uint32
	Timescale        uint32
	DurationUs       int64
	SPS              []byte
	PPS              []byte
	NALULengthSize   int
	MetadataMIMEType string
}

// Sample describes one access unit returned by NextSample. A zero Size
// with a nil error marks the end of the track.
type Sample struct {
	DtsUs         int64
	NextDtsUs     int64
	PrevSyncDtsUs int64
	Size          int
	MetadataSize  int
	Silent        bool
	Sync          bool
}

// Demuxer reads AVC samples and timed metadata from an ISO-BMFF
// recording.
type Demuxer struct {
	r           io.ReadSeeker
	track       Track
	samples     []sampleInfo
	metaSamples []sampleInfo
	meta        map[string]string

	cursor        int
	lastRead      int
	silentActive  bool
	silentUntilUs int64
}

// NewDemuxer parses the movie structure of the recording and positions
// the sample cursor at the beginning of the first video track.
func NewDemuxer(r io.ReadSeeker) (*Demuxer, error) {
	_, err := r.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}

	moov, err := readMoov(r)
	if err != nil {
		return nil, err
	}

	var tracks []*trackInfo

	meta := make(map[string]string)

	err = walkBoxes(moov, func(typ string, payload []byte) error {
		switch typ {
		case "trak":
			t, err2 := parseTrak(payload)
			if err2 != nil {
				return err2
			}
			tracks = append(tracks, t)

		case "udta":
			parseUdta(payload, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var video *trackInfo
	for _, t := range tracks {
		if t.sps != nil {
			video = t
			break
		}
	}
	if video == nil {
		return nil, ErrNoVideoTrack
	}

	d := &Demuxer{
		r: r,
		track: Track{
			ID:             video.id,
			Timescale:      video.timescale,
			DurationUs:     video.durationUs,
			SPS:            video.sps,
			PPS:            video.pps,
			NALULengthSize: video.naluLengthSize,
		},
		samples:  video.samples,
		meta:     meta,
		lastRead: -1,
	}

	for _, t := range tracks {
		if t.handler != "meta" || t.metaMIME == "" {
			continue
		}
		for _, id := range t.describedIDs {
			if id == video.id {
				d.track.MetadataMIMEType = t.metaMIME
				d.metaSamples = t.samples
				break
			}
		}
	}

	return d, nil
}

func readMoov(r io.ReadSeeker) ([]byte, error) {
	for {
		var hdr [8]byte
		_, err := io.ReadFull(r, hdr[:])
		if err == io.EOF {
			return nil, fmt.Errorf("no moov box")
		}
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated box header")
		}
		if err != nil {
			return nil, err
		}

		size := int64(binary.BigEndian.Uint32(hdr[0:4]))
		typ := string(hdr[4:8])
		payloadSize := size - 8

		if size == 1 {
			var ext [8]byte
			_, err = io.ReadFull(r, ext[:])
			if err != nil {
				return nil, fmt.Errorf("truncated box header")
			}
			payloadSize = int64(binary.BigEndian.Uint64(ext[:])) - 16
		}

		if payloadSize < 0 {
			return nil, fmt.Errorf("invalid box size")
		}

		if typ == "moov" {
			moov := make([]byte, payloadSize)
			_, err = io.ReadFull(r, moov)
			if err != nil {
				return nil, fmt.Errorf("truncated moov box")
			}
			return moov, nil
		}

		_, err = r.Seek(payloadSize, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
	}
}

// Track returns the video track descriptor.
func (d *Demuxer) Track() Track {
	return d.track
}

// MetadataStrings returns the recording metadata entries found in the
// movie's udta box.
func (d *Demuxer) MetadataStrings() map[string]string {
	return d.meta
}

// NextSample reads the sample under the cursor into dst, its timed
// metadata into metaDst, and advances the cursor. A nil dst skips the
// sample. When dst is too small the cursor stays in place and
// ErrNoSpace is returned. Past the last sample it returns a zero-size
// sample and no error.
func (d *Demuxer) NextSample(dst []byte, metaDst []byte) (Sample, error) {
	if d.cursor >= len(d.samples) {
		return Sample{}, nil
	}

	si := d.samples[d.cursor]

	if dst != nil {
		if len(dst) < int(si.size) {
			return Sample{}, ErrNoSpace
		}

		_, err := d.r.Seek(si.offset, io.SeekStart)
		if err != nil {
			return Sample{}, err
		}
		_, err = io.ReadFull(d.r, dst[:si.size])
		if err != nil {
			return Sample{}, err
		}
	}

	s := Sample{
		DtsUs: si.dtsUs,
		Size:  int(si.size),
		Sync:  si.sync,
	}

	if d.cursor+1 < len(d.samples) {
		s.NextDtsUs = d.samples[d.cursor+1].dtsUs
	}

	for i := d.cursor - 1; i >= 0; i-- {
		if d.samples[i].sync {
			s.PrevSyncDtsUs = d.samples[i].dtsUs
			break
		}
	}

	if d.silentActive {
		if si.dtsUs < d.silentUntilUs {
			s.Silent = true
		} else {
			d.silentActive = false
		}
	}

	if metaDst != nil && d.cursor < len(d.metaSamples) {
		mi := d.metaSamples[d.cursor]
		if mi.size > 0 && int(mi.size) <= len(metaDst) {
			_, err := d.r.Seek(mi.offset, io.SeekStart)
			if err != nil {
				return Sample{}, err
			}
			_, err = io.ReadFull(d.r, metaDst[:mi.size])
			if err != nil {
				return Sample{}, err
			}
			s.MetadataSize = int(mi.size)
		}
	}

	d.lastRead = d.cursor
	d.cursor++

	return s, nil
}

// Seek positions the cursor at the sample whose decoding time is the
// greatest one at or before tsUs. When sync is true the cursor backs up
// further to the nearest sync sample. Samples before tsUs are flagged
// silent until the target time is reached.
func (d *Demuxer) Seek(tsUs int64, sync bool) error {
	if len(d.samples) == 0 {
		return fmt.Errorf("track has no samples")
	}

	idx := 0
	for i := range d.samples {
		if d.samples[i].dtsUs > tsUs {
			break
		}
		idx = i
	}

	if sync {
		for idx > 0 && !d.samples[idx].sync {
			idx--
		}
	}

	d.cursor = idx
	d.silentActive = true
	d.silentUntilUs = tsUs
	return nil
}

// SeekToPrevSample positions the cursor at the sync sample preceding
// the sample before the last one read, flagging everything up to the
// target sample silent.
func (d *Demuxer) SeekToPrevSample() error {
	if len(d.samples) == 0 {
		return fmt.Errorf("track has no samples")
	}

	target := 0
	if d.lastRead > 0 {
		target = d.lastRead - 1
	}

	idx := target
	for idx > 0 && !d.samples[idx].sync {
		idx--
	}

	d.cursor = idx
	d.silentActive = true
	d.silentUntilUs = d.samples[target].dtsUs
	return nil
}

// NextSyncSampleTime returns the decoding time of the first sync sample
// after tsUs. When strict is false a sync sample exactly at tsUs
// qualifies.
func (d *Demuxer) NextSyncSampleTime(tsUs int64, strict bool) (int64, bool) {
	for i := range d.samples {
		if !d.samples[i].sync {
			continue
		}
		if d.samples[i].dtsUs > tsUs || (!strict && d.samples[i].dtsUs == tsUs) {
			return d.samples[i].dtsUs, true
		}
	}
	return 0, false
}

// PrevSyncSampleTime returns the decoding time of the last sync sample
// before tsUs. When strict is false a sync sample exactly at tsUs
// qualifies.
func (d *Demuxer) PrevSyncSampleTime(tsUs int64, strict bool) (int64, bool) {
	for i := len(d.samples) - 1; i >= 0; i-- {
		if !d.samples[i].sync {
			continue
		}
		if d.samples[i].dtsUs < tsUs || (!strict && d.samples[i].dtsUs == tsUs) {
			return d.samples[i].dtsUs, true
		}
	}
	return 0, false
}
