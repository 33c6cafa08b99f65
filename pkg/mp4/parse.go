// Package mp4 contains a minimal ISO-BMFF demuxer for AVC recordings.
package mp4

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// walkBoxes iterates over the boxes laid out contiguously in buf.
func walkBoxes(buf []byte, f func(typ string, payload []byte) error) error {
	for len(buf) > 0 {
		if len(buf) < 8 {
			return fmt.Errorf("truncated box header")
		}

		size := int(binary.BigEndian.Uint32(buf[0:4]))
		typ := string(buf[4:8])
		hdr := 8

		switch size {
		case 0:
			size = len(buf)

		case 1:
			if len(buf) < 16 {
				return fmt.Errorf("truncated box header")
			}
			size64 := binary.BigEndian.Uint64(buf[8:16])
			if size64 > uint64(len(buf)) {
				return fmt.Errorf("invalid box size %d", size64)
			}
			size = int(size64)
			hdr = 16
		}

		if size < hdr || size > len(buf) {
			return fmt.Errorf("invalid box size %d", size)
		}

		err := f(typ, buf[hdr:size])
		if err != nil {
			return err
		}

		buf = buf[size:]
	}

	return nil
}

// findBox returns the payload of the first child box of the given type.
func findBox(buf []byte, typ string) []byte {
	var found []byte
	walkBoxes(buf, func(t string, payload []byte) error { //nolint:errcheck
		if found == nil && t == typ {
			found = payload
		}
		return nil
	})
	return found
}

// findBoxPath descends through nested boxes along the given path.
func findBoxPath(buf []byte, path ...string) []byte {
	for _, typ := range path {
		buf = findBox(buf, typ)
		if buf == nil {
			return nil
		}
	}
	return buf
}

// timeToUs converts a track time value to microseconds.
func timeToUs(v uint64, timescale uint32) int64 {
	return int64(v * 1000000 / uint64(timescale))
}

type sampleInfo struct {
	dtsUs  int64
	offset int64
	size   uint32
	sync   bool
}

type trackInfo struct {
	id             uint32
	timescale      uint32
	durationUs     int64
	handler        string
	sps            []byte
	pps            []byte
	naluLengthSize int
	metaMIME       string
	describedIDs   []uint32
	samples        []sampleInfo
}

func parseTkhd(p []byte, t *trackInfo) error {
	if len(p) < 4 {
		return fmt.Errorf("invalid tkhd box")
	}

	if p[0] == 1 {
		if len(p) < 24 {
			return fmt.Errorf("invalid tkhd box")
		}
		t.id = binary.BigEndian.Uint32(p[20:24])
	} else {
		if len(p) < 16 {
			return fmt.Errorf("invalid tkhd box")
		}
		t.id = binary.BigEndian.Uint32(p[12:16])
	}

	return nil
}

func parseMdhd(p []byte, t *trackInfo) error {
	if len(p) < 4 {
		return fmt.Errorf("invalid mdhd box")
	}

	var duration uint64

	if p[0] == 1 {
		if len(p) < 32 {
			return fmt.Errorf("invalid mdhd box")
		}
		t.timescale = binary.BigEndian.Uint32(p[20:24])
		duration = binary.BigEndian.Uint64(p[24:32])
	} else {
		if len(p) < 20 {
			return fmt.Errorf("invalid mdhd box")
		}
		t.timescale = binary.BigEndian.Uint32(p[12:16])
		duration = uint64(binary.BigEndian.Uint32(p[16:20]))
	}

	if t.timescale == 0 {
		return fmt.Errorf("invalid media timescale")
	}

	t.durationUs = timeToUs(duration, t.timescale)
	return nil
}

func parseAVCConfiguration(buf []byte) (sps []byte, pps []byte, lengthSize int, err error) {
	if len(buf) < 7 {
		return nil, nil, 0, fmt.Errorf("invalid avcC box")
	}

	lengthSize = int(buf[4]&0x03) + 1
	spsCount := int(buf[5] & 0x1f)
	pos := 6

	for i := 0; i < spsCount; i++ {
		if len(buf) < pos+2 {
			return nil, nil, 0, fmt.Errorf("invalid avcC box")
		}
		le := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if len(buf) < pos+le {
			return nil, nil, 0, fmt.Errorf("invalid avcC box")
		}
		if sps == nil {
			sps = append([]byte(nil), buf[pos:pos+le]...)
		}
		pos += le
	}

	if len(buf) < pos+1 {
		return nil, nil, 0, fmt.Errorf("invalid avcC box")
	}
	ppsCount := int(buf[pos])
	pos++

	for i := 0; i < ppsCount; i++ {
		if len(buf) < pos+2 {
			return nil, nil, 0, fmt.Errorf("invalid avcC box")
		}
		le := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if len(buf) < pos+le {
			return nil, nil, 0, fmt.Errorf("invalid avcC box")
		}
		if pps == nil {
			pps = append([]byte(nil), buf[pos:pos+le]...)
		}
		pos += le
	}

	if sps == nil || pps == nil {
		return nil, nil, 0, fmt.Errorf("avcC box carries no parameter sets")
	}

	return sps, pps, lengthSize, nil
}

func parseStsd(p []byte, t *trackInfo) error {
	if len(p) < 8 {
		return fmt.Errorf("invalid stsd box")
	}

	return walkBoxes(p[8:], func(typ string, entry []byte) error {
		switch typ {
		case "avc1", "avc3":
			// the AVC configuration follows the fixed part of the
			// visual sample entry (8 bytes of sample entry header plus
			// 70 bytes of visual fields)
			if len(entry) < 78 {
				return fmt.Errorf("invalid visual sample entry")
			}

			avcc := findBox(entry[78:], "avcC")
			if avcc == nil {
				return fmt.Errorf("visual sample entry without avcC box")
			}

			sps, pps, lengthSize, err := parseAVCConfiguration(avcc)
			if err != nil {
				return err
			}

			t.sps = sps
			t.pps = pps
			t.naluLengthSize = lengthSize

		case "mett":
			if len(entry) < 8 {
				return fmt.Errorf("invalid metadata sample entry")
			}

			fields := strings.Split(string(entry[8:]), "\x00")
			if len(fields) >= 2 && fields[1] != "" {
				t.metaMIME = fields[1]
			} else if len(fields) >= 1 {
				t.metaMIME = fields[0]
			}
		}

		return nil
	})
}

func buildSampleTable(stbl []byte, timescale uint32) ([]sampleInfo, error) {
	stts := findBox(stbl, "stts")
	stsz := findBox(stbl, "stsz")
	stsc := findBox(stbl, "stsc")
	if stts == nil || stsz == nil || stsc == nil {
		return nil, fmt.Errorf("incomplete sample table")
	}

	// decoding times
	if len(stts) < 8 {
		return nil, fmt.Errorf("invalid stts box")
	}
	entryCount := int(binary.BigEndian.Uint32(stts[4:8]))
	if len(stts) < 8+entryCount*8 {
		return nil, fmt.Errorf("invalid stts box")
	}

	var samples []sampleInfo
	var dts uint64

	for i := 0; i < entryCount; i++ {
		sampleCount := binary.BigEndian.Uint32(stts[8+i*8:])
		delta := binary.BigEndian.Uint32(stts[12+i*8:])

		for j := uint32(0); j < sampleCount; j++ {
			samples = append(samples, sampleInfo{dtsUs: timeToUs(dts, timescale)})
			dts += uint64(delta)
		}
	}

	// sizes
	if len(stsz) < 12 {
		return nil, fmt.Errorf("invalid stsz box")
	}
	uniformSize := binary.BigEndian.Uint32(stsz[4:8])
	sizeCount := int(binary.BigEndian.Uint32(stsz[8:12]))
	if sizeCount != len(samples) {
		return nil, fmt.Errorf("sample count mismatch (%d vs %d)", sizeCount, len(samples))
	}

	if uniformSize != 0 {
		for i := range samples {
			samples[i].size = uniformSize
		}
	} else {
		if len(stsz) < 12+sizeCount*4 {
			return nil, fmt.Errorf("invalid stsz box")
		}
		for i := range samples {
			samples[i].size = binary.BigEndian.Uint32(stsz[12+i*4:])
		}
	}

	// chunk offsets
	var chunkOffsets []int64

	if stco := findBox(stbl, "stco"); stco != nil {
		if len(stco) < 8 {
			return nil, fmt.Errorf("invalid stco box")
		}
		n := int(binary.BigEndian.Uint32(stco[4:8]))
		if len(stco) < 8+n*4 {
			return nil, fmt.Errorf("invalid stco box")
		}
		for i := 0; i < n; i++ {
			chunkOffsets = append(chunkOffsets, int64(binary.BigEndian.Uint32(stco[8+i*4:])))
		}
	} else if co64 := findBox(stbl, "co64"); co64 != nil {
		if len(co64) < 8 {
			return nil, fmt.Errorf("invalid co64 box")
		}
		n := int(binary.BigEndian.Uint32(co64[4:8]))
		if len(co64) < 8+n*8 {
			return nil, fmt.Errorf("invalid co64 box")
		}
		for i := 0; i < n; i++ {
			chunkOffsets = append(chunkOffsets, int64(binary.BigEndian.Uint64(co64[8+i*8:])))
		}
	} else {
		return nil, fmt.Errorf("incomplete sample table")
	}

	// sample to chunk mapping
	if len(stsc) < 8 {
		return nil, fmt.Errorf("invalid stsc box")
	}
	stscCount := int(binary.BigEndian.Uint32(stsc[4:8]))
	if stscCount == 0 || len(stsc) < 8+stscCount*12 {
		return nil, fmt.Errorf("invalid stsc box")
	}

	type stscEntry struct {
		firstChunk      uint32
		samplesPerChunk uint32
	}

	entries := make([]stscEntry, stscCount)
	for i := range entries {
		entries[i] = stscEntry{
			firstChunk:      binary.BigEndian.Uint32(stsc[8+i*12:]),
			samplesPerChunk: binary.BigEndian.Uint32(stsc[12+i*12:]),
		}
	}

	si := 0
	for ci := range chunkOffsets {
		chunkNumber := uint32(ci + 1)

		perChunk := entries[0].samplesPerChunk
		for _, e := range entries {
			if e.firstChunk > chunkNumber {
				break
			}
			perChunk = e.samplesPerChunk
		}

		off := chunkOffsets[ci]
		for j := uint32(0); j < perChunk && si < len(samples); j++ {
			samples[si].offset = off
			off += int64(samples[si].size)
			si++
		}
	}

	if si != len(samples) {
		return nil, fmt.Errorf("chunk table covers %d of %d samples", si, len(samples))
	}

	// sync samples
	if stss := findBox(stbl, "stss"); stss != nil {
		if len(stss) < 8 {
			return nil, fmt.Errorf("invalid stss box")
		}
		n := int(binary.BigEndian.Uint32(stss[4:8]))
		if len(stss) < 8+n*4 {
			return nil, fmt.Errorf("invalid stss box")
		}
		for i := 0; i < n; i++ {
			num := int(binary.BigEndian.Uint32(stss[8+i*4:]))
			if num >= 1 && num <= len(samples) {
				samples[num-1].sync = true
			}
		}
	} else {
		for i := range samples {
			samples[i].sync = true
		}
	}

	return samples, nil
}

func parseTrak(p []byte) (*trackInfo, error) {
	var t trackInfo

	tkhd := findBox(p, "tkhd")
	if tkhd == nil {
		return nil, fmt.Errorf("trak box without tkhd box")
	}
	err := parseTkhd(tkhd, &t)
	if err != nil {
		return nil, err
	}

	mdia := findBox(p, "mdia")
	if mdia == nil {
		return nil, fmt.Errorf("trak box without mdia box")
	}

	mdhd := findBox(mdia, "mdhd")
	if mdhd == nil {
		return nil, fmt.Errorf("mdia box without mdhd box")
	}
	err = parseMdhd(mdhd, &t)
	if err != nil {
		return nil, err
	}

	if hdlr := findBox(mdia, "hdlr"); hdlr != nil && len(hdlr) >= 12 {
		t.handler = string(hdlr[8:12])
	}

	if cdsc := findBoxPath(p, "tref", "cdsc"); cdsc != nil {
		for pos := 0; pos+4 <= len(cdsc); pos += 4 {
			t.describedIDs = append(t.describedIDs, binary.BigEndian.Uint32(cdsc[pos:]))
		}
	}

	stbl := findBoxPath(mdia, "minf", "stbl")
	if stbl == nil {
		return nil, fmt.Errorf("mdia box without stbl box")
	}

	if stsd := findBox(stbl, "stsd"); stsd != nil {
		err = parseStsd(stsd, &t)
		if err != nil {
			return nil, err
		}
	}

	t.samples, err = buildSampleTable(stbl, t.timescale)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// parseUdta collects the recording metadata entries of the udta box,
// both classic international-text atoms and mdta keyed items.
func parseUdta(p []byte, meta map[string]string) {
	walkBoxes(p, func(typ string, payload []byte) error { //nolint:errcheck
		switch {
		case typ == "meta":
			if len(payload) >= 4 {
				parseKeyedMetadata(payload[4:], meta)
			}

		case typ[0] == 0xa9:
			if len(payload) >= 4 {
				le := int(binary.BigEndian.Uint16(payload[0:2]))
				if 4+le <= len(payload) {
					meta[typ] = string(payload[4 : 4+le])
				}
			}
		}
		return nil
	})
}

func parseKeyedMetadata(buf []byte, meta map[string]string) {
	keysBox := findBox(buf, "keys")
	ilst := findBox(buf, "ilst")
	if keysBox == nil || ilst == nil {
		return
	}

	if len(keysBox) < 8 {
		return
	}
	count := int(binary.BigEndian.Uint32(keysBox[4:8]))

	var keys []string
	pos := 8
	for i := 0; i < count; i++ {
		if len(keysBox) < pos+8 {
			return
		}
		size := int(binary.BigEndian.Uint32(keysBox[pos:]))
		if size < 8 || len(keysBox) < pos+size {
			return
		}
		keys = append(keys, string(keysBox[pos+8:pos+size]))
		pos += size
	}

	walkBoxes(ilst, func(typ string, payload []byte) error { //nolint:errcheck
		data := findBox(payload, "data")
		if data == nil || len(data) < 8 {
			return nil
		}
		if binary.BigEndian.Uint32(data[0:4]) != 1 {
			// not a UTF-8 value
			return nil
		}
		value := string(data[8:])

		if typ[0] == 0xa9 {
			meta[typ] = value
			return nil
		}

		idx := int(binary.BigEndian.Uint32([]byte(typ)))
		if idx >= 1 && idx <= len(keys) {
			meta[keys[idx-1]] = value
		}
		return nil
	})
}
