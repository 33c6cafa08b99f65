package mp4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func bu16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func bu32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func testBox(typ string, parts ...[]byte) []byte {
	var payload []byte
	for _, p := range parts {
		payload = append(payload, p...)
	}
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(8+len(payload)))
	copy(buf[4:], typ)
	copy(buf[8:], payload)
	return buf
}

func testFullBox(typ string, parts ...[]byte) []byte {
	all := append([][]byte{{0, 0, 0, 0}}, parts...)
	return testBox(typ, all...)
}

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb}
)

type testRecording struct {
	videoSamples [][]byte
	metaSamples  [][]byte
	deltas       []uint32 // per-sample durations, media timescale units
	timescale    uint32
	syncSamples  []uint32 // 1-based, nil means all sync
}

// build assembles ftyp + mdat + moov in memory.
func (rec testRecording) build(t *testing.T) []byte {
	t.Helper()

	ftyp := testBox("ftyp", []byte("isom"), bu32(0x200), []byte("isom"))

	var mdatPayload []byte
	for _, s := range rec.videoSamples {
		mdatPayload = append(mdatPayload, s...)
	}
	videoChunkOff := uint32(len(ftyp) + 8)
	metaChunkOff := videoChunkOff + uint32(len(mdatPayload))
	for _, s := range rec.metaSamples {
		mdatPayload = append(mdatPayload, s...)
	}
	mdat := testBox("mdat", mdatPayload)

	var totalDur uint32
	var stts []byte
	stts = append(stts, bu32(uint32(len(rec.deltas)))...)
	for _, d := range rec.deltas {
		stts = append(stts, bu32(1)...)
		stts = append(stts, bu32(d)...)
		totalDur += d
	}

	var stsz []byte
	stsz = append(stsz, bu32(0)...)
	stsz = append(stsz, bu32(uint32(len(rec.videoSamples)))...)
	for _, s := range rec.videoSamples {
		stsz = append(stsz, bu32(uint32(len(s)))...)
	}

	var stss []byte
	if rec.syncSamples != nil {
		stss = append(stss, bu32(uint32(len(rec.syncSamples)))...)
		for _, n := range rec.syncSamples {
			stss = append(stss, bu32(n)...)
		}
	}

	avcc := []byte{1, 0x64, 0x00, 0x28, 0xff, 0xe1}
	avcc = append(avcc, bu16(uint16(len(testSPS)))...)
	avcc = append(avcc, testSPS...)
	avcc = append(avcc, 1)
	avcc = append(avcc, bu16(uint16(len(testPPS)))...)
	avcc = append(avcc, testPPS...)

	avc1 := testBox("avc1", make([]byte, 78), testBox("avcC", avcc))

	videoStblChildren := [][]byte{
		testFullBox("stsd", bu32(1), avc1),
		testFullBox("stts", stts),
		testFullBox("stsz", stsz),
		testFullBox("stsc", bu32(1), bu32(1), bu32(uint32(len(rec.videoSamples))), bu32(1)),
		testFullBox("stco", bu32(1), bu32(videoChunkOff)),
	}
	if stss != nil {
		videoStblChildren = append(videoStblChildren, testFullBox("stss", stss))
	}

	videoTrak := testBox("trak",
		testFullBox("tkhd",
			bu32(0), bu32(0), // creation, modification
			bu32(1),          // track ID
			bu32(0), bu32(0), // reserved, duration
		),
		testBox("mdia",
			testFullBox("mdhd",
				bu32(0), bu32(0),
				bu32(rec.timescale),
				bu32(totalDur),
			),
			testFullBox("hdlr", bu32(0), []byte("vide"), make([]byte, 12)),
			testBox("minf",
				testBox("stbl", videoStblChildren...),
			),
		),
	)

	traks := [][]byte{videoTrak}

	if rec.metaSamples != nil {
		var mstsz []byte
		mstsz = append(mstsz, bu32(0)...)
		mstsz = append(mstsz, bu32(uint32(len(rec.metaSamples)))...)
		for _, s := range rec.metaSamples {
			mstsz = append(mstsz, bu32(uint32(len(s)))...)
		}

		metaTrak := testBox("trak",
			testFullBox("tkhd",
				bu32(0), bu32(0),
				bu32(2),
				bu32(0), bu32(0),
			),
			testBox("tref", testBox("cdsc", bu32(1))),
			testBox("mdia",
				testFullBox("mdhd",
					bu32(0), bu32(0),
					bu32(rec.timescale),
					bu32(totalDur),
				),
				testFullBox("hdlr", bu32(0), []byte("meta"), make([]byte, 12)),
				testBox("minf",
					testBox("stbl",
						testFullBox("stsd", bu32(1),
							testBox("mett", make([]byte, 8),
								[]byte{0},
								[]byte("application/octet-stream;type=com.droneview.flightdata.v2\x00"),
							),
						),
						testFullBox("stts", stts),
						testFullBox("stsz", mstsz),
						testFullBox("stsc", bu32(1), bu32(1), bu32(uint32(len(rec.metaSamples))), bu32(1)),
						testFullBox("stco", bu32(1), bu32(metaChunkOff)),
					),
				),
			),
		)
		traks = append(traks, metaTrak)
	}

	keyName := "com.droneview.takeoff.loc"
	keyEntry := append(bu32(uint32(8+len(keyName))), []byte("mdta")...)
	keyEntry = append(keyEntry, []byte(keyName)...)

	udta := testBox("udta",
		testBox("\xa9mak", bu16(9), bu16(0x55c4), []byte("DroneView")),
		testFullBox("meta",
			testFullBox("keys", bu32(1), keyEntry),
			testBox("ilst",
				testBox("\x00\x00\x00\x01",
					testBox("data", bu32(1), bu32(0), []byte("48.857730,2.295040,35.600")),
				),
			),
		),
	)

	moovChildren := [][]byte{
		testFullBox("mvhd",
			bu32(0), bu32(0),
			bu32(1000),
			bu32(0),
		),
	}
	moovChildren = append(moovChildren, traks...)
	moovChildren = append(moovChildren, udta)
	moov := testBox("moov", moovChildren...)

	var file []byte
	file = append(file, ftyp...)
	file = append(file, mdat...)
	file = append(file, moov...)
	return file
}

func defaultRecording() testRecording {
	return testRecording{
		videoSamples: [][]byte{
			{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5},
			{0xb0, 0xb1, 0xb2, 0xb3},
			{0xc0, 0xc1, 0xc2, 0xc3},
			{0xd0, 0xd1, 0xd2, 0xd3},
			{0xe0, 0xe1, 0xe2, 0xe3},
		},
		metaSamples: [][]byte{
			{0x10, 0x11},
			{0x20, 0x21},
			{0x30, 0x31},
			{0x40, 0x41},
			{0x50, 0x51},
		},
		deltas:      []uint32{1000, 1000, 1000, 1000, 1000},
		timescale:   30000,
		syncSamples: []uint32{1, 4},
	}
}

func TestDemuxerOpen(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	track := d.Track()
	require.Equal(t, uint32(1), track.ID)
	require.Equal(t, uint32(30000), track.Timescale)
	require.Equal(t, int64(166666), track.DurationUs)
	require.Equal(t, testSPS, track.SPS)
	require.Equal(t, testPPS, track.PPS)
	require.Equal(t, 4, track.NALULengthSize)
	require.Equal(t, "application/octet-stream;type=com.droneview.flightdata.v2", track.MetadataMIMEType)

	meta := d.MetadataStrings()
	require.Equal(t, "DroneView", meta["\xa9mak"])
	require.Equal(t, "48.857730,2.295040,35.600", meta["com.droneview.takeoff.loc"])
}

func TestDemuxerOpenNoVideoTrack(t *testing.T) {
	_, err := NewDemuxer(bytes.NewReader(testBox("moov")))
	require.Error(t, err)

	_, err = NewDemuxer(bytes.NewReader(testBox("ftyp")))
	require.Error(t, err)
}

func TestNextSample(t *testing.T) {
	rec := defaultRecording()
	file := rec.build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	wantDts := []int64{0, 33333, 66666, 100000, 133333}
	wantNext := []int64{33333, 66666, 100000, 133333, 0}
	wantPrevSync := []int64{0, 0, 0, 0, 100000}
	wantSync := []bool{true, false, false, true, false}

	dst := make([]byte, 64)
	metaDst := make([]byte, 16)

	for i := range wantDts {
		s, err2 := d.NextSample(dst, metaDst)
		require.NoError(t, err2)
		require.Equal(t, wantDts[i], s.DtsUs)
		require.Equal(t, wantNext[i], s.NextDtsUs)
		require.Equal(t, wantPrevSync[i], s.PrevSyncDtsUs)
		require.Equal(t, wantSync[i], s.Sync)
		require.Equal(t, false, s.Silent)
		require.Equal(t, rec.videoSamples[i], dst[:s.Size])
		require.Equal(t, rec.metaSamples[i], metaDst[:s.MetadataSize])
	}

	// end of track
	s, err := d.NextSample(dst, metaDst)
	require.NoError(t, err)
	require.Equal(t, 0, s.Size)

	s, err = d.NextSample(dst, metaDst)
	require.NoError(t, err)
	require.Equal(t, 0, s.Size)
}

func TestNextSampleNoSpace(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	_, err = d.NextSample(make([]byte, 2), nil)
	require.Equal(t, ErrNoSpace, err)

	// skip without copying
	s, err := d.NextSample(nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.DtsUs)
	require.Equal(t, 6, s.Size)

	s, err = d.NextSample(make([]byte, 64), nil)
	require.NoError(t, err)
	require.Equal(t, int64(33333), s.DtsUs)
}

func TestSeek(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	dst := make([]byte, 64)

	require.NoError(t, d.Seek(100000, true))
	s, err := d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(100000), s.DtsUs)
	require.Equal(t, false, s.Silent)

	// seeking into a non-sync sample backs up to the sync sample and
	// flags the skipped range silent
	require.NoError(t, d.Seek(66666, true))

	s, err = d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.DtsUs)
	require.Equal(t, true, s.Silent)

	s, err = d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(33333), s.DtsUs)
	require.Equal(t, true, s.Silent)

	s, err = d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(66666), s.DtsUs)
	require.Equal(t, false, s.Silent)

	s, err = d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(100000), s.DtsUs)
	require.Equal(t, false, s.Silent)
}

func TestSeekNonSync(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	require.NoError(t, d.Seek(66666, false))
	s, err := d.NextSample(make([]byte, 64), nil)
	require.NoError(t, err)
	require.Equal(t, int64(66666), s.DtsUs)
}

func TestSeekClamp(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	require.NoError(t, d.Seek(-50, true))
	s, err := d.NextSample(make([]byte, 64), nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.DtsUs)

	require.NoError(t, d.Seek(1<<40, true))
	s, err = d.NextSample(make([]byte, 64), nil)
	require.NoError(t, err)
	require.Equal(t, int64(100000), s.DtsUs)
}

func TestSeekToPrevSample(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	dst := make([]byte, 64)

	for i := 0; i < 3; i++ {
		_, err = d.NextSample(dst, nil)
		require.NoError(t, err)
	}

	// last read sample is at 66666, the target is 33333
	require.NoError(t, d.SeekToPrevSample())

	s, err := d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.DtsUs)
	require.Equal(t, true, s.Silent)

	s, err = d.NextSample(dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(33333), s.DtsUs)
	require.Equal(t, false, s.Silent)
}

func TestSyncSampleTimes(t *testing.T) {
	file := defaultRecording().build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	ts, ok := d.NextSyncSampleTime(0, true)
	require.Equal(t, true, ok)
	require.Equal(t, int64(100000), ts)

	ts, ok = d.NextSyncSampleTime(0, false)
	require.Equal(t, true, ok)
	require.Equal(t, int64(0), ts)

	_, ok = d.NextSyncSampleTime(100000, true)
	require.Equal(t, false, ok)

	ts, ok = d.PrevSyncSampleTime(100000, true)
	require.Equal(t, true, ok)
	require.Equal(t, int64(0), ts)

	ts, ok = d.PrevSyncSampleTime(133333, false)
	require.Equal(t, true, ok)
	require.Equal(t, int64(100000), ts)

	_, ok = d.PrevSyncSampleTime(0, true)
	require.Equal(t, false, ok)
}

func TestAllSamplesSync(t *testing.T) {
	rec := defaultRecording()
	rec.syncSamples = nil
	file := rec.build(t)

	d, err := NewDemuxer(bytes.NewReader(file))
	require.NoError(t, err)

	s, err := d.NextSample(make([]byte, 64), nil)
	require.NoError(t, err)
	require.Equal(t, true, s.Sync)

	ts, ok := d.NextSyncSampleTime(0, true)
	require.Equal(t, true, ok)
	require.Equal(t, int64(33333), ts)
}
