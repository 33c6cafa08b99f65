package goplaylib

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droneview/goplaylib/pkg/liberrors"
	"github.com/droneview/goplaylib/pkg/vbuf"
)

func u16be(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func box(typ string, parts ...[]byte) []byte {
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

func fullBox(typ string, parts ...[]byte) []byte {
	all := append([][]byte{{0, 0, 0, 0}}, parts...)
	return box(typ, all...)
}

var (
	// 1280x720, high profile
	recSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6c, 0x80, 0x00, 0x00, 0x03,
		0x00, 0x80, 0x00, 0x00, 0x1e, 0x07, 0x8c, 0x18,
		0xcb,
	}
	recPPS = []byte{0x68, 0xeb, 0xe3, 0xcb}
)

// idrSample builds a one-NALU access unit in AVCC framing.
func idrSample(tag byte) []byte {
	return append(u32be(2), 0x65, tag)
}

type fakeRecording struct {
	videoSamples [][]byte
	deltas       []uint32 // per-sample durations, media timescale units
	timescale    uint32
	syncSamples  []uint32 // 1-based, nil means all sync
}

// build assembles ftyp + mdat + moov in memory.
func (rec fakeRecording) build() []byte {
	ftyp := box("ftyp", []byte("isom"), u32be(0x200), []byte("isom"))

	var mdatPayload []byte
	for _, s := range rec.videoSamples {
		mdatPayload = append(mdatPayload, s...)
	}
	chunkOff := uint32(len(ftyp) + 8)
	mdat := box("mdat", mdatPayload)

	var totalDur uint32
	var stts []byte
	stts = append(stts, u32be(uint32(len(rec.deltas)))...)
	for _, d := range rec.deltas {
		stts = append(stts, u32be(1)...)
		stts = append(stts, u32be(d)...)
		totalDur += d
	}

	var stsz []byte
	stsz = append(stsz, u32be(0)...)
	stsz = append(stsz, u32be(uint32(len(rec.videoSamples)))...)
	for _, s := range rec.videoSamples {
		stsz = append(stsz, u32be(uint32(len(s)))...)
	}

	avcc := []byte{1, 0x64, 0x00, 0x1f, 0xff, 0xe1}
	avcc = append(avcc, u16be(uint16(len(recSPS)))...)
	avcc = append(avcc, recSPS...)
	avcc = append(avcc, 1)
	avcc = append(avcc, u16be(uint16(len(recPPS)))...)
	avcc = append(avcc, recPPS...)

	avc1 := box("avc1", make([]byte, 78), box("avcC", avcc))

	stblChildren := [][]byte{
		fullBox("stsd", u32be(1), avc1),
		fullBox("stts", stts),
		fullBox("stsz", stsz),
		fullBox("stsc", u32be(1), u32be(1), u32be(uint32(len(rec.videoSamples))), u32be(1)),
		fullBox("stco", u32be(1), u32be(chunkOff)),
	}
	if rec.syncSamples != nil {
		var stss []byte
		stss = append(stss, u32be(uint32(len(rec.syncSamples)))...)
		for _, n := range rec.syncSamples {
			stss = append(stss, u32be(n)...)
		}
		stblChildren = append(stblChildren, fullBox("stss", stss))
	}

	trak := box("trak",
		fullBox("tkhd",
			u32be(0), u32be(0),
			u32be(1),
			u32be(0), u32be(0),
		),
		box("mdia",
			fullBox("mdhd",
				u32be(0), u32be(0),
				u32be(rec.timescale),
				u32be(totalDur),
			),
			fullBox("hdlr", u32be(0), []byte("vide"), make([]byte, 12)),
			box("minf",
				box("stbl", stblChildren...),
			),
		),
	)

	fovKey := "com.droneview.picture.fov"
	keyEntry := append(u32be(uint32(8+len(fovKey))), []byte("mdta")...)
	keyEntry = append(keyEntry, []byte(fovKey)...)

	udta := box("udta",
		box("\xa9mak", u16be(9), u16be(0x55c4), []byte("DroneView")),
		fullBox("meta",
			fullBox("keys", u32be(1), keyEntry),
			box("ilst",
				box("\x00\x00\x00\x01",
					box("data", u32be(1), u32be(0), []byte("84.0,53.0")),
				),
			),
		),
	)

	moov := box("moov",
		fullBox("mvhd",
			u32be(0), u32be(0),
			u32be(1000),
			u32be(0),
		),
		trak,
		udta,
	)

	var file []byte
	file = append(file, ftyp...)
	file = append(file, mdat...)
	file = append(file, moov...)
	return file
}

// thirtyFpsRecording is 10 seconds of 30 fps video with a sync sample
// every second.
func thirtyFpsRecording() []byte {
	rec := fakeRecording{
		deltas:    make([]uint32, 300),
		timescale: 30000,
	}
	for i := 0; i < 300; i++ {
		rec.videoSamples = append(rec.videoSamples, idrSample(byte(i)))
		rec.deltas[i] = 1000
		if (i % 30) == 0 {
			rec.syncSamples = append(rec.syncSamples, uint32(i+1))
		}
	}
	return rec.build()
}

// oneFpsRecording is 11 seconds of video with one sync sample per
// second and nothing in between.
func oneFpsRecording() []byte {
	rec := fakeRecording{
		deltas:    make([]uint32, 11),
		timescale: 30000,
	}
	for i := 0; i < 11; i++ {
		rec.videoSamples = append(rec.videoSamples, idrSample(byte(i)))
		rec.deltas[i] = 30000
	}
	return rec.build()
}

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) advanceMs(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Duration(ms) * time.Millisecond)
}

type fakeDecoder struct {
	caps   BitstreamFormatCaps
	format BitstreamFormat
	sps    []byte
	pps    []byte
	pool   *vbuf.Pool
	queue  *vbuf.Queue
}

func (d *fakeDecoder) InputBitstreamFormatCaps() BitstreamFormatCaps {
	return d.caps
}

func (d *fakeDecoder) Open(format BitstreamFormat, sps []byte, pps []byte) error {
	d.format = format
	d.sps = sps
	d.pps = pps

	var err error
	d.pool, err = vbuf.NewPool(8, 64)
	if err != nil {
		return err
	}
	d.queue, err = vbuf.NewQueue(d.pool, 8)
	return err
}

func (d *fakeDecoder) InputSource() (*DecoderSource, error) {
	return &DecoderSource{Pool: d.pool, Queue: d.queue}, nil
}

type queuedFrame struct {
	dtsUs    int64
	silent   bool
	payload  []byte
	userData []byte
}

type playHarness struct {
	t     *testing.T
	d     *RecordDemuxer
	dec   *fakeDecoder
	clock *fakeClock
	waits []int64
}

func newPlayHarness(t *testing.T, file []byte) *playHarness {
	h := &playHarness{
		t:     t,
		clock: &fakeClock{cur: time.Unix(10000, 0)},
		dec:   &fakeDecoder{caps: CapBitstreamFormatByteStream},
	}

	d := &RecordDemuxer{
		Log: func(_ LogLevel, _ string, _ ...interface{}) {},
	}
	d.timeNow = h.clock.now
	d.onArm = func(waitMs int64) {
		h.waits = append(h.waits, waitMs)
	}

	err := d.OpenReader(bytes.NewReader(file))
	require.NoError(t, err)
	t.Cleanup(d.Close)

	err = d.SetDecoder(h.dec)
	require.NoError(t, err)

	h.d = d
	return h
}

// tick runs one scheduler pass on the demuxer loop.
func (h *playHarness) tick() {
	err := h.d.do(func() error {
		h.d.tick()
		return nil
	})
	require.NoError(h.t, err)
}

func (h *playHarness) lastWait() int64 {
	require.NotEmpty(h.t, h.waits)
	return h.waits[len(h.waits)-1]
}

// advanceAndTick moves the clock to the armed deadline, then ticks.
func (h *playHarness) advanceAndTick() {
	h.clock.advanceMs(h.lastWait())
	h.tick()
}

func (h *playHarness) drain() []queuedFrame {
	var out []queuedFrame
	for {
		buf, err := h.dec.queue.TryPop()
		if err != nil {
			return out
		}

		v, ok := buf.Metadata(MediaKeyAccessUnit)
		require.Equal(h.t, true, ok)
		au := v.(*AccessUnit)

		out = append(out, queuedFrame{
			dtsUs:    int64(au.NTPTimestampUs),
			silent:   au.IsSilent,
			payload:  append([]byte(nil), buf.Payload()...),
			userData: append([]byte(nil), buf.UserData()...),
		})
		buf.Unref()
	}
}

func TestRecordDemuxerOpen(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.Equal(t, int64(10_000_000), h.d.Duration())
	require.Equal(t, 1, h.d.ElementaryStreamCount())
	require.Equal(t, ESTypeVideoAvc, h.d.ElementaryStreamType(0))
	require.Equal(t, ESTypeUnknown, h.d.ElementaryStreamType(1))

	w, ht := h.d.VideoDimensions()
	require.Equal(t, 1280, w)
	require.Equal(t, 720, ht)

	horz, vert := h.d.VideoFOV()
	require.Equal(t, 84.0, horz)
	require.Equal(t, 53.0, vert)

	require.Equal(t, "DroneView", h.d.Metadata().Session().Maker)

	require.Equal(t, true, h.d.IsPaused())
}

func TestRecordDemuxerOpenErrors(t *testing.T) {
	var d RecordDemuxer
	err := d.OpenReader(bytes.NewReader(box("moov")))
	require.Equal(t, liberrors.ErrDemuxerNoVideoTrack{}, err)

	h := newPlayHarness(t, thirtyFpsRecording())
	err = h.d.OpenReader(bytes.NewReader(thirtyFpsRecording()))
	require.Equal(t, liberrors.ErrDemuxerAlreadyConfigured{}, err)
}

func TestRecordDemuxerNotConfigured(t *testing.T) {
	var d RecordDemuxer
	require.Equal(t, liberrors.ErrDemuxerNotConfigured{}, d.Play(1.0))
	require.Equal(t, liberrors.ErrDemuxerNotConfigured{}, d.SetDecoder(&fakeDecoder{}))
	require.Equal(t, liberrors.ErrDemuxerNotConfigured{}, d.Next())
	require.Equal(t, true, d.IsPaused())
	d.Close()
}

func TestRecordDemuxerClosed(t *testing.T) {
	d := &RecordDemuxer{
		Log: func(_ LogLevel, _ string, _ ...interface{}) {},
	}
	err := d.OpenReader(bytes.NewReader(thirtyFpsRecording()))
	require.NoError(t, err)
	d.Close()

	require.Equal(t, liberrors.ErrDemuxerClosed{}, d.Play(1.0))
	require.Equal(t, true, d.IsPaused())
}

func TestRecordDemuxerSetDecoderTwice(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())
	err := h.d.SetDecoder(&fakeDecoder{caps: CapBitstreamFormatByteStream})
	require.Equal(t, liberrors.ErrDemuxerAlreadyConfigured{}, err)
}

func TestRecordDemuxerPlayInvalidSpeed(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())
	require.Equal(t, liberrors.ErrInvalidArgument{Name: "speed"}, h.d.Play(math.NaN()))
	require.Equal(t, liberrors.ErrInvalidArgument{Name: "speed"}, h.d.Play(math.Inf(1)))
}

func TestRecordDemuxerPlayNormalSpeed(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	require.Equal(t, int64(1), h.lastWait())
	require.Equal(t, false, h.d.IsPaused())

	for i := 0; i < 5; i++ {
		h.advanceAndTick()
		require.GreaterOrEqual(t, h.lastWait(), int64(32))
		require.LessOrEqual(t, h.lastWait(), int64(34))
	}

	frames := h.drain()
	require.Len(t, frames, 5)
	wantDts := []int64{0, 33333, 66666, 100000, 133333}
	for i, f := range frames {
		require.Equal(t, wantDts[i], f.dtsUs)
		require.Equal(t, false, f.silent)
	}

	// AVCC length prefixes were rewritten to start codes
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x00}, frames[0].payload)

	require.Equal(t, BitstreamFormatByteStream, h.dec.format)
	require.Equal(t, append([]byte{0, 0, 0, 1}, recSPS...), h.dec.sps)
	require.Equal(t, append([]byte{0, 0, 0, 1}, recPPS...), h.dec.pps)
}

func TestRecordDemuxerSeekToSync(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	for i := 0; i < 3; i++ {
		h.advanceAndTick()
	}
	h.drain()

	require.NoError(t, h.d.SeekTo(5_000_000, false))
	require.Equal(t, int64(1), h.lastWait())

	h.advanceAndTick()

	frames := h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(5_000_000), frames[0].dtsUs)
	require.Equal(t, false, frames[0].silent)
}

func TestRecordDemuxerSeekToExact(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	h.advanceAndTick()
	h.drain()

	require.NoError(t, h.d.SeekTo(5_050_000, true))

	// samples between the preceding sync sample and the target prime
	// the decoder silently
	h.advanceAndTick()
	h.advanceAndTick()
	h.advanceAndTick()

	frames := h.drain()
	require.Len(t, frames, 3)

	require.Equal(t, int64(5_000_000), frames[0].dtsUs)
	require.Equal(t, true, frames[0].silent)
	require.Equal(t, int64(5_033_333), frames[1].dtsUs)
	require.Equal(t, true, frames[1].silent)
	require.Equal(t, int64(5_066_666), frames[2].dtsUs)
	require.Equal(t, false, frames[2].silent)
}

func TestRecordDemuxerSeekClamp(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	h.advanceAndTick()
	h.drain()

	require.NoError(t, h.d.Seek(math.MinInt64, false))
	h.advanceAndTick()

	frames := h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(0), frames[0].dtsUs)

	require.NoError(t, h.d.Seek(math.MaxInt64, false))
	h.advanceAndTick()

	frames = h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(9_000_000), frames[0].dtsUs)
}

func TestRecordDemuxerPause(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	h.advanceAndTick()
	require.Equal(t, false, h.d.IsPaused())

	require.NoError(t, h.d.Play(0))
	require.Equal(t, true, h.d.IsPaused())

	armed := len(h.waits)
	h.tick()
	require.Equal(t, armed, len(h.waits))

	frames := h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(0), frames[0].dtsUs)
}

func TestRecordDemuxerNext(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(0))
	require.Equal(t, true, h.d.IsPaused())

	require.NoError(t, h.d.Next())
	require.Equal(t, int64(1), h.lastWait())
	h.tick()

	require.NoError(t, h.d.Next())
	h.tick()

	frames := h.drain()
	require.Len(t, frames, 2)
	require.Equal(t, int64(0), frames[0].dtsUs)
	require.Equal(t, int64(33333), frames[1].dtsUs)

	// stepping does not resume continuous playback
	require.Equal(t, true, h.d.IsPaused())
}

func TestRecordDemuxerPrevious(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	for i := 0; i < 3; i++ {
		h.advanceAndTick()
	}
	h.drain()

	require.NoError(t, h.d.Play(0))
	require.NoError(t, h.d.Previous())
	require.NoError(t, h.d.Previous()) // idempotent while pending

	// frames before the step target prime the decoder silently
	h.tick()
	h.tick()

	frames := h.drain()
	require.Len(t, frames, 2)
	require.Equal(t, int64(0), frames[0].dtsUs)
	require.Equal(t, true, frames[0].silent)
	require.Equal(t, int64(33333), frames[1].dtsUs)
	require.Equal(t, false, frames[1].silent)
}

func TestRecordDemuxerPlayBackward(t *testing.T) {
	h := newPlayHarness(t, oneFpsRecording())

	require.NoError(t, h.d.Play(-1.0))
	require.NoError(t, h.d.SeekTo(5_000_000, false))

	for i := 0; i < 5; i++ {
		h.advanceAndTick()
	}

	frames := h.drain()
	require.Len(t, frames, 5)
	wantDts := []int64{5_000_000, 4_000_000, 3_000_000, 2_000_000, 1_000_000}
	for i, f := range frames {
		require.Equal(t, wantDts[i], f.dtsUs)
		require.Equal(t, false, f.silent)
	}
}

func TestRecordDemuxerPlayMaxSpeed(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(SpeedMax))

	for i := 0; i < 5; i++ {
		h.tick()
		require.Equal(t, int64(1), h.lastWait())
	}

	err := h.d.do(func() error {
		require.Equal(t, int64(0), h.d.lastFrameDuration)
		require.Equal(t, int64(0), h.d.lastOutputError)
		return nil
	})
	require.NoError(t, err)

	frames := h.drain()
	require.Len(t, frames, 5)
	wantDts := []int64{0, 33333, 66666, 100000, 133333}
	for i, f := range frames {
		require.Equal(t, wantDts[i], f.dtsUs)
	}
}

func TestRecordDemuxerEndOfTrack(t *testing.T) {
	h := newPlayHarness(t, oneFpsRecording())

	require.NoError(t, h.d.Play(SpeedMax))

	var frames []queuedFrame
	for i := 0; i < 11; i++ {
		h.tick()
		frames = append(frames, h.drain()...)
	}

	// past the last sample the timer stays disarmed until a command
	armed := len(h.waits)
	h.tick()
	h.tick()
	require.Equal(t, armed, len(h.waits))

	require.Len(t, frames, 11)
	require.Equal(t, int64(10_000_000), frames[10].dtsUs)
	require.Equal(t, false, h.d.IsPaused())

	// seeking resumes delivery
	require.NoError(t, h.d.SeekTo(0, false))
	h.tick()
	frames = h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(0), frames[0].dtsUs)
}

func TestRecordDemuxerOversizedSample(t *testing.T) {
	big := append(u32be(96), make([]byte, 96)...)
	big[4] = 0x65

	rec := fakeRecording{
		videoSamples: [][]byte{big, idrSample(1), idrSample(2)},
		deltas:       []uint32{1000, 1000, 1000},
		timescale:    30000,
	}
	h := newPlayHarness(t, rec.build())

	require.NoError(t, h.d.Play(SpeedMax))

	// the first sample does not fit in a pool buffer and is skipped
	h.tick()
	require.Equal(t, int64(5), h.lastWait())
	require.Len(t, h.drain(), 0)

	h.tick()
	frames := h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(33333), frames[0].dtsUs)
}

func TestRecordDemuxerAVCCDecoder(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())
	h.dec.caps = CapBitstreamFormatAVCC

	require.NoError(t, h.d.Play(SpeedMax))
	h.tick()

	frames := h.drain()
	require.Len(t, frames, 1)

	// length prefixes are preserved
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0x00}, frames[0].payload)

	require.Equal(t, BitstreamFormatAVCC, h.dec.format)
	require.Equal(t, append(u32be(uint32(len(recSPS))), recSPS...), h.dec.sps)
	require.Equal(t, append(u32be(uint32(len(recPPS))), recPPS...), h.dec.pps)
}

func TestRecordDemuxerSEIUserData(t *testing.T) {
	appUUID := []byte{
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x01,
	}

	var sei []byte
	sei = append(sei, 0x06, 0x05, 20)
	sei = append(sei, appUUID...)
	sei = append(sei, 0xca, 0xfe, 0xba, 0xbe)
	sei = append(sei, 0x80)

	sample := append(u32be(uint32(len(sei))), sei...)
	sample = append(sample, idrSample(0)...)

	var streaming []byte
	streaming = append(streaming, 0x06, 0x05, 20)
	streaming = append(streaming, 0x53, 0x74, 0x72, 0x4d, 0x69, 0x6e, 0x67, 0x31,
		0xbd, 0x03, 0x71, 0x8f, 0x6e, 0x2c, 0x50, 0x29)
	streaming = append(streaming, 0x01, 0x02, 0x03, 0x04)
	streaming = append(streaming, 0x80)

	sample2 := append(u32be(uint32(len(streaming))), streaming...)
	sample2 = append(sample2, idrSample(1)...)

	rec := fakeRecording{
		videoSamples: [][]byte{sample, sample2},
		deltas:       []uint32{1000, 1000},
		timescale:    30000,
	}
	h := newPlayHarness(t, rec.build())

	require.NoError(t, h.d.Play(SpeedMax))
	h.tick()
	h.tick()

	frames := h.drain()
	require.Len(t, frames, 2)

	want := append([]byte(nil), appUUID...)
	want = append(want, 0xca, 0xfe, 0xba, 0xbe)
	require.Equal(t, want, frames[0].userData)

	// stream signalling user data never reaches the application
	require.Len(t, frames[1].userData, 0)
}

func TestRecordDemuxerForwardCatchUpBeyondLastSync(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(1.0))
	h.advanceAndTick()
	frames := h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(0), frames[0].dtsUs)

	// fall so far behind that even the last sync sample cannot absorb
	// the lag; the catch-up walk runs out of sync samples and must keep
	// the last one it reached
	h.clock.advanceMs(20_000)
	h.tick()
	require.Equal(t, int64(1), h.lastWait())

	frames = h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(33333), frames[0].dtsUs)

	h.advanceAndTick()
	frames = h.drain()
	require.Len(t, frames, 1)
	require.Equal(t, int64(9_000_000), frames[0].dtsUs)
	require.Equal(t, false, frames[0].silent)
}

func TestRecordDemuxerForwardTimestampsMonotonic(t *testing.T) {
	h := newPlayHarness(t, thirtyFpsRecording())

	require.NoError(t, h.d.Play(2.0))
	var last int64 = -1
	for i := 0; i < 10; i++ {
		h.advanceAndTick()
		for _, f := range h.drain() {
			require.Greater(t, f.dtsUs, last)
			last = f.dtsUs
		}
	}
}
