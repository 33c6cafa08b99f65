// Package goplaylib is a video playback library that demuxes H.264
// video from MP4 recordings or live RTP streams and feeds it to a
// decoder, keeping wall clock playback in sync with the media
// timestamps.
package goplaylib

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/droneview/goplaylib/pkg/h264"
	"github.com/droneview/goplaylib/pkg/liberrors"
	"github.com/droneview/goplaylib/pkg/mp4"
	"github.com/droneview/goplaylib/pkg/vbuf"
	"github.com/droneview/goplaylib/pkg/vmeta"
)

type recordDemuxerCommand struct {
	f   func() error
	res chan error
}

// RecordDemuxer reads H.264 access units from a MP4 recording and
// submits them to a decoder, paced to the media timestamps. All state
// is owned by a single loop; public methods are marshalled onto it.
type RecordDemuxer struct {
	// Log is called with messages of the demuxer.
	// It defaults to a stderr printer.
	Log LogFunc

	timeNow func() time.Time
	onArm   func(waitMs int64)

	closer       io.Closer
	dem          *mp4.Demuxer
	track        mp4.Track
	sps          h264.SPS
	peerMetadata *PeerMetadata
	openTime     time.Time
	metaScratch  []byte

	// owned by run()
	decoder             AvcDecoder
	source              *DecoderSource
	format              BitstreamFormat
	running             bool
	frameByFrame        bool
	speed               float64
	firstFrame          bool
	pendingSeekSet      bool
	pendingSeekTs       int64
	pendingSeekExact    bool
	pendingSeekToPrev   bool
	currentTime         int64
	lastFrameOutputTime int64
	lastFrameDuration   int64
	lastOutputError     int64
	avgOutputInterval   int64
	currentBuffer       *vbuf.Buffer
	timer               *time.Timer

	chCommands chan recordDemuxerCommand
	terminate  chan struct{}
	done       chan struct{}
}

// Open opens a recording from a file path.
func (d *RecordDemuxer) Open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	err = d.OpenReader(f)
	if err != nil {
		f.Close()
		return err
	}

	d.closer = f
	return nil
}

// OpenReader opens a recording from an io.ReadSeeker.
func (d *RecordDemuxer) OpenReader(r io.ReadSeeker) error {
	if d.chCommands != nil {
		return liberrors.ErrDemuxerAlreadyConfigured{}
	}

	if d.Log == nil {
		d.Log = defaultLog
	}
	if d.timeNow == nil {
		d.timeNow = time.Now
	}

	dem, err := mp4.NewDemuxer(r)
	if err != nil {
		if errors.Is(err, mp4.ErrNoVideoTrack) {
			return liberrors.ErrDemuxerNoVideoTrack{}
		}
		return err
	}

	track := dem.Track()

	var sps h264.SPS
	err = sps.Unmarshal(track.SPS)
	if err != nil {
		return fmt.Errorf("invalid SPS: %w", err)
	}

	d.dem = dem
	d.track = track
	d.sps = sps
	d.peerMetadata = &PeerMetadata{}
	d.openTime = d.timeNow()
	d.metaScratch = make([]byte, 1024)

	for k, v := range dem.MetadataStrings() {
		err = d.peerMetadata.mergeRecordingEntry(k, v)
		if err != nil {
			d.Log(LogLevelWarn, "invalid recording metadata entry %q: %v", k, err)
		}
	}

	d.chCommands = make(chan recordDemuxerCommand)
	d.terminate = make(chan struct{})
	d.done = make(chan struct{})
	go d.run()

	return nil
}

// Close stops the demuxer and releases its resources.
func (d *RecordDemuxer) Close() {
	if d.chCommands == nil {
		return
	}

	close(d.terminate)
	<-d.done

	if d.closer != nil {
		d.closer.Close()
	}
}

func (d *RecordDemuxer) run() {
	defer close(d.done)

	for {
		var timerC <-chan time.Time
		if d.timer != nil {
			timerC = d.timer.C
		}

		select {
		case cmd := <-d.chCommands:
			cmd.res <- cmd.f()

		case <-timerC:
			d.timer = nil
			d.tick()

		case <-d.terminate:
			d.stopTimer()
			if d.currentBuffer != nil {
				d.currentBuffer.Unref()
				d.currentBuffer = nil
			}
			return
		}
	}
}

func (d *RecordDemuxer) do(f func() error) error {
	if d.chCommands == nil {
		return liberrors.ErrDemuxerNotConfigured{}
	}

	cmd := recordDemuxerCommand{f: f, res: make(chan error)}

	select {
	case d.chCommands <- cmd:
		return <-cmd.res
	case <-d.done:
		return liberrors.ErrDemuxerClosed{}
	}
}

func (d *RecordDemuxer) armTimer(waitMs int64) {
	if d.onArm != nil {
		d.onArm(waitMs)
		return
	}

	d.stopTimer()
	d.timer = time.NewTimer(time.Duration(waitMs) * time.Millisecond)
}

func (d *RecordDemuxer) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *RecordDemuxer) nowUs() int64 {
	return d.timeNow().Sub(d.openTime).Microseconds()
}

func (d *RecordDemuxer) configureDecoder() error {
	caps := d.decoder.InputBitstreamFormatCaps()

	switch {
	case (caps & CapBitstreamFormatByteStream) != 0:
		d.format = BitstreamFormatByteStream
	case (caps & CapBitstreamFormatAVCC) != 0:
		d.format = BitstreamFormatAVCC
	default:
		return liberrors.ErrUnsupportedFormat{Format: "decoder input bitstream"}
	}

	byteStream := d.format == BitstreamFormatByteStream
	err := d.decoder.Open(d.format,
		h264.PrefixedParameterSet(d.track.SPS, byteStream),
		h264.PrefixedParameterSet(d.track.PPS, byteStream))
	if err != nil {
		return err
	}

	src, err := d.decoder.InputSource()
	if err != nil {
		return err
	}
	if src == nil || src.Pool == nil || src.Queue == nil {
		return fmt.Errorf("decoder returned no input source")
	}

	d.source = src
	return nil
}

func (d *RecordDemuxer) tick() {
	now := d.nowUs()

	if d.decoder == nil || !d.running {
		d.lastFrameDuration = 0
		d.lastOutputError = 0
		return
	}

	sample, silent, ok := d.deliverFrame(now)
	if !ok {
		d.armTimer(5)
		return
	}

	if sample.Size == 0 {
		// end of track. a seek command re-arms the timer.
		return
	}

	if d.frameByFrame && !silent {
		d.running = false
	}

	if !d.running {
		return
	}

	d.schedule(now, sample, silent)
}

// deliverFrame reads one sample and submits it to the decoder queue.
// The third return value is false when the tick must be retried.
func (d *RecordDemuxer) deliverFrame(now int64) (mp4.Sample, bool, bool) {
	if d.firstFrame {
		err := d.configureDecoder()
		if err != nil {
			d.Log(LogLevelWarn, "decoder configuration failed: %v", err)
			return mp4.Sample{}, false, false
		}
		d.firstFrame = false
	}

	if d.currentBuffer == nil {
		buf, err := d.source.Pool.Get(false)
		if err != nil {
			// the decoder holds every buffer of the pool
			return mp4.Sample{}, false, false
		}
		d.currentBuffer = buf
	}
	buf := d.currentBuffer

	switch {
	case d.pendingSeekSet:
		err := d.dem.Seek(d.pendingSeekTs, true)
		if err != nil {
			d.Log(LogLevelWarn, "seek to %d us failed: %v", d.pendingSeekTs, err)
		} else {
			d.lastFrameDuration = 0
			d.lastOutputError = 0
		}

	case d.pendingSeekToPrev:
		err := d.dem.SeekToPrevSample()
		if err != nil {
			d.Log(LogLevelWarn, "seek to previous sample failed: %v", err)
		} else {
			d.lastFrameDuration = 0
			d.lastOutputError = 0
		}
	}

	sample, err := d.dem.NextSample(buf.Bytes(), d.metaScratch)
	if err != nil {
		if errors.Is(err, mp4.ErrNoSpace) {
			// skip samples that do not fit in a pool buffer
			_, err2 := d.dem.NextSample(nil, nil)
			if err2 != nil {
				d.Log(LogLevelWarn, "sample skip failed: %v", err2)
			}
			return mp4.Sample{}, false, false
		}
		d.Log(LogLevelWarn, "sample read failed: %v", err)
		return mp4.Sample{}, false, false
	}

	if sample.Size == 0 {
		return sample, false, true
	}

	silent := sample.Silent && d.pendingSeekExact
	d.pendingSeekSet = false
	d.pendingSeekToPrev = false
	d.pendingSeekExact = silent

	au := buf.Bytes()[:sample.Size]
	info, err := h264.ScanAccessUnit(au, d.format == BitstreamFormatByteStream)
	if err != nil {
		d.Log(LogLevelWarn, "malformed access unit at %d us: %v", sample.DtsUs, err)
		return mp4.Sample{}, false, false
	}
	buf.SetSize(sample.Size) //nolint:errcheck

	buf.SetUserDataSize(0)
	if info.SEIPresent {
		nalu := au[info.SEIPos : info.SEIPos+info.SEILen]
		err = h264.ParseSEIUserData(nalu, func(ud h264.UserDataSEI) {
			if h264.IsStreamingUserData(ud.UUID) {
				return
			}
			buf.SetUserDataSize(16 + len(ud.Data))
			copy(buf.UserDataBytes(), ud.UUID[:])
			copy(buf.UserDataBytes()[16:], ud.Data)
		})
		if err != nil {
			d.Log(LogLevelDebug, "SEI parse failed at %d us: %v", sample.DtsUs, err)
		}
	}

	desc := &AccessUnit{
		IsComplete:             true,
		IsRef:                  true,
		IsSilent:               silent,
		NTPTimestampUs:         uint64(sample.DtsUs),
		NTPTimestampRawUs:      uint64(sample.DtsUs),
		NTPTimestampLocalUs:    uint64(d.timeNow().UnixNano() / 1000),
		DemuxOutputTimestampUs: now,
	}

	if sample.MetadataSize > 0 {
		m, err2 := vmeta.DecodeFrame(d.metaScratch[:sample.MetadataSize], d.track.MetadataMIMEType)
		if err2 != nil {
			d.Log(LogLevelDebug, "frame metadata decode failed: %v", err2)
		} else {
			desc.Metadata = m
		}
	}

	buf.SetMetadata(MediaKeyAccessUnit, desc)
	d.currentTime = sample.DtsUs

	buf.WriteLock()
	err = d.source.Queue.Push(buf)
	if err != nil {
		// keep the buffer and retry
		d.Log(LogLevelWarn, "queueing frame at %d us failed: %v", sample.DtsUs, err)
		return mp4.Sample{}, false, false
	}
	buf.Unref()
	d.currentBuffer = nil

	return sample, silent, true
}

// schedule computes when the next frame is due and re-arms the timer.
func (d *RecordDemuxer) schedule(now int64, sample mp4.Sample, silent bool) {
	errUs := (now - d.lastFrameOutputTime) - d.lastFrameDuration + d.lastOutputError
	if d.lastFrameOutputTime == 0 || d.lastFrameDuration == 0 ||
		d.speed == 0 || d.speed >= SpeedMax || silent {
		errUs = 0
	}

	if d.lastFrameOutputTime != 0 {
		d.avgOutputInterval += ((now - d.lastFrameOutputTime) - d.avgOutputInterval) >> 1
	}

	var duration int64

	switch {
	case d.speed >= SpeedMax || sample.NextDtsUs == 0 || silent:
		duration = 0

	case d.speed < 0:
		next := sample.PrevSyncDtsUs
		duration = int64(float64(next-sample.DtsUs) / d.speed)

		// when late, fall back to an earlier sync sample
		for (duration - errUs) < 0 {
			prev, ok := d.dem.PrevSyncSampleTime(next, true)
			if !ok {
				break
			}
			next = prev
			duration = int64(float64(next-sample.DtsUs) / d.speed)
		}

		err := d.dem.Seek(next, true)
		if err != nil {
			d.Log(LogLevelWarn, "seek to %d us failed: %v", next, err)
		}

	default:
		next := sample.NextDtsUs
		duration = int64(float64(next-sample.DtsUs) / d.speed)

		if (duration - errUs) < 0 {
			target := next
			catchup := duration
			found := false
			for (catchup - errUs) < 0 {
				n, ok := d.dem.NextSyncSampleTime(target, true)
				if !ok {
					// keep the best sync sample found so far
					break
				}
				target = n
				catchup = int64(float64(target-sample.DtsUs) / d.speed)
				found = true
			}

			// skip ahead only when moderately late, never jump wildly
			if found && (catchup-errUs) < 2*d.avgOutputInterval {
				err := d.dem.Seek(target, true)
				if err != nil {
					d.Log(LogLevelWarn, "seek to %d us failed: %v", target, err)
				} else {
					duration = catchup
				}
			}
		}
	}

	wait := duration - errUs
	if wait < 0 {
		wait = 0
	}
	waitMs := (wait + 500) / 1000
	if sample.NextDtsUs != 0 && waitMs < 1 {
		waitMs = 1
	}

	d.lastFrameOutputTime = now
	d.lastFrameDuration = duration
	d.lastOutputError = errUs

	if waitMs >= 1 {
		d.armTimer(waitMs)
	}
}

// SetDecoder attaches the decoder that will receive access units. It
// can be called once per session.
func (d *RecordDemuxer) SetDecoder(dec AvcDecoder) error {
	return d.do(func() error {
		if d.decoder != nil {
			return liberrors.ErrDemuxerAlreadyConfigured{}
		}
		if dec == nil {
			return liberrors.ErrInvalidArgument{Name: "dec"}
		}
		d.decoder = dec
		d.firstFrame = true
		return nil
	})
}

// Play starts or resumes playback at the given speed. Negative speeds
// play backwards along sync samples. A zero speed pauses and switches
// to frame by frame stepping.
func (d *RecordDemuxer) Play(speed float64) error {
	return d.do(func() error {
		return d.doPlay(speed)
	})
}

func (d *RecordDemuxer) doPlay(speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return liberrors.ErrInvalidArgument{Name: "speed"}
	}

	if speed == 0 {
		d.running = false
		d.frameByFrame = true
		d.stopTimer()
		return nil
	}

	d.running = true
	d.frameByFrame = false
	d.speed = speed
	d.pendingSeekToPrev = false
	d.armTimer(1)
	return nil
}

// IsPaused reports whether continuous playback is stopped. It returns
// true before Open and after Close.
func (d *RecordDemuxer) IsPaused() bool {
	paused := true
	d.do(func() error { //nolint:errcheck
		paused = !(d.running && !d.frameByFrame)
		return nil
	})
	return paused
}

// Previous steps one frame backwards. It is idempotent while a
// backward step is still pending.
func (d *RecordDemuxer) Previous() error {
	return d.do(func() error {
		if d.pendingSeekToPrev {
			return nil
		}
		d.pendingSeekToPrev = true
		d.pendingSeekSet = false
		d.pendingSeekExact = true
		d.running = true
		d.armTimer(1)
		return nil
	})
}

// Next steps one frame forward.
func (d *RecordDemuxer) Next() error {
	return d.do(func() error {
		d.running = true
		d.armTimer(1)
		return nil
	})
}

// Seek moves the playback position by a relative amount, clamped to
// the media bounds.
func (d *RecordDemuxer) Seek(deltaUs int64, exact bool) error {
	return d.do(func() error {
		target := d.currentTime + deltaUs
		if deltaUs > 0 && target < d.currentTime {
			target = math.MaxInt64
		}
		if deltaUs < 0 && target > d.currentTime {
			target = math.MinInt64
		}
		return d.doSeekTo(target, exact)
	})
}

// SeekTo moves the playback position to an absolute timestamp, clamped
// to the media bounds. When exact is true, samples between the
// preceding sync sample and the target prime the decoder silently.
func (d *RecordDemuxer) SeekTo(tsUs int64, exact bool) error {
	return d.do(func() error {
		return d.doSeekTo(tsUs, exact)
	})
}

func (d *RecordDemuxer) doSeekTo(tsUs int64, exact bool) error {
	if tsUs < 0 {
		tsUs = 0
	}
	if tsUs > d.track.DurationUs {
		tsUs = d.track.DurationUs
	}

	d.pendingSeekSet = true
	d.pendingSeekTs = tsUs
	d.pendingSeekExact = exact
	d.pendingSeekToPrev = false
	d.running = true
	d.armTimer(1)
	return nil
}

// Duration returns the media duration in microseconds.
func (d *RecordDemuxer) Duration() int64 {
	return d.track.DurationUs
}

// ElementaryStreamCount returns the number of demuxed elementary
// streams.
func (d *RecordDemuxer) ElementaryStreamCount() int {
	if d.chCommands == nil {
		return 0
	}
	return 1
}

// ElementaryStreamType returns the kind of the given elementary
// stream.
func (d *RecordDemuxer) ElementaryStreamType(idx int) ESType {
	if d.chCommands == nil || idx != 0 {
		return ESTypeUnknown
	}
	return ESTypeVideoAvc
}

// VideoDimensions returns the cropped video width and height in
// pixels.
func (d *RecordDemuxer) VideoDimensions() (int, int) {
	if d.chCommands == nil {
		return 0, 0
	}
	return d.sps.Width(), d.sps.Height()
}

// VideoFOV returns the horizontal and vertical field of view of the
// camera in degrees, when the recording declares them.
func (d *RecordDemuxer) VideoFOV() (float64, float64) {
	if d.peerMetadata == nil {
		return 0, 0
	}
	fov := d.peerMetadata.Session().PictureFOV
	return fov.Horz, fov.Vert
}

// Metadata returns the metadata of the device that produced the
// recording.
func (d *RecordDemuxer) Metadata() *PeerMetadata {
	return d.peerMetadata
}
