package goplaylib

import (
	"github.com/droneview/goplaylib/pkg/vbuf"
	"github.com/droneview/goplaylib/pkg/vmeta"
)

// BitstreamFormat is the NAL unit framing of access units submitted to
// a decoder.
type BitstreamFormat int

// bitstream formats.
const (
	BitstreamFormatUnknown BitstreamFormat = iota
	BitstreamFormatByteStream
	BitstreamFormatAVCC
)

var bitstreamFormatLabels = map[BitstreamFormat]string{
	BitstreamFormatByteStream: "byte-stream",
	BitstreamFormatAVCC:       "AVCC",
}

// String implements fmt.Stringer.
func (f BitstreamFormat) String() string {
	if l, ok := bitstreamFormatLabels[f]; ok {
		return l
	}
	return "unknown"
}

// BitstreamFormatCaps is a bitset of the bitstream formats a decoder
// accepts on its input.
type BitstreamFormatCaps int

// bitstream format capabilities.
const (
	CapBitstreamFormatByteStream BitstreamFormatCaps = 1 << iota
	CapBitstreamFormatAVCC
)

// DecoderSource is the input side of a decoder: the pool that frame
// buffers are drawn from and the queue they are submitted to. Buffers
// pushed into Queue must come from Pool.
type DecoderSource struct {
	Pool  *vbuf.Pool
	Queue *vbuf.Queue
}

// AvcDecoder is the contract a video decoder implementation must
// satisfy to receive access units from a demuxer.
type AvcDecoder interface {
	// InputBitstreamFormatCaps returns the accepted input framings.
	// At least one capability must be set.
	InputBitstreamFormatCaps() BitstreamFormatCaps

	// Open configures the decoder. sps and pps carry a 4-byte prefix
	// matching the chosen format.
	Open(format BitstreamFormat, sps []byte, pps []byte) error

	// InputSource returns the decoder's input pool and queue. It is
	// called once, after Open.
	InputSource() (*DecoderSource, error)
}

// MediaKeyAccessUnit is the buffer metadata key under which the
// *AccessUnit descriptor is attached to every queued frame buffer.
const MediaKeyAccessUnit = "video.access-unit"

// AccessUnit is the descriptor attached to each queued frame buffer.
type AccessUnit struct {
	IsComplete bool
	HasErrors  bool
	IsRef      bool

	// the frame only primes the decoder after an exact seek and must
	// not be displayed.
	IsSilent bool

	NTPTimestampUs      uint64
	NTPTimestampRawUs   uint64
	NTPTimestampLocalUs uint64

	// monotonic time at which the demuxer queued the frame.
	DemuxOutputTimestampUs int64

	// per-frame timed metadata, when the recording or stream carries
	// some.
	Metadata *vmeta.FrameMetadata
}

// SpeedMax is the playback speed at or above which pacing is disabled
// and frames are delivered as fast as the decoder accepts them.
const SpeedMax = 1000.0

// ESType identifies the kind of an elementary stream.
type ESType int

// elementary stream types.
const (
	ESTypeUnknown ESType = iota
	ESTypeVideoAvc
)

// Demuxer is the surface shared by the record and stream demuxers.
type Demuxer interface {
	Close()
	SetDecoder(dec AvcDecoder) error
	Play(speed float64) error
	IsPaused() bool
	Previous() error
	Next() error
	Seek(deltaUs int64, exact bool) error
	SeekTo(tsUs int64, exact bool) error
}
