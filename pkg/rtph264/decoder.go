// Package rtph264 contains a RTP/H264 depacketizer.
package rtph264

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/droneview/goplaylib/pkg/h264"
	"github.com/droneview/goplaylib/pkg/rtptimedec"
)

const (
	rtpClockRate = 90000
)

// ErrMorePacketsNeeded is returned when more packets are needed.
var ErrMorePacketsNeeded = errors.New("need more packets")

// ErrNonStartingPacketAndNoPrevious is returned when a non-starting
// packet of a fragmented NALU is received without any previous starting
// packet. It's normal to receive this when decoding a stream that has
// been running for some time.
var ErrNonStartingPacketAndNoPrevious = errors.New(
	"received a non-starting FU-A packet without any previous FU-A starting packet")

// Decoder is a RTP/H264 decoder.
type Decoder struct {
	timeDecoder         *rtptimedec.Decoder
	firstPacketReceived bool
	fragmentedParts     [][]byte
	fragmentedSize      int

	// for DecodeUntilMarker()
	naluBuffer [][]byte
}

// Init initializes the decoder.
func (d *Decoder) Init() {
	d.timeDecoder = rtptimedec.New(rtpClockRate)
}

func (d *Decoder) resetFragments() {
	d.fragmentedParts = d.fragmentedParts[:0]
	d.fragmentedSize = 0
}

func (d *Decoder) decodeSTAPA(payload []byte) ([][]byte, error) {
	var nalus [][]byte
	payload = payload[1:]

	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("invalid STAP-A packet (invalid size)")
		}

		size := binary.BigEndian.Uint16(payload)
		payload = payload[2:]

		// avoid final padding
		if size == 0 {
			break
		}

		if int(size) > len(payload) {
			return nil, fmt.Errorf("invalid STAP-A packet (invalid size)")
		}

		nalus = append(nalus, payload[:size])
		payload = payload[size:]
	}

	if len(nalus) == 0 {
		return nil, fmt.Errorf("STAP-A packet doesn't contain any NALU")
	}

	return nalus, nil
}

func (d *Decoder) decodeFUA(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		d.resetFragments()
		return nil, fmt.Errorf("invalid FU-A packet (invalid size)")
	}

	start := (payload[1] >> 7) != 0
	end := ((payload[1] >> 6) & 0x01) != 0

	if len(d.fragmentedParts) == 0 {
		if !start {
			if !d.firstPacketReceived {
				return nil, ErrNonStartingPacketAndNoPrevious
			}
			return nil, fmt.Errorf("invalid FU-A packet (non-starting)")
		}
		if end {
			return nil, fmt.Errorf("invalid FU-A packet (can't contain both a start and end bit)")
		}

		nri := (payload[0] >> 5) & 0x03
		typ := payload[1] & 0x1F
		d.fragmentedSize = len(payload) - 1
		d.fragmentedParts = append(d.fragmentedParts, []byte{(nri << 5) | typ}, payload[2:])
		return nil, ErrMorePacketsNeeded
	}

	if start {
		d.resetFragments()
		return nil, fmt.Errorf("invalid FU-A packet (decoded two starting packets in a row)")
	}

	d.fragmentedSize += len(payload) - 2
	if d.fragmentedSize > h264.MaxNALUSize {
		d.resetFragments()
		return nil, fmt.Errorf("NALU size (%d) is too big (maximum is %d)",
			d.fragmentedSize, h264.MaxNALUSize)
	}

	d.fragmentedParts = append(d.fragmentedParts, payload[2:])

	if !end {
		return nil, ErrMorePacketsNeeded
	}

	nalu := make([]byte, d.fragmentedSize)
	n := 0
	for _, p := range d.fragmentedParts {
		n += copy(nalu[n:], p)
	}
	d.resetFragments()

	return [][]byte{nalu}, nil
}

// Decode decodes NALUs from a RTP/H264 packet.
func (d *Decoder) Decode(pkt *rtp.Packet) ([][]byte, time.Duration, error) {
	if len(pkt.Payload) < 1 {
		d.resetFragments()
		return nil, 0, fmt.Errorf("payload is too short")
	}

	typ := h264.TypeOf(pkt.Payload)

	if len(d.fragmentedParts) > 0 && typ != h264.NALUTypeFUA {
		d.resetFragments()
		return nil, 0, fmt.Errorf("expected FU-A packet, got %s packet", typ)
	}

	var nalus [][]byte
	var err error

	switch typ {
	case h264.NALUTypeSTAPA:
		nalus, err = d.decodeSTAPA(pkt.Payload)

	case h264.NALUTypeFUA:
		nalus, err = d.decodeFUA(pkt.Payload)

	case h264.NALUTypeSTAPB, h264.NALUTypeMTAP16,
		h264.NALUTypeMTAP24, h264.NALUTypeFUB:
		return nil, 0, fmt.Errorf("packet type not supported (%v)", typ)

	default:
		nalus = [][]byte{pkt.Payload}
	}

	if err != nil {
		if err == ErrMorePacketsNeeded {
			d.firstPacketReceived = true
		}
		return nil, 0, err
	}

	d.firstPacketReceived = true
	return nalus, d.timeDecoder.Decode(pkt.Timestamp), nil
}

// DecodeUntilMarker decodes NALUs from a RTP/H264 packet and puts them
// in a buffer. When a packet has the marker flag (meaning that all the
// NALUs with the same PTS have been received), the buffer is returned.
func (d *Decoder) DecodeUntilMarker(pkt *rtp.Packet) ([][]byte, time.Duration, error) {
	nalus, pts, err := d.Decode(pkt)
	if err != nil {
		return nil, 0, err
	}

	d.naluBuffer = append(d.naluBuffer, nalus...)

	if !pkt.Marker {
		return nil, 0, ErrMorePacketsNeeded
	}

	ret := d.naluBuffer
	d.naluBuffer = d.naluBuffer[:0]

	return ret, pts, nil
}
