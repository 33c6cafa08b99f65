// Package rtpreorderer contains a filter to reorder incoming RTP packets.
package rtpreorderer

import (
	"github.com/pion/rtp"
)

const (
	bufferSize = 64
)

// Reorderer filters incoming RTP packets, restoring their sequence
// order and discarding duplicates.
type Reorderer struct {
	initialized    bool
	expectedSeqNum uint16
	buffer         []*rtp.Packet
	absPos         uint16
}

// New allocates a Reorderer.
func New() *Reorderer {
	return &Reorderer{
		buffer: make([]*rtp.Packet, bufferSize),
	}
}

// Process processes a RTP packet. It returns the packets that can be
// delivered in order, and the number of packets declared lost.
func (r *Reorderer) Process(pkt *rtp.Packet) ([]*rtp.Packet, int) {
	if !r.initialized {
		r.initialized = true
		r.expectedSeqNum = pkt.SequenceNumber + 1
		return []*rtp.Packet{pkt}, 0
	}

	relPos := pkt.SequenceNumber - r.expectedSeqNum

	// stale packet, duplicate of one already delivered or sent before
	// the first packet seen. discard.
	if relPos > 0x8000 {
		return nil, 0
	}

	// the gap is too wide for the buffer. declare the skipped packets
	// lost, drop everything buffered and restart from this packet.
	if relPos >= bufferSize {
		lost := int(relPos)
		for i := uint16(0); i < bufferSize; i++ {
			if r.buffer[i] != nil {
				r.buffer[i] = nil
				lost--
			}
		}

		r.expectedSeqNum = pkt.SequenceNumber + 1
		return []*rtp.Packet{pkt}, lost
	}

	// a preceding packet is still missing. buffer this one.
	if relPos != 0 {
		p := (r.absPos + relPos) & (bufferSize - 1)

		// duplicate of a buffered packet. discard.
		if r.buffer[p] != nil {
			return nil, 0
		}

		r.buffer[p] = pkt
		return nil, 0
	}

	// in-order packet. deliver it together with the consecutive run
	// that was buffered behind it.
	count := uint16(1)
	for {
		p := (r.absPos + count) & (bufferSize - 1)
		if r.buffer[p] == nil {
			break
		}
		count++
	}

	ret := make([]*rtp.Packet, count)
	ret[0] = pkt

	r.absPos++
	r.absPos &= (bufferSize - 1)

	for i := uint16(1); i < count; i++ {
		ret[i], r.buffer[r.absPos] = r.buffer[r.absPos], nil
		r.absPos++
		r.absPos &= (bufferSize - 1)
	}

	r.expectedSeqNum = pkt.SequenceNumber + count

	return ret, 0
}
