// Package rtptimedec contains a RTP timestamp decoder.
package rtptimedec

import (
	"time"
)

// Decoder unwraps 32-bit RTP timestamps into a stream-relative time.
type Decoder struct {
	clockRate   int64
	initialized bool
	add         int64
	initial     int64
	prev        int64
}

// New allocates a Decoder.
func New(clockRate int) *Decoder {
	return &Decoder{
		clockRate: int64(clockRate),
	}
}

func (d *Decoder) extend(ts uint32) int64 {
	v := int64(ts) + d.add

	if d.initialized && (v-d.prev) < -0xFFFF {
		v += 0x100000000
		d.add += 0x100000000
	}

	if !d.initialized {
		d.initialized = true
		d.initial = v
	}

	d.prev = v
	return v
}

// Decode decodes a RTP timestamp relative to the first one seen.
func (d *Decoder) Decode(ts uint32) time.Duration {
	v := d.extend(ts)
	return time.Duration(v-d.initial) * time.Second / time.Duration(d.clockRate)
}

// DecodeUs decodes a RTP timestamp into microseconds relative to the
// first one seen.
func (d *Decoder) DecodeUs(ts uint32) int64 {
	v := d.extend(ts)
	return (v - d.initial) * 1000000 / d.clockRate
}
