package h264

import (
	"encoding/binary"

	"github.com/droneview/goplaylib/pkg/liberrors"
)

// AccessUnitInfo is the result of scanning an access unit.
type AccessUnitInfo struct {
	NALUCount    int
	RandomAccess bool

	// position and length of the payload of the last SEI NALU found
	SEIPresent bool
	SEIPos     int
	SEILen     int
}

// ScanAccessUnit walks an access unit made of NALUs prefixed with a
// 4-byte big-endian length. When toByteStream is true, each length
// prefix is overwritten in place with an Annex-B start code.
// Only the last SEI NALU of the access unit is recorded.
func ScanAccessUnit(au []byte, toByteStream bool) (AccessUnitInfo, error) {
	var info AccessUnitInfo
	pos := 0

	for pos < len(au) {
		if (len(au) - pos) < 4 {
			return AccessUnitInfo{}, liberrors.ErrMalformedNALU{Reason: "truncated length prefix"}
		}

		le := int(binary.BigEndian.Uint32(au[pos:]))
		if le <= 0 || le > (len(au)-pos-4) {
			return AccessUnitInfo{}, liberrors.ErrMalformedNALU{Reason: "length prefix overruns buffer"}
		}

		if le > MaxNALUSize {
			return AccessUnitInfo{}, liberrors.ErrMalformedNALU{Reason: "NALU is too big"}
		}

		if toByteStream {
			au[pos] = 0x00
			au[pos+1] = 0x00
			au[pos+2] = 0x00
			au[pos+3] = 0x01
		}
		pos += 4

		switch TypeOf(au[pos:]) {
		case NALUTypeSEI:
			info.SEIPresent = true
			info.SEIPos = pos
			info.SEILen = le

		case NALUTypeIDR:
			info.RandomAccess = true
		}

		info.NALUCount++
		pos += le
	}

	return info, nil
}

// PrefixedParameterSet returns a SPS or PPS with the 4-byte prefix
// expected by a decoder: an Annex-B start code when byteStream is true,
// the parameter set length in big-endian form otherwise.
func PrefixedParameterSet(ps []byte, byteStream bool) []byte {
	buf := make([]byte, 4+len(ps))
	if byteStream {
		buf[3] = 0x01
	} else {
		binary.BigEndian.PutUint32(buf, uint32(len(ps)))
	}
	copy(buf[4:], ps)
	return buf
}
