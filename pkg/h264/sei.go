package h264

import (
	"fmt"

	"github.com/google/uuid"
)

// SEI payload types.
const (
	SEITypeBufferingPeriod      = 0
	SEITypePicTiming            = 1
	SEITypeUserDataUnregistered = 5
	SEITypeRecoveryPoint        = 6
)

// UUIDs of user data SEI payloads that carry low level stream
// signalling. Their content is consumed by the transport layer and must
// not reach applications as user data.
var (
	StreamingUserDataV1UUID = uuid.UUID{
		0x53, 0x74, 0x72, 0x4d, 0x69, 0x6e, 0x67, 0x31,
		0xbd, 0x03, 0x71, 0x8f, 0x6e, 0x2c, 0x50, 0x29,
	}

	StreamingUserDataV2UUID = uuid.UUID{
		0x53, 0x74, 0x72, 0x4d, 0x69, 0x6e, 0x67, 0x32,
		0x93, 0x41, 0x8b, 0xed, 0xc0, 0x75, 0x7a, 0x44,
	}
)

// IsStreamingUserData reports whether id identifies a stream signalling
// user data SEI rather than application user data.
func IsStreamingUserData(id uuid.UUID) bool {
	return id == StreamingUserDataV1UUID || id == StreamingUserDataV2UUID
}

// UserDataSEI is an unregistered user data SEI payload.
type UserDataSEI struct {
	UUID uuid.UUID
	Data []byte
}

// ParseSEIUserData walks the payloads of a SEI NALU and calls cb for
// each unregistered user data payload. nalu must start with the NALU
// header byte.
func ParseSEIUserData(nalu []byte, cb func(UserDataSEI)) error {
	if len(nalu) < 1 {
		return fmt.Errorf("empty NALU")
	}

	if TypeOf(nalu) != NALUTypeSEI {
		return fmt.Errorf("not a SEI")
	}

	buf := StripEmulationPrevention(nalu)
	pos := 1

	for {
		// rbsp_trailing_bits
		if pos >= len(buf) || buf[pos] == 0x80 {
			return nil
		}

		payloadType := 0
		for {
			if pos >= len(buf) {
				return fmt.Errorf("truncated payload type")
			}
			byt := buf[pos]
			pos++
			payloadType += int(byt)
			if byt != 0xFF {
				break
			}
		}

		payloadSize := 0
		for {
			if pos >= len(buf) {
				return fmt.Errorf("truncated payload size")
			}
			byt := buf[pos]
			pos++
			payloadSize += int(byt)
			if byt != 0xFF {
				break
			}
		}

		if (len(buf) - pos) < payloadSize {
			return fmt.Errorf("payload size overruns NALU")
		}

		if payloadType == SEITypeUserDataUnregistered && payloadSize >= 16 {
			var ud UserDataSEI
			copy(ud.UUID[:], buf[pos:pos+16])
			ud.Data = buf[pos+16 : pos+payloadSize]
			cb(ud)
		}

		pos += payloadSize
	}
}
