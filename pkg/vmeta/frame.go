package vmeta

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MetadataMIMEType identifies the timed metadata format of this
// package inside a MP4 metadata track.
const MetadataMIMEType = "application/octet-stream;type=com.droneview.flightdata.v2"

const (
	frameMetadataID   = 0x4D32
	frameMetadataSize = 44
)

// Quaternion is a rotation in quaternion form.
type Quaternion struct {
	W float64
	X float64
	Y float64
	Z float64
}

// FlyingState is the flying state of the device.
type FlyingState uint8

// flying states.
const (
	FlyingStateLanded FlyingState = iota
	FlyingStateTakingOff
	FlyingStateHovering
	FlyingStateFlying
	FlyingStateLanding
	FlyingStateEmergency
)

var flyingStateLabels = map[FlyingState]string{
	FlyingStateLanded:    "Landed",
	FlyingStateTakingOff: "TakingOff",
	FlyingStateHovering:  "Hovering",
	FlyingStateFlying:    "Flying",
	FlyingStateLanding:   "Landing",
	FlyingStateEmergency: "Emergency",
}

// String implements fmt.Stringer.
func (s FlyingState) String() string {
	if l, ok := flyingStateLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("unknown (%d)", int(s))
}

// FrameMetadata is the metadata attached to a single video frame.
type FrameMetadata struct {
	Location          Location
	DroneQuat         Quaternion
	FrameQuat         Quaternion
	CameraPan         float64
	CameraTilt        float64
	ExposureTimeUs    uint32
	Gain              uint16
	WifiRSSI          int8
	BatteryPercentage uint8
	Binning           bool
	State             FlyingState
}

func quatToFixed(q Quaternion, buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], uint16(int16(math.Round(q.W*(1<<14)))))
	binary.BigEndian.PutUint16(buf[2:], uint16(int16(math.Round(q.X*(1<<14)))))
	binary.BigEndian.PutUint16(buf[4:], uint16(int16(math.Round(q.Y*(1<<14)))))
	binary.BigEndian.PutUint16(buf[6:], uint16(int16(math.Round(q.Z*(1<<14)))))
}

func quatFromFixed(buf []byte) Quaternion {
	return Quaternion{
		W: float64(int16(binary.BigEndian.Uint16(buf[0:]))) / (1 << 14),
		X: float64(int16(binary.BigEndian.Uint16(buf[2:]))) / (1 << 14),
		Y: float64(int16(binary.BigEndian.Uint16(buf[4:]))) / (1 << 14),
		Z: float64(int16(binary.BigEndian.Uint16(buf[6:]))) / (1 << 14),
	}
}

// Marshal encodes the frame metadata.
func (m FrameMetadata) Marshal() ([]byte, error) {
	buf := make([]byte, 4+frameMetadataSize)
	binary.BigEndian.PutUint16(buf[0:], frameMetadataID)
	binary.BigEndian.PutUint16(buf[2:], frameMetadataSize)

	binary.BigEndian.PutUint32(buf[4:], uint32(int32(math.Round(m.Location.Latitude*1e7))))
	binary.BigEndian.PutUint32(buf[8:], uint32(int32(math.Round(m.Location.Longitude*1e7))))
	binary.BigEndian.PutUint32(buf[12:], uint32(int32(math.Round(m.Location.Altitude*1e3))))
	buf[16] = m.Location.SvCount

	var flags uint8
	if m.Location.Valid {
		flags |= 0x01
	}
	if m.Binning {
		flags |= 0x02
	}
	buf[17] = flags

	buf[18] = m.BatteryPercentage
	buf[19] = uint8(m.WifiRSSI)

	quatToFixed(m.DroneQuat, buf[20:])
	quatToFixed(m.FrameQuat, buf[28:])

	binary.BigEndian.PutUint16(buf[36:], uint16(int16(math.Round(m.CameraPan*1e4))))
	binary.BigEndian.PutUint16(buf[38:], uint16(int16(math.Round(m.CameraTilt*1e4))))
	binary.BigEndian.PutUint32(buf[40:], m.ExposureTimeUs)
	binary.BigEndian.PutUint16(buf[44:], m.Gain)
	buf[46] = uint8(m.State)

	return buf, nil
}

// Unmarshal decodes frame metadata from bytes.
func (m *FrameMetadata) Unmarshal(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short")
	}

	if binary.BigEndian.Uint16(buf[0:]) != frameMetadataID {
		return fmt.Errorf("unknown metadata format")
	}

	le := int(binary.BigEndian.Uint16(buf[2:]))
	if le < frameMetadataSize || (len(buf)-4) < le {
		return fmt.Errorf("invalid metadata length %d", le)
	}

	m.Location.Latitude = float64(int32(binary.BigEndian.Uint32(buf[4:]))) / 1e7
	m.Location.Longitude = float64(int32(binary.BigEndian.Uint32(buf[8:]))) / 1e7
	m.Location.Altitude = float64(int32(binary.BigEndian.Uint32(buf[12:]))) / 1e3
	m.Location.SvCount = buf[16]

	flags := buf[17]
	m.Location.Valid = (flags & 0x01) != 0
	m.Binning = (flags & 0x02) != 0

	m.BatteryPercentage = buf[18]
	m.WifiRSSI = int8(buf[19])

	m.DroneQuat = quatFromFixed(buf[20:])
	m.FrameQuat = quatFromFixed(buf[28:])

	m.CameraPan = float64(int16(binary.BigEndian.Uint16(buf[36:]))) / 1e4
	m.CameraTilt = float64(int16(binary.BigEndian.Uint16(buf[38:]))) / 1e4
	m.ExposureTimeUs = binary.BigEndian.Uint32(buf[40:])
	m.Gain = binary.BigEndian.Uint16(buf[44:])
	m.State = FlyingState(buf[46])

	return nil
}

// DecodeFrame decodes the timed metadata attached to a frame, after
// checking that the MIME type declared by the container is supported.
func DecodeFrame(buf []byte, mimeType string) (*FrameMetadata, error) {
	if mimeType != MetadataMIMEType {
		return nil, fmt.Errorf("unsupported metadata MIME type %q", mimeType)
	}

	var m FrameMetadata
	err := m.Unmarshal(buf)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
