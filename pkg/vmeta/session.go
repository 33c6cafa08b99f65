// Package vmeta contains session and frame metadata handling.
package vmeta

import (
	"fmt"
	"strconv"
	"strings"
)

// recording metadata keys, as stored in the MP4 udta/meta boxes.
const (
	RecordingKeyFriendlyName = "\xa9nam"
	RecordingKeyComment      = "\xa9cmt"
	RecordingKeyCopyright    = "\xa9cpy"
	RecordingKeyMediaDate    = "\xa9day"
	RecordingKeyMaker        = "\xa9mak"
	RecordingKeyModel        = "\xa9mod"
	RecordingKeySoftware     = "\xa9too"
	RecordingKeyLocation     = "\xa9xyz"

	RecordingKeyModelID      = "com.droneview.model.id"
	RecordingKeySerialNumber = "com.droneview.serial.number"
	RecordingKeyBuildID      = "com.droneview.build.id"
	RecordingKeyRunDate      = "com.droneview.run.date"
	RecordingKeyRunUUID      = "com.droneview.run.uuid"
	RecordingKeyTakeoffLoc   = "com.droneview.takeoff.loc"
	RecordingKeyHomeLoc      = "com.droneview.home.loc"
	RecordingKeyPictureFOV   = "com.droneview.picture.fov"
)

// Location is a geographic position.
type Location struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	SvCount   uint8
	Valid     bool
}

// parse a "lat,lon,alt" triplet.
func parseLocation(s string) (Location, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Location{}, fmt.Errorf("invalid location: %q", s)
	}

	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Location{}, err
	}

	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Location{}, err
	}

	alt, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Location{}, err
	}

	return Location{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  alt,
		Valid:     true,
	}, nil
}

// parse an ISO 6709 string like "+48.8577+002.2950/".
func parseISO6709(s string) (Location, error) {
	s = strings.TrimSuffix(s, "/")

	var signPos []int
	for i, c := range s {
		if c == '+' || c == '-' {
			signPos = append(signPos, i)
		}
	}

	if len(signPos) < 2 || signPos[0] != 0 {
		return Location{}, fmt.Errorf("invalid ISO 6709 string: %q", s)
	}

	lat, err := strconv.ParseFloat(s[signPos[0]:signPos[1]], 64)
	if err != nil {
		return Location{}, err
	}

	end := len(s)
	if len(signPos) >= 3 {
		end = signPos[2]
	}

	lon, err := strconv.ParseFloat(s[signPos[1]:end], 64)
	if err != nil {
		return Location{}, err
	}

	loc := Location{
		Latitude:  lat,
		Longitude: lon,
		Valid:     true,
	}

	if len(signPos) >= 3 {
		alt, err := strconv.ParseFloat(s[signPos[2]:], 64)
		if err != nil {
			return Location{}, err
		}
		loc.Altitude = alt
	}

	return loc, nil
}

// PictureFOV is the field of view of the camera, in degrees.
type PictureFOV struct {
	Horz    float64
	Vert    float64
	HasHorz bool
	HasVert bool
}

// SessionMetadata describes the device and flight a media belongs to.
type SessionMetadata struct {
	FriendlyName    string
	Maker           string
	Model           string
	ModelID         string
	SerialNumber    string
	SoftwareVersion string
	BuildID         string
	Title           string
	Comment         string
	Copyright       string
	MediaDate       string
	RunDate         string
	RunUUID         string
	TakeoffLocation Location
	HomeLocation    Location
	PictureFOV      PictureFOV
}

// ReadRecordingEntry merges one recording metadata key/value pair into
// the session metadata. Unknown keys are ignored.
func (m *SessionMetadata) ReadRecordingEntry(key string, value string) error {
	switch key {
	case RecordingKeyFriendlyName:
		m.FriendlyName = value
		m.Title = value

	case RecordingKeyMaker:
		m.Maker = value

	case RecordingKeyModel:
		m.Model = value

	case RecordingKeyModelID:
		m.ModelID = value

	case RecordingKeySerialNumber:
		m.SerialNumber = value

	case RecordingKeySoftware:
		m.SoftwareVersion = value

	case RecordingKeyBuildID:
		m.BuildID = value

	case RecordingKeyComment:
		m.Comment = value

	case RecordingKeyCopyright:
		m.Copyright = value

	case RecordingKeyMediaDate:
		m.MediaDate = value

	case RecordingKeyRunDate:
		m.RunDate = value

	case RecordingKeyRunUUID:
		m.RunUUID = value

	case RecordingKeyLocation:
		loc, err := parseISO6709(value)
		if err != nil {
			return err
		}
		m.TakeoffLocation = loc

	case RecordingKeyTakeoffLoc:
		loc, err := parseLocation(value)
		if err != nil {
			return err
		}
		m.TakeoffLocation = loc

	case RecordingKeyHomeLoc:
		loc, err := parseLocation(value)
		if err != nil {
			return err
		}
		m.HomeLocation = loc

	case RecordingKeyPictureFOV:
		parts := strings.Split(value, ",")
		if len(parts) != 2 {
			return fmt.Errorf("invalid picture FOV: %q", value)
		}

		horz, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return err
		}

		vert, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return err
		}

		m.PictureFOV = PictureFOV{
			Horz:    horz,
			Vert:    vert,
			HasHorz: true,
			HasVert: true,
		}
	}

	return nil
}
