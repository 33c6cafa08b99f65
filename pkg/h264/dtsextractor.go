package h264

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/icza/bitio"
)

// DTSExtractor derives decode timestamps from presentation timestamps.
// Live transports carry PTS only; when the encoder reorders frames the
// decoder must still be fed in decode order, so the DTS is rebuilt from
// the picture order count or from HRD pic_timing SEI when available.
type DTSExtractor struct {
	rawSPS      []byte
	sps         *SPS
	reorderTime time.Duration

	hasPrev     bool
	prevPTS     time.Duration
	prevDTS     time.Duration
	prevPOCDiff int32
	expectedPOC uint32
}

// NewDTSExtractor allocates a DTSExtractor.
func NewDTSExtractor() *DTSExtractor {
	return &DTSExtractor{}
}

// trackSPS keeps the active SPS up to date and recomputes the constant
// PTS-DTS offset implied by max_num_reorder_frames.
func (d *DTSExtractor) trackSPS(nalus [][]byte) error {
	for _, nalu := range nalus {
		if TypeOf(nalu) != NALUTypeSPS {
			continue
		}
		if d.rawSPS != nil && bytes.Equal(d.rawSPS, nalu) {
			continue
		}

		var sps SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return fmt.Errorf("invalid SPS: %v", err)
		}
		d.rawSPS = append([]byte(nil), nalu...)
		d.sps = &sps

		d.reorderTime = 0
		if sps.VUI != nil && sps.VUI.TimingInfo != nil &&
			sps.VUI.BitstreamRestriction != nil {
			d.reorderTime = time.Duration(math.Round(float64(
				time.Duration(sps.VUI.BitstreamRestriction.MaxNumReorderFrames)*time.Second*
					time.Duration(sps.VUI.TimingInfo.NumUnitsInTick)*2) /
				float64(sps.VUI.TimingInfo.TimeScale)))
		}
	}

	if d.sps == nil {
		return fmt.Errorf("SPS not received yet")
	}
	return nil
}

// sliceOrderCount reads pic_order_cnt_lsb from the header of a slice
// NALU. The header fields before it fit in the first bytes of the NALU,
// so only a small prefix is unescaped.
func (d *DTSExtractor) sliceOrderCount(nalu []byte) (uint32, error) {
	buf := StripEmulationPrevention(nalu[:6])
	br := bitio.NewReader(bytes.NewReader(buf[1:]))

	// first_mb_in_slice, slice_type, pic_parameter_set_id
	for i := 0; i < 3; i++ {
		if _, err := readGolombUnsigned(br); err != nil {
			return 0, err
		}
	}

	if _, err := br.ReadBits(uint8(d.sps.Log2MaxFrameNumMinus4 + 4)); err != nil {
		return 0, err
	}

	if !d.sps.FrameMbsOnlyFlag {
		return 0, fmt.Errorf("interlaced streams are not supported")
	}

	if TypeOf(nalu) == NALUTypeIDR {
		if _, err := readGolombUnsigned(br); err != nil { // idr_pic_id
			return 0, err
		}
	}

	if d.sps.PicOrderCntType != 0 {
		return 0, fmt.Errorf("pic_order_cnt_type %d is not supported",
			d.sps.PicOrderCntType)
	}

	lsb, err := br.ReadBits(uint8(d.sps.Log2MaxPicOrderCntLsbMinus4 + 4))
	if err != nil {
		return 0, err
	}
	return uint32(lsb), nil
}

// firstSliceOrderCount returns the order count of the first slice NALU
// of the access unit.
func (d *DTSExtractor) firstSliceOrderCount(nalus [][]byte) (uint32, error) {
	for _, nalu := range nalus {
		switch TypeOf(nalu) {
		case NALUTypeIDR, NALUTypeNonIDR:
			return d.sliceOrderCount(nalu)
		}
	}
	return 0, fmt.Errorf("access unit has no slice NALU")
}

// pocDistance returns the wrap-aware distance between a picture order
// count and the expected one.
func (d *DTSExtractor) pocDistance(poc uint32) int32 {
	half := (int32(1) << (d.sps.Log2MaxPicOrderCntLsbMinus4 + 3)) - 1
	window := int32(1) << (d.sps.Log2MaxPicOrderCntLsbMinus4 + 4)

	diff := int32(poc) - int32(d.expectedPOC)
	if diff < -half {
		diff += window
	} else if diff > half {
		diff -= window
	}
	return diff
}

// dpbOutputDelay extracts dpb_output_delay from a pic_timing SEI.
func (d *DTSExtractor) dpbOutputDelay(nalus [][]byte) (uint32, bool) {
	for _, nalu := range nalus {
		if TypeOf(nalu) != NALUTypeSEI {
			continue
		}

		buf := StripEmulationPrevention(nalu)
		pos := 1

		for pos < len(buf)-1 {
			payloadType := 0
			for pos < len(buf) {
				b := buf[pos]
				pos++
				payloadType += int(b)
				if b != 0xFF {
					break
				}
			}

			payloadSize := 0
			for pos < len(buf) {
				b := buf[pos]
				pos++
				payloadSize += int(b)
				if b != 0xFF {
					break
				}
			}

			if pos+payloadSize > len(buf) {
				break
			}

			if payloadType != SEITypePicTiming {
				pos += payloadSize
				continue
			}

			br := bitio.NewReader(bytes.NewReader(buf[pos : pos+payloadSize]))

			// cpb_removal_delay
			if _, err := br.ReadBits(d.sps.VUI.NalHRD.CpbRemovalDelayLengthMinus1 + 1); err != nil {
				return 0, false
			}

			delay, err := br.ReadBits(d.sps.VUI.NalHRD.DpbOutputDelayLengthMinus1 + 1)
			if err != nil {
				return 0, false
			}
			return uint32(delay), true
		}
	}
	return 0, false
}

func (d *DTSExtractor) derive(nalus [][]byte, pts time.Duration) (time.Duration, int32, error) {
	vui := d.sps.VUI
	hasTiming := vui != nil && vui.TimingInfo != nil

	// HRD timing present: the encoder states the output delay itself
	if hasTiming && vui.NalHRD != nil {
		delay, ok := d.dpbOutputDelay(nalus)
		if !ok {
			return 0, 0, fmt.Errorf("pic_timing SEI not found")
		}

		return pts - time.Duration(delay)/2*time.Second*
			time.Duration(vui.TimingInfo.NumUnitsInTick)*2/
			time.Duration(vui.TimingInfo.TimeScale), 0, nil
	}

	// no reordering information: decode order equals output order
	if d.sps.PicOrderCntType == 2 || !hasTiming || vui.BitstreamRestriction == nil {
		return pts, 0, nil
	}

	// reconstruct the delay from the picture order count
	if ContainsIDR(nalus) {
		d.expectedPOC = 0
		return pts - d.reorderTime, 0, nil
	}

	// advance before parsing, so that a malformed frame does not stall
	// the expected count
	d.expectedPOC += 2
	d.expectedPOC &= (1 << (d.sps.Log2MaxPicOrderCntLsbMinus4 + 4)) - 1

	poc, err := d.firstSliceOrderCount(nalus)
	if err != nil {
		return 0, 0, err
	}

	pocDiff := d.pocDistance(poc)

	if pocDiff == 0 {
		return pts - d.reorderTime, 0, nil
	}

	if pocDiff == -int32(vui.BitstreamRestriction.MaxNumReorderFrames)*2 {
		// frame is output as soon as it is decoded
		return pts, pocDiff, nil
	}

	if d.prevPOCDiff == 0 {
		if pocDiff == -2 {
			return 0, 0, fmt.Errorf("invalid frame POC")
		}
		return d.prevPTS - d.reorderTime +
			time.Duration(math.Round(float64(pts-d.prevPTS)/float64(pocDiff/2+1))), pocDiff, nil
	}

	// pocDiff : prevPOCDiff = (pts - dts - reorderTime) : (prevPTS - prevDTS - reorderTime)
	return pts - d.reorderTime +
		time.Duration(math.Round(float64(d.prevDTS-d.prevPTS+d.reorderTime)*
			float64(pocDiff)/float64(d.prevPOCDiff))), pocDiff, nil
}

// Extract derives the DTS of an access unit from its PTS.
func (d *DTSExtractor) Extract(nalus [][]byte, pts time.Duration) (time.Duration, error) {
	if err := d.trackSPS(nalus); err != nil {
		return 0, err
	}

	dts, pocDiff, err := d.derive(nalus, pts)
	if err != nil {
		return 0, err
	}

	if dts > pts {
		return 0, fmt.Errorf("DTS is greater than PTS")
	}
	if d.hasPrev && dts <= d.prevDTS {
		return 0, fmt.Errorf("DTS is not monotonically increasing")
	}

	d.hasPrev = true
	d.prevPTS = pts
	d.prevDTS = dts
	d.prevPOCDiff = pocDiff
	return dts, nil
}
