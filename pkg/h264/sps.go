package h264

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)

	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		if b != 0 {
			break
		}

		leadingZeroBits++
	}

	codeNum := uint32(0)

	for n := leadingZeroBits; n > 0; n-- {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		codeNum |= uint32(b) << (n - 1)
	}

	codeNum = (1 << leadingZeroBits) - 1 + codeNum

	return codeNum, nil
}

func readGolombSigned(br *bitio.Reader) (int32, error) {
	v, err := readGolombUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)

	if (vi & 0x01) != 0 {
		return (vi + 1) / 2, nil
	}

	return -vi / 2, nil
}

func readFlag(br *bitio.Reader) (bool, error) {
	tmp, err := br.ReadBits(1)
	if err != nil {
		return false, err
	}

	return (tmp == 1), nil
}

// scaling list values are consumed but not kept.
func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)

	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}

			nextScale = (lastScale + deltaScale + 256) % 256
		}

		if nextScale != 0 {
			lastScale = nextScale
		}
	}

	return nil
}

// SPS_HRD are hypothetical reference decoder parameters.
type SPS_HRD struct { //nolint:revive
	InitialCpbRemovalDelayLengthMinus1 uint8
	CpbRemovalDelayLengthMinus1        uint8
	DpbOutputDelayLengthMinus1         uint8
	TimeOffsetLength                   uint8
}

func (h *SPS_HRD) unmarshal(br *bitio.Reader) error {
	cpbCntMinus1, err := readGolombUnsigned(br)
	if err != nil {
		return err
	}

	// bit_rate_scale, cpb_size_scale
	_, err = br.ReadBits(8)
	if err != nil {
		return err
	}

	for i := uint32(0); i <= cpbCntMinus1; i++ {
		// bit_rate_value_minus1
		_, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		// cpb_size_value_minus1
		_, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		// cbr_flag
		_, err = readFlag(br)
		if err != nil {
			return err
		}
	}

	tmp, err := br.ReadBits(5)
	if err != nil {
		return err
	}
	h.InitialCpbRemovalDelayLengthMinus1 = uint8(tmp)

	tmp, err = br.ReadBits(5)
	if err != nil {
		return err
	}
	h.CpbRemovalDelayLengthMinus1 = uint8(tmp)

	tmp, err = br.ReadBits(5)
	if err != nil {
		return err
	}
	h.DpbOutputDelayLengthMinus1 = uint8(tmp)

	tmp, err = br.ReadBits(5)
	if err != nil {
		return err
	}
	h.TimeOffsetLength = uint8(tmp)

	return nil
}

// SPS_TimingInfo is the timing info part of a SPS.
type SPS_TimingInfo struct { //nolint:revive
	NumUnitsInTick     uint32
	TimeScale          uint32
	FixedFrameRateFlag bool
}

func (t *SPS_TimingInfo) unmarshal(br *bitio.Reader) error {
	tmp, err := br.ReadBits(32)
	if err != nil {
		return err
	}
	t.NumUnitsInTick = uint32(tmp)

	tmp, err = br.ReadBits(32)
	if err != nil {
		return err
	}
	t.TimeScale = uint32(tmp)

	t.FixedFrameRateFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	return nil
}

// SPS_BitstreamRestriction is the bitstream restriction part of a SPS.
type SPS_BitstreamRestriction struct { //nolint:revive
	MotionVectorsOverPicBoundariesFlag bool
	MaxBytesPerPicDenom                uint32
	MaxBitsPerMbDenom                  uint32
	Log2MaxMvLengthHorizontal          uint32
	Log2MaxMvLengthVertical            uint32
	MaxNumReorderFrames                uint32
	MaxDecFrameBuffering               uint32
}

func (r *SPS_BitstreamRestriction) unmarshal(br *bitio.Reader) error {
	var err error
	r.MotionVectorsOverPicBoundariesFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	r.MaxBytesPerPicDenom, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	r.MaxBitsPerMbDenom, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	r.Log2MaxMvLengthHorizontal, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	r.Log2MaxMvLengthVertical, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	r.MaxNumReorderFrames, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	r.MaxDecFrameBuffering, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	return nil
}

// aspect_ratio_idc values 1-16, as (width, height) pairs.
var sarTable = [16][2]uint16{
	{1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11}, {32, 11},
	{80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
}

// SPS_VUI is the video usability information part of a SPS.
type SPS_VUI struct { //nolint:revive
	AspectRatioInfoPresentFlag bool
	AspectRatioIdc             uint8

	// AspectRatioIdc == 255 (Extended_SAR)
	SarWidth  uint16
	SarHeight uint16

	TimingInfo           *SPS_TimingInfo
	NalHRD               *SPS_HRD
	VclHRD               *SPS_HRD
	PicStructPresentFlag bool
	BitstreamRestriction *SPS_BitstreamRestriction
}

func (v *SPS_VUI) unmarshal(br *bitio.Reader) error {
	var err error
	v.AspectRatioInfoPresentFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	if v.AspectRatioInfoPresentFlag {
		tmp, err := br.ReadBits(8)
		if err != nil {
			return err
		}
		v.AspectRatioIdc = uint8(tmp)

		if v.AspectRatioIdc == 255 { // Extended_SAR
			tmp, err := br.ReadBits(16)
			if err != nil {
				return err
			}
			v.SarWidth = uint16(tmp)

			tmp, err = br.ReadBits(16)
			if err != nil {
				return err
			}
			v.SarHeight = uint16(tmp)
		}
	}

	overscanInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if overscanInfoPresentFlag {
		// overscan_appropriate_flag
		_, err = readFlag(br)
		if err != nil {
			return err
		}
	}

	videoSignalTypePresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if videoSignalTypePresentFlag {
		// video_format, video_full_range_flag
		_, err = br.ReadBits(4)
		if err != nil {
			return err
		}

		colourDescriptionPresentFlag, err := readFlag(br)
		if err != nil {
			return err
		}

		if colourDescriptionPresentFlag {
			// colour_primaries, transfer_characteristics, matrix_coefficients
			_, err = br.ReadBits(24)
			if err != nil {
				return err
			}
		}
	}

	chromaLocInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if chromaLocInfoPresentFlag {
		// chroma_sample_loc_type_top_field
		_, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		// chroma_sample_loc_type_bottom_field
		_, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}
	}

	timingInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if timingInfoPresentFlag {
		v.TimingInfo = &SPS_TimingInfo{}
		err := v.TimingInfo.unmarshal(br)
		if err != nil {
			return err
		}
	}

	nalHrdParametersPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if nalHrdParametersPresentFlag {
		v.NalHRD = &SPS_HRD{}
		err := v.NalHRD.unmarshal(br)
		if err != nil {
			return err
		}
	}

	vclHrdParametersPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if vclHrdParametersPresentFlag {
		v.VclHRD = &SPS_HRD{}
		err := v.VclHRD.unmarshal(br)
		if err != nil {
			return err
		}
	}

	if nalHrdParametersPresentFlag || vclHrdParametersPresentFlag {
		// low_delay_hrd_flag
		_, err = readFlag(br)
		if err != nil {
			return err
		}
	}

	v.PicStructPresentFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	bitstreamRestrictionFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if bitstreamRestrictionFlag {
		v.BitstreamRestriction = &SPS_BitstreamRestriction{}
		err := v.BitstreamRestriction.unmarshal(br)
		if err != nil {
			return err
		}
	}

	return nil
}

// SAR returns the sample aspect ratio, defaulting to 1:1 when not
// signalled.
func (v *SPS_VUI) SAR() (int, int) {
	if v == nil || !v.AspectRatioInfoPresentFlag {
		return 1, 1
	}

	if v.AspectRatioIdc == 255 {
		if v.SarWidth == 0 || v.SarHeight == 0 {
			return 1, 1
		}
		return int(v.SarWidth), int(v.SarHeight)
	}

	if v.AspectRatioIdc >= 1 && v.AspectRatioIdc <= 16 {
		e := sarTable[v.AspectRatioIdc-1]
		return int(e[0]), int(e[1])
	}

	return 1, 1
}

// SPS_FrameCropping is the frame cropping part of a SPS.
// Offsets are in cropping units, not pixels.
type SPS_FrameCropping struct { //nolint:revive
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

func (c *SPS_FrameCropping) unmarshal(br *bitio.Reader) error {
	var err error
	c.LeftOffset, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	c.RightOffset, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	c.TopOffset, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	c.BottomOffset, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	return nil
}

// SPS is a H264 sequence parameter set.
type SPS struct {
	ProfileIdc         uint8
	ConstraintSet0Flag bool
	ConstraintSet1Flag bool
	ConstraintSet2Flag bool
	ConstraintSet3Flag bool
	ConstraintSet4Flag bool
	ConstraintSet5Flag bool
	LevelIdc           uint8
	ID                 uint32

	ChromaFormatIdc         uint32
	SeparateColourPlaneFlag bool
	BitDepthLumaMinus8      uint32
	BitDepthChromaMinus8    uint32

	Log2MaxFrameNumMinus4 uint32
	PicOrderCntType       uint32

	// PicOrderCntType == 0
	Log2MaxPicOrderCntLsbMinus4 uint32

	// PicOrderCntType == 1
	DeltaPicOrderAlwaysZeroFlag bool

	MaxNumRefFrames                uint32
	GapsInFrameNumValueAllowedFlag bool
	PicWidthInMbsMinus1            uint32
	PicHeightInMapUnitsMinus1      uint32
	FrameMbsOnlyFlag               bool

	// FrameMbsOnlyFlag == false
	MbAdaptiveFrameFieldFlag bool

	Direct8x8InferenceFlag bool

	// frame_cropping_flag == true
	FrameCropping *SPS_FrameCropping

	// vui_parameters_present_flag == true
	VUI *SPS_VUI
}

// Unmarshal decodes a SPS from bytes.
func (s *SPS) Unmarshal(buf []byte) error {
	// ref: ISO/IEC 14496-10:2020

	buf = StripEmulationPrevention(buf)

	if len(buf) < 4 {
		return fmt.Errorf("buffer too short")
	}

	if (buf[0] >> 7) != 0 {
		return fmt.Errorf("wrong forbidden bit")
	}

	if TypeOf(buf) != NALUTypeSPS {
		return fmt.Errorf("not a SPS")
	}

	s.ProfileIdc = buf[1]
	s.ConstraintSet0Flag = (buf[2] >> 7) == 1
	s.ConstraintSet1Flag = (buf[2] >> 6 & 0x01) == 1
	s.ConstraintSet2Flag = (buf[2] >> 5 & 0x01) == 1
	s.ConstraintSet3Flag = (buf[2] >> 4 & 0x01) == 1
	s.ConstraintSet4Flag = (buf[2] >> 3 & 0x01) == 1
	s.ConstraintSet5Flag = (buf[2] >> 2 & 0x01) == 1
	s.LevelIdc = buf[3]

	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	s.ID, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		s.ChromaFormatIdc, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		if s.ChromaFormatIdc == 3 {
			s.SeparateColourPlaneFlag, err = readFlag(br)
			if err != nil {
				return err
			}
		} else {
			s.SeparateColourPlaneFlag = false
		}

		s.BitDepthLumaMinus8, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		s.BitDepthChromaMinus8, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}

		// qpprime_y_zero_transform_bypass_flag
		_, err = readFlag(br)
		if err != nil {
			return err
		}

		seqScalingMatrixPresentFlag, err := readFlag(br)
		if err != nil {
			return err
		}

		if seqScalingMatrixPresentFlag {
			lim := 8
			if s.ChromaFormatIdc == 3 {
				lim = 12
			}

			for i := 0; i < lim; i++ {
				seqScalingListPresentFlag, err := readFlag(br)
				if err != nil {
					return err
				}

				if seqScalingListPresentFlag {
					size := 16
					if i >= 6 {
						size = 64
					}

					err := skipScalingList(br, size)
					if err != nil {
						return err
					}
				}
			}
		}

	default:
		// chroma_format_idc is inferred to be 1 (4:2:0) when absent
		s.ChromaFormatIdc = 1
		s.SeparateColourPlaneFlag = false
		s.BitDepthLumaMinus8 = 0
		s.BitDepthChromaMinus8 = 0
	}

	s.Log2MaxFrameNumMinus4, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.PicOrderCntType, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	switch s.PicOrderCntType {
	case 0:
		s.Log2MaxPicOrderCntLsbMinus4, err = readGolombUnsigned(br)
		if err != nil {
			return err
		}
		s.DeltaPicOrderAlwaysZeroFlag = false

	case 1:
		s.Log2MaxPicOrderCntLsbMinus4 = 0

		s.DeltaPicOrderAlwaysZeroFlag, err = readFlag(br)
		if err != nil {
			return err
		}

		// offset_for_non_ref_pic
		_, err = readGolombSigned(br)
		if err != nil {
			return err
		}

		// offset_for_top_to_bottom_field
		_, err = readGolombSigned(br)
		if err != nil {
			return err
		}

		numRefFramesInPicOrderCntCycle, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}

		for i := uint32(0); i < numRefFramesInPicOrderCntCycle; i++ {
			// offset_for_ref_frame
			_, err := readGolombSigned(br)
			if err != nil {
				return err
			}
		}

	default:
		s.Log2MaxPicOrderCntLsbMinus4 = 0
		s.DeltaPicOrderAlwaysZeroFlag = false
	}

	s.MaxNumRefFrames, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.GapsInFrameNumValueAllowedFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	s.PicWidthInMbsMinus1, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.PicHeightInMapUnitsMinus1, err = readGolombUnsigned(br)
	if err != nil {
		return err
	}

	s.FrameMbsOnlyFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	if !s.FrameMbsOnlyFlag {
		s.MbAdaptiveFrameFieldFlag, err = readFlag(br)
		if err != nil {
			return err
		}
	} else {
		s.MbAdaptiveFrameFieldFlag = false
	}

	s.Direct8x8InferenceFlag, err = readFlag(br)
	if err != nil {
		return err
	}

	frameCroppingFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if frameCroppingFlag {
		s.FrameCropping = &SPS_FrameCropping{}
		err := s.FrameCropping.unmarshal(br)
		if err != nil {
			return err
		}
	} else {
		s.FrameCropping = nil
	}

	vuiParameterPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}

	if vuiParameterPresentFlag {
		s.VUI = &SPS_VUI{}
		err := s.VUI.unmarshal(br)
		if err != nil {
			return err
		}
	} else {
		s.VUI = nil
	}

	return nil
}

// cropping units per Rec. ITU-T H.264, section 7.4.2.1.1.
func (s SPS) cropUnits() (uint32, uint32) {
	chromaArrayType := s.ChromaFormatIdc
	if s.SeparateColourPlaneFlag {
		chromaArrayType = 0
	}

	fieldFactor := uint32(2)
	if s.FrameMbsOnlyFlag {
		fieldFactor = 1
	}

	switch chromaArrayType {
	case 1: // 4:2:0
		return 2, 2 * fieldFactor

	case 2: // 4:2:2
		return 2, fieldFactor

	default: // monochrome, 4:4:4
		return 1, fieldFactor
	}
}

// CodedWidth returns the width of the coded picture, before cropping.
func (s SPS) CodedWidth() int {
	return int((s.PicWidthInMbsMinus1 + 1) * 16)
}

// CodedHeight returns the height of the coded picture, before cropping.
func (s SPS) CodedHeight() int {
	f := uint32(1)
	if !s.FrameMbsOnlyFlag {
		f = 2
	}
	return int(f * (s.PicHeightInMapUnitsMinus1 + 1) * 16)
}

// CropRect returns the crop offsets in pixels, in left, right, top,
// bottom order.
func (s SPS) CropRect() (int, int, int, int) {
	if s.FrameCropping == nil {
		return 0, 0, 0, 0
	}

	cx, cy := s.cropUnits()
	return int(s.FrameCropping.LeftOffset * cx), int(s.FrameCropping.RightOffset * cx),
		int(s.FrameCropping.TopOffset * cy), int(s.FrameCropping.BottomOffset * cy)
}

// Width returns the video width, after cropping.
func (s SPS) Width() int {
	l, r, _, _ := s.CropRect()
	return s.CodedWidth() - l - r
}

// Height returns the video height, after cropping.
func (s SPS) Height() int {
	_, _, t, b := s.CropRect()
	return s.CodedHeight() - t - b
}

// FPS returns the frame rate of the video, or 0 when timing info is
// absent.
func (s SPS) FPS() float64 {
	if s.VUI == nil || s.VUI.TimingInfo == nil {
		return 0
	}

	return float64(s.VUI.TimingInfo.TimeScale) / (2 * float64(s.VUI.TimingInfo.NumUnitsInTick))
}
