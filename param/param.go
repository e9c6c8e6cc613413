// Package param holds the encoding parameter model shared by the task pool,
// the DPB engine and the rate controllers. A VideoParam is derived and
// validated once at Init/Reset and is read-only afterwards.
package param

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxDPBSize is the HEVC limit on reference pictures kept in the DPB.
const MaxDPBSize = 15

const (
	MaxTemporalLayers = 8
	MaxGopRefDist     = 16
	MaxPicDimension   = 8192
	MaxQP             = 51
	InfiniteGop       = 0xffff

	DefaultAsyncDepth   = 4
	DefaultMaxNumRecode = 2
	DefaultLookAhead    = 40
)

var ErrInvalidVideoParam = errors.New("param: invalid video parameters")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidVideoParam, fmt.Sprintf(format, args...))
}

// RateControlMethod selects the bitrate control algorithm.
type RateControlMethod uint16

// Values match the MFX numbering so that configs can be shared with other tools.
const (
	RateControlCBR   RateControlMethod = 1
	RateControlVBR   RateControlMethod = 2
	RateControlCQP   RateControlMethod = 3
	RateControlAVBR  RateControlMethod = 4
	RateControlLA    RateControlMethod = 8
	RateControlICQ   RateControlMethod = 9
	RateControlVCM   RateControlMethod = 10
	RateControlLAHRD RateControlMethod = 13
	RateControlQVBR  RateControlMethod = 14
)

var rateControlNames = map[RateControlMethod]string{
	RateControlCBR:   "cbr",
	RateControlVBR:   "vbr",
	RateControlCQP:   "cqp",
	RateControlAVBR:  "avbr",
	RateControlLA:    "la",
	RateControlICQ:   "icq",
	RateControlVCM:   "vcm",
	RateControlLAHRD: "la_hrd",
	RateControlQVBR:  "qvbr",
}

func (m RateControlMethod) String() string {
	if s, ok := rateControlNames[m]; ok {
		return s
	}
	return fmt.Sprintf("rc(%d)", uint16(m))
}

// MarshalText lets the method round-trip through YAML configs by name.
func (m RateControlMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *RateControlMethod) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range rateControlNames {
		if v == name {
			*m = k
			return nil
		}
	}
	return invalid("unknown rate control method %q", name)
}

// PicStruct describes how source pictures are scanned.
type PicStruct uint16

const (
	PicStructProgressive PicStruct = 0x01
	PicStructFieldTFF    PicStruct = 0x02
	PicStructFieldBFF    PicStruct = 0x04
)

// GopOptFlag bits.
const (
	GopClosed uint16 = 0x01
	GopStrict uint16 = 0x02
)

// BRefType controls whether B frames are used as references.
type BRefType uint16

const (
	BRefUnknown BRefType = 0
	BRefOff     BRefType = 1
	BRefPyramid BRefType = 2
)

// Profile is the HEVC general_profile_idc.
type Profile uint16

const (
	ProfileMain   Profile = 1
	ProfileMain10 Profile = 2
	ProfileMainSP Profile = 3
	ProfileREXT   Profile = 4
)

// VideoParam is the complete stream-level configuration of one encode session.
type VideoParam struct {
	Width      int       `yaml:"width"`
	Height     int       `yaml:"height"`
	FrameRateN int       `yaml:"frame_rate_n"`
	FrameRateD int       `yaml:"frame_rate_d"`
	PicStruct  PicStruct `yaml:"pic_struct"`

	Profile  Profile `yaml:"profile"`
	Level    int     `yaml:"level"`
	HighTier bool    `yaml:"high_tier"`

	GopPicSize  int    `yaml:"gop_pic_size"`
	GopRefDist  int    `yaml:"gop_ref_dist"`
	GopOptFlag  uint16 `yaml:"gop_opt_flag"`
	IdrInterval int    `yaml:"idr_interval"`

	NumRefFrame     int      `yaml:"num_ref_frame"`
	NumRefActiveP   int      `yaml:"num_ref_active_p"`
	NumRefActiveBL0 int      `yaml:"num_ref_active_bl0"`
	NumRefActiveBL1 int      `yaml:"num_ref_active_bl1"`
	BRefType        BRefType `yaml:"b_ref_type"`
	GPB             bool     `yaml:"gpb"`
	LTRInterval     int      `yaml:"ltr_interval"`
	TemporalScale   []int    `yaml:"temporal_scale"`

	RateControlMethod   RateControlMethod `yaml:"rate_control"`
	TargetKbps          int               `yaml:"target_kbps"`
	MaxKbps             int               `yaml:"max_kbps"`
	InitialDelayInKB    int               `yaml:"initial_delay_kb"`
	BufferSizeInKB      int               `yaml:"buffer_size_kb"`
	QPI                 int               `yaml:"qpi"`
	QPP                 int               `yaml:"qpp"`
	QPB                 int               `yaml:"qpb"`
	MinQP               int               `yaml:"min_qp"`
	MaxQP               int               `yaml:"max_qp"`
	LookAheadDepth      int               `yaml:"look_ahead_depth"`
	MaxFrameSizeInBytes int               `yaml:"max_frame_size"`
	MaxNumRecode        int               `yaml:"max_num_recode"`
	ExtBRC              bool              `yaml:"ext_brc"`

	CTUQP          bool `yaml:"ctu_qp"`
	NumSlice       int  `yaml:"num_slice"`
	NumTileColumns int  `yaml:"num_tile_columns"`
	NumTileRows    int  `yaml:"num_tile_rows"`
	LowPower       bool `yaml:"low_power"`
	FEI            bool `yaml:"fei"`
	AsyncDepth     int  `yaml:"async_depth"`
}

// Default returns a low-latency progressive IPPP configuration.
func Default(width, height int) VideoParam {
	par := VideoParam{
		Width:             width,
		Height:            height,
		FrameRateN:        30,
		FrameRateD:        1,
		PicStruct:         PicStructProgressive,
		Profile:           ProfileMain,
		GopPicSize:        60,
		GopRefDist:        1,
		IdrInterval:       1,
		RateControlMethod: RateControlCBR,
		AsyncDepth:        DefaultAsyncDepth,
	}
	par.Derive()
	return par
}

// Derive fills every zero-valued field with its default and computes the
// values that depend on other fields. It never fails; Validate reports
// combinations that cannot be encoded.
func (p *VideoParam) Derive() {
	if p.FrameRateN <= 0 || p.FrameRateD <= 0 {
		p.FrameRateN, p.FrameRateD = 30, 1
	}
	if p.PicStruct == 0 {
		p.PicStruct = PicStructProgressive
	}
	if p.Profile == 0 {
		p.Profile = ProfileMain
	}
	if p.GopPicSize <= 0 {
		p.GopPicSize = InfiniteGop
	}
	if p.GopRefDist <= 0 {
		p.GopRefDist = 1
	}
	if p.GopPicSize != InfiniteGop && p.GopRefDist > p.GopPicSize {
		p.GopRefDist = p.GopPicSize
	}
	if p.BRefType == BRefUnknown {
		if p.GopRefDist > 2 {
			p.BRefType = BRefPyramid
		} else {
			p.BRefType = BRefOff
		}
	}
	if p.NumRefFrame <= 0 {
		p.NumRefFrame = 2
		if p.GopRefDist > 1 {
			p.NumRefFrame = 4
		}
		if p.IsBPyramid() {
			if need := 2 + PyramidLevels(p.GopRefDist-1); need > p.NumRefFrame {
				p.NumRefFrame = need
			}
		}
		if p.NumRefFrame > MaxDPBSize {
			p.NumRefFrame = MaxDPBSize
		}
	}
	if p.NumRefActiveP <= 0 {
		p.NumRefActiveP = minInt(p.NumRefFrame, 3)
	}
	if p.NumRefActiveBL0 <= 0 {
		p.NumRefActiveBL0 = minInt(p.NumRefFrame, 2)
	}
	if p.NumRefActiveBL1 <= 0 {
		p.NumRefActiveBL1 = 1
	}
	if p.RateControlMethod == 0 {
		p.RateControlMethod = RateControlCBR
	}
	if p.usesBitrate() {
		if p.TargetKbps <= 0 {
			p.TargetKbps = estimateBitrate(p.Width, p.Height, int(p.FrameRate()+0.5)) / 1000
		}
		if p.MaxKbps < p.TargetKbps {
			switch p.RateControlMethod {
			case RateControlCBR:
				p.MaxKbps = p.TargetKbps
			default:
				p.MaxKbps = p.TargetKbps * 3 / 2
			}
		}
		if p.BufferSizeInKB <= 0 {
			p.BufferSizeInKB = p.MaxKbps / 8 * 2
		}
		if p.InitialDelayInKB <= 0 || p.InitialDelayInKB > p.BufferSizeInKB {
			p.InitialDelayInKB = p.BufferSizeInKB / 2
		}
	}
	if p.RateControlMethod == RateControlCQP {
		if p.QPI <= 0 {
			p.QPI = 26
		}
		if p.QPP <= 0 {
			p.QPP = p.QPI + 2
		}
		if p.QPB <= 0 {
			p.QPB = p.QPP + 2
		}
	}
	if p.MaxQP <= 0 || p.MaxQP > MaxQP {
		p.MaxQP = MaxQP
	}
	if p.MinQP <= 0 {
		p.MinQP = 1
	}
	if p.isLookAhead() && p.LookAheadDepth <= 0 {
		p.LookAheadDepth = DefaultLookAhead
	}
	if p.MaxNumRecode <= 0 {
		p.MaxNumRecode = DefaultMaxNumRecode
	}
	if p.NumSlice <= 0 {
		p.NumSlice = 1
	}
	if p.NumTileColumns <= 0 {
		p.NumTileColumns = 1
	}
	if p.NumTileRows <= 0 {
		p.NumTileRows = 1
	}
	if p.AsyncDepth <= 0 {
		p.AsyncDepth = DefaultAsyncDepth
	}
	if p.Level == 0 {
		p.Level = MinLevel(p.Width, p.Height, p.FrameRate())
	}
}

// Validate reports the first parameter combination that cannot be encoded.
func (p *VideoParam) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return invalid("picture size %dx%d", p.Width, p.Height)
	}
	if p.Width%2 != 0 || p.Height%2 != 0 {
		return invalid("picture size %dx%d must be even", p.Width, p.Height)
	}
	if p.Width > MaxPicDimension || p.Height > MaxPicDimension {
		return invalid("picture size %dx%d exceeds %d", p.Width, p.Height, MaxPicDimension)
	}
	switch p.PicStruct {
	case PicStructProgressive, PicStructFieldTFF, PicStructFieldBFF:
	default:
		return invalid("pic struct 0x%x", uint16(p.PicStruct))
	}
	if p.GopRefDist > MaxGopRefDist {
		return invalid("gop ref dist %d exceeds %d", p.GopRefDist, MaxGopRefDist)
	}
	if p.IdrInterval < 0 {
		return invalid("idr interval %d", p.IdrInterval)
	}
	if p.NumRefFrame > MaxDPBSize {
		return invalid("num ref frame %d exceeds %d", p.NumRefFrame, MaxDPBSize)
	}
	if p.GopRefDist > 1 && p.NumRefFrame < 2 {
		return invalid("B frames need at least 2 reference frames, have %d", p.NumRefFrame)
	}
	for _, n := range []int{p.NumRefActiveP, p.NumRefActiveBL0, p.NumRefActiveBL1} {
		if n > MaxDPBSize {
			return invalid("active reference count %d exceeds %d", n, MaxDPBSize)
		}
	}
	if p.LTRInterval < 0 {
		return invalid("ltr interval %d", p.LTRInterval)
	}
	if p.LTRInterval > 0 && p.GopRefDist > 1 {
		return invalid("long-term references are supported only without B frames")
	}
	if err := p.validateTemporalLayers(); err != nil {
		return err
	}
	if err := p.validateRateControl(); err != nil {
		return err
	}
	if p.NumSlice > (p.Height+15)/16 {
		return invalid("num slice %d exceeds CTU rows", p.NumSlice)
	}
	if p.AsyncDepth > 32 {
		return invalid("async depth %d", p.AsyncDepth)
	}
	return nil
}

func (p *VideoParam) validateTemporalLayers() error {
	n := len(p.TemporalScale)
	if n == 0 {
		return nil
	}
	if n > MaxTemporalLayers {
		return invalid("%d temporal layers, at most %d", n, MaxTemporalLayers)
	}
	if p.TemporalScale[0] != 1 {
		return invalid("temporal scale must start with 1")
	}
	for i := 1; i < n; i++ {
		prev, cur := p.TemporalScale[i-1], p.TemporalScale[i]
		if cur <= prev || cur%prev != 0 {
			return invalid("temporal scale %v is not a divisor chain", p.TemporalScale)
		}
	}
	if n > 1 && p.GopRefDist > 1 {
		return invalid("temporal layers require gop ref dist 1")
	}
	if n > 1 && p.IsField() {
		return invalid("temporal layers are not supported for field coding")
	}
	return nil
}

func (p *VideoParam) validateRateControl() error {
	switch p.RateControlMethod {
	case RateControlCQP:
		for _, qp := range []int{p.QPI, p.QPP, p.QPB} {
			if qp < 0 || qp > MaxQP {
				return invalid("qp %d outside [0, %d]", qp, MaxQP)
			}
		}
	case RateControlCBR, RateControlVBR, RateControlAVBR, RateControlLA, RateControlLAHRD, RateControlQVBR, RateControlVCM:
		if p.TargetKbps <= 0 {
			return invalid("target bitrate required for %s", p.RateControlMethod)
		}
		if p.RateControlMethod == RateControlVBR && p.MaxKbps < p.TargetKbps {
			return invalid("max bitrate %d below target %d", p.MaxKbps, p.TargetKbps)
		}
	case RateControlICQ:
	default:
		return invalid("rate control method %s", p.RateControlMethod)
	}
	if p.MinQP > p.MaxQP {
		return invalid("min qp %d above max qp %d", p.MinQP, p.MaxQP)
	}
	if p.isLookAhead() {
		if p.LookAheadDepth < 10 || p.LookAheadDepth > 100 {
			return invalid("look-ahead depth %d outside [10, 100]", p.LookAheadDepth)
		}
		if p.LookAheadDepth < p.GopRefDist {
			return invalid("look-ahead depth %d below gop ref dist %d", p.LookAheadDepth, p.GopRefDist)
		}
	}
	return nil
}

func (p *VideoParam) usesBitrate() bool {
	switch p.RateControlMethod {
	case RateControlCQP, RateControlICQ:
		return false
	}
	return true
}

func (p *VideoParam) isLookAhead() bool {
	return p.RateControlMethod == RateControlLA || p.RateControlMethod == RateControlLAHRD
}

// IsLookAhead reports whether the look-ahead software BRC drives QP.
func (p *VideoParam) IsLookAhead() bool { return p.isLookAhead() }

// IsField reports whether every input surface is a single field.
func (p *VideoParam) IsField() bool {
	return p.PicStruct == PicStructFieldTFF || p.PicStruct == PicStructFieldBFF
}

// NumTL returns the number of temporal layers (at least one).
func (p *VideoParam) NumTL() int {
	if len(p.TemporalScale) == 0 {
		return 1
	}
	return len(p.TemporalScale)
}

func (p *VideoParam) IsBPyramid() bool {
	return p.BRefType == BRefPyramid && p.GopRefDist > 1
}

// IsSWBRC reports whether QP is chosen on the host rather than by the driver.
func (p *VideoParam) IsSWBRC() bool {
	return p.ExtBRC || p.isLookAhead()
}

// HRDConformance reports whether the stream must respect the HRD buffer model.
func (p *VideoParam) HRDConformance() bool {
	switch p.RateControlMethod {
	case RateControlCBR, RateControlVBR, RateControlLAHRD:
		return true
	}
	return false
}

// TaskPoolSize is the number of in-flight frames needed for reordering and
// pipelining.
func (p *VideoParam) TaskPoolSize() int {
	n := p.AsyncDepth + p.GopRefDist
	if p.IsField() {
		n += p.GopRefDist
	}
	return n
}

func (p *VideoParam) FrameRate() float64 {
	if p.FrameRateD == 0 {
		return 0
	}
	return float64(p.FrameRateN) / float64(p.FrameRateD)
}

// IdrPicDist returns the distance between IDR pictures in frames, 0 when only
// the first picture is IDR.
func (p *VideoParam) IdrPicDist() int {
	if p.GopPicSize == InfiniteGop {
		return 0
	}
	return p.GopPicSize * p.IdrInterval
}

// PyramidLevels returns the depth of a B pyramid over n consecutive B frames.
func PyramidLevels(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n + 1))))
}

// Caps is the capability set the driver reports for the selected profile.
type Caps struct {
	MaxPicWidth          int
	MaxPicHeight         int
	MaxNumRefL0          int
	MaxNumRefL1          int
	RateControlModes     uint32
	CTUQPSupport         bool
	BRCResetSupport      bool
	MaxFrameSizeSupport  bool
	MaxNumTemporalLayers int
	LowPowerSupport      bool
	MaxNumSlices         int
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func estimateBitrate(width, height, fps int) int {
	if width <= 0 || height <= 0 || fps <= 0 {
		return 2_000_000
	}
	// Rough heuristic: 0.3 bits per pixel.
	bitrate := width * height * fps * 3 / 10
	min := 500_000
	max := 20_000_000
	if bitrate < min {
		return min
	}
	if bitrate > max {
		return max
	}
	return bitrate
}
