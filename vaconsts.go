package vaapi_hevc

import "github.com/richinsley/vaapi_hevc/param"

// RateControlMode represents rate control mode.
// Note that supported mode depends on the codec and acceleration hardware.
type RateControlMode uint32

// List of the RateControlMode.
const (
	RateControlCBR  RateControlMode = 0x00000002
	RateControlVBR  RateControlMode = 0x00000004
	RateControlVCM  RateControlMode = 0x00000008
	RateControlCQP  RateControlMode = 0x00000010
	RateControlICQ  RateControlMode = 0x00000040
	RateControlQVBR RateControlMode = 0x00000400
	RateControlAVBR RateControlMode = 0x00000800
)

type HEVCProfile int

const (
	VAProfileHEVCMain   HEVCProfile = 17
	VAProfileHEVCMain10 HEVCProfile = 18
)

type VAAPI_FOURCC uint32

// Surface formats accepted by the encoder.
const (
	// NV12: two-plane 8-bit YUV 4:2:0, U and V interleaved.
	VA_FOURCC_NV12 VAAPI_FOURCC = 0x3231564E
	// P010: two-plane 10-bit YUV 4:2:0 in 16-bit samples.
	VA_FOURCC_P010 VAAPI_FOURCC = 0x30313050
	// I420: three-plane 8-bit YUV 4:2:0.
	VA_FOURCC_I420 VAAPI_FOURCC = 0x30323449
)

// vaProfile maps the HEVC profile to the VA profile the device opens.
func vaProfile(p param.Profile) HEVCProfile {
	if p == param.ProfileMain10 {
		return VAProfileHEVCMain10
	}
	return VAProfileHEVCMain
}

// acceptsFourCC reports whether surfaces in format fourcc can feed profile p.
func acceptsFourCC(p param.Profile, fourcc uint32) bool {
	switch VAAPI_FOURCC(fourcc) {
	case VA_FOURCC_P010:
		return p == param.ProfileMain10
	case VA_FOURCC_NV12, VA_FOURCC_I420:
		return p != param.ProfileMain10
	}
	return false
}

// vaRateControl returns the mode the device runs for par. Host side rate
// control drives the device with a constant QP per frame.
func vaRateControl(par *param.VideoParam) RateControlMode {
	if par.IsSWBRC() {
		return RateControlCQP
	}
	switch par.RateControlMethod {
	case param.RateControlCBR:
		return RateControlCBR
	case param.RateControlVBR:
		return RateControlVBR
	case param.RateControlCQP:
		return RateControlCQP
	case param.RateControlAVBR:
		return RateControlAVBR
	case param.RateControlICQ:
		return RateControlICQ
	case param.RateControlVCM:
		return RateControlVCM
	case param.RateControlQVBR:
		return RateControlQVBR
	}
	return 0
}
