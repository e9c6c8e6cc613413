package vaapi_hevc

import (
	"fmt"

	"github.com/richinsley/vaapi_hevc/param"
)

func unsupported(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// checkCaps rejects parameters the device cannot encode and lowers the
// active reference counts to what it supports.
func checkCaps(par *param.VideoParam, caps *param.Caps) error {
	if caps.MaxPicWidth > 0 && par.Width > caps.MaxPicWidth ||
		caps.MaxPicHeight > 0 && par.Height > caps.MaxPicHeight {
		return unsupported("picture size %dx%d above %dx%d", par.Width, par.Height, caps.MaxPicWidth, caps.MaxPicHeight)
	}
	rc := vaRateControl(par)
	if rc == 0 || caps.RateControlModes&uint32(rc) == 0 {
		return unsupported("rate control %s (va mode 0x%x, device 0x%x)", par.RateControlMethod, uint32(rc), caps.RateControlModes)
	}
	if par.CTUQP && !caps.CTUQPSupport {
		return unsupported("per-CTU QP")
	}
	if par.LowPower && !caps.LowPowerSupport {
		return unsupported("low power encoding")
	}
	if caps.MaxNumTemporalLayers > 0 && par.NumTL() > caps.MaxNumTemporalLayers {
		return unsupported("%d temporal layers, device has %d", par.NumTL(), caps.MaxNumTemporalLayers)
	}
	if caps.MaxNumSlices > 0 && par.NumSlice > caps.MaxNumSlices {
		return unsupported("%d slices, device has %d", par.NumSlice, caps.MaxNumSlices)
	}
	if par.MaxFrameSizeInBytes > 0 && !par.IsSWBRC() && !caps.MaxFrameSizeSupport {
		return unsupported("max frame size without host rate control")
	}

	if caps.MaxNumRefL0 > 0 {
		clampRef(&par.NumRefActiveP, caps.MaxNumRefL0, "P L0")
		clampRef(&par.NumRefActiveBL0, caps.MaxNumRefL0, "B L0")
	}
	if caps.MaxNumRefL1 > 0 {
		clampRef(&par.NumRefActiveBL1, caps.MaxNumRefL1, "B L1")
	}
	return nil
}

func clampRef(v *int, max int, name string) {
	if *v > max {
		logger.Warnf("%s active references lowered from %d to %d", name, *v, max)
		*v = max
	}
}
