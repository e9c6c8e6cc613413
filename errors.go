package vaapi_hevc

import "errors"

var (
	ErrNotInitialized     = errors.New("vaapi_hevc: encoder not initialized")
	ErrAlreadyInitialized = errors.New("vaapi_hevc: encoder already initialized")
	ErrMoreData           = errors.New("vaapi_hevc: more input needed")
	ErrDeviceBusy         = errors.New("vaapi_hevc: no free task")
	ErrTaskBusy           = errors.New("vaapi_hevc: task still encoding")
	ErrDeviceFailed       = errors.New("vaapi_hevc: device failed")
	ErrInvalidHandle      = errors.New("vaapi_hevc: invalid task handle")
	ErrUnsupported        = errors.New("vaapi_hevc: unsupported by the device")

	// WarnBRCPanic is returned with valid output when a frame violates the
	// rate control bounds and its QP could not be moved any further.
	WarnBRCPanic = errors.New("vaapi_hevc: frame size outside rate control bounds")
)

// IsWarning reports whether err accompanies a usable result.
func IsWarning(err error) bool {
	return errors.Is(err, WarnBRCPanic)
}
