package vaapi_hevc

import (
	"context"

	"github.com/google/uuid"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// DriverEncoder is the encode device. Calls are made with the encoder lock
// held and never concurrently.
type DriverEncoder interface {
	CreateAuxilliaryDevice(ctx context.Context, guid uuid.UUID, width, height int) error
	QueryEncodeCaps() (param.Caps, error)
	CreateAccelerationService(par *param.VideoParam) error
	// Reset applies new parameters to an idle device.
	Reset(par *param.VideoParam, resetBRC bool) error
	// PackHeader returns the parameter sets and SEI selected by
	// t.InsertHeaders.
	PackHeader(par *param.VideoParam, t *task.Task) ([]byte, error)
	// Execute starts coding t with t.QP against the references in
	// t.DPB[task.DPBActive].
	Execute(ctx context.Context, t *task.Task) error
	// QueryStatus returns ErrTaskBusy while t is being coded. Once done it
	// fills t.Coded and t.BsDataLength. Any other error means the device is
	// lost.
	QueryStatus(ctx context.Context, t *task.Task) error
	Destroy() error
}

// ExtraStager is implemented by drivers that exchange additional buffers
// around every frame.
type ExtraStager interface {
	PreSubmitExtraStage(t *task.Task) error
	PostQueryExtraStage(t *task.Task) error
}

// Extension hooks into parameter checking and task preparation. FEI
// encoding uses it to attach its per-frame controls.
type Extension interface {
	ExtraParametersCheck(ctrl *task.Ctrl, surface *task.Surface) error
	ExtraCheckVideoParam(par *param.VideoParam) error
	ExtraTaskPreparation(t *task.Task) error
}

// DriverFactory opens a device for one encoder.
type DriverFactory func() (DriverEncoder, error)

var (
	guidMain     = uuid.MustParse("28566328-f041-4466-8b14-8f5831e78f8b")
	guidMain10   = uuid.MustParse("6b4a94db-54fe-4ae1-9be4-7a7dad004600")
	guidLowPower = uuid.MustParse("b8b28e0c-ecab-4217-8c82-eaaa9755aaf0")
)

// deviceGUID names the encode function the device is created for.
func deviceGUID(par *param.VideoParam) uuid.UUID {
	switch {
	case par.LowPower:
		return guidLowPower
	case par.Profile == param.ProfileMain10:
		return guidMain10
	}
	return guidMain
}
