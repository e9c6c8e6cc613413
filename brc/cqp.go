package brc

import (
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// cqpBrc uses the constant QP of the frame type unless the frame control
// carries its own.
type cqpBrc struct{}

func (cqpBrc) Init(*param.VideoParam, bool) error { return nil }
func (cqpBrc) Reset(*param.VideoParam) error      { return nil }
func (cqpBrc) Close() error                       { return nil }

func (cqpBrc) GetQP(par *param.VideoParam, t *task.Task) int {
	if t.Ctrl.QP > 0 {
		return clampInt(t.Ctrl.QP, 0, param.MaxQP)
	}
	switch {
	case t.FrameType.IsI():
		return par.QPI
	case t.FrameType.IsP():
		return par.QPP
	}
	return par.QPB
}

func (cqpBrc) PreEnc(*param.VideoParam, *task.Task) {}

func (cqpBrc) PostPackFrame(*param.VideoParam, *task.Task, int, int, int) Status {
	return StatusOK
}

func (cqpBrc) SetFrameVMEData(VMEData) error { return ErrUnsupported }

func (cqpBrc) GetMinMaxFrameSize() (int, int) { return 0, 0 }

// driverBrc leaves rate control to the hardware. The QP it returns only
// seeds the slice header.
type driverBrc struct {
	maxFrameBits int
}

func (b *driverBrc) Init(par *param.VideoParam, enableRecode bool) error {
	b.maxFrameBits = par.MaxFrameSizeInBytes * 8
	return nil
}

func (b *driverBrc) Reset(par *param.VideoParam) error { return b.Init(par, false) }
func (b *driverBrc) Close() error                      { return nil }

func (b *driverBrc) GetQP(*param.VideoParam, *task.Task) int { return 26 }

func (b *driverBrc) PreEnc(*param.VideoParam, *task.Task) {}

func (b *driverBrc) PostPackFrame(*param.VideoParam, *task.Task, int, int, int) Status {
	return StatusOK
}

func (b *driverBrc) SetFrameVMEData(VMEData) error { return ErrUnsupported }

func (b *driverBrc) GetMinMaxFrameSize() (int, int) { return 0, b.maxFrameBits }
