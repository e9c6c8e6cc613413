package brc

import (
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// ExtStatus is the verdict of an external rate controller.
type ExtStatus int

const (
	ExtOK ExtStatus = iota
	ExtBigFrame
	ExtSmallFrame
	ExtPanicBigFrame
	ExtPanicSmallFrame
)

func (s ExtStatus) String() string {
	switch s {
	case ExtOK:
		return "ok"
	case ExtBigFrame:
		return "big-frame"
	case ExtSmallFrame:
		return "small-frame"
	case ExtPanicBigFrame:
		return "panic-big-frame"
	case ExtPanicSmallFrame:
		return "panic-small-frame"
	}
	return "unknown"
}

// FrameParam describes the frame a decision is asked for.
type FrameParam struct {
	EncodeOrder    uint32
	DisplayOrder   uint32
	CodedFrameSize int // bytes, set for Update only
	FrameType      task.FrameType
	PyramidLayer   int
	NumRecode      int
	LongTerm       bool
	SceneChange    bool
}

type FrameCtrl struct {
	QpY                     int
	InitialCpbRemovalDelay  uint32
	InitialCpbRemovalOffset uint32
}

type FrameStatus struct {
	MinFrameSize int // bytes
	BRCStatus    ExtStatus
}

// ExtBRC is a rate controller supplied by the application. GetFrameCtrl
// must not change its state; Update commits the frame unless it returns a
// big or small status, in which case the frame is coded again.
type ExtBRC interface {
	Init(par *param.VideoParam) error
	Reset(par *param.VideoParam) error
	Close() error
	GetFrameCtrl(fp *FrameParam, ctrl *FrameCtrl) error
	Update(fp *FrameParam, ctrl *FrameCtrl, st *FrameStatus) error
}

// ExtAdapter drives an ExtBRC through Iface. Without an external
// controller it drives the built-in SWBrc.
type ExtAdapter struct {
	ext      ExtBRC
	internal bool
	recode   bool
	minSize  int
	maxSize  int
	lastQP   int
}

func NewExtAdapter(ext ExtBRC) *ExtAdapter {
	a := &ExtAdapter{ext: ext}
	if ext == nil {
		a.ext = &SWBrc{}
		a.internal = true
	}
	return a
}

func (a *ExtAdapter) Init(par *param.VideoParam, enableRecode bool) error {
	a.recode = enableRecode
	a.minSize = 0
	a.maxSize = par.MaxFrameSizeInBytes
	a.lastQP = 26
	if err := a.ext.Init(par); err != nil {
		return err
	}
	logger.Infof("brc callbacks init internal=%v recode=%v", a.internal, enableRecode)
	return nil
}

func (a *ExtAdapter) Reset(par *param.VideoParam) error {
	a.maxSize = par.MaxFrameSizeInBytes
	return a.ext.Reset(par)
}

func (a *ExtAdapter) Close() error { return a.ext.Close() }

func frameParam(t *task.Task, recode int) FrameParam {
	return FrameParam{
		EncodeOrder:  t.EncodeOrder,
		DisplayOrder: t.FrameOrder,
		FrameType:    t.FrameType,
		PyramidLayer: t.Level,
		NumRecode:    recode,
		LongTerm:     t.LTR,
	}
}

func (a *ExtAdapter) GetQP(par *param.VideoParam, t *task.Task) int {
	fp := frameParam(t, t.Recode)
	var ctrl FrameCtrl
	if err := a.ext.GetFrameCtrl(&fp, &ctrl); err != nil {
		logger.Warnf("brc callbacks: frame control for eo=%d: %v", t.EncodeOrder, err)
		return a.lastQP
	}
	a.lastQP = clampInt(ctrl.QpY, 0, param.MaxQP)
	return a.lastQP
}

func (a *ExtAdapter) PreEnc(par *param.VideoParam, t *task.Task) {}

func (a *ExtAdapter) PostPackFrame(par *param.VideoParam, t *task.Task, bitsEncoded, overheadBits, recode int) Status {
	fp := frameParam(t, recode)
	if !a.recode {
		fp.NumRecode = par.MaxNumRecode
	}
	fp.CodedFrameSize = bitsEncoded / 8
	ctrl := FrameCtrl{QpY: t.QP}
	var st FrameStatus
	if err := a.ext.Update(&fp, &ctrl, &st); err != nil {
		logger.Errorf("brc callbacks: update eo=%d: %v", t.EncodeOrder, err)
		return StatusOK
	}
	a.minSize = st.MinFrameSize

	var s Status
	switch st.BRCStatus {
	case ExtBigFrame:
		s = StatusErrBigFrame
	case ExtSmallFrame:
		s = StatusErrSmallFrame
	case ExtPanicBigFrame:
		s = StatusErrBigFrame | StatusNotEnoughBuffer
	case ExtPanicSmallFrame:
		s = StatusErrSmallFrame | StatusNotEnoughBuffer
	}
	if s.NeedRecode() && (!a.recode || recode >= par.MaxNumRecode) {
		if s&StatusErrBigFrame != 0 {
			s = StatusBigFrame
		} else {
			s = StatusSmallFrame
		}
	}
	if s != StatusOK {
		logger.Debugf("brc callbacks eo=%d qp=%d size=%d status=%s", t.EncodeOrder, t.QP, fp.CodedFrameSize, s)
	}
	return s
}

func (a *ExtAdapter) SetFrameVMEData(VMEData) error { return ErrUnsupported }

func (a *ExtAdapter) GetMinMaxFrameSize() (int, int) {
	return a.minSize * 8, a.maxSize * 8
}
