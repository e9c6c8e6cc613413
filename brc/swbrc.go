package brc

import (
	"math"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

const (
	rateSmoothing = 0.125
	maxQPStep     = 1.0
)

// SWBrc is the built-in host rate controller behind ExtAdapter. It keeps a
// fractional base QP and moves it with a smoothed ratio of coded to target
// bits. The HRD model and the maximum frame size bound every frame.
type SWBrc struct {
	par      param.VideoParam
	hrd      *hrdModel
	target   float64
	avgBits  float64
	baseQP   float64
	minQP    int
	maxQP    int
	maxBytes int
	recodeQP map[uint32]int
}

func (b *SWBrc) Init(par *param.VideoParam) error {
	b.par = *par
	b.recodeQP = make(map[uint32]int)
	b.configure(par)
	b.baseQP = initialQP(par, b.target)
	b.avgBits = b.target
	return nil
}

// Reset applies new rate settings without restarting the QP estimate.
func (b *SWBrc) Reset(par *param.VideoParam) error {
	if b.recodeQP == nil {
		return b.Init(par)
	}
	b.par = *par
	b.configure(par)
	b.avgBits = b.target
	b.baseQP = clampFloat(b.baseQP, float64(b.minQP), float64(b.maxQP))
	return nil
}

func (b *SWBrc) configure(par *param.VideoParam) {
	b.target = 0
	if fr := par.FrameRate(); fr > 0 {
		b.target = float64(par.TargetKbps) * 1000 / fr
	}
	if par.IsField() {
		b.target /= 2
	}
	b.minQP = clampInt(par.MinQP, 1, param.MaxQP)
	b.maxQP = clampInt(par.MaxQP, b.minQP, param.MaxQP)
	b.maxBytes = par.MaxFrameSizeInBytes
	b.hrd = nil
	if par.HRDConformance() {
		b.hrd = newHRDModel(par)
	}
}

func (b *SWBrc) Close() error {
	b.recodeQP = nil
	return nil
}

// initialQP maps the bits available per pixel to a QP, one QP step per
// sixth of an octave.
func initialQP(par *param.VideoParam, target float64) float64 {
	pixels := float64(par.Width * par.Height)
	if target <= 0 || pixels <= 0 {
		return 26
	}
	bpp := target / pixels
	return clampFloat(4+6*math.Log2(1/bpp), float64(clampInt(par.MinQP, 1, param.MaxQP)), float64(par.MaxQP))
}

func typeWeight(ft task.FrameType) float64 {
	switch {
	case ft.IsI():
		return 3
	case ft.IsB():
		return 0.6
	}
	return 1
}

func (b *SWBrc) frameQP(fp *FrameParam) int {
	if qp, ok := b.recodeQP[fp.EncodeOrder]; ok {
		return qp
	}
	qp := int(math.Floor(b.baseQP + 0.5))
	switch {
	case fp.FrameType.IsI():
		qp -= 3
	case fp.FrameType.IsB():
		qp += 1 + fp.PyramidLayer
	}
	return clampInt(qp, b.minQP, b.maxQP)
}

func (b *SWBrc) GetFrameCtrl(fp *FrameParam, ctrl *FrameCtrl) error {
	if b.recodeQP == nil {
		return ErrNotInitialized
	}
	ctrl.QpY = b.frameQP(fp)
	if b.hrd != nil && fp.FrameType.IsIDR() {
		ctrl.InitialCpbRemovalDelay = b.hrd.cpbRemovalDelay(float64(b.par.MaxKbps) * 1000)
		ctrl.InitialCpbRemovalOffset = 0
	}
	return nil
}

func (b *SWBrc) bounds() (min, max float64) {
	if b.maxBytes > 0 {
		max = float64(b.maxBytes) * 8
	}
	if b.hrd != nil {
		if m := b.hrd.maxFrameBits(); max == 0 || m < max {
			max = m
		}
		min = b.hrd.minFrameBits()
	}
	return min, max
}

// Update judges the coded size. A frame outside the bounds gets a new QP
// and is reported big or small without touching the model, unless the QP
// is already at its limit (panic) or the frame was recoded too often.
func (b *SWBrc) Update(fp *FrameParam, ctrl *FrameCtrl, st *FrameStatus) error {
	if b.recodeQP == nil {
		return ErrNotInitialized
	}
	bits := float64(fp.CodedFrameSize) * 8
	min, max := b.bounds()
	st.MinFrameSize = int(math.Ceil(min / 8))
	st.BRCStatus = ExtOK
	qp := ctrl.QpY
	canRecode := fp.NumRecode < b.par.MaxNumRecode

	switch {
	case max > 0 && bits > max:
		if qp >= b.maxQP {
			st.BRCStatus = ExtPanicBigFrame
			break
		}
		st.BRCStatus = ExtBigFrame
		if canRecode {
			step := int(math.Ceil(6 * math.Log2(bits/max)))
			b.recodeQP[fp.EncodeOrder] = clampInt(qp+clampInt(step, 1, 6), b.minQP, b.maxQP)
			return nil
		}
	case min > 0 && bits < min:
		if qp <= b.minQP {
			st.BRCStatus = ExtPanicSmallFrame
			break
		}
		st.BRCStatus = ExtSmallFrame
		if canRecode {
			step := 1
			if bits > 0 {
				step = int(math.Ceil(6 * math.Log2(min/bits)))
			}
			b.recodeQP[fp.EncodeOrder] = clampInt(qp-clampInt(step, 1, 6), b.minQP, b.maxQP)
			return nil
		}
	}
	b.commit(fp, bits)
	return nil
}

func (b *SWBrc) commit(fp *FrameParam, bits float64) {
	delete(b.recodeQP, fp.EncodeOrder)
	if b.hrd != nil {
		b.hrd.commit(bits)
	}
	if b.target <= 0 {
		return
	}
	b.avgBits += (bits/typeWeight(fp.FrameType) - b.avgBits) * rateSmoothing
	if b.avgBits <= 0 {
		return
	}
	step := clampFloat(6*math.Log2(b.avgBits/b.target)*rateSmoothing, -maxQPStep, maxQPStep)
	b.baseQP = clampFloat(b.baseQP+step, float64(b.minQP), float64(b.maxQP))
}
