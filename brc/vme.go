package brc

import (
	"fmt"
	"math"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

const (
	regressionWindow   = 20
	qpUpdateRange      = 20
	maxQPChange        = 2
	minLookAheadQP     = 8
	minEstRate         = 0.3
	normEstRate        = 100.0
	minRateCoeffChange = 0.5
	maxRateCoeffChange = 2.0
)

// initRateCoeff is the starting correction of the pre-analysis rate
// estimate per QP.
var initRateCoeff = [param.MaxQP + 1]float64{
	1.109, 1.196, 1.225, 1.309, 1.369, 1.428, 1.490, 1.588, 1.627, 1.723, 1.800, 1.851, 1.916,
	2.043, 2.052, 2.140, 2.097, 2.096, 2.134, 2.221, 2.084, 2.153, 2.117, 2.014, 1.984, 2.006,
	1.801, 1.796, 1.682, 1.549, 1.485, 1.439, 1.248, 1.221, 1.133, 1.045, 0.990, 0.987, 0.895,
	0.921, 0.891, 0.887, 0.896, 0.925, 0.917, 0.942, 0.964, 0.997, 1.035, 1.098, 1.170, 1.275,
}

// qstep is the quantizer step size per QP.
var qstep [param.MaxQP + 1]float64

func init() {
	for qp := range qstep {
		qstep[qp] = math.Pow(2, float64(qp-4)/6)
	}
}

// FrameStats are the pre-analysis results for one frame.
type FrameStats struct {
	EncodeOrder  uint32
	DisplayOrder uint32
	FrameType    task.FrameType
	Layer        int
	IntraCost    uint64
	InterCost    uint64
	PropCost     uint64
	// EstimatedRate is the estimated coded size in bits per QP.
	EstimatedRate [param.MaxQP + 1]uint32
}

// VMEData is one batch of look-ahead statistics in encode order.
type VMEData struct {
	Width, Height int
	Frames        []FrameStats
}

type laFrame struct {
	encodeOrder uint32
	layer       int
	intraCost   float64
	interCost   float64
	propCost    float64
	estRate     [param.MaxQP + 1]float64
	used        bool
}

// VMEBrc is the look-ahead rate control. It corrects the pre-analysis rate
// estimates with one regression per QP and picks the QP whose corrected
// estimate over the look-ahead window matches the remaining budget.
type VMEBrc struct {
	laData  []laFrame
	history [param.MaxQP + 1]Regression

	totNumMb       float64
	initTargetRate float64
	targetRateMin  float64
	targetRateMax  float64
	framesBehind   int
	bitsBehind     float64
	lookAheadDep   int
	curQP          int
	curBaseQP      int
	minQP, maxQP   int

	// decisions holds the base QP chosen for frames not yet reported.
	decisions map[uint32]int
	// recodeQP holds the QP of frames the HRD check sent back.
	recodeQP map[uint32]int

	hrd    *hrdModel
	recode bool
}

func (b *VMEBrc) Init(par *param.VideoParam, enableRecode bool) error {
	fr := par.FrameRate()
	b.totNumMb = float64(par.Width*par.Height) / 256
	if fr <= 0 || b.totNumMb <= 0 {
		return fmt.Errorf("%w: frame rate %.2f size %dx%d", param.ErrInvalidVideoParam, fr, par.Width, par.Height)
	}
	b.initTargetRate = 1000 * float64(par.TargetKbps) / fr / b.totNumMb
	b.targetRateMin = b.initTargetRate
	b.targetRateMax = b.initTargetRate
	b.laData = b.laData[:0]
	b.framesBehind = 0
	b.bitsBehind = 0
	b.curQP = -1
	b.curBaseQP = -1
	b.lookAheadDep = par.LookAheadDepth
	b.minQP = par.MinQP
	if b.minQP < minLookAheadQP {
		b.minQP = minLookAheadQP
	}
	b.maxQP = par.MaxQP
	b.decisions = make(map[uint32]int)
	b.recodeQP = make(map[uint32]int)
	b.recode = enableRecode
	b.hrd = nil
	if par.RateControlMethod == param.RateControlLAHRD {
		b.hrd = newHRDModel(par)
	}
	for qp := range b.history {
		b.history[qp].Reset(regressionWindow, normEstRate, normEstRate*initRateCoeff[qp])
	}
	logger.Infof("look-ahead brc init target=%dkbps depth=%d hrd=%v", par.TargetKbps, b.lookAheadDep, b.hrd != nil)
	return nil
}

func (b *VMEBrc) Reset(par *param.VideoParam) error {
	return b.Init(par, b.recode)
}

func (b *VMEBrc) Close() error {
	b.laData = nil
	b.decisions = nil
	b.recodeQP = nil
	return nil
}

// SetFrameVMEData appends new look-ahead statistics. Batches may overlap
// with frames already stored; the overlapping part must match.
func (b *VMEBrc) SetFrameVMEData(data VMEData) error {
	if len(data.Frames) == 0 {
		return nil
	}
	k := float64(data.Width*data.Height) / 128
	if k <= 0 {
		k = b.totNumMb * 2
	}

	for len(b.laData) > 0 && b.laData[0].used {
		b.laData = b.laData[1:]
	}

	start := len(b.laData)
	for i := range b.laData {
		if b.laData[i].encodeOrder == data.Frames[0].EncodeOrder {
			start = i
			break
		}
	}
	ind := 0
	for i := start; i < len(b.laData) && ind < len(data.Frames); i++ {
		if b.laData[i].encodeOrder != data.Frames[ind].EncodeOrder {
			return fmt.Errorf("%w: frame %d where %d was stored", ErrLookAhead, data.Frames[ind].EncodeOrder, b.laData[i].encodeOrder)
		}
		ind++
	}
	if start+ind != len(b.laData) {
		return fmt.Errorf("%w: batch ends inside stored window", ErrLookAhead)
	}

	for ; ind < len(data.Frames); ind++ {
		f := &data.Frames[ind]
		if f.IntraCost == 0 {
			return fmt.Errorf("%w: frame %d has no intra cost", ErrLookAhead, f.EncodeOrder)
		}
		d := laFrame{
			encodeOrder: f.EncodeOrder,
			layer:       f.Layer,
			intraCost:   float64(f.IntraCost),
			interCost:   float64(f.InterCost),
			propCost:    float64(f.PropCost),
		}
		for qp := range d.estRate {
			d.estRate[qp] = float64(f.EstimatedRate[qp]) / (qstep[qp] * k)
		}
		b.laData = append(b.laData, d)
	}
	if b.lookAheadDep == 0 {
		b.lookAheadDep = len(data.Frames)
	}
	return nil
}

func (b *VMEBrc) PreEnc(par *param.VideoParam, t *task.Task) {}

// window returns the look-ahead frames starting at the frame with encode
// order eo, bounded by the look-ahead depth.
func (b *VMEBrc) window(eo uint32) []laFrame {
	for i := range b.laData {
		if b.laData[i].encodeOrder == eo {
			w := b.laData[i:]
			if b.lookAheadDep > 0 && len(w) > b.lookAheadDep {
				w = w[:b.lookAheadDep]
			}
			return w
		}
	}
	return nil
}

// GetQP picks the QP for t from the statistics of the frames ahead of it.
func (b *VMEBrc) GetQP(par *param.VideoParam, t *task.Task) int {
	if qp, ok := b.recodeQP[t.EncodeOrder]; ok && t.Recode > 0 {
		return clampInt(qp, par.MinQP, par.MaxQP)
	}
	w := b.window(t.EncodeOrder)
	if len(w) == 0 {
		if b.curQP > 0 {
			return b.curQP
		}
		return 26
	}
	base, delta := b.selectQP(w)
	b.decisions[t.EncodeOrder] = base
	qp := clampInt(base+delta[0], 1, param.MaxQP)
	return clampInt(qp, par.MinQP, par.MaxQP)
}

func (b *VMEBrc) selectQP(w []laFrame) (int, []int) {
	n := float64(len(w))
	est := make([][param.MaxQP + 1]float64, len(w))
	var total [param.MaxQP + 1]float64
	for i := range w {
		for qp := range total {
			est[i][qp] = math.Max(minEstRate, b.history[qp].Coeff()*w[i].estRate[qp])
			total[qp] += est[i][qp]
		}
	}

	curQP := b.curBaseQP
	if curQP < 0 {
		curQP = selectQPBudget(total[:], b.targetRateMin*n, b.minQP)
	}
	strength := 0.03*float64(curQP) + 0.75

	delta := make([]int, len(w))
	maxDelta := math.MinInt32
	for i := range w {
		d := math.Log2((w[i].intraCost + w[i].propCost*strength) / w[i].intraCost)
		if w[i].interCost >= w[i].intraCost*0.9 {
			delta[i] = -int(d*2*strength + 0.5)
		} else {
			delta[i] = -int(d*strength + 0.5)
		}
		if delta[i] > maxDelta {
			maxDelta = delta[i]
		}
	}
	for i := range delta {
		delta[i] -= maxDelta
	}

	minQP := selectQPFrames(est, delta, b.targetRateMax*n, b.minQP)
	maxQP := selectQPFrames(est, delta, b.targetRateMin*n, b.minQP)
	base := b.curBaseQP
	switch {
	case base < 0:
		base = minQP
	case base < minQP:
		base = clampInt(minQP, base-maxQPChange, base+maxQPChange)
	case b.curQP > maxQP:
		base = clampInt(maxQP, base-maxQPChange, base+maxQPChange)
	}
	return base, delta
}

// selectQPBudget returns the lowest QP whose estimate fits budget, rounding
// to the neighbour whose rate is closer.
func selectQPBudget(rate []float64, budget float64, minQP int) int {
	if minQP < 1 {
		minQP = 1
	}
	for qp := minQP; qp <= param.MaxQP; qp++ {
		if rate[qp] < budget {
			if rate[qp-1]+rate[qp] < 2*budget {
				return qp - 1
			}
			return qp
		}
	}
	return param.MaxQP
}

// selectQPFrames is selectQPBudget over a window with per-frame QP offsets.
func selectQPFrames(est [][param.MaxQP + 1]float64, delta []int, budget float64, minQP int) int {
	prev := 0.0
	for i := range est {
		prev += est[i][clampInt(minQP+delta[i], 0, param.MaxQP)]
	}
	for qp := minQP + 1; qp <= param.MaxQP; qp++ {
		total := 0.0
		for i := range est {
			total += est[i][clampInt(qp+delta[i], 0, param.MaxQP)]
		}
		if total < budget {
			if prev+total < 2*budget {
				return qp - 1
			}
			return qp
		}
		prev = total
	}
	return param.MaxQP
}

// PostPackFrame feeds the coded size back into the regressions of the QP
// used and of its neighbours, and moves the target rate window.
func (b *VMEBrc) PostPackFrame(par *param.VideoParam, t *task.Task, bitsEncoded, overheadBits, recode int) Status {
	if b.hrd != nil {
		if st := b.hrdCheck(par, t, bitsEncoded, recode); st.NeedRecode() {
			return st
		}
	}

	if base, ok := b.decisions[t.EncodeOrder]; ok {
		b.curBaseQP = base
		delete(b.decisions, t.EncodeOrder)
	}
	delete(b.recodeQP, t.EncodeOrder)
	b.curQP = clampInt(t.QP, 0, param.MaxQP)

	realRatePerMb := float64(bitsEncoded) / b.totNumMb
	b.framesBehind++
	b.bitsBehind += realRatePerMb

	beyond := float64(len(b.laData))
	if beyond < 2 {
		beyond = 2
	}
	beyond--
	b.targetRateMax = (b.initTargetRate*float64(b.framesBehind+b.lookAheadDep-1) - b.bitsBehind) / beyond
	b.targetRateMin = (b.initTargetRate*(float64(b.framesBehind)+beyond) - b.bitsBehind) / beyond

	for i := range b.laData {
		f := &b.laData[i]
		if f.encodeOrder != t.EncodeOrder {
			continue
		}
		qp := b.curQP
		oldCoeff := b.history[qp].Coeff()
		x := f.estRate[qp]
		if x > 0 {
			minY := normEstRate * initRateCoeff[qp] * minRateCoeffChange
			maxY := normEstRate * initRateCoeff[qp] * maxRateCoeffChange
			y := clampFloat(math.Max(0, realRatePerMb)/x*normEstRate, minY, maxY)
			b.history[qp].Add(normEstRate, y)
			ratio := b.history[qp].Coeff() / oldCoeff
			for d := -qpUpdateRange; d <= qpUpdateRange; d++ {
				n := qp + d
				if d == 0 || n < 0 || n > param.MaxQP {
					continue
				}
				r := (ratio-1)*(1-math.Abs(float64(d))/float64(qpUpdateRange+1)) + 1
				b.history[n].Add(normEstRate, normEstRate*b.history[n].Coeff()*r)
			}
		}
		f.used = true
		break
	}
	if b.hrd != nil {
		b.hrd.commit(float64(bitsEncoded))
	}
	logger.Debugf("look-ahead brc frame eo=%d qp=%d bits=%d target=[%.1f %.1f]", t.EncodeOrder, t.QP, bitsEncoded, b.targetRateMin, b.targetRateMax)
	return StatusOK
}

// hrdCheck asks for a recode when the frame breaks the HRD buffer and the
// QP can still move. The QP for the next pass is stored for GetQP.
func (b *VMEBrc) hrdCheck(par *param.VideoParam, t *task.Task, bits, recode int) Status {
	under, over := b.hrd.check(float64(bits))
	if !b.recode || recode >= par.MaxNumRecode {
		return StatusOK
	}
	switch {
	case under > 0 && t.QP < b.maxQP:
		step := recodeStep(float64(bits), b.hrd.maxFrameBits())
		b.recodeQP[t.EncodeOrder] = clampInt(t.QP+step, b.minQP, b.maxQP)
		return StatusErrBigFrame
	case over > 0 && t.QP > b.minQP:
		step := recodeStep(b.hrd.minFrameBits(), float64(bits))
		b.recodeQP[t.EncodeOrder] = clampInt(t.QP-step, b.minQP, b.maxQP)
		return StatusErrSmallFrame
	}
	return StatusOK
}

// recodeStep is the QP change that brings a frame of from bits down to
// to bits, one step per sixth of an octave, limited to [1, 6].
func recodeStep(from, to float64) int {
	if from <= 0 || to <= 0 {
		return 6
	}
	return clampInt(int(math.Ceil(6*math.Log2(from/to))), 1, 6)
}

func (b *VMEBrc) GetMinMaxFrameSize() (int, int) {
	if b.hrd == nil {
		return 0, 0
	}
	return int(b.hrd.minFrameBits()), int(b.hrd.maxFrameBits())
}
