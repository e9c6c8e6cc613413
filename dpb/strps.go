package dpb

import (
	"sort"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// ConstructSTRPS builds the short-term reference picture set of the picture
// at poc. Every short-term entry of dpb is listed once, whether it is used
// by one list, by both or only kept for later pictures; UsedByCurrPic marks
// the entries within the active part of rpl.
func ConstructSTRPS(dpb *task.DpbArray, rpl *RPL, numRefActive [2]int, poc int32) task.STRPS {
	var used [task.MaxDPBSize]bool
	for l := 0; l < 2; l++ {
		for i := 0; i < numRefActive[l] && i < task.MaxDPBSize; i++ {
			if idx := rpl[l][i]; idx != task.IdxInvalid && int(idx) < task.MaxDPBSize {
				used[idx] = true
			}
		}
	}

	var neg, pos []int
	for i := 0; !dpb.End(i); i++ {
		if dpb[i].LTR {
			continue
		}
		switch {
		case dpb[i].POC < poc:
			neg = append(neg, i)
		case dpb[i].POC > poc:
			pos = append(pos, i)
		}
	}
	sort.Slice(neg, func(a, b int) bool { return dpb[neg[a]].POC > dpb[neg[b]].POC })
	sort.Slice(pos, func(a, b int) bool { return dpb[pos[a]].POC < dpb[pos[b]].POC })

	var rps task.STRPS
	n := 0
	prev := int32(0)
	for _, i := range neg {
		d := dpb[i].POC - poc
		rps.Pic[n] = task.STRPSPic{
			DeltaPOC:       int16(d),
			DeltaPOCMinus1: uint16(prev - d - 1),
			UsedByCurrPic:  used[i],
		}
		prev = d
		n++
	}
	rps.NumNegativePics = len(neg)
	prev = 0
	for _, i := range pos {
		d := dpb[i].POC - poc
		rps.Pic[n] = task.STRPSPic{
			DeltaPOC:       int16(d),
			DeltaPOCMinus1: uint16(d - prev - 1),
			UsedByCurrPic:  used[i],
		}
		prev = d
		n++
	}
	rps.NumPositivePics = len(pos)
	return rps
}

// LongTermPics lists the long-term entries of dpb for the slice header.
func LongTermPics(dpb *task.DpbArray) []int32 {
	var out []int32
	for i := 0; !dpb.End(i); i++ {
		if dpb[i].LTR {
			out = append(out, dpb[i].POC)
		}
	}
	return out
}

// SliceHeader fills the slice header template of a prepared task from its
// reference structures.
func SliceHeader(par *param.VideoParam, t *task.Task, rps task.STRPS) task.SliceHeader {
	sh := task.SliceHeader{
		NALUnitType:     NALUnitType(par, t),
		PicOrderCntLsb:  uint32(t.POC) & (1<<16 - 1),
		NumRefIdxActive: t.NumRefActive,
		STRPS:           rps,
	}
	switch {
	case t.FrameType.IsI():
		sh.Type = task.SliceI
	case t.FrameType.IsP() && !par.GPB:
		sh.Type = task.SliceP
	default:
		sh.Type = task.SliceB
	}
	lt := LongTermPics(&t.DPB[task.DPBActive])
	sh.NumLongTermPics = copy(sh.LongTermPOC[:], lt)
	if sh.Type != task.SliceI {
		sh.TemporalMVPEnabled = true
		sh.CollocatedFromL0 = sh.Type == task.SliceP || t.NumRefActive[1] == 0
	}
	if t.QP > 0 {
		sh.SliceQPDelta = t.QP - 26
	}
	return sh
}
