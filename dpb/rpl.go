package dpb

import (
	"errors"
	"fmt"
	"sort"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// ErrNoReference is returned when a predicted picture has no usable
// reference. The caller must code it as an intra picture instead.
var ErrNoReference = errors.New("dpb: no valid reference for predicted picture")

// Picture describes the picture whose reference lists are being built.
type Picture struct {
	POC         int32
	FrameOrder  uint32
	TID         int
	Level       int
	B           bool
	SecondField bool
	BottomField bool
}

// PictureOf extracts the list construction inputs from a prepared task.
func PictureOf(t *task.Task) Picture {
	return Picture{
		POC:         t.POC,
		FrameOrder:  t.FrameOrder,
		TID:         t.TID,
		Level:       t.Level,
		B:           t.FrameType.IsB(),
		SecondField: t.SecondField,
		BottomField: t.BottomField,
	}
}

// RPL holds two reference picture lists as indices into the DPB.
type RPL [2][task.MaxDPBSize]uint8

// ConstructRPL builds L0 and L1 for pic from the valid entries of dpb.
//
// Short-term pictures precede long-term ones. L0 holds past pictures nearest
// first, L1 future pictures nearest first. The first field of the current
// frame always leads L0 for a second field. Equal distances are resolved by
// earlier encode order. ctrl may be nil.
func ConstructRPL(par *param.VideoParam, dpb *task.DpbArray, pic Picture, ctrl *task.Ctrl) (RPL, [2]int, error) {
	var rpl RPL
	var num [2]int
	for l := range rpl {
		for i := range rpl[l] {
			rpl[l][i] = task.IdxInvalid
		}
	}

	var lctrl *task.RefListCtrl
	var lists *task.RefLists
	if ctrl != nil {
		lctrl, lists = ctrl.RefListCtrl, ctrl.RefLists
	}

	cand := candidates(par, dpb, pic, lctrl)
	if len(cand) == 0 {
		return rpl, num, fmt.Errorf("%w: poc %d", ErrNoReference, pic.POC)
	}

	var l0, l1 []int
	if lists != nil && (len(lists.RefPicList0) > 0 || len(lists.RefPicList1) > 0) {
		l0 = explicitList(dpb, cand, lists.RefPicList0)
		l1 = explicitList(dpb, cand, lists.RefPicList1)
	} else {
		l0, l1 = automaticLists(par, dpb, pic, cand, lctrl)
	}
	if len(l0) == 0 && len(l1) == 0 {
		return rpl, num, fmt.Errorf("%w: poc %d", ErrNoReference, pic.POC)
	}

	max0, max1 := activeCaps(par, pic, lctrl, lists)
	l0 = prune(par, dpb, pic, l0, max0)
	if !pic.B && par.GPB {
		l1 = append([]int(nil), l0...)
	} else {
		l1 = prune(par, dpb, pic, l1, max1)
	}
	if !pic.B && !par.GPB {
		l1 = nil
	}

	for i, idx := range l0 {
		rpl[0][i] = uint8(idx)
	}
	for i, idx := range l1 {
		rpl[1][i] = uint8(idx)
	}
	num[0], num[1] = len(l0), len(l1)
	return rpl, num, nil
}

// candidates returns the DPB indices a picture may reference: valid,
// not rejected and not in a higher temporal layer.
func candidates(par *param.VideoParam, dpb *task.DpbArray, pic Picture, ctrl *task.RefListCtrl) []int {
	var out []int
	for i := 0; !dpb.End(i); i++ {
		f := &dpb[i]
		if f.POC == pic.POC {
			continue
		}
		if par.NumTL() > 1 && f.TID > pic.TID {
			continue
		}
		if ctrl != nil && matchAny(f, ctrl.RejectedRefList) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func automaticLists(par *param.VideoParam, dpb *task.DpbArray, pic Picture, cand []int, ctrl *task.RefListCtrl) (l0, l1 []int) {
	var past, future, long []int
	for _, i := range cand {
		switch {
		case isLongTerm(&dpb[i], ctrl):
			long = append(long, i)
		case dpb[i].POC < pic.POC:
			past = append(past, i)
		default:
			future = append(future, i)
		}
	}
	byDistance(dpb, pic, past)
	byDistance(dpb, pic, future)
	byDistance(dpb, pic, long)

	if pic.B {
		l0 = append(append(l0, past...), long...)
		l1 = append(l1, future...)
		if len(l0) == 0 {
			l0 = append(l0, future...)
		}
		if len(l1) == 0 {
			l1 = append(l1, l0...)
		}
	} else {
		l0 = append(append(append(l0, past...), future...), long...)
	}

	if pic.SecondField {
		l0 = pairFirst(dpb, pic, l0)
		l1 = pairFirst(dpb, pic, l1)
	}
	if ctrl != nil && len(ctrl.PreferredRefList) > 0 {
		l0 = preferFirst(dpb, l0, ctrl.PreferredRefList)
		l1 = preferFirst(dpb, l1, ctrl.PreferredRefList)
	}
	return l0, l1
}

// byDistance orders indices by POC distance to pic, then by encode order.
func byDistance(dpb *task.DpbArray, pic Picture, idx []int) {
	sort.SliceStable(idx, func(a, b int) bool {
		fa, fb := &dpb[idx[a]], &dpb[idx[b]]
		da, db := absPOC(fa.POC-pic.POC), absPOC(fb.POC-pic.POC)
		if da != db {
			return da < db
		}
		return fa.EncodeOrder < fb.EncodeOrder
	})
}

// pairFirst moves the opposite field of the current frame to the front.
func pairFirst(dpb *task.DpbArray, pic Picture, list []int) []int {
	for k, i := range list {
		f := &dpb[i]
		if f.FrameOrder == pic.FrameOrder^1 && f.BottomField != pic.BottomField {
			return moveToFront(list, k)
		}
	}
	return list
}

func preferFirst(dpb *task.DpbArray, list []int, preferred []task.RefEntry) []int {
	pos := 0
	for _, e := range preferred {
		for k := pos; k < len(list); k++ {
			if match(&dpb[list[k]], e) {
				item := list[k]
				copy(list[pos+1:k+1], list[pos:k])
				list[pos] = item
				pos++
				break
			}
		}
	}
	return list
}

func explicitList(dpb *task.DpbArray, cand []int, entries []task.RefEntry) []int {
	var out []int
	for _, e := range entries {
		for _, i := range cand {
			if dpb[i].FrameOrder != e.FrameOrder || !parityMatches(&dpb[i], e.PicStruct) {
				continue
			}
			if !containsInt(out, i) {
				out = append(out, i)
			}
			break
		}
	}
	return out
}

// activeCaps returns the number of active references allowed in each list.
func activeCaps(par *param.VideoParam, pic Picture, ctrl *task.RefListCtrl, lists *task.RefLists) (int, int) {
	max0, max1 := par.NumRefActiveP, par.NumRefActiveBL1
	if pic.B {
		max0 = par.NumRefActiveBL0
	} else if par.GPB {
		max1 = par.NumRefActiveP
	}
	if ctrl != nil {
		max0 = capWith(max0, ctrl.NumRefIdxL0Active)
		max1 = capWith(max1, ctrl.NumRefIdxL1Active)
	}
	if lists != nil {
		max0 = capWith(max0, lists.NumRefIdxL0Active)
		max1 = capWith(max1, lists.NumRefIdxL1Active)
	}
	return max0, max1
}

// prune shortens list to max entries. Inside a B pyramid the picture at the
// highest pyramid level goes first, farthest first among equals; otherwise
// the list is cut at its tail. The nearest entry and the first field of the
// current frame are kept.
func prune(par *param.VideoParam, dpb *task.DpbArray, pic Picture, list []int, max int) []int {
	if max < 0 {
		max = 0
	}
	if len(list) <= max {
		return list
	}
	if !par.IsBPyramid() {
		return list[:max]
	}
	for len(list) > max {
		victim := -1
		for k := len(list) - 1; k > 0; k-- {
			f := &dpb[list[k]]
			if pic.SecondField && f.FrameOrder == pic.FrameOrder^1 {
				continue
			}
			if victim < 0 || f.Level > dpb[list[victim]].Level {
				victim = k
			}
		}
		if victim < 0 {
			return list[:max]
		}
		list = append(list[:victim], list[victim+1:]...)
	}
	return list
}

// IsLTR reports whether the picture at poc is the long-term candidate of
// dpb. The candidate is the current long-term picture, or the first entry
// when there is none, until a later picture is at least interval pictures
// past it.
func IsLTR(dpb *task.DpbArray, interval int, poc int32) bool {
	if interval <= 0 || dpb.End(0) {
		return false
	}
	return ltrCandidate(dpb, interval) == poc
}

func ltrCandidate(dpb *task.DpbArray, interval int) int32 {
	c := dpb[0].POC
	for i := 0; !dpb.End(i); i++ {
		if dpb[i].LTR {
			c = dpb[i].POC
			break
		}
	}
	for i := 0; !dpb.End(i); i++ {
		if dpb[i].POC > c && dpb[i].POC-c >= int32(interval) {
			return dpb[i].POC
		}
	}
	return c
}

func isLongTerm(f *task.DpbFrame, ctrl *task.RefListCtrl) bool {
	if f.LTR {
		return true
	}
	return ctrl != nil && matchAny(f, ctrl.LongTermRefList)
}

func matchAny(f *task.DpbFrame, entries []task.RefEntry) bool {
	for _, e := range entries {
		if match(f, e) {
			return true
		}
	}
	return false
}

func match(f *task.DpbFrame, e task.RefEntry) bool {
	return f.FrameOrder == e.FrameOrder && parityMatches(f, e.PicStruct)
}

func parityMatches(f *task.DpbFrame, ps param.PicStruct) bool {
	switch ps {
	case param.PicStructFieldTFF:
		return !f.BottomField
	case param.PicStructFieldBFF:
		return f.BottomField
	}
	return true
}

func moveToFront(list []int, k int) []int {
	if k <= 0 {
		return list
	}
	item := list[k]
	copy(list[1:k+1], list[:k])
	list[0] = item
	return list
}

func capWith(max, override int) int {
	if override > 0 && override < max {
		return override
	}
	return max
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func absPOC(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
