package dpb

import (
	"errors"
	"fmt"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// ErrDPBFull is returned when a reference picture cannot be stored because
// every entry of a full DPB is long-term.
var ErrDPBFull = errors.New("dpb: buffer full of long-term references")

// Capacity is the number of DPB entries a stream may keep. Fields occupy
// one entry each.
func Capacity(par *param.VideoParam) int {
	n := par.NumRefFrame
	if par.IsField() {
		n *= 2
	}
	if n < 1 {
		n = 1
	}
	if n > task.MaxDPBSize {
		n = task.MaxDPBSize
	}
	return n
}

// UpdateDPB turns dpb into the state that follows coding t. An IDR picture
// empties the buffer. Pictures named in the rejected list of ctrl are
// dropped, pictures named in its long-term list become long-term. A
// reference picture is stored after evicting the oldest short-term entries
// in encode order while the buffer is full; long-term entries are never
// evicted here. Non-reference pictures leave no trace. ctrl may be nil.
func UpdateDPB(par *param.VideoParam, t *task.Task, dpb *task.DpbArray, ctrl *task.RefListCtrl) error {
	if t.FrameType.IsIDR() {
		dpb.Clear()
	}

	if ctrl != nil {
		for i := 0; !dpb.End(i); {
			if matchAny(&dpb[i], ctrl.RejectedRefList) {
				dpb.Remove(i)
				continue
			}
			i++
		}
		for i := 0; !dpb.End(i); i++ {
			if matchAny(&dpb[i], ctrl.LongTermRefList) {
				dpb[i].LTR = true
			}
		}
	}

	if !t.IsRef() {
		return nil
	}

	capacity := Capacity(par)
	for dpb.Len() >= capacity {
		victim := oldestShortTerm(dpb, t)
		if victim < 0 {
			return fmt.Errorf("%w: poc %d not stored", ErrDPBFull, t.POC)
		}
		dpb.Remove(victim)
	}

	f := t.DpbFrame
	f.Surface = nil
	f.LTR = ctrl != nil && matchAny(&f, ctrl.LongTermRefList)
	if !dpb.Append(f) {
		return fmt.Errorf("%w: poc %d not stored", ErrDPBFull, t.POC)
	}

	if par.LTRInterval > 0 && !par.IsField() {
		markLTRInterval(dpb, par.LTRInterval)
	}
	return nil
}

// oldestShortTerm returns the short-term entry with the lowest encode order.
// The first field of t's frame is kept while t is its second field.
func oldestShortTerm(dpb *task.DpbArray, t *task.Task) int {
	victim := -1
	for i := 0; !dpb.End(i); i++ {
		f := &dpb[i]
		if f.LTR {
			continue
		}
		if t.SecondField && f.FrameOrder == t.FrameOrder^1 {
			continue
		}
		if victim < 0 || f.EncodeOrder < dpb[victim].EncodeOrder {
			victim = i
		}
	}
	return victim
}

// markLTRInterval keeps exactly one interval long-term reference: the
// current candidate. A previous long-term picture is released once a newer
// candidate takes over.
func markLTRInterval(dpb *task.DpbArray, interval int) {
	cand := ltrCandidate(dpb, interval)
	for i := 0; !dpb.End(i); {
		if dpb[i].LTR && dpb[i].POC != cand {
			dpb.Remove(i)
			continue
		}
		i++
	}
	if i := dpb.FindPOC(cand); i >= 0 {
		dpb[i].LTR = true
	}
}
