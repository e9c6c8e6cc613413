package dpb

import (
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// HEVC nal_unit_type values.
const (
	NALTrailN    uint8 = 0
	NALTrailR    uint8 = 1
	NALTSAN      uint8 = 2
	NALTSAR      uint8 = 3
	NALRADLN     uint8 = 6
	NALRADLR     uint8 = 7
	NALRASLN     uint8 = 8
	NALRASLR     uint8 = 9
	NALIDRWRADL  uint8 = 19
	NALCRA       uint8 = 21
	NALVPS       uint8 = 32
	NALSPS       uint8 = 33
	NALPPS       uint8 = 34
	NALAUD       uint8 = 35
	NALPrefixSEI uint8 = 39
)

// NALUnitType selects the slice NAL unit type of t. Pictures preceding the
// last random access point in display order are leading pictures: RADL in
// a closed GOP, RASL otherwise.
func NALUnitType(par *param.VideoParam, t *task.Task) uint8 {
	ft := t.FrameType
	if ft.IsIDR() {
		return NALIDRWRADL
	}
	if ft.IsI() && !t.SecondField {
		return NALCRA
	}
	ref := ft.IsRef()
	if t.POC < t.LastRAP {
		if par.GopOptFlag&param.GopClosed != 0 {
			return pick(ref, NALRADLR, NALRADLN)
		}
		return pick(ref, NALRASLR, NALRASLN)
	}
	if t.TID > 0 {
		return pick(ref, NALTSAR, NALTSAN)
	}
	return pick(ref, NALTrailR, NALTrailN)
}

// IsIRAP reports whether nut starts a random access point.
func IsIRAP(nut uint8) bool { return nut >= 16 && nut <= 23 }

func pick(ref bool, r, n uint8) uint8 {
	if ref {
		return r
	}
	return n
}
