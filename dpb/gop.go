// Package dpb decides how every picture of the stream is predicted: its
// frame type, its place in the B pyramid, its temporal layer, the
// reference picture lists it uses and the state of the decoded picture
// buffer once it is coded.
//
// Every function here is a pure function of its arguments.
package dpb

import (
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// FrameType returns the type of the frame with display index idx counted
// from the last IDR frame. For field coding idx counts frames, not fields.
func FrameType(par *param.VideoParam, idx uint32) task.FrameType {
	gopPicSize := uint32(par.GopPicSize)
	gopRefDist := uint32(par.GopRefDist)
	idrPicDist := uint32(par.IdrPicDist())
	if par.GopPicSize == param.InfiniteGop {
		gopPicSize = 0xffffffff
		idrPicDist = 0
	}
	if gopRefDist == 0 {
		gopRefDist = 1
	}

	if idx == 0 || (idrPicDist != 0 && idx%idrPicDist == 0) {
		return task.FrameI | task.FrameRef | task.FrameIDR
	}
	if idx%gopPicSize == 0 {
		return task.FrameI | task.FrameRef
	}
	if idx%gopPicSize%gopRefDist == 0 {
		return task.FrameP | task.FrameRef
	}
	if par.GopOptFlag&param.GopStrict == 0 {
		closesGop := (idx+1)%gopPicSize == 0 && par.GopOptFlag&param.GopClosed != 0
		closesIdr := idrPicDist != 0 && (idx+1)%idrPicDist == 0
		if closesGop || closesIdr {
			return task.FrameP | task.FrameRef
		}
	}
	return task.FrameB
}

// FieldType derives the type of a field from the type of its frame. The
// second field of an intra frame is predicted from the first one.
func FieldType(frameType task.FrameType, secondField bool) task.FrameType {
	if !secondField {
		return frameType
	}
	if frameType.IsI() {
		return task.FrameP | task.FrameRef
	}
	return frameType
}

// BPyramid places the B frame with display index idx inside its mini-GOP.
// bpo is the encode order among the B frames of the mini-GOP, level the
// pyramid level (anchors are level 0) and ref whether other B frames
// reference it. idx must be the index of a B frame.
func BPyramid(par *param.VideoParam, idx uint32) (bpo, level int, ref bool) {
	first := idx
	for first > 0 && FrameType(par, first-1).IsB() {
		first--
	}
	last := idx
	for n := 0; n < param.MaxGopRefDist && FrameType(par, last+1).IsB(); n++ {
		last++
	}
	size := last - first + 1

	if !par.IsBPyramid() {
		return int(idx - first), 1, false
	}
	lvl := uint32(0)
	order := encodingOrder(idx-first, 0, size, &lvl, 0, &ref)
	return int(order), int(lvl) + 1, ref
}

// encodingOrder recursively splits [begin, end) at its midpoint; the
// midpoint is coded first and both halves follow.
func encodingOrder(pos, begin, end uint32, level *uint32, before uint32, ref *bool) uint32 {
	*ref = end-begin > 1
	pivot := (begin + end) / 2
	if pos == pivot {
		return *level + before
	}
	*level++
	if pos < pivot {
		return encodingOrder(pos, begin, pivot, level, before, ref)
	}
	return encodingOrder(pos, pivot+1, end, level, before+pivot-begin, ref)
}

// TemporalID returns the temporal layer of the picture at poc. With scale
// [1, 2, 4] every fourth picture is layer 0, the remaining even ones layer 1
// and the odd ones layer 2.
func TemporalID(par *param.VideoParam, poc int32) int {
	n := par.NumTL()
	if n <= 1 {
		return 0
	}
	top := int32(par.TemporalScale[n-1])
	if poc < 0 {
		poc = -poc
	}
	for tid := 0; tid < n; tid++ {
		if poc%(top/int32(par.TemporalScale[tid])) == 0 {
			return tid
		}
	}
	return n - 1
}

// IsTopLayer reports whether pictures at tid are never referenced.
func IsTopLayer(par *param.VideoParam, tid int) bool {
	return par.NumTL() > 1 && tid == par.NumTL()-1
}

// CodingType maps a frame type and pyramid level to the coding type
// reported to the driver.
func CodingType(ft task.FrameType, level int) task.CodingType {
	switch {
	case ft.IsI():
		return task.CodingI
	case ft.IsP():
		return task.CodingP
	case level <= 1:
		return task.CodingB
	case level == 2:
		return task.CodingB1
	}
	return task.CodingB2
}
