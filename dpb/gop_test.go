package dpb

import (
	"testing"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

func newParam(t *testing.T, mod func(*param.VideoParam)) *param.VideoParam {
	t.Helper()
	par := param.VideoParam{
		Width:             640,
		Height:            480,
		GopPicSize:        30,
		GopRefDist:        1,
		IdrInterval:       1,
		RateControlMethod: param.RateControlCQP,
	}
	if mod != nil {
		mod(&par)
	}
	par.Derive()
	if err := par.Validate(); err != nil {
		t.Fatalf("invalid test parameters: %v", err)
	}
	return &par
}

func TestFrameTypeGop(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.GopRefDist = 4 })

	cases := []struct {
		idx  uint32
		want task.FrameType
	}{
		{0, task.FrameI | task.FrameRef | task.FrameIDR},
		{1, task.FrameB},
		{2, task.FrameB},
		{3, task.FrameB},
		{4, task.FrameP | task.FrameRef},
		{8, task.FrameP | task.FrameRef},
		{28, task.FrameP | task.FrameRef},
		{29, task.FrameP | task.FrameRef}, // last frame before the next IDR
		{30, task.FrameI | task.FrameRef | task.FrameIDR},
		{31, task.FrameB},
	}
	for _, c := range cases {
		if got := FrameType(par, c.idx); got != c.want {
			t.Fatalf("frame %d: got %s, want %s", c.idx, got, c.want)
		}
	}
}

func TestFrameTypeStrictGop(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) {
		p.GopRefDist = 4
		p.GopOptFlag = param.GopStrict
	})
	if got := FrameType(par, 29); got != task.FrameB {
		t.Fatalf("strict gop must keep B before IDR, got %s", got)
	}
}

func TestFrameTypeIdrInterval(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) {
		p.GopPicSize = 10
		p.IdrInterval = 2
	})
	if got := FrameType(par, 10); got != task.FrameI|task.FrameRef {
		t.Fatalf("frame 10: got %s, want I", got)
	}
	if got := FrameType(par, 20); !got.IsIDR() {
		t.Fatalf("frame 20: got %s, want IDR", got)
	}

	par = newParam(t, func(p *param.VideoParam) {
		p.GopPicSize = 10
		p.IdrInterval = 0
	})
	if got := FrameType(par, 20); got.IsIDR() || !got.IsI() {
		t.Fatalf("only the first frame is IDR with interval 0, got %s", got)
	}
}

func TestFrameTypeInfiniteGop(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.GopPicSize = 0 })
	if par.GopPicSize != param.InfiniteGop {
		t.Fatalf("gop pic size %d", par.GopPicSize)
	}
	if got := FrameType(par, 0); !got.IsIDR() {
		t.Fatalf("frame 0: got %s", got)
	}
	for _, idx := range []uint32{1, 60, 1000, 0xffff} {
		if got := FrameType(par, idx); got != task.FrameP|task.FrameRef {
			t.Fatalf("frame %d: got %s, want P", idx, got)
		}
	}
}

func TestFieldType(t *testing.T) {
	idr := task.FrameI | task.FrameRef | task.FrameIDR
	if got := FieldType(idr, false); got != idr {
		t.Fatalf("first field: %s", got)
	}
	if got := FieldType(idr, true); got != task.FrameP|task.FrameRef {
		t.Fatalf("second field of IDR: %s", got)
	}
	if got := FieldType(task.FrameB, true); got != task.FrameB {
		t.Fatalf("second field of B: %s", got)
	}
}

func TestBPyramid(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.GopRefDist = 4 })

	cases := []struct {
		idx   uint32
		bpo   int
		level int
		ref   bool
	}{
		{1, 1, 2, false},
		{2, 0, 1, true},
		{3, 2, 2, false},
	}
	for _, c := range cases {
		bpo, level, ref := BPyramid(par, c.idx)
		if bpo != c.bpo || level != c.level || ref != c.ref {
			t.Fatalf("frame %d: got (%d, %d, %v), want (%d, %d, %v)", c.idx, bpo, level, ref, c.bpo, c.level, c.ref)
		}
	}
}

func TestBPyramidOrderIsPermutation(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) {
		p.GopPicSize = 64
		p.GopRefDist = 8
	})
	want := map[uint32]int{1: 2, 2: 1, 3: 3, 4: 0, 5: 5, 6: 4, 7: 6}
	seen := map[int]bool{}
	for idx, w := range want {
		bpo, _, _ := BPyramid(par, idx)
		if bpo != w {
			t.Fatalf("frame %d: bpo %d, want %d", idx, bpo, w)
		}
		seen[bpo] = true
	}
	if len(seen) != 7 {
		t.Fatalf("bpo values are not unique: %v", seen)
	}
}

func TestBPyramidShortMiniGop(t *testing.T) {
	// Frame 6 closes the IDR period, which leaves frame 5 as a lone B.
	par := newParam(t, func(p *param.VideoParam) {
		p.GopPicSize = 7
		p.GopRefDist = 4
	})
	if got := FrameType(par, 6); !got.IsP() {
		t.Fatalf("frame 6: %s", got)
	}
	if got := FrameType(par, 5); !got.IsB() {
		t.Fatalf("frame 5: %s", got)
	}
	bpo, level, ref := BPyramid(par, 5)
	if bpo != 0 || level != 1 || ref {
		t.Fatalf("frame 5: (%d, %d, %v)", bpo, level, ref)
	}
}

func TestBFramesWithoutPyramid(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) {
		p.GopRefDist = 3
		p.BRefType = param.BRefOff
	})
	for idx := uint32(1); idx < 3; idx++ {
		bpo, level, ref := BPyramid(par, idx)
		if bpo != int(idx-1) || level != 1 || ref {
			t.Fatalf("frame %d: (%d, %d, %v)", idx, bpo, level, ref)
		}
	}
}

func TestTemporalID(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.TemporalScale = []int{1, 2, 4} })
	want := map[int32]int{0: 0, 1: 2, 2: 1, 3: 2, 4: 0, 6: 1, 8: 0, 9: 2}
	for poc, tid := range want {
		if got := TemporalID(par, poc); got != tid {
			t.Fatalf("poc %d: tid %d, want %d", poc, got, tid)
		}
	}
	if !IsTopLayer(par, 2) || IsTopLayer(par, 1) {
		t.Fatalf("top layer detection")
	}

	single := newParam(t, nil)
	if TemporalID(single, 7) != 0 || IsTopLayer(single, 0) {
		t.Fatalf("single layer stream")
	}
}

func TestNALUnitType(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.GopRefDist = 4 })

	tk := &task.Task{}
	tk.FrameType = task.FrameI | task.FrameRef | task.FrameIDR
	if got := NALUnitType(par, tk); got != NALIDRWRADL {
		t.Fatalf("IDR: %d", got)
	}

	tk.FrameType = task.FrameI | task.FrameRef
	if got := NALUnitType(par, tk); got != NALCRA {
		t.Fatalf("I: %d", got)
	}
	if !IsIRAP(NALCRA) || IsIRAP(NALTrailR) {
		t.Fatalf("IRAP detection")
	}

	tk.FrameType = task.FrameB
	tk.POC, tk.LastRAP = 29, 30
	if got := NALUnitType(par, tk); got != NALRASLN {
		t.Fatalf("leading B: %d", got)
	}

	tk.POC = 33
	tk.FrameType = task.FrameB | task.FrameRef
	if got := NALUnitType(par, tk); got != NALTrailR {
		t.Fatalf("trailing ref B: %d", got)
	}

	tk.FrameType = task.FrameP
	tk.TID = 1
	if got := NALUnitType(par, tk); got != NALTSAN {
		t.Fatalf("sub-layer P: %d", got)
	}
}
