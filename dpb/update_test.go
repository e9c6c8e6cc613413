package dpb

import (
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

func refTask(poc int32, ft task.FrameType) *task.Task {
	t := &task.Task{}
	t.DpbFrame = ref(poc)
	t.FrameType = ft
	return t
}

func TestUpdateDPBIDRClears(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.NumRefFrame = 4 })
	d := makeDPB(ref(10), ref(11), ref(12))
	idr := refTask(0, task.FrameI|task.FrameRef|task.FrameIDR)
	idr.IdxRec = 7

	if err := UpdateDPB(par, idr, &d, nil); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 1 || d[0].POC != 0 || d[0].IdxRec != 7 {
		t.Fatalf("IDR must leave only itself:\n%s", spew.Sdump(d.Frames()))
	}
}

func TestUpdateDPBNonReference(t *testing.T) {
	par := newParam(t, nil)
	d := makeDPB(ref(0))

	if err := UpdateDPB(par, refTask(1, task.FrameB), &d, nil); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 1 {
		t.Fatalf("non-reference picture entered the DPB:\n%s", spew.Sdump(d.Frames()))
	}
}

func TestUpdateDPBEvictsOldestShortTerm(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.NumRefFrame = 3 })
	lt := ref(0)
	lt.LTR = true
	d := makeDPB(lt, ref(1), ref(2))

	if err := UpdateDPB(par, refTask(3, task.FrameP|task.FrameRef), &d, nil); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 3 || d.FindPOC(0) < 0 || d.FindPOC(1) >= 0 || d.FindPOC(3) < 0 {
		t.Fatalf("expected POC 1 evicted, long-term kept:\n%s", spew.Sdump(d.Frames()))
	}
}

func TestUpdateDPBFullOfLongTerm(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.NumRefFrame = 2 })
	a, b := ref(0), ref(1)
	a.LTR, b.LTR = true, true
	d := makeDPB(a, b)

	err := UpdateDPB(par, refTask(2, task.FrameP|task.FrameRef), &d, nil)
	if !errors.Is(err, ErrDPBFull) {
		t.Fatalf("expected ErrDPBFull, got %v", err)
	}
	if d.Len() != 2 || !d[0].LTR || !d[1].LTR {
		t.Fatalf("long-term entries must not be evicted:\n%s", spew.Sdump(d.Frames()))
	}
}

func TestUpdateDPBRejectedAndLongTermLists(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.NumRefFrame = 4 })
	d := makeDPB(ref(0), ref(1), ref(2))
	ctrl := &task.RefListCtrl{
		RejectedRefList: []task.RefEntry{{FrameOrder: 1}},
		LongTermRefList: []task.RefEntry{{FrameOrder: 0}, {FrameOrder: 3}},
	}

	if err := UpdateDPB(par, refTask(3, task.FrameP|task.FrameRef), &d, ctrl); err != nil {
		t.Fatal(err)
	}
	if d.FindPOC(1) >= 0 {
		t.Fatalf("rejected picture kept:\n%s", spew.Sdump(d.Frames()))
	}
	if i := d.FindPOC(0); i < 0 || !d[i].LTR {
		t.Fatalf("POC 0 must be long-term:\n%s", spew.Sdump(d.Frames()))
	}
	if i := d.FindPOC(3); i < 0 || !d[i].LTR {
		t.Fatalf("current picture must be stored as long-term:\n%s", spew.Sdump(d.Frames()))
	}
}

func TestUpdateDPBSizeBound(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) {
		p.GopPicSize = 0
		p.NumRefFrame = param.MaxDPBSize
	})
	d := task.NewDpbArray()
	for poc := int32(0); poc < 100; poc++ {
		tk := refTask(poc, FrameType(par, uint32(poc)))
		tk.IdxRec = uint8(poc % 16)
		if err := UpdateDPB(par, tk, &d, nil); err != nil {
			t.Fatal(err)
		}
		if d.Len() > task.MaxDPBSize {
			t.Fatalf("poc %d: %d entries", poc, d.Len())
		}
	}
	if d.Len() != task.MaxDPBSize || d[0].POC != 85 {
		t.Fatalf("expected the 15 most recent pictures:\n%s", spew.Sdump(d.Frames()))
	}
}

func TestUpdateDPBLTRInterval(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) {
		p.GopPicSize = 0
		p.NumRefFrame = 3
		p.LTRInterval = 8
	})
	d := task.NewDpbArray()
	for poc := int32(0); poc <= 12; poc++ {
		if err := UpdateDPB(par, refTask(poc, FrameType(par, uint32(poc))), &d, nil); err != nil {
			t.Fatal(err)
		}
		var lt []int32
		for i := 0; !d.End(i); i++ {
			if d[i].LTR {
				lt = append(lt, d[i].POC)
			}
		}
		want := int32(0)
		if poc >= 8 {
			want = 8
		}
		if len(lt) != 1 || lt[0] != want {
			t.Fatalf("poc %d: long-term %v, want [%d]\n%s", poc, lt, want, spew.Sdump(d.Frames()))
		}
	}
}

func TestCapacity(t *testing.T) {
	par := newParam(t, func(p *param.VideoParam) { p.NumRefFrame = 4 })
	if got := Capacity(par); got != 4 {
		t.Fatalf("progressive capacity %d", got)
	}
	par = newParam(t, func(p *param.VideoParam) {
		p.NumRefFrame = 10
		p.PicStruct = param.PicStructFieldBFF
	})
	if got := Capacity(par); got != task.MaxDPBSize {
		t.Fatalf("field capacity %d", got)
	}
}
