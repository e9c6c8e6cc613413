package task

import (
	"errors"
	"testing"

	"github.com/richinsley/vaapi_hevc/param"
)

func testParam(mod func(*param.VideoParam)) *param.VideoParam {
	par := param.Default(320, 240)
	if mod != nil {
		mod(&par)
	}
	par.Derive()
	return &par
}

// accept checks out a task for display index fo and queues it.
func accept(t *testing.T, m *Manager, fo uint32, ft FrameType, bpo int) *Task {
	t.Helper()
	tk := m.New()
	if tk == nil {
		t.Fatalf("pool exhausted at %d", fo)
	}
	tk.FrameOrder = fo
	tk.POC = int32(fo)
	tk.FrameType = ft
	tk.BPO = bpo
	if err := m.Accept(tk); err != nil {
		t.Fatal(err)
	}
	return tk
}

// code stores tk in dpb as if it had been prepared.
func code(dpb *DpbArray, tk *Task) {
	f := tk.DpbFrame
	f.IdxRec = uint8(tk.FrameOrder)
	dpb.Append(f)
}

func TestManagerPool(t *testing.T) {
	m := NewManager(2)
	a, b := m.New(), m.New()
	if a == nil || b == nil || m.New() != nil {
		t.Fatalf("pool of 2 must hand out exactly 2 tasks")
	}
	if a.Slot() == b.Slot() || a.IdxRaw != uint8(a.Slot()) {
		t.Fatalf("slots %d %d raw %d", a.Slot(), b.Slot(), a.IdxRaw)
	}
	if err := m.Ready(a); err != nil {
		t.Fatal(err)
	}
	if m.Free() != 1 || m.New() != a {
		t.Fatalf("released task must be reused")
	}
	if err := m.Ready(&Task{}); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("foreign task accepted: %v", err)
	}
}

func TestManagerRefusesInFlightRelease(t *testing.T) {
	par := testParam(nil)
	m := NewManager(4)
	dpb := NewDpbArray()
	tk := accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0)
	if got := m.Reorder(par, &dpb, false); got != tk {
		t.Fatalf("reorder returned %v", got)
	}
	if err := m.Submit(tk); err != nil {
		t.Fatal(err)
	}
	if err := m.Ready(tk); !errors.Is(err, ErrInFlight) {
		t.Fatalf("submitted task released: %v", err)
	}
	if m.InFlight() != 1 || m.Oldest() != tk || tk.StatusReportNumber != 1 {
		t.Fatalf("unexpected in-flight state")
	}
	if err := m.Complete(tk); err != nil {
		t.Fatal(err)
	}
	if err := m.Ready(tk); err != nil {
		t.Fatal(err)
	}
	if m.Free() != 4 {
		t.Fatalf("free %d", m.Free())
	}
}

func TestManagerEncodeOrderEnforced(t *testing.T) {
	par := testParam(nil)
	m := NewManager(4)
	dpb := NewDpbArray()
	a := accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0)
	b := accept(t, m, 1, FrameP|FrameRef, 0)
	m.Reorder(par, &dpb, false)
	m.Reorder(par, &dpb, false)

	if err := m.Submit(b); err == nil {
		t.Fatalf("submit out of order succeeded")
	}
	if err := m.Submit(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(b); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(b); err == nil {
		t.Fatalf("complete out of order succeeded")
	}
}

func TestReorderPyramid(t *testing.T) {
	par := testParam(func(p *param.VideoParam) { p.GopRefDist = 4 })
	m := NewManager(par.TaskPoolSize())
	dpb := NewDpbArray()

	i0 := accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0)
	if got := m.Reorder(par, &dpb, false); got != i0 {
		t.Fatalf("IDR must go first")
	}
	code(&dpb, i0)

	accept(t, m, 1, FrameB, 1)
	accept(t, m, 2, FrameB|FrameRef, 0)
	accept(t, m, 3, FrameB, 2)
	if got := m.Reorder(par, &dpb, false); got != nil {
		t.Fatalf("B frames without a future reference were emitted: poc %d", got.POC)
	}

	accept(t, m, 4, FrameP|FrameRef, 0)
	var order []int32
	for {
		tk := m.Reorder(par, &dpb, false)
		if tk == nil {
			break
		}
		order = append(order, tk.POC)
		if tk.IsRef() {
			code(&dpb, tk)
		}
	}
	want := []int32{4, 2, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestReorderFlush(t *testing.T) {
	par := testParam(func(p *param.VideoParam) { p.GopRefDist = 3 })
	m := NewManager(par.TaskPoolSize())
	dpb := NewDpbArray()
	code(&dpb, accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0))
	m.Reorder(par, &dpb, false)

	accept(t, m, 1, FrameB, 0)
	b2 := accept(t, m, 2, FrameB, 1)
	if m.Reorder(par, &dpb, false) != nil {
		t.Fatalf("B emitted before flush")
	}
	if got := m.Reorder(par, &dpb, true); got != b2 {
		t.Fatalf("flush must close the run with its last frame")
	}
	if b2.FrameType != FrameP|FrameRef || b2.BPO != 0 {
		t.Fatalf("closing frame is %s", b2.FrameType)
	}
}

func TestReorderFlushStrict(t *testing.T) {
	par := testParam(func(p *param.VideoParam) {
		p.GopRefDist = 3
		p.GopOptFlag = param.GopStrict
	})
	m := NewManager(par.TaskPoolSize())
	dpb := NewDpbArray()
	code(&dpb, accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0))
	m.Reorder(par, &dpb, false)

	b1 := accept(t, m, 1, FrameB, 0)
	accept(t, m, 2, FrameB, 1)
	if got := m.Reorder(par, &dpb, true); got != b1 || !got.FrameType.IsB() {
		t.Fatalf("strict GOP flush must emit the first B unchanged")
	}
}

func TestReorderBeforeIDR(t *testing.T) {
	par := testParam(func(p *param.VideoParam) {
		p.GopRefDist = 3
		p.GopOptFlag = param.GopStrict
	})
	m := NewManager(par.TaskPoolSize())
	dpb := NewDpbArray()
	code(&dpb, accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0))
	m.Reorder(par, &dpb, false)

	accept(t, m, 1, FrameB, 0)
	b2 := accept(t, m, 2, FrameB, 1)
	accept(t, m, 3, FrameI|FrameRef|FrameIDR, 0)
	if got := m.Reorder(par, &dpb, false); got != b2 || !got.FrameType.IsP() {
		t.Fatalf("B frames may not wait for an IDR")
	}
}

func TestReorderFieldPairs(t *testing.T) {
	par := testParam(func(p *param.VideoParam) {
		p.GopRefDist = 2
		p.PicStruct = param.PicStructFieldTFF
	})
	m := NewManager(par.TaskPoolSize())
	dpb := NewDpbArray()

	field := func(fo uint32, ft FrameType) *Task {
		tk := accept(t, m, fo, ft, 0)
		tk.SecondField = fo%2 == 1
		tk.BottomField = fo%2 == 1
		return tk
	}
	code(&dpb, field(0, FrameI|FrameRef|FrameIDR))
	m.Reorder(par, &dpb, false)
	code(&dpb, field(1, FrameP|FrameRef))
	m.Reorder(par, &dpb, false)

	field(2, FrameB)
	field(3, FrameB)
	p4 := field(4, FrameP|FrameRef)
	p5 := field(5, FrameP|FrameRef)

	if got := m.Reorder(par, &dpb, false); got != p4 {
		t.Fatalf("first anchor field must go first")
	}
	code(&dpb, p4)
	if got := m.Reorder(par, &dpb, false); got != p5 {
		t.Fatalf("B fields must wait for the second anchor field, got poc %d", got.POC)
	}
	code(&dpb, p5)
	if got := m.Reorder(par, &dpb, false); got == nil || got.POC != 2 {
		t.Fatalf("B fields follow in display order")
	}
}

func TestFreeRecon(t *testing.T) {
	par := testParam(nil)
	m := NewManager(2)
	dpb := NewDpbArray()
	dpb.Append(DpbFrame{IdxRec: 0})
	dpb.Append(DpbFrame{POC: 1, IdxRec: 1})

	tk := accept(t, m, 2, FrameP|FrameRef, 0)
	m.Reorder(par, &dpb, false)
	tk.IdxRec = 2

	idx, ok := m.FreeRecon(&dpb, 4)
	if !ok || idx != 3 {
		t.Fatalf("FreeRecon = %d, %v", idx, ok)
	}
	if _, ok := m.FreeRecon(&dpb, 3); ok {
		t.Fatalf("all surfaces are busy")
	}
}

func TestDiscardAndAbort(t *testing.T) {
	par := testParam(nil)
	m := NewManager(4)
	dpb := NewDpbArray()
	tk := accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0)
	m.Reorder(par, &dpb, false)
	if err := m.Submit(tk); err != nil {
		t.Fatal(err)
	}
	accept(t, m, 1, FrameP|FrameRef, 0)
	accept(t, m, 2, FrameP|FrameRef, 0)

	if n := m.Discard(); n != 2 || m.Free() != 3 {
		t.Fatalf("discarded %d, free %d", n, m.Free())
	}
	if aborted := m.Abort(); len(aborted) != 1 || aborted[0] != tk {
		t.Fatalf("abort returned %d tasks", len(aborted))
	}
	if m.Free() != 4 || m.InFlight() != 0 {
		t.Fatalf("abort must return every task")
	}
}

func TestResetKeepsEncodedTasks(t *testing.T) {
	par := testParam(nil)
	m := NewManager(3)
	dpb := NewDpbArray()
	tk := accept(t, m, 0, FrameI|FrameRef|FrameIDR, 0)
	if m.Reorder(par, &dpb, false) != tk {
		t.Fatalf("IDR frame not reordered")
	}
	if err := m.Submit(tk); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(tk); err != nil {
		t.Fatal(err)
	}
	accept(t, m, 1, FrameP|FrameRef, 0)

	m.Reset(2)
	if !m.Owns(tk) || !tk.Stage.Has(StageEncoded) {
		t.Fatalf("coded task lost on reset")
	}
	if m.Size() != 2 || m.Free() != 1 {
		t.Fatalf("size %d free %d after reset", m.Size(), m.Free())
	}
	if err := m.Ready(tk); err != nil {
		t.Fatal(err)
	}
	if m.Free() != 2 {
		t.Fatalf("coded task not returned to the pool: free %d", m.Free())
	}
}
