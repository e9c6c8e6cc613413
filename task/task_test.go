package task

import (
	"errors"
	"testing"
)

func TestStageAdvance(t *testing.T) {
	var tk Task
	for _, s := range []Stage{StageNew, StageAccepted, StageReordered, StageSubmitted, StageEncoded} {
		if err := tk.Advance(s); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
		if tk.Stage.Last() != s {
			t.Fatalf("last stage %s, want %s", tk.Stage.Last(), s)
		}
	}
	if err := tk.Advance(StageSubmitted); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("moving backwards must fail, got %v", err)
	}
	if tk.Stage.String() != "encoded" {
		t.Fatalf("stage string %q", tk.Stage.String())
	}
}

func TestStageMayNotRepeat(t *testing.T) {
	var tk Task
	if err := tk.Advance(StageAccepted); err != nil {
		t.Fatal(err)
	}
	if err := tk.Advance(StageAccepted); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("repeated stage must fail, got %v", err)
	}
}

func TestFrameTypeString(t *testing.T) {
	cases := map[FrameType]string{
		FrameI | FrameRef | FrameIDR: "IDR",
		FrameI | FrameRef:            "I",
		FrameP | FrameRef:            "Pref",
		FrameB:                       "B",
		FrameB | FrameRef:            "Bref",
	}
	for ft, want := range cases {
		if got := ft.String(); got != want {
			t.Fatalf("%x: %q, want %q", uint16(ft), got, want)
		}
	}
}

func TestDpbArray(t *testing.T) {
	d := NewDpbArray()
	if d.Len() != 0 || !d.End(0) {
		t.Fatalf("new array is not empty")
	}
	for i := 0; i < MaxDPBSize; i++ {
		if !d.Append(DpbFrame{POC: int32(i), FrameOrder: uint32(i), IdxRec: uint8(i)}) {
			t.Fatalf("append %d failed", i)
		}
	}
	if d.Append(DpbFrame{POC: 99, IdxRec: 1}) {
		t.Fatalf("append beyond capacity succeeded")
	}
	if d.Append(DpbFrame{IdxRec: IdxInvalid}) {
		t.Fatalf("invalid entry appended")
	}

	d.Remove(3)
	if d.Len() != MaxDPBSize-1 || d[3].POC != 4 || d.Valid(MaxDPBSize-1) {
		t.Fatalf("remove did not compact the array")
	}
	if i := d.FindPOC(7); i != 6 {
		t.Fatalf("FindPOC(7) = %d", i)
	}
	bottom := true
	if d.FindFrameOrder(7, &bottom) != -1 || d.FindFrameOrder(7, nil) != 6 {
		t.Fatalf("FindFrameOrder parity matching")
	}
	d.Clear()
	if d.Len() != 0 {
		t.Fatalf("clear left %d entries", d.Len())
	}
}

func TestTaskRefFrame(t *testing.T) {
	tk := &Task{}
	tk.reset()
	tk.DPB[DPBActive].Append(DpbFrame{POC: 8, IdxRec: 2})
	tk.RefPicList[0][0] = 0
	tk.NumRefActive[0] = 1

	if f := tk.RefFrame(0, 0); f == nil || f.POC != 8 {
		t.Fatalf("RefFrame(0, 0) = %+v", f)
	}
	if tk.RefFrame(0, 1) != nil || tk.RefFrame(1, 0) != nil || tk.RefFrame(2, 0) != nil {
		t.Fatalf("inactive entries must resolve to nil")
	}
}
