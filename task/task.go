// Package task defines the per-frame unit of work of the encode pipeline
// and the pool that owns every in-flight frame.
package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/richinsley/vaapi_hevc/param"
)

// FrameType bits. Values follow the MFX frame type layout.
type FrameType uint16

const (
	FrameI   FrameType = 0x0001
	FrameP   FrameType = 0x0002
	FrameB   FrameType = 0x0004
	FrameRef FrameType = 0x0040
	FrameIDR FrameType = 0x0080
)

func (f FrameType) IsI() bool   { return f&FrameI != 0 }
func (f FrameType) IsP() bool   { return f&FrameP != 0 }
func (f FrameType) IsB() bool   { return f&FrameB != 0 }
func (f FrameType) IsRef() bool { return f&FrameRef != 0 }
func (f FrameType) IsIDR() bool { return f&FrameIDR != 0 }

func (f FrameType) String() string {
	var b strings.Builder
	switch {
	case f.IsIDR():
		b.WriteString("IDR")
	case f.IsI():
		b.WriteString("I")
	case f.IsP():
		b.WriteString("P")
	case f.IsB():
		b.WriteString("B")
	default:
		return fmt.Sprintf("frame(0x%x)", uint16(f))
	}
	if f.IsRef() && !f.IsI() {
		b.WriteString("ref")
	}
	return b.String()
}

// Stage is a bitmask of the pipeline steps a task went through.
type Stage uint32

const (
	StageNew Stage = 1 << iota
	StageAccepted
	StageReordered
	StageSubmitted
	StageEncoded
)

var stageNames = []string{"new", "accepted", "reordered", "submitted", "encoded"}

// Last returns the most advanced stage in the mask.
func (s Stage) Last() Stage {
	if s == 0 {
		return 0
	}
	last := Stage(1)
	for v := s >> 1; v != 0; v >>= 1 {
		last <<= 1
	}
	return last
}

func (s Stage) Has(o Stage) bool { return s&o == o }

func (s Stage) String() string {
	last := s.Last()
	for i, name := range stageNames {
		if Stage(1)<<uint(i) == last {
			return name
		}
	}
	return "none"
}

// HeaderFlags selects parameter sets and SEI inserted in front of a frame.
type HeaderFlags uint8

const (
	InsertVPS HeaderFlags = 1 << iota
	InsertSPS
	InsertPPS
	InsertSEI
)

// Indices into Task.DPB.
const (
	DPBActive = 0
	DPBAfter  = 1
	DPBBefore = 2
)

var (
	ErrStageOrder = errors.New("task: stage moves backwards")
	ErrInFlight   = errors.New("task: task still owned by the driver")
	ErrNotOwned   = errors.New("task: task not owned by this manager")
)

// Rect is a picture region in luma samples with an optional QP delta.
type Rect struct {
	Left, Top, Right, Bottom int
	DeltaQP                  int
}

// RefEntry names a picture by its frame order. PicStruct 0 matches either
// field parity.
type RefEntry struct {
	FrameOrder uint32
	PicStruct  param.PicStruct
}

// RefListCtrl adjusts the automatically built reference lists.
type RefListCtrl struct {
	NumRefIdxL0Active int
	NumRefIdxL1Active int
	PreferredRefList  []RefEntry
	RejectedRefList   []RefEntry
	LongTermRefList   []RefEntry
}

// RefLists replaces the automatically built reference lists.
type RefLists struct {
	NumRefIdxL0Active int
	NumRefIdxL1Active int
	RefPicList0       []RefEntry
	RefPicList1       []RefEntry
}

// Ctrl is the per-frame control supplied with a surface.
type Ctrl struct {
	FrameType   FrameType
	QP          int
	RefListCtrl *RefListCtrl
	RefLists    *RefLists
	ROI         []Rect
	DirtyRect   []Rect
	SkipFrame   bool
	Payloads    [][]byte
	FEI         interface{}
}

// Bitstream receives one coded frame.
type Bitstream struct {
	Data        []byte
	FrameType   FrameType
	TimeStamp   int64
	POC         int32
	EncodeOrder uint32
	QP          int
	BRCPanic    bool
}

// STRPSPic is one entry of a short-term reference picture set.
type STRPSPic struct {
	DeltaPOC       int16
	DeltaPOCMinus1 uint16
	UsedByCurrPic  bool
}

// STRPS is the short-term reference picture set of one picture. Negative
// pictures come first, each group ordered nearest first.
type STRPS struct {
	NumNegativePics int
	NumPositivePics int
	Pic             [MaxDPBSize]STRPSPic
}

func (s *STRPS) Len() int { return s.NumNegativePics + s.NumPositivePics }

// SliceType values as coded in slice_type.
type SliceType uint8

const (
	SliceB SliceType = 0
	SliceP SliceType = 1
	SliceI SliceType = 2
)

// SliceHeader is the per-picture slice header template handed to the
// header packer.
type SliceHeader struct {
	Type               SliceType
	NALUnitType        uint8
	PicOrderCntLsb     uint32
	NumRefIdxActive    [2]int
	STRPS              STRPS
	NumLongTermPics    int
	LongTermPOC        [MaxDPBSize]int32
	TemporalMVPEnabled bool
	CollocatedFromL0   bool
	SliceQPDelta       int
}

// Task is the unit of work for one picture.
type Task struct {
	DpbFrame

	Ctrl      Ctrl
	Bitstream *Bitstream
	SH        SliceHeader

	// Entries are indices into DPB[DPBActive].
	RefPicList   [2][MaxDPBSize]uint8
	NumRefActive [2]int
	DPB          [3]DpbArray

	FrameType          FrameType
	QP                 int
	Recode             int
	InsertHeaders      HeaderFlags
	Stage              Stage
	StatusReportNumber uint32
	LastRAP            int32
	MinFrameSizeInBits int
	MaxFrameSizeInBits int
	BsDataLength       int
	Coded              []byte
	// Headers holds the packed parameter sets and SEI sent in front of the
	// coded slices.
	Headers   []byte
	BRCPanic  bool
	Skip      bool
	ROI       []Rect
	DirtyRect []Rect

	// NeedResubmit is set when an earlier frame was recoded after this one
	// reached the driver.
	NeedResubmit bool
	// StaleRefs is set when a picture this one predicts from was coded
	// again after this one reached the driver.
	StaleRefs bool

	slot int
}

// Advance adds s to the stage mask. Stages only move forward.
func (t *Task) Advance(s Stage) error {
	if t.Stage.Last() >= s {
		return fmt.Errorf("%w: %s after %s", ErrStageOrder, s, t.Stage)
	}
	t.Stage |= s
	return nil
}

// Slot is the task's fixed index inside its manager.
func (t *Task) Slot() int { return t.slot }

// IsRef reports whether the picture enters the DPB once coded.
func (t *Task) IsRef() bool { return t.FrameType.IsRef() }

// RefersTo reports whether o is in one of t's active reference lists.
func (t *Task) RefersTo(o *Task) bool {
	for l := 0; l < 2; l++ {
		for i := 0; i < t.NumRefActive[l]; i++ {
			if f := t.RefFrame(l, i); f != nil && f.EncodeOrder == o.EncodeOrder && f.POC == o.POC {
				return true
			}
		}
	}
	return false
}

// RefFrame returns the DPB entry the i-th reference of list l points at.
func (t *Task) RefFrame(l, i int) *DpbFrame {
	if l < 0 || l > 1 || i < 0 || i >= t.NumRefActive[l] {
		return nil
	}
	idx := int(t.RefPicList[l][i])
	if t.DPB[DPBActive].End(idx) {
		return nil
	}
	return &t.DPB[DPBActive][idx]
}

func (t *Task) reset() {
	slot := t.slot
	coded := t.Coded[:0]
	*t = Task{slot: slot, Coded: coded}
	t.IdxRaw = IdxInvalid
	t.IdxRec = IdxInvalid
	for i := range t.DPB {
		t.DPB[i].Clear()
	}
	for l := range t.RefPicList {
		for i := range t.RefPicList[l] {
			t.RefPicList[l][i] = IdxInvalid
		}
	}
}
