package task

import (
	"image"

	"github.com/richinsley/vaapi_hevc/param"
)

// MaxDPBSize bounds both the DPB and each reference picture list.
const MaxDPBSize = param.MaxDPBSize

// IdxInvalid marks an unused raw or reconstructed surface slot.
const IdxInvalid uint8 = 0xff

// CodingType is the picture coding type reported to the driver.
type CodingType uint8

const (
	CodingI  CodingType = 1
	CodingP  CodingType = 2
	CodingB  CodingType = 3
	CodingB1 CodingType = 4
	CodingB2 CodingType = 5
)

// Surface is an input picture owned by the caller. The encoder only keeps a
// reference to it while the frame is in flight.
type Surface struct {
	Image     *image.YCbCr
	FourCC    uint32
	Handle    interface{}
	TimeStamp int64
}

// DpbFrame is a reference candidate. It is valid iff IdxRec is not IdxInvalid.
type DpbFrame struct {
	POC         int32
	FrameOrder  uint32
	EncodeOrder uint32
	BPO         int
	Level       int
	TID         int
	LTR         bool
	SecondField bool
	BottomField bool
	CodingType  CodingType
	IdxRaw      uint8
	IdxRec      uint8
	Surface     *Surface
}

func (f *DpbFrame) Valid() bool { return f.IdxRec != IdxInvalid }

// DpbArray is a compacted set of reference candidates: valid entries occupy
// the leading slots, the first invalid slot ends the array.
type DpbArray [MaxDPBSize]DpbFrame

// NewDpbArray returns an empty DPB.
func NewDpbArray() DpbArray {
	var d DpbArray
	d.Clear()
	return d
}

func (d *DpbArray) Clear() {
	for i := range d {
		d[i] = DpbFrame{IdxRaw: IdxInvalid, IdxRec: IdxInvalid}
	}
}

// End reports whether idx is past the last valid entry.
func (d *DpbArray) End(idx int) bool {
	return idx < 0 || idx >= MaxDPBSize || !d[idx].Valid()
}

// Valid reports whether idx holds a valid entry.
func (d *DpbArray) Valid(idx int) bool { return !d.End(idx) }

func (d *DpbArray) Len() int {
	n := 0
	for !d.End(n) {
		n++
	}
	return n
}

// Remove drops entry idx and closes the gap.
func (d *DpbArray) Remove(idx int) {
	if d.End(idx) {
		return
	}
	copy(d[idx:], d[idx+1:])
	d[MaxDPBSize-1] = DpbFrame{IdxRaw: IdxInvalid, IdxRec: IdxInvalid}
}

// Append stores f after the last valid entry. It reports false when the
// array is full or f is not valid.
func (d *DpbArray) Append(f DpbFrame) bool {
	n := d.Len()
	if n >= MaxDPBSize || !f.Valid() {
		return false
	}
	d[n] = f
	return true
}

// FindPOC returns the index of the valid entry with the given POC or -1.
func (d *DpbArray) FindPOC(poc int32) int {
	for i := 0; !d.End(i); i++ {
		if d[i].POC == poc {
			return i
		}
	}
	return -1
}

// FindFrameOrder returns the index of the valid entry with the given frame
// order or -1. When bottom is non-nil the field parity must match too.
func (d *DpbArray) FindFrameOrder(fo uint32, bottom *bool) int {
	for i := 0; !d.End(i); i++ {
		if d[i].FrameOrder != fo {
			continue
		}
		if bottom != nil && d[i].BottomField != *bottom {
			continue
		}
		return i
	}
	return -1
}

// Frames returns a copy of the valid entries.
func (d *DpbArray) Frames() []DpbFrame {
	n := d.Len()
	out := make([]DpbFrame, n)
	copy(out, d[:n])
	return out
}
