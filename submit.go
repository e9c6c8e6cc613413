package vaapi_hevc

import (
	"errors"
	"fmt"

	"github.com/richinsley/vaapi_hevc/dpb"
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

// EncodeFrameSubmit queues surface for encoding and returns the next frame
// in coding order, prepared and bound to bs. It returns ErrMoreData while
// frames are buffered for reordering and ErrDeviceBusy when every task is
// taken. A nil surface drains the reorder buffer one frame per call.
// ctrl may be nil.
func (e *Encoder) EncodeFrameSubmit(ctrl *task.Ctrl, surface *task.Surface, bs *task.Bitstream) (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return nil, err
	}
	if surface != nil {
		if !acceptsFourCC(e.par.Profile, surface.FourCC) {
			return nil, unsupported("surface format 0x%08x for profile %d", surface.FourCC, vaProfile(e.par.Profile))
		}
		if e.ext != nil {
			if err := e.ext.ExtraParametersCheck(ctrl, surface); err != nil {
				return nil, err
			}
		}
		t := e.tasks.New()
		if t == nil {
			return nil, ErrDeviceBusy
		}
		e.accept(t, ctrl, surface)
		if err := e.tasks.Accept(t); err != nil {
			e.tasks.Ready(t)
			return nil, err
		}
	}

	t := e.tasks.Reorder(&e.par, &e.dpb, surface == nil)
	if t == nil {
		return nil, ErrMoreData
	}
	if err := e.prepare(t); err != nil {
		e.tasks.Ready(t)
		return nil, fmt.Errorf("prepare frame %d (poc %d): %w", t.FrameOrder, t.POC, err)
	}
	t.Bitstream = bs
	return t, nil
}

// accept assigns display order, frame type and prediction structure. For
// field coding every field is a frame order of its own and the GOP is
// counted in frames.
func (e *Encoder) accept(t *task.Task, ctrl *task.Ctrl, surface *task.Surface) {
	if ctrl != nil {
		t.Ctrl = *ctrl
	}
	t.Surface = surface
	fo := e.frameOrder
	e.frameOrder++

	field := e.par.IsField()
	second := field && (fo-e.lastIDR)%2 == 1
	if t.Ctrl.FrameType.IsIDR() && !second {
		e.lastIDR = fo
	}
	idx := fo - e.lastIDR
	if field {
		idx /= 2
	}
	ft := dpb.FrameType(&e.par, idx)
	if ft.IsIDR() && !second {
		e.lastIDR = fo
		idx = 0
	}
	if field {
		ft = dpb.FieldType(ft, second)
		t.SecondField = second
		t.BottomField = second == (e.par.PicStruct == param.PicStructFieldTFF)
	}

	t.FrameOrder = fo
	t.POC = int32(fo - e.lastIDR)
	t.TID = dpb.TemporalID(&e.par, t.POC)
	if dpb.IsTopLayer(&e.par, t.TID) {
		ft &^= task.FrameRef
	}
	if ft.IsB() {
		var ref bool
		t.BPO, t.Level, ref = dpb.BPyramid(&e.par, idx)
		if ref {
			ft |= task.FrameRef
		}
	}
	t.FrameType = ft
}

// prepare fixes the encode order of t and derives everything the device
// needs from the DPB state the previous frame left behind. The DPB state
// after t is committed here, before the device has coded anything.
func (e *Encoder) prepare(t *task.Task) error {
	idx, ok := e.tasks.FreeRecon(&e.dpb, e.reconPoolSize())
	if !ok {
		return errors.New("no free reconstructed surface")
	}
	t.IdxRec = idx
	t.EncodeOrder = e.encodeOrder
	t.CodingType = dpb.CodingType(t.FrameType, t.Level)

	t.DPB[task.DPBBefore] = e.dpb
	t.DPB[task.DPBActive] = e.dpb
	if t.FrameType.IsIDR() {
		t.DPB[task.DPBActive].Clear()
	}
	if !t.FrameType.IsI() {
		rpl, num, err := dpb.ConstructRPL(&e.par, &t.DPB[task.DPBActive], dpb.PictureOf(t), &t.Ctrl)
		if err != nil {
			return err
		}
		t.RefPicList, t.NumRefActive = rpl, num
	}
	t.DPB[task.DPBAfter] = t.DPB[task.DPBActive]
	if err := dpb.UpdateDPB(&e.par, t, &t.DPB[task.DPBAfter], t.Ctrl.RefListCtrl); err != nil {
		return err
	}
	for i := 0; t.DPB[task.DPBAfter].Valid(i); i++ {
		if t.DPB[task.DPBAfter][i].POC == t.POC && t.DPB[task.DPBAfter][i].FrameOrder == t.FrameOrder {
			t.LTR = t.DPB[task.DPBAfter][i].LTR
		}
	}

	t.LastRAP = e.lastRAP
	rps := dpb.ConstructSTRPS(&t.DPB[task.DPBActive], (*dpb.RPL)(&t.RefPicList), t.NumRefActive, t.POC)
	t.SH = dpb.SliceHeader(&e.par, t, rps)

	t.InsertHeaders = e.headers
	if t.FrameType.IsIDR() {
		t.InsertHeaders |= task.InsertVPS | task.InsertSPS | task.InsertPPS
	}
	if len(t.Ctrl.Payloads) > 0 {
		t.InsertHeaders |= task.InsertSEI
	}
	t.ROI = t.Ctrl.ROI
	t.DirtyRect = t.Ctrl.DirtyRect
	t.Skip = t.Ctrl.SkipFrame
	if e.ext != nil {
		if err := e.ext.ExtraTaskPreparation(t); err != nil {
			return err
		}
	}
	if t.InsertHeaders != 0 {
		hdr, err := e.driver.PackHeader(&e.par, t)
		if err != nil {
			return fmt.Errorf("pack headers: %w", err)
		}
		t.Headers = append(t.Headers[:0], hdr...)
	}

	if t.FrameType.IsI() && !t.SecondField {
		e.lastRAP = t.POC
	}
	e.encodeOrder++
	e.dpb = t.DPB[task.DPBAfter]
	e.headers = 0
	logger.Debugf("[%s] prepared fo=%d eo=%d poc=%d %s nal=%d refs=%v", e.id, t.FrameOrder, t.EncodeOrder,
		t.POC, t.FrameType, t.SH.NALUnitType, t.NumRefActive)
	return nil
}
