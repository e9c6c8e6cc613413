package vaapi_hevc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richinsley/vaapi_hevc/task"
)

// cabacZeroWord is a cabac_zero_word with its emulation prevention byte.
var cabacZeroWord = []byte{0x00, 0x00, 0x03}

// Execute moves the pipeline forward for t. Prepared frames are handed to
// the device up to the async depth and finished frames are collected in
// encode order. It returns ErrTaskBusy until t is coded, then nil or
// WarnBRCPanic and returns t to the pool.
func (e *Encoder) Execute(ctx context.Context, t *task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	if !e.tasks.Owns(t) || !t.Stage.Has(task.StageReordered) {
		return ErrInvalidHandle
	}
	for !t.Stage.Has(task.StageEncoded) {
		if err := e.submitPending(ctx); err != nil {
			return err
		}
		if e.tasks.Oldest() == nil {
			return ErrTaskBusy
		}
		if _, err := e.collect(ctx); err != nil {
			return err
		}
	}
	if err := e.tasks.Ready(t); err != nil {
		return err
	}
	if t.BRCPanic {
		return WarnBRCPanic
	}
	return nil
}

// Sync calls Execute until t is coded. A task that stays busy longer than
// the query timeout takes the device down.
func (e *Encoder) Sync(ctx context.Context, t *task.Task) error {
	deadline := time.Now().Add(e.queryTimeout)
	for {
		err := e.Execute(ctx, t)
		if !errors.Is(err, ErrTaskBusy) {
			return err
		}
		if time.Now().After(deadline) {
			e.mu.Lock()
			err := e.lost(fmt.Errorf("frame %d not done after %s", t.EncodeOrder, e.queryTimeout))
			e.mu.Unlock()
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// WaitingForAsyncTasks blocks until the device holds no frame. With
// resetTasks every prepared frame is coded as well. Coded frames keep
// their results until Execute or Sync collects them.
func (e *Encoder) WaitingForAsyncTasks(ctx context.Context, resetTasks bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usable(); err != nil {
		return err
	}
	return e.drain(ctx, resetTasks)
}

func (e *Encoder) drain(ctx context.Context, resetTasks bool) error {
	deadline := time.Now().Add(e.queryTimeout)
	for {
		if resetTasks {
			if err := e.submitPending(ctx); err != nil {
				return err
			}
		}
		if e.tasks.Oldest() == nil {
			return nil
		}
		_, err := e.collect(ctx)
		switch {
		case err == nil:
			deadline = time.Now().Add(e.queryTimeout)
			continue
		case !errors.Is(err, ErrTaskBusy):
			return err
		case time.Now().After(deadline):
			return e.lost(fmt.Errorf("drain timed out after %s", e.queryTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// submitPending hands prepared frames to the device while fewer than
// AsyncDepth frames are in flight.
func (e *Encoder) submitPending(ctx context.Context) error {
	for e.tasks.InFlight() < e.par.AsyncDepth {
		t := e.tasks.NextToSubmit()
		if t == nil {
			return nil
		}
		if err := e.tasks.Submit(t); err != nil {
			return err
		}
		if err := e.run(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// run starts coding t on the device with a fresh QP decision.
func (e *Encoder) run(ctx context.Context, t *task.Task) error {
	t.QP = e.brc.GetQP(&e.par, t)
	t.SH.SliceQPDelta = t.QP - 26
	t.MinFrameSizeInBits, t.MaxFrameSizeInBits = e.brc.GetMinMaxFrameSize()
	e.brc.PreEnc(&e.par, t)
	if e.stager != nil {
		if err := e.stager.PreSubmitExtraStage(t); err != nil {
			return e.lost(err)
		}
	}
	t.Coded = t.Coded[:0]
	t.BsDataLength = 0
	if err := e.driver.Execute(ctx, t); err != nil {
		return e.lost(err)
	}
	logger.Debugf("[%s] execute eo=%d qp=%d recode=%d", e.id, t.EncodeOrder, t.QP, t.Recode)
	return nil
}

// collect queries the oldest frame on the device. A frame whose coded size
// rate control rejects is coded again. Frames submitted after it are coded
// again when they predict from it or rate control now gives them another
// QP. It returns the finished frame or ErrTaskBusy.
func (e *Encoder) collect(ctx context.Context) (*task.Task, error) {
	t := e.tasks.Oldest()
	if err := e.driver.QueryStatus(ctx, t); err != nil {
		if errors.Is(err, ErrTaskBusy) {
			return nil, ErrTaskBusy
		}
		return nil, e.lost(err)
	}
	if e.stager != nil {
		if err := e.stager.PostQueryExtraStage(t); err != nil {
			return nil, e.lost(err)
		}
	}
	if t.NeedResubmit {
		t.NeedResubmit = false
		if t.StaleRefs || e.brc.GetQP(&e.par, t) != t.QP {
			t.StaleRefs = false
			e.markLater(t, false)
			if err := e.run(ctx, t); err != nil {
				return nil, err
			}
			return nil, ErrTaskBusy
		}
	}

	st := e.brc.PostPackFrame(&e.par, t, t.BsDataLength*8, len(t.Headers)*8, t.Recode)
	if st.NeedRecode() && t.Recode < e.par.MaxNumRecode {
		t.Recode++
		e.stats.Recodes++
		e.markLater(t, true)
		logger.Debugf("[%s] recode eo=%d size=%d status=%s", e.id, t.EncodeOrder, t.BsDataLength, st)
		if err := e.run(ctx, t); err != nil {
			return nil, err
		}
		return nil, ErrTaskBusy
	}
	if st.Panic() {
		t.BRCPanic = true
		e.stats.Panics++
		logger.Warnf("[%s] frame eo=%d size=%d qp=%d: %s", e.id, t.EncodeOrder, t.BsDataLength, t.QP, st)
	}

	e.finish(t)
	if err := e.tasks.Complete(t); err != nil {
		return nil, err
	}
	return t, nil
}

// markLater flags the frames submitted after t that have to be coded
// again because t is. Frames predicting from t always are; with all set the
// rest are checked for a new QP before their result is used.
func (e *Encoder) markLater(t *task.Task, all bool) {
	for _, later := range e.tasks.Submitted()[1:] {
		if later.RefersTo(t) {
			later.NeedResubmit = true
			later.StaleRefs = true
		} else if all {
			later.NeedResubmit = true
		}
	}
}

// finish writes headers, slices and padding to the frame's bitstream.
func (e *Encoder) finish(t *task.Task) {
	coded := t.Coded
	if t.BsDataLength < len(coded) {
		coded = coded[:t.BsDataLength]
	}
	size := len(t.Headers) + len(coded)
	pad := 0
	if min := (t.MinFrameSizeInBits + 7) / 8; size < min {
		pad = (min - size + len(cabacZeroWord) - 1) / len(cabacZeroWord)
	}

	if bs := t.Bitstream; bs != nil {
		bs.Data = append(bs.Data, t.Headers...)
		bs.Data = append(bs.Data, coded...)
		for i := 0; i < pad; i++ {
			bs.Data = append(bs.Data, cabacZeroWord...)
		}
		bs.FrameType = t.FrameType
		bs.POC = t.POC
		bs.EncodeOrder = t.EncodeOrder
		bs.QP = t.QP
		bs.BRCPanic = t.BRCPanic
		if t.Surface != nil {
			bs.TimeStamp = t.Surface.TimeStamp
		}
	}
	t.Surface = nil
	e.stats.Frames++
	e.stats.Bytes += uint64(size + pad*len(cabacZeroWord))
}

// lost marks the device failed and abandons every frame.
func (e *Encoder) lost(cause error) error {
	e.failed = true
	n := len(e.tasks.Abort())
	logger.Errorf("[%s] device lost, %d frames aborted: %v", e.id, n, cause)
	if errors.Is(cause, ErrDeviceFailed) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrDeviceFailed, cause)
}
