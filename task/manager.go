package task

import (
	"fmt"
	"sort"

	"github.com/richinsley/vaapi_hevc/param"
)

// Manager owns a fixed set of tasks. Tasks are checked out with New and
// travel through the accepted, reordered and submitted queues until Ready
// returns them to the free list.
type Manager struct {
	tasks     []*Task
	free      []*Task
	accepted  []*Task
	reordered []*Task
	submitted []*Task
	reports   uint32
}

// NewManager allocates size tasks.
func NewManager(size int) *Manager {
	m := &Manager{}
	m.Reset(size)
	return m
}

// Reset drops every queued task and resizes the pool to size. Encoded
// tasks that were not returned with Ready stay owned by m, keep their
// results and count towards size.
func (m *Manager) Reset(size int) {
	if size <= 0 {
		size = 1
	}
	var held []*Task
	for _, t := range m.tasks {
		if t.Stage.Has(StageEncoded) && !m.isFree(t) {
			held = append(held, t)
		}
	}
	m.tasks = held
	m.free = make([]*Task, 0, size)
	for len(m.tasks) < size {
		t := &Task{}
		t.reset()
		m.tasks = append(m.tasks, t)
		m.free = append(m.free, t)
	}
	for i, t := range m.tasks {
		t.slot = i
	}
	m.accepted = nil
	m.reordered = nil
	m.submitted = nil
}

func (m *Manager) isFree(t *Task) bool {
	for _, f := range m.free {
		if f == t {
			return true
		}
	}
	return false
}

func (m *Manager) Size() int { return len(m.tasks) }

// Free is the number of tasks available to New.
func (m *Manager) Free() int { return len(m.free) }

// New checks out a task in StageNew, or nil when the pool is exhausted.
func (m *Manager) New() *Task {
	if len(m.free) == 0 {
		return nil
	}
	t := m.free[0]
	m.free = m.free[1:]
	t.reset()
	t.IdxRaw = uint8(t.slot)
	t.Stage = StageNew
	return t
}

// Owns reports whether t was allocated by m.
func (m *Manager) Owns(t *Task) bool { return m.owns(t) }

func (m *Manager) owns(t *Task) bool {
	return t != nil && t.slot >= 0 && t.slot < len(m.tasks) && m.tasks[t.slot] == t
}

// Accept queues t for reordering. The accepted queue stays in display order.
func (m *Manager) Accept(t *Task) error {
	if !m.owns(t) {
		return ErrNotOwned
	}
	if err := t.Advance(StageAccepted); err != nil {
		return err
	}
	m.accepted = append(m.accepted, t)
	sort.SliceStable(m.accepted, func(i, j int) bool {
		return m.accepted[i].FrameOrder < m.accepted[j].FrameOrder
	})
	return nil
}

// Accepted returns the frames waiting for reordering in display order.
func (m *Manager) Accepted() []*Task { return append([]*Task(nil), m.accepted...) }

// Reordered returns prepared frames not yet handed to the driver, in encode order.
func (m *Manager) Reordered() []*Task { return append([]*Task(nil), m.reordered...) }

// Submitted returns frames owned by the driver, in encode order.
func (m *Manager) Submitted() []*Task { return append([]*Task(nil), m.submitted...) }

// InFlight is the number of submitted but not yet encoded frames.
func (m *Manager) InFlight() int { return len(m.submitted) }

// Oldest returns the submitted frame that must complete next.
func (m *Manager) Oldest() *Task {
	if len(m.submitted) == 0 {
		return nil
	}
	return m.submitted[0]
}

// NextToSubmit returns the first prepared frame waiting for the driver.
func (m *Manager) NextToSubmit() *Task {
	if len(m.reordered) == 0 {
		return nil
	}
	return m.reordered[0]
}

// Reorder selects the next frame in encode order from the accepted queue
// and moves it to the reordered queue. dpb is the DPB state after the last
// reordered frame. It returns nil when more input is needed.
func (m *Manager) Reorder(par *param.VideoParam, dpb *DpbArray, flush bool) *Task {
	i := pickNext(par, dpb, m.accepted, flush)
	if i < 0 {
		return nil
	}
	t := m.accepted[i]
	m.accepted = append(m.accepted[:i], m.accepted[i+1:]...)
	if err := t.Advance(StageReordered); err != nil {
		panic(err)
	}
	m.reordered = append(m.reordered, t)
	return t
}

// Submit moves a prepared frame to the driver queue. Frames are submitted in
// encode order.
func (m *Manager) Submit(t *Task) error {
	if len(m.reordered) == 0 || m.reordered[0] != t {
		return fmt.Errorf("%w: submit out of encode order", ErrNotOwned)
	}
	if err := t.Advance(StageSubmitted); err != nil {
		return err
	}
	m.reordered = m.reordered[1:]
	m.reports++
	t.StatusReportNumber = m.reports
	m.submitted = append(m.submitted, t)
	return nil
}

// Complete marks the oldest submitted frame as encoded.
func (m *Manager) Complete(t *Task) error {
	if len(m.submitted) == 0 || m.submitted[0] != t {
		return fmt.Errorf("%w: complete out of encode order", ErrNotOwned)
	}
	if err := t.Advance(StageEncoded); err != nil {
		return err
	}
	m.submitted = m.submitted[1:]
	return nil
}

// Ready returns t to the free list. A task the driver still owns is refused.
func (m *Manager) Ready(t *Task) error {
	if !m.owns(t) {
		return ErrNotOwned
	}
	if t.Stage.Has(StageSubmitted) && !t.Stage.Has(StageEncoded) {
		return ErrInFlight
	}
	m.accepted = removeTask(m.accepted, t)
	m.reordered = removeTask(m.reordered, t)
	if !m.isFree(t) {
		m.free = append(m.free, t)
	}
	return nil
}

// Discard returns every accepted but not yet reordered frame to the pool.
func (m *Manager) Discard() int {
	n := len(m.accepted)
	for _, t := range m.accepted {
		m.free = append(m.free, t)
	}
	m.accepted = nil
	return n
}

// Abort forgets every frame in any queue, including frames owned by a
// driver that is known to be lost.
func (m *Manager) Abort() []*Task {
	var aborted []*Task
	aborted = append(aborted, m.submitted...)
	aborted = append(aborted, m.reordered...)
	aborted = append(aborted, m.accepted...)
	m.free = m.free[:0]
	m.free = append(m.free, m.tasks...)
	m.accepted, m.reordered, m.submitted = nil, nil, nil
	return aborted
}

// FreeRecon returns a reconstructed-surface index in [0, size) that is
// neither referenced by dpb nor by a prepared or submitted frame.
func (m *Manager) FreeRecon(dpb *DpbArray, size int) (uint8, bool) {
	if size > int(IdxInvalid) {
		size = int(IdxInvalid)
	}
	used := make([]bool, size)
	mark := func(idx uint8) {
		if int(idx) < size {
			used[idx] = true
		}
	}
	for i := 0; !dpb.End(i); i++ {
		mark(dpb[i].IdxRec)
	}
	for _, t := range m.reordered {
		mark(t.IdxRec)
	}
	for _, t := range m.submitted {
		mark(t.IdxRec)
	}
	for i, u := range used {
		if !u {
			return uint8(i), true
		}
	}
	return IdxInvalid, false
}

func removeTask(list []*Task, t *Task) []*Task {
	for i, x := range list {
		if x == t {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// pickNext implements the encode-order selection: ready B frames (their
// future reference is already coded) go first, lowest pyramid order first;
// otherwise the next anchor. B frames never reference across an IDR, so a
// run of B frames waiting for an IDR is closed by turning its last frame
// into a reference P frame. On flush a trailing run of B frames is closed
// the same way unless the GOP is strict.
func pickNext(par *param.VideoParam, dpb *DpbArray, queue []*Task, flush bool) int {
	if len(queue) == 0 {
		return -1
	}
	anchor := -1
	for i, t := range queue {
		if !t.FrameType.IsB() {
			anchor = i
			break
		}
	}
	limit := anchor
	if limit < 0 {
		limit = len(queue)
	}
	best := -1
	for i := 0; i < limit; i++ {
		t := queue[i]
		if !l1Ready(par, dpb, t.POC) {
			continue
		}
		if best < 0 || t.BPO < queue[best].BPO ||
			(t.BPO == queue[best].BPO && t.POC < queue[best].POC) {
			best = i
		}
	}
	switch {
	case best >= 0:
		return best
	case anchor > 0 && queue[anchor].FrameType.IsIDR():
		return closeRun(par, queue, anchor-1)
	case anchor >= 0:
		return anchor
	case !flush:
		return -1
	case par.GopOptFlag&param.GopStrict != 0:
		return 0
	}
	return closeRun(par, queue, len(queue)-1)
}

// closeRun turns the frame at last into a reference P frame and returns the
// index to code next. Both fields of a field pair are converted.
func closeRun(par *param.VideoParam, queue []*Task, last int) int {
	if par.IsField() && last > 0 && queue[last].SecondField {
		toP(queue[last])
		last--
	}
	toP(queue[last])
	return last
}

func toP(t *Task) {
	t.FrameType = FrameP | FrameRef
	t.BPO, t.Level = 0, 0
}

// l1Ready reports whether a picture following poc in display order is
// already coded. For field coding the whole frame must be coded.
func l1Ready(par *param.VideoParam, dpb *DpbArray, poc int32) bool {
	for i := 0; !dpb.End(i); i++ {
		if dpb[i].POC <= poc {
			continue
		}
		if !par.IsField() || dpb[i].SecondField {
			return true
		}
	}
	return false
}
