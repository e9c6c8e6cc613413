// Package brc chooses the quantization parameter of every frame and judges
// the coded size afterwards. One Iface instance belongs to one encode
// session.
package brc

import (
	"errors"
	"strings"

	"github.com/kataras/golog"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

var logger = golog.Child("[hevc-brc]")

var (
	ErrNotInitialized = errors.New("brc: not initialized")
	ErrUnsupported    = errors.New("brc: operation not supported by this rate control")
	ErrLookAhead      = errors.New("brc: inconsistent look-ahead statistics")
)

// Status is the verdict on a coded frame.
type Status uint32

const (
	StatusOK              Status = 0x000
	StatusErrBigFrame     Status = 0x001
	StatusBigFrame        Status = 0x002
	StatusErrSmallFrame   Status = 0x004
	StatusSmallFrame      Status = 0x008
	StatusNotEnoughBuffer Status = 0x100
)

// Panic reports a size violation the controller cannot fix by recoding.
// The frame must be accepted as it is.
func (s Status) Panic() bool {
	return s&StatusNotEnoughBuffer != 0 && s&(StatusErrBigFrame|StatusErrSmallFrame) != 0
}

// NeedRecode reports whether the frame must be coded again with a new QP.
func (s Status) NeedRecode() bool {
	return s&(StatusErrBigFrame|StatusErrSmallFrame) != 0 && !s.Panic()
}

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{StatusErrBigFrame, "err-big-frame"},
		{StatusBigFrame, "big-frame"},
		{StatusErrSmallFrame, "err-small-frame"},
		{StatusSmallFrame, "small-frame"},
		{StatusNotEnoughBuffer, "not-enough-buffer"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Iface is implemented by every rate control strategy.
//
// GetQP may be called any number of times before a frame is submitted and
// does not change the rate model. PostPackFrame is the only call that
// commits state and must be called in encode order.
type Iface interface {
	Init(par *param.VideoParam, enableRecode bool) error
	Reset(par *param.VideoParam) error
	Close() error
	GetQP(par *param.VideoParam, t *task.Task) int
	PreEnc(par *param.VideoParam, t *task.Task)
	PostPackFrame(par *param.VideoParam, t *task.Task, bitsEncoded, overheadBits, recode int) Status
	SetFrameVMEData(data VMEData) error
	// GetMinMaxFrameSize returns the size bounds in bits for the frame last
	// reported; zero means unbounded.
	GetMinMaxFrameSize() (min, max int)
}

// Option configures New.
type Option func(*options)

type options struct {
	ext ExtBRC
}

// WithCallbacks makes the encoder drive an externally supplied rate
// controller.
func WithCallbacks(ext ExtBRC) Option {
	return func(o *options) { o.ext = ext }
}

// New selects the strategy for par. The returned controller still needs
// Init.
func New(par *param.VideoParam, opts ...Option) Iface {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case par.RateControlMethod == param.RateControlCQP:
		return &cqpBrc{}
	case par.IsLookAhead():
		return &VMEBrc{}
	case par.ExtBRC || o.ext != nil:
		return NewExtAdapter(o.ext)
	}
	return &driverBrc{}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
