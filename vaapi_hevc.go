package vaapi_hevc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

type encoder struct {
	enc      *Encoder
	r        video.Reader
	mu       sync.Mutex
	closed   bool
	eos      bool
	forceIDR bool
	frames   int64
}

func newEncoder(r video.Reader, p prop.Media, params Params) (codec.ReadCloser, error) {
	if params.KeyFrameInterval <= 0 {
		params.KeyFrameInterval = 60
	}
	if params.Driver == nil {
		return nil, errors.New("vaapi_hevc: no driver factory")
	}

	par := params.Video
	par.Width, par.Height = p.Width, p.Height
	if p.FrameRate > 0 {
		par.FrameRateN, par.FrameRateD = int(p.FrameRate*1000+0.5), 1000
	}
	// when the GOP and the IDR period are equal, every intra frame is an IDR frame
	par.GopPicSize = params.KeyFrameInterval
	par.IdrInterval = 1
	if params.BitRate > 0 {
		par.TargetKbps = params.BitRate / 1000
	}

	drv, err := params.Driver()
	if err != nil {
		return nil, err
	}
	enc := New(drv)
	if err := enc.Init(context.Background(), par); err != nil {
		var merr *multierror.Error
		merr = multierror.Append(merr, err)
		if derr := drv.Destroy(); derr != nil {
			merr = multierror.Append(merr, fmt.Errorf("destroy device: %w", derr))
		}
		return nil, merr.ErrorOrNil()
	}

	e := &encoder{
		enc: enc,
		r:   video.ToI420(r),
	}
	return e, nil
}

func (e *encoder) Read() ([]byte, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, func() {}, io.EOF
	}

	for {
		var surface *task.Surface
		var ctrl task.Ctrl
		if !e.eos {
			img, _, err := e.r.Read()
			if err == io.EOF {
				e.eos = true
				continue
			}
			if err != nil {
				return nil, func() {}, err
			}
			yuvImg := img.(*image.YCbCr)
			surface = &task.Surface{
				Image:     cloneYCbCr(yuvImg),
				FourCC:    uint32(VA_FOURCC_I420),
				TimeStamp: e.frames,
			}
			e.frames++
			if e.forceIDR {
				ctrl.FrameType = task.FrameI | task.FrameRef | task.FrameIDR
				e.forceIDR = false
			}
		}

		bs := &task.Bitstream{}
		t, err := e.enc.EncodeFrameSubmit(&ctrl, surface, bs)
		if errors.Is(err, ErrMoreData) {
			if e.eos {
				return nil, func() {}, io.EOF
			}
			continue
		}
		if err != nil {
			return nil, func() {}, err
		}
		if err := e.enc.Sync(context.Background(), t); err != nil && !IsWarning(err) {
			return nil, func() {}, err
		}
		return bs.Data, func() {}, nil
	}
}

// cloneYCbCr copies img so that the reader may reuse its buffers while the
// frame waits for reordering.
func cloneYCbCr(img *image.YCbCr) *image.YCbCr {
	c := *img
	c.Y = append([]byte(nil), img.Y...)
	c.Cb = append([]byte(nil), img.Cb...)
	c.Cr = append([]byte(nil), img.Cr...)
	return &c
}

func (e *encoder) SetBitRate(b int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	par, err := e.enc.GetVideoParam()
	if err != nil {
		return err
	}
	par.TargetKbps = b / 1000
	// derived from the new target
	par.MaxKbps, par.BufferSizeInKB, par.InitialDelayInKB = 0, 0, 0
	if par.RateControlMethod == param.RateControlCQP {
		return nil
	}
	return e.enc.Reset(context.Background(), par)
}

func (e *encoder) ForceKeyFrame() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceIDR = true
	return nil
}

func (e *encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.closed = true
	return e.enc.Close()
}
