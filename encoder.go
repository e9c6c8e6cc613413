// Package vaapi_hevc drives a hardware HEVC encoder frame by frame. It
// decides frame types and coding order, maintains the decoded picture
// buffer and reference lists, runs rate control on the host when asked to
// and hands every frame to a DriverEncoder.
package vaapi_hevc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kataras/golog"

	"github.com/richinsley/vaapi_hevc/brc"
	"github.com/richinsley/vaapi_hevc/dpb"
	"github.com/richinsley/vaapi_hevc/param"
	"github.com/richinsley/vaapi_hevc/task"
)

var logger = golog.Child("[hevc-hw]")

const (
	defaultPollInterval = time.Millisecond
	defaultQueryTimeout = 5 * time.Second
)

// Stats counts what the encoder produced since Init.
type Stats struct {
	Session string
	Frames  uint64
	Recodes uint64
	Panics  uint64
	Bytes   uint64
}

// Option configures New.
type Option func(*Encoder)

// WithExtension installs parameter and task preparation hooks.
func WithExtension(ext Extension) Option {
	return func(e *Encoder) { e.ext = ext }
}

// WithBRCCallbacks makes the encoder run an application rate controller.
func WithBRCCallbacks(cb brc.ExtBRC) Option {
	return func(e *Encoder) { e.brcExt = cb }
}

// WithPollInterval sets how often Sync queries a busy task.
func WithPollInterval(d time.Duration) Option {
	return func(e *Encoder) { e.pollInterval = d }
}

// WithQueryTimeout bounds how long Sync waits for one task before the
// device is declared lost.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Encoder) { e.queryTimeout = d }
}

// Encoder is one encode session on one device.
type Encoder struct {
	mu sync.Mutex

	driver       DriverEncoder
	stager       ExtraStager
	ext          Extension
	brcExt       brc.ExtBRC
	pollInterval time.Duration
	queryTimeout time.Duration

	id     uuid.UUID
	inited bool
	failed bool

	par   param.VideoParam
	caps  param.Caps
	brc   brc.Iface
	tasks *task.Manager

	// dpb is the buffer state after the last prepared frame.
	dpb         task.DpbArray
	frameOrder  uint32
	encodeOrder uint32
	lastIDR     uint32
	lastRAP     int32
	headers     task.HeaderFlags

	stats Stats
}

// New returns an encoder for driver. Init must be called before use.
func New(driver DriverEncoder, opts ...Option) *Encoder {
	e := &Encoder{
		driver:       driver,
		pollInterval: defaultPollInterval,
		queryTimeout: defaultQueryTimeout,
	}
	e.stager, _ = driver.(ExtraStager)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init opens the device for par. Nothing is retried: any driver failure
// is returned as is.
func (e *Encoder) Init(ctx context.Context, par param.VideoParam) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inited {
		return ErrAlreadyInitialized
	}
	if e.brcExt != nil {
		par.ExtBRC = true
	}
	par.Derive()
	if err := par.Validate(); err != nil {
		return err
	}
	if e.ext != nil {
		if err := e.ext.ExtraCheckVideoParam(&par); err != nil {
			return err
		}
	}

	guid := deviceGUID(&par)
	if err := e.driver.CreateAuxilliaryDevice(ctx, guid, par.Width, par.Height); err != nil {
		return fmt.Errorf("create device %s: %w", guid, err)
	}
	caps, err := e.driver.QueryEncodeCaps()
	if err != nil {
		return fmt.Errorf("query caps: %w", err)
	}
	if err := checkCaps(&par, &caps); err != nil {
		return err
	}
	if err := e.driver.CreateAccelerationService(&par); err != nil {
		return fmt.Errorf("create acceleration service: %w", err)
	}

	b := e.newBRC(&par)
	if err := b.Init(&par, par.IsSWBRC()); err != nil {
		return fmt.Errorf("init brc: %w", err)
	}

	e.id = uuid.New()
	e.par = par
	e.caps = caps
	e.brc = b
	e.tasks = task.NewManager(par.TaskPoolSize())
	e.failed = false
	e.stats = Stats{Session: e.id.String()}
	e.restart()
	e.inited = true

	logger.Infof("[%s] init %dx%d profile %d level %d gop %d/%d rc %s pool %d",
		e.id, par.Width, par.Height, vaProfile(par.Profile), par.Level, par.GopPicSize, par.GopRefDist,
		par.RateControlMethod, par.TaskPoolSize())
	return nil
}

func (e *Encoder) newBRC(par *param.VideoParam) brc.Iface {
	var opts []brc.Option
	if e.brcExt != nil {
		opts = append(opts, brc.WithCallbacks(e.brcExt))
	}
	return brc.New(par, opts...)
}

// restart begins a new coded video sequence with the next frame.
func (e *Encoder) restart() {
	e.dpb = task.NewDpbArray()
	e.frameOrder = 0
	e.encodeOrder = 0
	e.lastIDR = 0
	e.lastRAP = 0
	e.headers = task.InsertVPS | task.InsertSPS | task.InsertPPS
}

func (e *Encoder) usable() error {
	if !e.inited {
		return ErrNotInitialized
	}
	if e.failed {
		return ErrDeviceFailed
	}
	return nil
}

// Reset applies new parameters. Frames in flight are encoded first,
// buffered input is dropped and the next frame starts with an IDR picture.
// The picture size may not grow and the picture structure may not change.
func (e *Encoder) Reset(ctx context.Context, par param.VideoParam) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	if e.brcExt != nil {
		par.ExtBRC = true
	}
	par.Derive()
	if err := par.Validate(); err != nil {
		return err
	}
	if par.Width > e.par.Width || par.Height > e.par.Height || par.PicStruct != e.par.PicStruct {
		return fmt.Errorf("%w: reset from %dx%d to %dx%d", param.ErrInvalidVideoParam,
			e.par.Width, e.par.Height, par.Width, par.Height)
	}
	if e.ext != nil {
		if err := e.ext.ExtraCheckVideoParam(&par); err != nil {
			return err
		}
	}
	if err := checkCaps(&par, &e.caps); err != nil {
		return err
	}

	resetBRC := par.RateControlMethod != e.par.RateControlMethod ||
		par.TargetKbps != e.par.TargetKbps || par.MaxKbps != e.par.MaxKbps ||
		par.BufferSizeInKB != e.par.BufferSizeInKB
	if resetBRC && !par.IsSWBRC() && !e.caps.BRCResetSupport {
		return unsupported("rate change on a device without BRC reset")
	}

	if err := e.drain(ctx, true); err != nil {
		return err
	}
	dropped := e.tasks.Discard()

	if err := e.driver.Reset(&par, resetBRC); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}
	if par.RateControlMethod != e.par.RateControlMethod || par.ExtBRC != e.par.ExtBRC {
		var merr *multierror.Error
		merr = multierror.Append(merr, e.brc.Close())
		b := e.newBRC(&par)
		merr = multierror.Append(merr, b.Init(&par, par.IsSWBRC()))
		if err := merr.ErrorOrNil(); err != nil {
			return fmt.Errorf("replace brc: %w", err)
		}
		e.brc = b
	} else if err := e.brc.Reset(&par); err != nil {
		return fmt.Errorf("reset brc: %w", err)
	}

	e.par = par
	e.tasks.Reset(par.TaskPoolSize())
	e.restart()
	logger.Infof("[%s] reset rc %s target %dkbps, dropped %d buffered frames, brc reset %v",
		e.id, par.RateControlMethod, par.TargetKbps, dropped, resetBRC)
	return nil
}

// GetVideoParam returns the parameters in use, defaults included.
func (e *Encoder) GetVideoParam() (param.VideoParam, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inited {
		return param.VideoParam{}, ErrNotInitialized
	}
	par := e.par
	par.TemporalScale = append([]int(nil), e.par.TemporalScale...)
	return par, nil
}

func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SetLookAheadStats passes pre-analysis results to look-ahead rate control.
func (e *Encoder) SetLookAheadStats(data brc.VMEData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usable(); err != nil {
		return err
	}
	return e.brc.SetFrameVMEData(data)
}

// Close releases the device. Frames still in flight are abandoned.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inited {
		return nil
	}
	e.inited = false
	if n := len(e.tasks.Abort()); n > 0 {
		logger.Warnf("[%s] close abandons %d frames", e.id, n)
	}

	var merr *multierror.Error
	if err := e.brc.Close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close brc: %w", err))
	}
	if err := e.driver.Destroy(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("destroy device: %w", err))
	}
	logger.Infof("[%s] closed after %d frames, %d bytes", e.id, e.stats.Frames, e.stats.Bytes)
	return merr.ErrorOrNil()
}

// reconPoolSize is the number of reconstructed surfaces the device needs.
func (e *Encoder) reconPoolSize() int {
	return dpb.Capacity(&e.par) + e.tasks.Size()
}
