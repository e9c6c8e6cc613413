package vaapi_hevc

import (
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/richinsley/vaapi_hevc/param"
)

// Params stores vaapi hevc specific encoding parameters.
type Params struct {
	codec.BaseParams
	// Driver opens the encode device for every built encoder.
	Driver DriverFactory
	// Video overrides the stream configuration. Size and frame rate come
	// from the media properties, bitrate and key frame interval from
	// BaseParams.
	Video param.VideoParam
}

// NewParams returns default vaapi hevc codec specific parameters: a low
// delay IPPP stream with one frame in flight.
func NewParams() (Params, error) {
	return Params{
		BaseParams: codec.BaseParams{
			KeyFrameInterval: 60,
		},
		Video: param.VideoParam{
			GopRefDist:        1,
			IdrInterval:       1,
			RateControlMethod: param.RateControlCBR,
			AsyncDepth:        1,
		},
	}, nil
}

// BuildVideoEncoder builds the hevc encoder with given params
func (p *Params) BuildVideoEncoder(r video.Reader, property prop.Media) (codec.ReadCloser, error) {
	return newEncoder(r, property, *p)
}
