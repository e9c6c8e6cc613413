package brc

import "github.com/richinsley/vaapi_hevc/param"

// hrdModel tracks the fullness of the hypothetical decoder's coded picture
// buffer in bits. The buffer fills at the channel rate and every frame
// drains its coded size at its removal time.
type hrdModel struct {
	cbr          bool
	bufSize      float64
	fullness     float64
	inputPerFrm  float64
	initialDelay float64
}

func newHRDModel(par *param.VideoParam) *hrdModel {
	h := &hrdModel{cbr: par.RateControlMethod == param.RateControlCBR}
	rate := float64(par.MaxKbps)
	if h.cbr || rate <= 0 {
		rate = float64(par.TargetKbps)
	}
	if fr := par.FrameRate(); fr > 0 {
		h.inputPerFrm = rate * 1000 / fr
	}
	h.bufSize = float64(par.BufferSizeInKB) * 8000
	h.initialDelay = float64(par.InitialDelayInKB) * 8000
	if h.bufSize <= 0 {
		h.bufSize = h.inputPerFrm * 60
	}
	if h.initialDelay <= 0 || h.initialDelay > h.bufSize {
		h.initialDelay = h.bufSize / 2
	}
	h.fullness = h.initialDelay
	return h
}

// check returns by how many bits a frame of the given size underflows or
// overflows the buffer. Only CBR can overflow.
func (h *hrdModel) check(bits float64) (under, over float64) {
	after := h.fullness - bits
	if after < 0 {
		under = -after
	}
	if h.cbr && after+h.inputPerFrm > h.bufSize {
		over = after + h.inputPerFrm - h.bufSize
	}
	return under, over
}

func (h *hrdModel) commit(bits float64) {
	h.fullness = h.fullness - bits + h.inputPerFrm
	if h.fullness > h.bufSize {
		h.fullness = h.bufSize
	}
	if h.fullness < 0 {
		h.fullness = 0
	}
}

func (h *hrdModel) maxFrameBits() float64 { return h.fullness }

func (h *hrdModel) minFrameBits() float64 {
	if !h.cbr {
		return 0
	}
	if v := h.fullness + h.inputPerFrm - h.bufSize; v > 0 {
		return v
	}
	return 0
}

// cpbRemovalDelay is the initial_cpb_removal_delay in 90 kHz ticks for the
// current fullness.
func (h *hrdModel) cpbRemovalDelay(bitrate float64) uint32 {
	if bitrate <= 0 {
		return 0
	}
	return uint32(90000 * h.fullness / bitrate)
}
