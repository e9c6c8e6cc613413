package param

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	par := Default(1920, 1080)
	if err := par.Validate(); err != nil {
		t.Fatal(err)
	}
	if par.TargetKbps != 18662 || par.MaxKbps != par.TargetKbps {
		t.Fatalf("bitrate %d/%d", par.TargetKbps, par.MaxKbps)
	}
	if par.BufferSizeInKB != 4664 || par.InitialDelayInKB != 2332 {
		t.Fatalf("buffer %d initial delay %d", par.BufferSizeInKB, par.InitialDelayInKB)
	}
	if par.Level != 120 {
		t.Fatalf("level %d, want 120", par.Level)
	}
	if par.NumRefFrame != 2 || par.BRefType != BRefOff || par.IsBPyramid() {
		t.Fatalf("low delay references: %d %d", par.NumRefFrame, par.BRefType)
	}
	if par.TaskPoolSize() != DefaultAsyncDepth+1 {
		t.Fatalf("task pool %d", par.TaskPoolSize())
	}
}

func TestDerive(t *testing.T) {
	par := VideoParam{Width: 320, Height: 240, GopRefDist: 8, RateControlMethod: RateControlCQP}
	par.Derive()
	if par.QPI != 26 || par.QPP != 28 || par.QPB != 30 {
		t.Fatalf("qps %d %d %d", par.QPI, par.QPP, par.QPB)
	}
	if par.TargetKbps != 0 {
		t.Fatalf("constant QP got a bitrate: %d", par.TargetKbps)
	}
	if !par.IsBPyramid() || par.NumRefFrame != 2+PyramidLevels(7) {
		t.Fatalf("pyramid %v with %d references", par.IsBPyramid(), par.NumRefFrame)
	}
	if par.GopPicSize != InfiniteGop || par.IdrPicDist() != 0 {
		t.Fatalf("gop %d idr dist %d", par.GopPicSize, par.IdrPicDist())
	}
	if par.Level != 60 {
		t.Fatalf("level %d, want 60", par.Level)
	}

	par = VideoParam{Width: 320, Height: 240, GopPicSize: 4, GopRefDist: 8, RateControlMethod: RateControlVBR, TargetKbps: 1000}
	par.Derive()
	if par.GopRefDist != 4 || par.MaxKbps != 1500 {
		t.Fatalf("ref dist %d max kbps %d", par.GopRefDist, par.MaxKbps)
	}

	par = VideoParam{Width: 320, Height: 240, RateControlMethod: RateControlLA, TargetKbps: 1000}
	par.Derive()
	if par.LookAheadDepth != DefaultLookAhead || !par.IsSWBRC() || par.HRDConformance() {
		t.Fatalf("look-ahead depth %d", par.LookAheadDepth)
	}
}

func TestPyramidLevels(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 1, 2: 2, 3: 2, 7: 3, 15: 4} {
		if got := PyramidLevels(n); got != want {
			t.Fatalf("PyramidLevels(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*VideoParam)
	}{
		{"odd width", func(p *VideoParam) { p.Width = 321 }},
		{"too large", func(p *VideoParam) { p.Width = 16384 }},
		{"pic struct", func(p *VideoParam) { p.PicStruct = 0x10 }},
		{"ltr with b frames", func(p *VideoParam) { p.LTRInterval = 8; p.GopRefDist = 2 }},
		{"temporal scale base", func(p *VideoParam) { p.TemporalScale = []int{2, 4} }},
		{"temporal scale chain", func(p *VideoParam) { p.TemporalScale = []int{1, 2, 3} }},
		{"temporal layers with b frames", func(p *VideoParam) { p.TemporalScale = []int{1, 2}; p.GopRefDist = 2 }},
		{"qp range", func(p *VideoParam) { p.MinQP, p.MaxQP = 40, 30 }},
		{"look-ahead depth", func(p *VideoParam) { p.RateControlMethod = RateControlLA; p.LookAheadDepth = 5 }},
		{"slices", func(p *VideoParam) { p.NumSlice = 100 }},
	}
	for _, c := range cases {
		par := Default(320, 240)
		c.mod(&par)
		if err := par.Validate(); !errors.Is(err, ErrInvalidVideoParam) {
			t.Fatalf("%s: %v", c.name, err)
		}
	}

	par := Default(320, 240)
	par.TemporalScale = []int{1, 2, 4}
	if err := par.Validate(); err != nil {
		t.Fatalf("divisor chain rejected: %v", err)
	}
}

const testConfig = `
width: 1280
height: 720
gop_pic_size: 30
gop_ref_dist: 4
rate_control: VBR
target_kbps: 3000
`

func TestParse(t *testing.T) {
	par, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if par.RateControlMethod != RateControlVBR || par.MaxKbps != 4500 || !par.IsBPyramid() {
		t.Fatalf("parsed %s max %d pyramid %v", par.RateControlMethod, par.MaxKbps, par.IsBPyramid())
	}

	out, err := par.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "rate_control: vbr") {
		t.Fatalf("rate control not marshalled by name:\n%s", out)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if again.GopRefDist != par.GopRefDist || again.BufferSizeInKB != par.BufferSizeInKB || again.Level != par.Level {
		t.Fatalf("config changed on round trip:\n%s", out)
	}

	if _, err := Parse([]byte("widht: 1280\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := Parse([]byte("width: 64\nheight: 64\nrate_control: turbo\n")); err == nil {
		t.Fatalf("unknown rate control accepted")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoder.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	par, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if par.Width != 1280 || par.Height != 720 {
		t.Fatalf("size %dx%d", par.Width, par.Height)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
