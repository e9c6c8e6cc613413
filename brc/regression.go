package brc

// Regression fits y = k*x through the origin over the last N samples.
// Samples are normalized to a fixed x so that every sample weighs the same.
type Regression struct {
	x, y  []float64
	next  int
	normX float64
	sumxx float64
	sumxy float64
}

// NewRegression returns a window of size samples filled with (initX, initY).
func NewRegression(size int, initX, initY float64) *Regression {
	r := &Regression{}
	r.Reset(size, initX, initY)
	return r
}

func (r *Regression) Reset(size int, initX, initY float64) {
	if size < 1 {
		size = 1
	}
	r.x = make([]float64, size)
	r.y = make([]float64, size)
	for i := range r.x {
		r.x[i], r.y[i] = initX, initY
	}
	r.next = 0
	r.normX = initX
	r.sumxx = initX * initX * float64(size)
	r.sumxy = initX * initY * float64(size)
}

// Add replaces the oldest sample.
func (r *Regression) Add(x, y float64) {
	if x == 0 {
		return
	}
	y = y / x * r.normX
	x = r.normX
	old := r.next
	r.sumxy += x*y - r.x[old]*r.y[old]
	r.sumxx += x*x - r.x[old]*r.x[old]
	r.x[old], r.y[old] = x, y
	r.next = (r.next + 1) % len(r.x)
}

// Coeff returns the slope of the window. A window without variance in x
// returns 1, which leaves estimates unchanged.
func (r *Regression) Coeff() float64 {
	if r.sumxx <= 0 {
		return 1
	}
	return r.sumxy / r.sumxx
}

func (r *Regression) Size() int { return len(r.x) }
