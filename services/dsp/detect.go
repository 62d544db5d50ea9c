package dsp

import (
	"fmt"
	"math"

	"radar-node/utils"
)

// Detection is the strongest cell picked for a frame.
type Detection struct {
	Bin   int
	Value float64
	Found bool
}

// Detector selects the target cell from the current and previous
// zero-suppressed maps (rows = Doppler, cols = range).
type Detector interface {
	Name() string
	Detect(cur, prev []float64, rows, cols int) Detection
}

// NewDetector builds the strategy named in cfg.Detector.
func NewDetector(cfg utils.DSPConfig) (Detector, error) {
	switch cfg.Detector {
	case "", "delta-peak":
		return &DeltaPeak{}, nil
	case "ca-cfar":
		return NewCACFAR(cfg.CFAR), nil
	}
	return nil, fmt.Errorf("%w: detector %q", utils.ErrConfigInvalid, cfg.Detector)
}

// delta writes cur - prev into buf, growing it as needed.
func delta(buf, cur, prev []float64) []float64 {
	if cap(buf) < len(cur) {
		buf = make([]float64, len(cur))
	}
	buf = buf[:len(cur)]
	for i := range cur {
		buf[i] = cur[i] - prev[i]
	}
	return buf
}

// DeltaPeak reports the global maximum of the frame-to-frame difference,
// the first such cell in scan order on ties.
type DeltaPeak struct {
	diff []float64
}

func (*DeltaPeak) Name() string { return "delta-peak" }

func (d *DeltaPeak) Detect(cur, prev []float64, rows, cols int) Detection {
	d.diff = delta(d.diff, cur, prev)
	if len(d.diff) == 0 {
		return Detection{}
	}
	best := Detection{Bin: 0, Value: d.diff[0], Found: true}
	for i, v := range d.diff {
		if v > best.Value {
			best.Bin, best.Value = i, v
		}
	}
	return best
}

// CACFAR is a cell-averaging CFAR over the same difference map: a cell is a
// detection when it exceeds the mean of its training ring by Offset. The
// strongest detection wins. Windows are clipped at the map edges.
type CACFAR struct {
	cfg  utils.CFARConfig
	diff []float64
	sat  []float64
}

func NewCACFAR(cfg utils.CFARConfig) *CACFAR { return &CACFAR{cfg: cfg} }

func (*CACFAR) Name() string { return "ca-cfar" }

func (c *CACFAR) Detect(cur, prev []float64, rows, cols int) Detection {
	c.diff = delta(c.diff, cur, prev)
	c.buildSAT(rows, cols)

	outR := c.cfg.GuardRange + c.cfg.TrainRange
	outD := c.cfg.GuardDoppler + c.cfg.TrainDoppler
	best := Detection{Value: math.Inf(-1)}
	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			sumO, nO := c.boxSum(r-outD, r+outD, col-outR, col+outR, rows, cols)
			sumG, nG := c.boxSum(r-c.cfg.GuardDoppler, r+c.cfg.GuardDoppler,
				col-c.cfg.GuardRange, col+c.cfg.GuardRange, rows, cols)
			n := nO - nG
			if n <= 0 {
				continue
			}
			noise := (sumO - sumG) / float64(n)
			v := c.diff[r*cols+col]
			if v > noise+c.cfg.Offset && v > best.Value {
				best = Detection{Bin: r*cols + col, Value: v, Found: true}
			}
		}
	}
	if !best.Found {
		return Detection{}
	}
	return best
}

// buildSAT fills the (rows+1) x (cols+1) summed-area table of diff.
func (c *CACFAR) buildSAT(rows, cols int) {
	n := (rows + 1) * (cols + 1)
	if cap(c.sat) < n {
		c.sat = make([]float64, n)
	}
	c.sat = c.sat[:n]
	w := cols + 1
	clear(c.sat[:w])
	for r := 0; r < rows; r++ {
		c.sat[(r+1)*w] = 0
		var run float64
		for col := 0; col < cols; col++ {
			run += c.diff[r*cols+col]
			c.sat[(r+1)*w+col+1] = c.sat[r*w+col+1] + run
		}
	}
}

// boxSum sums diff over the inclusive box clipped to the map.
func (c *CACFAR) boxSum(r0, r1, c0, c1, rows, cols int) (float64, int) {
	r0, c0 = max(r0, 0), max(c0, 0)
	r1, c1 = min(r1, rows-1), min(c1, cols-1)
	if r0 > r1 || c0 > c1 {
		return 0, 0
	}
	w := cols + 1
	s := c.sat[(r1+1)*w+c1+1] - c.sat[r0*w+c1+1] - c.sat[(r1+1)*w+c0] + c.sat[r0*w+c0]
	return s, (r1 - r0 + 1) * (c1 - c0 + 1)
}
