package dsp

import (
	"math"

	"radar-node/utils"
)

// FFTAngle estimates azimuth by a 2D FFT over the antenna grid. The
// azimuth row of the log-magnitude spectrum is fftshifted so bin m maps to
// asin((m - C/2) / (C/2)) for half-wavelength column spacing.
type FFTAngle struct {
	rows, cols int
	positions  [][2]int
	azRow      int
	lo, hi     int

	fft  *FFT2D
	grid []complex128
}

func NewFFTAngle(cfg utils.AngleGridConfig) *FFTAngle {
	return &FFTAngle{
		rows:      cfg.Rows,
		cols:      cfg.Cols,
		positions: append([][2]int(nil), cfg.Positions...),
		azRow:     cfg.AzimuthRow,
		lo:        cfg.BinLo,
		hi:        cfg.BinHi,
		fft:       NewFFT2D(cfg.Rows, cfg.Cols, 1),
		grid:      make([]complex128, cfg.Rows*cfg.Cols),
	}
}

// Bins is the number of spectrum values Estimate writes.
func (f *FFTAngle) Bins() int { return f.hi - f.lo }

// BinAngle is the arrival angle in degrees of shifted azimuth bin m.
func (f *FFTAngle) BinAngle(m int) float64 {
	half := float64(f.cols / 2)
	s := (float64(m) - half) / half
	s = math.Max(-1, math.Min(1, s))
	return math.Asin(s) * 180 / math.Pi
}

// Estimate places one complex value per antenna on the grid and returns the
// angle of the strongest azimuth bin in [lo, hi). spectrum and angles, when
// non-nil, receive Bins() values.
func (f *FFTAngle) Estimate(values []complex128, spectrum, angles []float64) AngleScan {
	clear(f.grid)
	for a, p := range f.positions {
		if a < len(values) {
			f.grid[p[0]*f.cols+p[1]] = values[a]
		}
	}
	f.fft.Transform([][]complex128{f.grid})

	best := AngleScan{Index: -1}
	bestMag := math.Inf(-1)
	row := f.grid[f.azRow*f.cols : (f.azRow+1)*f.cols]
	for m := f.lo; m < f.hi; m++ {
		k := (m + f.cols/2) % f.cols
		v := LogMagnitude(row[k])
		if spectrum != nil {
			spectrum[m-f.lo] = v
		}
		if angles != nil {
			angles[m-f.lo] = f.BinAngle(m)
		}
		if v > bestMag {
			bestMag = v
			best.Index = m
		}
	}
	best.Angle = f.BinAngle(best.Index)
	return best
}

// GridPhases returns, per antenna, the phase a plane wave from thetaDeg
// produces at its grid column.
func GridPhases(cfg utils.AngleGridConfig, thetaDeg float64) []float64 {
	u := math.Sin(thetaDeg * math.Pi / 180)
	out := make([]float64, len(cfg.Positions))
	for a, p := range cfg.Positions {
		out[a] = math.Pi * float64(p[1]) * u
	}
	return out
}
