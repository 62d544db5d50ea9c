package dsp

import (
	"math"
)

// magnitudeFloor keeps log2 finite for bins that are exactly zero.
const magnitudeFloor = 1e-20

// LogMagnitude is 0.5*log2(|z|^2), i.e. log2 of the modulus.
func LogMagnitude(z complex128) float64 {
	p := real(z)*real(z) + imag(z)*imag(z)
	if p < magnitudeFloor {
		p = magnitudeFloor
	}
	return 0.5 * math.Log2(p)
}

// AverageLogMagnitude writes the per-bin mean of LogMagnitude across all
// planes into dst and returns the extremes of the result.
func AverageLogMagnitude(dst []float64, planes [][]complex128) (lo, hi float64) {
	clear(dst)
	for _, p := range planes {
		for i, z := range p {
			dst[i] += LogMagnitude(z)
		}
	}
	inv := 1 / float64(len(planes))
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := range dst {
		v := dst[i] * inv
		dst[i] = v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Rescale maps [lo, hi] linearly onto [0, 255]. Results below zero become
// exactly zero; clipHigh also caps results at 255, which only matters when
// the bounds were supplied externally. A degenerate range zeroes the map.
func Rescale(m []float64, lo, hi float64, clipHigh bool) {
	span := hi - lo
	if !(span > 0) || math.IsInf(span, 0) {
		clear(m)
		return
	}
	k := 255 / span
	for i, v := range m {
		s := (v - lo) * k
		if s < 0 {
			s = 0
		} else if clipHigh && s > 255 {
			s = 255
		}
		m[i] = s
	}
}

// ShiftDoppler circularly shifts the rows of a rows x cols map by rows/2 so
// zero Doppler lands on row rows/2.
func ShiftDoppler(dst, src []float64, rows, cols int) {
	half := rows / 2
	for r := 0; r < rows; r++ {
		to := (r + half) % rows
		copy(dst[to*cols:(to+1)*cols], src[r*cols:(r+1)*cols])
	}
}

// UnshiftRow maps a shifted Doppler row back to the FFT output row.
func UnshiftRow(row, rows int) int {
	return (row - rows/2 + rows) % rows
}

// SuppressZeroDoppler zeroes the two rows around zero Doppler of a shifted map.
func SuppressZeroDoppler(m []float64, rows, cols int) {
	for r := rows / 2; r < rows/2+2 && r < rows; r++ {
		clear(m[r*cols : (r+1)*cols])
	}
}

// MeanNoise is the mean level of a map, used as the frame's noise floor.
func MeanNoise(m []float64) float64 {
	if len(m) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}
