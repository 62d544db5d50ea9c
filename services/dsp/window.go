package dsp

import (
	"math"
	"strings"
)

// WindowKind names a fast-time taper.
type WindowKind string

const (
	Blackman    WindowKind = "blackman"
	Hann        WindowKind = "hann"
	Rectangular WindowKind = "rect"
)

// ParseWindow maps a config name onto a window. Unknown names give a
// rectangular window and ok=false.
func ParseWindow(name string) (WindowKind, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "blackman":
		return Blackman, true
	case "hann":
		return Hann, true
	case "rect", "rectangular", "none":
		return Rectangular, true
	}
	return Rectangular, false
}

// MakeWindow evaluates the symmetric window of length n.
func MakeWindow(kind WindowKind, n int) []float64 {
	w := make([]float64, n)
	den := float64(n - 1)
	for i := range w {
		x := float64(i)
		switch kind {
		case Blackman:
			w[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x/den) + 0.08*math.Cos(4*math.Pi*x/den)
		case Hann:
			w[i] = 0.5 * (1 - math.Cos(2*math.Pi*x/den))
		default:
			w[i] = 1
		}
	}
	return w
}

// NormalizeWindow scales w to unit coherent gain.
func NormalizeWindow(w []float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	g := float64(len(w)) / sum
	for i := range w {
		w[i] *= g
	}
}
