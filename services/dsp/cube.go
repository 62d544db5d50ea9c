package dsp

import (
	"radar-node/models"
)

// ShapeCube converts a device-order raw frame into the windowed
// (antenna, slow, fast) complex cube. dst must hold g.CubeSize() values and
// window g.FastTime taps.
//
// Each (chirp, tx, fast) block on the wire is RX in-phase samples followed
// by RX quadrature samples; see models.Geometry.Decompose.
func ShapeCube(dst []complex128, raw []uint16, window []float64, g models.Geometry) {
	base := 0
	for slow := 0; slow < g.SlowTime; slow++ {
		for tx := 0; tx < g.TX; tx++ {
			for fast := 0; fast < g.FastTime; fast++ {
				w := window[fast]
				for rx := 0; rx < g.RX; rx++ {
					re := float64(raw[base+rx]) * w
					im := float64(raw[base+g.RX+rx]) * w
					ant := tx*g.RX + rx
					dst[(ant*g.SlowTime+slow)*g.FastTime+fast] = complex(re, im)
				}
				base += models.IQ * g.RX
			}
		}
	}
}

// Planes splits a cube into per-antenna range-Doppler planes sharing its storage.
func Planes(cube []complex128, g models.Geometry) [][]complex128 {
	n := g.MapSize()
	planes := make([][]complex128, g.Antennas())
	for a := range planes {
		planes[a] = cube[a*n : (a+1)*n : (a+1)*n]
	}
	return planes
}
