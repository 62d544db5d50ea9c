package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"radar-node/utils"
)

// VirtualArray places the MIMO virtual antennas on a Rows x Cols slot grid.
// Snapshot element k is antenna antennas[k] sitting in slot slots[k].
type VirtualArray struct {
	rows, cols int
	slots      []int
	antennas   []int
}

// NewVirtualArray validates cfg against the number of virtual antennas.
func NewVirtualArray(cfg utils.VirtualArrayConfig, antennaCount int) (*VirtualArray, error) {
	if len(cfg.ActiveSlots) == 0 || len(cfg.ActiveSlots) != len(cfg.AntennaOrder) {
		return nil, fmt.Errorf("%w: virtual array has %d slots for %d antennas",
			utils.ErrConfigInvalid, len(cfg.ActiveSlots), len(cfg.AntennaOrder))
	}
	for _, a := range cfg.AntennaOrder {
		if a < 0 || a >= antennaCount {
			return nil, fmt.Errorf("%w: virtual array antenna %d out of range [0,%d)",
				utils.ErrConfigInvalid, a, antennaCount)
		}
	}
	for _, s := range cfg.ActiveSlots {
		if s < 0 || s >= cfg.Rows*cfg.Cols {
			return nil, fmt.Errorf("%w: virtual array slot %d outside %dx%d grid",
				utils.ErrConfigInvalid, s, cfg.Rows, cfg.Cols)
		}
	}
	return &VirtualArray{
		rows:     cfg.Rows,
		cols:     cfg.Cols,
		slots:    append([]int(nil), cfg.ActiveSlots...),
		antennas: append([]int(nil), cfg.AntennaOrder...),
	}, nil
}

// Size is the number of populated slots.
func (v *VirtualArray) Size() int { return len(v.slots) }

// Slots is the full slot count including unpopulated positions.
func (v *VirtualArray) Slots() int { return v.rows * v.cols }

// slotPhase is the plane-wave phase at a slot for azimuth theta and
// elevation phi, with half-wavelength spacing.
func (v *VirtualArray) slotPhase(slot int, theta, phi float64) float64 {
	n := float64(slot / v.cols)
	k := float64(slot % v.cols)
	st := math.Sin(theta)
	return math.Pi * (n*st*math.Cos(phi) + k*st*math.Sin(phi))
}

// Steering writes the populated-slot steering vector for an arrival angle.
func (v *VirtualArray) Steering(dst []complex128, thetaDeg, elevDeg float64) {
	theta, phi := thetaDeg*math.Pi/180, elevDeg*math.Pi/180
	for k, s := range v.slots {
		dst[k] = cmplx.Exp(complex(0, v.slotPhase(s, theta, phi)))
	}
}

// AntennaPhases returns, per antenna index, the phase a target at the given
// angle produces. Unmapped antennas get zero.
func (v *VirtualArray) AntennaPhases(antennaCount int, thetaDeg, elevDeg float64) []float64 {
	theta, phi := thetaDeg*math.Pi/180, elevDeg*math.Pi/180
	out := make([]float64, antennaCount)
	for k, s := range v.slots {
		out[v.antennas[k]] = v.slotPhase(s, theta, phi)
	}
	return out
}

// Gather reads the snapshot vector at one map cell.
func (v *VirtualArray) Gather(dst []complex128, planes [][]complex128, cell int) {
	for k, a := range v.antennas {
		dst[k] = planes[a][cell]
	}
}

// Expand spreads a snapshot over the full slot grid, zero-filling
// unpopulated slots.
func (v *VirtualArray) Expand(dst, snapshot []complex128) {
	clear(dst[:v.Slots()])
	for k, s := range v.slots {
		dst[s] = snapshot[k]
	}
}

// Covariance estimates the spatial covariance at one range bin as the mean
// outer product of the snapshots across all Doppler rows. dst is N x N
// row-major with N = v.Size(); snap is N scratch values.
func (v *VirtualArray) Covariance(dst, snap []complex128, planes [][]complex128, rangeBin, rows, cols int) {
	n := v.Size()
	clear(dst[:n*n])
	for j := 0; j < rows; j++ {
		v.Gather(snap, planes, j*cols+rangeBin)
		for a := 0; a < n; a++ {
			xa := snap[a]
			for b := 0; b < n; b++ {
				dst[a*n+b] += xa * cmplx.Conj(snap[b])
			}
		}
	}
	inv := complex(1/float64(rows), 0)
	for i := range dst[:n*n] {
		dst[i] *= inv
	}
}
