package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"radar-node/services/stage"
	"radar-node/utils"
)

// retryLoading is the loading factor used when the configured one still
// leaves the covariance singular under the regularize policy.
const retryLoading = 1e-3

// AngleScan is the outcome of one angle estimate.
type AngleScan struct {
	Angle       float64
	Index       int
	Regularized bool // inversion needed the retry loading
}

// Beamformer scans the MVDR spectrum 1/(s^H R^-1 s) over a fixed angle grid.
// Complex inversion is done on the real 2N x 2N embedding [[X,-Y],[Y,X]].
type Beamformer struct {
	n       int
	angles  []float64
	steer   [][]complex128
	loading float64
	skip    bool

	embed *mat.Dense
	inv   mat.Dense
	rinv  []complex128
}

// NewBeamformer precomputes steering vectors for every scan angle.
func NewBeamformer(va *VirtualArray, cfg utils.AngleConfig) *Beamformer {
	n := va.Size()
	b := &Beamformer{
		n:       n,
		loading: cfg.DiagonalLoading,
		skip:    cfg.SingularPolicy == "skip",
		embed:   mat.NewDense(2*n, 2*n, nil),
		rinv:    make([]complex128, n*n),
	}
	steps := int(math.Round((cfg.StopDeg-cfg.StartDeg)/cfg.StepDeg)) + 1
	for i := 0; i < steps; i++ {
		theta := cfg.StartDeg + float64(i)*cfg.StepDeg
		s := make([]complex128, n)
		va.Steering(s, theta, cfg.ElevationDeg)
		b.angles = append(b.angles, theta)
		b.steer = append(b.steer, s)
	}
	return b
}

// Angles returns the scan grid in degrees.
func (b *Beamformer) Angles() []float64 { return b.angles }

// Scan fills spectrum (len(Angles())) with |power| and returns the first
// angle of maximum power. A covariance with no energy, or one that stays
// singular under the policy, yields stage.ErrMatrixSingular.
func (b *Beamformer) Scan(cov []complex128, spectrum []float64) (AngleScan, error) {
	n := b.n
	var tr float64
	for i := 0; i < n; i++ {
		tr += real(cov[i*n+i])
	}
	if !(tr > 0) || math.IsInf(tr, 0) {
		clear(spectrum)
		return AngleScan{}, fmt.Errorf("%w: covariance trace %g", stage.ErrMatrixSingular, tr)
	}

	load := b.loading * tr / float64(n)
	regularized := false
	if err := b.invert(cov, load); err != nil {
		if b.skip {
			clear(spectrum)
			return AngleScan{}, fmt.Errorf("%w: %v", stage.ErrMatrixSingular, err)
		}
		load = max(load, retryLoading*tr/float64(n))
		regularized = true
		if err := b.invert(cov, load); err != nil {
			clear(spectrum)
			return AngleScan{Regularized: true}, fmt.Errorf("%w: %v", stage.ErrMatrixSingular, err)
		}
	}

	best := AngleScan{Index: -1, Regularized: regularized}
	bestPow := math.Inf(-1)
	for i, s := range b.steer {
		q := cmplx.Abs(b.quadForm(s))
		p := math.MaxFloat64
		if q > 0 {
			p = 1 / q
		}
		spectrum[i] = p
		if p > bestPow {
			bestPow = p
			best.Index = i
		}
	}
	best.Angle = b.angles[best.Index]
	return best, nil
}

// invert stores (cov + load*I)^-1 in b.rinv.
func (b *Beamformer) invert(cov []complex128, load float64) error {
	n := b.n
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			z := cov[i*n+j]
			re, im := real(z), imag(z)
			if i == j {
				re += load
			}
			b.embed.Set(i, j, re)
			b.embed.Set(i, j+n, -im)
			b.embed.Set(i+n, j, im)
			b.embed.Set(i+n, j+n, re)
		}
	}
	if err := b.inv.Inverse(b.embed); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b.rinv[i*n+j] = complex(b.inv.At(i, j), b.inv.At(i+n, j))
		}
	}
	return nil
}

// quadForm is s^H * rinv * s.
func (b *Beamformer) quadForm(s []complex128) complex128 {
	n := b.n
	var acc complex128
	for i := 0; i < n; i++ {
		var row complex128
		for j := 0; j < n; j++ {
			row += b.rinv[i*n+j] * s[j]
		}
		acc += cmplx.Conj(s[i]) * row
	}
	return acc
}
