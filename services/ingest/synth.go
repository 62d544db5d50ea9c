package ingest

import (
	"math"
	"math/rand/v2"

	"radar-node/models"
)

// Target is one synthetic point scatterer.
type Target struct {
	RangeBin   int
	DopplerBin int
	Amplitude  float64
	Phases     []float64 // per-antenna phase offset in radians, may be nil
}

// Synthesizer renders targets into device-order raw frames: for antenna a,
// chirp s and sample f the complex baseband value is
// A*exp(i*(2*pi*(r*f/F + d*s/S) + phase[a])) plus DC offset and noise.
type Synthesizer struct {
	g      models.Geometry
	offset float64
	noise  float64
	rng    *rand.Rand
}

func NewSynthesizer(g models.Geometry, offset, noise float64, seed int64) *Synthesizer {
	return &Synthesizer{
		g:      g,
		offset: offset,
		noise:  noise,
		rng:    rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15)),
	}
}

// Fill overwrites every sample of dst.
func (s *Synthesizer) Fill(dst []uint16, targets ...Target) {
	g := s.g
	for flat := range dst[:g.RawSamples()] {
		ix := g.Decompose(flat)
		ant := ix.TX*g.RX + ix.RX
		var v float64
		for _, t := range targets {
			ph := 2 * math.Pi * (float64(t.RangeBin*ix.Fast)/float64(g.FastTime) +
				float64(t.DopplerBin*ix.Slow)/float64(g.SlowTime))
			if ant < len(t.Phases) {
				ph += t.Phases[ant]
			}
			if ix.IQ == 0 {
				v += t.Amplitude * math.Cos(ph)
			} else {
				v += t.Amplitude * math.Sin(ph)
			}
		}
		if s.noise > 0 {
			v += s.rng.NormFloat64() * s.noise
		}
		dst[flat] = quantize(s.offset + v)
	}
}

func quantize(v float64) uint16 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
