package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"radar-node/models"
	"radar-node/services/stage"
	"radar-node/utils"
)

// SimSource is a source stage that synthesizes frames instead of reading
// the network. The target walks in range by RangeStep bins per frame so the
// frame-to-frame difference always has a fresh peak.
type SimSource struct {
	cfg    utils.SimulateConfig
	g      models.Geometry
	out    *stage.Handoff[*models.RawFrame]
	synth  *Synthesizer
	phases []float64
	period time.Duration
	log    *utils.Logger

	next     time.Time
	rangeBin int
	frames   uint64
}

// RangeStep is how far the simulated target moves between frames.
const RangeStep = 8

// NewSimSource builds a simulator. phases carries the per-antenna phase of
// the target's arrival angle.
func NewSimSource(cfg utils.SimulateConfig, g models.Geometry, out *stage.Handoff[*models.RawFrame], phases []float64) *SimSource {
	period := time.Duration(0)
	if cfg.RateHz > 0 {
		period = time.Second / time.Duration(cfg.RateHz)
	}
	rb := cfg.RangeBin
	if rb < 0 || rb >= g.FastTime {
		rb = g.FastTime / 4
	}
	return &SimSource{
		cfg:      cfg,
		g:        g,
		out:      out,
		synth:    NewSynthesizer(g, cfg.Offset, cfg.Noise, cfg.Seed),
		phases:   phases,
		period:   period,
		log:      utils.L().With("sim"),
		rangeBin: rb,
	}
}

func (s *SimSource) Name() string { return "ingest-sim" }

// Process renders one frame at the configured rate.
func (s *SimSource) Process(ctx context.Context) error {
	if s.period > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.next = s.next.Add(s.period)
	}

	frame, err := s.out.Acquire(ctx)
	if err != nil {
		return err
	}
	s.synth.Fill(frame.Samples, s.Target())
	frame.Number = atomic.AddUint64(&s.frames, 1)
	frame.TimestampNs = utils.NowNano()
	frame.Filled = len(frame.Samples)
	if frame.Number == 1 {
		s.log.Info("simulating target  (range_bin=%d doppler_bin=%d amplitude=%.0f rate=%dHz)",
			s.rangeBin, s.cfg.DopplerBin, s.cfg.Amplitude, s.cfg.RateHz)
	}
	s.advance()
	s.out.Publish(frame)
	return nil
}

// Target is the scatterer the next frame will contain.
func (s *SimSource) Target() Target {
	return Target{
		RangeBin:   s.rangeBin,
		DopplerBin: s.cfg.DopplerBin,
		Amplitude:  s.cfg.Amplitude,
		Phases:     s.phases,
	}
}

// advance moves the target outwards, wrapping at the end of the range axis.
func (s *SimSource) advance() {
	s.rangeBin = (s.rangeBin + RangeStep) % s.g.FastTime
}

// Frames is the number of frames produced.
func (s *SimSource) Frames() uint64 { return atomic.LoadUint64(&s.frames) }
