package dsp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"radar-node/models"
	"radar-node/services/stage"
	"radar-node/utils"
)

// Processor is the range-Doppler stage. It takes raw frames from a
// handoff, runs the full detection and angle chain, and publishes one
// FrameResult per frame on Out.
type Processor struct {
	g   models.Geometry
	cfg utils.DSPConfig
	in  *stage.Handoff[*models.RawFrame]
	log *utils.Logger

	window   []float64
	cube     []complex128
	planes   [][]complex128
	fft      *FFT2D
	avg      []float64
	cur      []float64
	prev     []float64
	detector Detector

	va       *VirtualArray
	beam     *Beamformer
	fftAngle *FFTAngle
	snap     []complex128
	cov      []complex128
	values   []complex128
	spectrum []float64

	snrMu   sync.Mutex
	snr     utils.SNRConfig
	handled atomic.Uint64

	latest atomic.Pointer[models.FrameResult]
	rawTap func(*models.RawFrame)

	Out      chan *models.FrameResult
	produced uint64
	dropped  uint64
}

// NewProcessor allocates every per-frame buffer up front.
func NewProcessor(cfg utils.DSPConfig, g models.Geometry, in *stage.Handoff[*models.RawFrame], outBuffer int) (*Processor, error) {
	log := utils.L().With("rangedoppler")

	kind, ok := ParseWindow(cfg.Window)
	if !ok {
		log.Warn("%v: window %q, using rectangular", utils.ErrConfigInvalid, cfg.Window)
	}
	window := MakeWindow(kind, g.FastTime)
	if cfg.WindowNormalize {
		NormalizeWindow(window)
	}

	det, err := NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	va, err := NewVirtualArray(cfg.VirtualArray, g.Antennas())
	if err != nil {
		return nil, err
	}
	if len(cfg.AngleGrid.Positions) != g.Antennas() {
		return nil, fmt.Errorf("%w: angle grid has %d positions for %d antennas",
			utils.ErrConfigInvalid, len(cfg.AngleGrid.Positions), g.Antennas())
	}
	if outBuffer <= 0 {
		outBuffer = 16
	}

	p := &Processor{
		g:        g,
		cfg:      cfg,
		in:       in,
		log:      log,
		window:   window,
		cube:     make([]complex128, g.CubeSize()),
		fft:      NewFFT2D(g.SlowTime, g.FastTime, cfg.FFTWorkers),
		avg:      make([]float64, g.MapSize()),
		cur:      make([]float64, g.MapSize()),
		prev:     make([]float64, g.MapSize()),
		detector: det,
		va:       va,
		beam:     NewBeamformer(va, cfg.Angle),
		fftAngle: NewFFTAngle(cfg.AngleGrid),
		snap:     make([]complex128, va.Size()),
		cov:      make([]complex128, va.Size()*va.Size()),
		values:   make([]complex128, g.Antennas()),
		snr:      cfg.SNR,
		Out:      make(chan *models.FrameResult, outBuffer),
	}
	p.planes = Planes(p.cube, g)
	p.spectrum = make([]float64, max(len(p.beam.Angles()), p.fftAngle.Bins()))

	log.Info("processor ready  (window=%s detector=%s estimator=%s geometry=%dx%dx%d)",
		kind, det.Name(), cfg.Angle.Estimator, g.Antennas(), g.SlowTime, g.FastTime)
	return p, nil
}

func (p *Processor) Name() string { return "rangedoppler" }

// Process consumes one frame from the handoff. The raw buffer goes back to
// the writer as soon as it has been shaped.
func (p *Processor) Process(ctx context.Context) error {
	frame, err := p.in.Receive(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	p.Shape(frame)
	if p.rawTap != nil {
		p.rawTap(frame)
	}
	number, ts := frame.Number, frame.TimestampNs
	p.in.Release(frame)

	res, err := p.Compute()
	res.FrameNumber = number
	res.TimestampNs = ts
	res.ElapsedMs = utils.Millis(time.Since(start))
	p.publish(res)
	return err
}

// SetRawTap registers fn to see every raw frame before its buffer is
// handed back to the source. fn must not keep the frame.
func (p *Processor) SetRawTap(fn func(*models.RawFrame)) { p.rawTap = fn }

// ProcessFrame runs the chain on one frame outside of any handoff.
func (p *Processor) ProcessFrame(frame *models.RawFrame) (*models.FrameResult, error) {
	start := time.Now()
	p.Shape(frame)
	res, err := p.Compute()
	res.FrameNumber = frame.Number
	res.TimestampNs = frame.TimestampNs
	res.ElapsedMs = utils.Millis(time.Since(start))
	p.latest.Store(res)
	return res, err
}

// Shape casts, windows and reorders a raw frame into the complex cube.
func (p *Processor) Shape(frame *models.RawFrame) {
	ShapeCube(p.cube, frame.Samples, p.window, p.g)
}

// Compute runs everything after cube shaping. The returned result is always
// usable; a non-nil error describes a degraded angle estimate.
func (p *Processor) Compute() (*models.FrameResult, error) {
	rows, cols := p.g.SlowTime, p.g.FastTime

	p.fft.Transform(p.planes)

	lo, hi := AverageLogMagnitude(p.avg, p.planes)
	snr := p.SNR()
	if snr.Enabled {
		lo, hi = snr.Min, snr.Max
	}
	Rescale(p.avg, lo, hi, snr.Enabled)
	noise := MeanNoise(p.avg)

	ShiftDoppler(p.cur, p.avg, rows, cols)
	SuppressZeroDoppler(p.cur, rows, cols)

	state := models.StateSteady
	if p.handled.Load() == 0 {
		state = models.StateBootstrap
	}
	det := p.detector.Detect(p.cur, p.prev, rows, cols)
	copy(p.prev, p.cur)
	p.handled.Add(1)

	res := &models.FrameResult{
		Estimate: models.Estimate{
			DetectionBin: det.Bin,
			RangeBin:     det.Bin % cols,
			DopplerBin:   det.Bin / cols,
			Detected:     det.Found,
			Estimator:    p.cfg.Angle.Estimator,
			NoiseFloor:   noise,
			State:        state,
		},
		Rows: rows,
		Cols: cols,
		RDM:  append([]float64(nil), p.cur...),
	}
	res.Range = float64(res.RangeBin) * p.cfg.RangeResolution
	if !det.Found {
		return res, nil
	}

	cell := UnshiftRow(res.DopplerBin, rows)*cols + res.RangeBin
	p.va.Gather(p.snap, p.planes, cell)
	res.Slots = make([]complex128, p.va.Slots())
	p.va.Expand(res.Slots, p.snap)

	var err error
	switch p.cfg.Angle.Estimator {
	case "fft":
		for a := range p.values {
			p.values[a] = p.planes[a][cell]
		}
		n := p.fftAngle.Bins()
		res.Spectrum = make([]float64, n)
		res.Angles = make([]float64, n)
		scan := p.fftAngle.Estimate(p.values, res.Spectrum, res.Angles)
		res.Angle, res.AngleValid = scan.Angle, true
	default:
		p.va.Covariance(p.cov, p.snap, p.planes, res.RangeBin, rows, cols)
		spec := p.spectrum[:len(p.beam.Angles())]
		var scan AngleScan
		scan, err = p.beam.Scan(p.cov, spec)
		res.Regularized = scan.Regularized
		res.Spectrum = append([]float64(nil), spec...)
		res.Angles = append([]float64(nil), p.beam.Angles()...)
		if err == nil {
			res.Angle, res.AngleValid = scan.Angle, true
		}
	}
	return res, err
}

func (p *Processor) publish(res *models.FrameResult) {
	p.latest.Store(res)
	select {
	case p.Out <- res:
		atomic.AddUint64(&p.produced, 1)
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

// SetSNR fixes the rescaling bounds instead of per-frame min/max.
func (p *Processor) SetSNR(maxSNR, minSNR float64) error {
	if !(maxSNR > minSNR) {
		return fmt.Errorf("%w: snr max %g <= min %g", utils.ErrConfigInvalid, maxSNR, minSNR)
	}
	p.snrMu.Lock()
	p.snr = utils.SNRConfig{Enabled: true, Max: maxSNR, Min: minSNR}
	p.snrMu.Unlock()
	return nil
}

// ClearSNR returns to per-frame min/max rescaling.
func (p *Processor) ClearSNR() {
	p.snrMu.Lock()
	p.snr = utils.SNRConfig{}
	p.snrMu.Unlock()
}

func (p *Processor) SNR() utils.SNRConfig {
	p.snrMu.Lock()
	defer p.snrMu.Unlock()
	return p.snr
}

// Latest is the most recent result, or nil before the first frame.
func (p *Processor) Latest() *models.FrameResult { return p.latest.Load() }

// State is the phase the next frame will be processed in.
func (p *Processor) State() models.FrameState {
	if p.handled.Load() == 0 {
		return models.StateBootstrap
	}
	return models.StateSteady
}

// Stats returns (produced, dropped) result counts.
func (p *Processor) Stats() (uint64, uint64) {
	return atomic.LoadUint64(&p.produced), atomic.LoadUint64(&p.dropped)
}
