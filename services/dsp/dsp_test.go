package dsp

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"radar-node/models"
	"radar-node/services/ingest"
	"radar-node/services/stage"
	"radar-node/utils"
)

var small = models.Geometry{TX: 3, RX: 4, FastTime: 16, SlowTime: 8}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestWindows(t *testing.T) {
	for _, kind := range []WindowKind{Blackman, Hann} {
		w := MakeWindow(kind, 33)
		for i := range w {
			if !near(w[i], w[len(w)-1-i], 1e-12) {
				t.Fatalf("%s not symmetric at %d", kind, i)
			}
		}
		if !near(w[0], 0, 1e-12) || !near(w[16], 1, 1e-12) {
			t.Errorf("%s: ends=%g centre=%g", kind, w[0], w[16])
		}
	}

	if k, ok := ParseWindow(" Blackman "); !ok || k != Blackman {
		t.Errorf("ParseWindow(Blackman) = %s %v", k, ok)
	}
	if k, ok := ParseWindow("kaiser"); ok || k != Rectangular {
		t.Errorf("unknown window gave %s %v", k, ok)
	}

	w := MakeWindow(Blackman, 16)
	NormalizeWindow(w)
	var sum float64
	for _, v := range w {
		sum += v
	}
	if !near(sum, 16, 1e-9) {
		t.Errorf("normalized window sums to %g", sum)
	}
}

func TestShapeCubeIsPermutation(t *testing.T) {
	raw := make([]uint16, small.RawSamples())
	for i := range raw {
		raw[i] = uint16(i)
	}
	cube := make([]complex128, small.CubeSize())
	ShapeCube(cube, raw, MakeWindow(Rectangular, small.FastTime), small)

	for flat := range raw {
		ix := small.Decompose(flat)
		ant := ix.TX*small.RX + ix.RX
		z := cube[(ant*small.SlowTime+ix.Slow)*small.FastTime+ix.Fast]
		got := real(z)
		if ix.IQ == 1 {
			got = imag(z)
		}
		if got != float64(flat) {
			t.Fatalf("raw %d %+v landed as %g", flat, ix, got)
		}
	}
}

func TestShapeCubeAppliesWindow(t *testing.T) {
	raw := make([]uint16, small.RawSamples())
	for i := range raw {
		raw[i] = 100
	}
	w := MakeWindow(Hann, small.FastTime)
	cube := make([]complex128, small.CubeSize())
	ShapeCube(cube, raw, w, small)
	planes := Planes(cube, small)
	if len(planes) != 12 || len(planes[0]) != small.MapSize() {
		t.Fatalf("planes %d x %d", len(planes), len(planes[0]))
	}
	for f := 0; f < small.FastTime; f++ {
		if z := planes[7][3*small.FastTime+f]; !near(real(z), 100*w[f], 1e-9) || !near(imag(z), 100*w[f], 1e-9) {
			t.Fatalf("fast %d: %v, want %g", f, z, 100*w[f])
		}
	}
}

func TestFFT2DMatchesDirectDFT(t *testing.T) {
	rows, cols := 4, 8
	p := make([]complex128, rows*cols)
	for i := range p {
		p[i] = complex(float64(i%5), float64(i%3)-1)
	}
	orig := append([]complex128(nil), p...)
	NewFFT2D(rows, cols, 3).Transform([][]complex128{p, make([]complex128, rows*cols)})

	for u := 0; u < rows; u++ {
		for v := 0; v < cols; v++ {
			var want complex128
			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					ph := -2 * math.Pi * (float64(u*r)/float64(rows) + float64(v*c)/float64(cols))
					want += orig[r*cols+c] * cmplx.Exp(complex(0, ph))
				}
			}
			if cmplx.Abs(p[u*cols+v]-want) > 1e-9 {
				t.Fatalf("bin (%d,%d) = %v, want %v", u, v, p[u*cols+v], want)
			}
		}
	}
}

func TestLogMagnitude(t *testing.T) {
	if v := LogMagnitude(complex(3, 4)); !near(v, math.Log2(5), 1e-12) {
		t.Errorf("LogMagnitude(3+4i) = %g", v)
	}
	if v := LogMagnitude(0); !near(v, 0.5*math.Log2(magnitudeFloor), 1e-9) || math.IsInf(v, 0) {
		t.Errorf("LogMagnitude(0) = %g", v)
	}
}

func TestRescale(t *testing.T) {
	m := []float64{1, 2, 3}
	Rescale(m, 1, 3, false)
	if m[0] != 0 || m[1] != 127.5 || m[2] != 255 {
		t.Errorf("auto bounds: %v", m)
	}

	m = []float64{1, 2.5, 4}
	Rescale(m, 2, 3, true)
	if m[0] != 0 || m[1] != 127.5 || m[2] != 255 {
		t.Errorf("manual bounds: %v", m)
	}

	m = []float64{4}
	Rescale(m, 2, 3, false)
	if m[0] != 510 {
		t.Errorf("no high clip: %v", m)
	}

	m = []float64{7, 7, 7}
	Rescale(m, 7, 7, false)
	for _, v := range m {
		if v != 0 {
			t.Fatalf("degenerate range: %v", m)
		}
	}
}

func TestDopplerShiftAndSuppression(t *testing.T) {
	rows, cols := 8, 3
	src := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			src[r*cols+c] = float64(r + 1)
		}
	}
	dst := make([]float64, len(src))
	ShiftDoppler(dst, src, rows, cols)
	for r := 0; r < rows; r++ {
		if got := dst[((r+4)%rows)*cols]; got != float64(r+1) {
			t.Errorf("row %d moved to %g", r, got)
		}
		if UnshiftRow((r+4)%rows, rows) != r {
			t.Errorf("UnshiftRow(%d) = %d", (r+4)%rows, UnshiftRow((r+4)%rows, rows))
		}
	}
	SuppressZeroDoppler(dst, rows, cols)
	for r := 0; r < rows; r++ {
		zero := dst[r*cols] == 0 && dst[r*cols+cols-1] == 0
		if zero != (r == 4 || r == 5) {
			t.Errorf("row %d zeroed=%v", r, zero)
		}
	}
}

func TestDeltaPeak(t *testing.T) {
	d := &DeltaPeak{}
	cur := make([]float64, 40)
	prev := make([]float64, 40)
	cur[37] = 9
	if got := d.Detect(cur, prev, 4, 10); !got.Found || got.Bin != 37 {
		t.Errorf("bootstrap detection = %+v", got)
	}

	// A strong but static cell loses to one that changed.
	copy(prev, cur)
	cur[12] = 3
	if got := d.Detect(cur, prev, 4, 10); got.Bin != 12 || got.Value != 3 {
		t.Errorf("steady detection = %+v", got)
	}

	// Ties resolve to the first cell.
	clear(cur)
	clear(prev)
	cur[5], cur[30] = 1, 1
	if got := d.Detect(cur, prev, 4, 10); got.Bin != 5 {
		t.Errorf("tie went to %d", got.Bin)
	}
}

func TestCACFAR(t *testing.T) {
	rows, cols := 16, 32
	c := NewCACFAR(utils.DefaultDSPConfig().CFAR)
	prev := make([]float64, rows*cols)
	cur := make([]float64, rows*cols)
	for i := range cur {
		cur[i] = 10
	}
	if got := c.Detect(cur, prev, rows, cols); got.Found {
		t.Errorf("flat map detected %+v", got)
	}

	cur[8*cols+20] = 100
	cur[3*cols+5] = 60
	got := c.Detect(cur, prev, rows, cols)
	if !got.Found || got.Bin != 8*cols+20 {
		t.Errorf("detection = %+v, want bin %d", got, 8*cols+20)
	}

	// Corner cells have clipped windows.
	cur[8*cols+20], cur[3*cols+5] = 10, 10
	cur[0] = 80
	if got := c.Detect(cur, prev, rows, cols); !got.Found || got.Bin != 0 {
		t.Errorf("corner detection = %+v", got)
	}

	det, err := NewDetector(utils.DSPConfig{Detector: "ca-cfar"})
	if err != nil || det.Name() != "ca-cfar" {
		t.Errorf("NewDetector(ca-cfar) = %v %v", det, err)
	}
	if _, err := NewDetector(utils.DSPConfig{Detector: "os-cfar"}); !errors.Is(err, utils.ErrConfigInvalid) {
		t.Errorf("unknown detector err = %v", err)
	}
}

func defaultArray(t *testing.T) *VirtualArray {
	t.Helper()
	va, err := NewVirtualArray(utils.DefaultVirtualArray(), 12)
	if err != nil {
		t.Fatal(err)
	}
	return va
}

// pointCovariance is s s^H + eps I for a source at theta.
func pointCovariance(va *VirtualArray, theta, eps float64) []complex128 {
	n := va.Size()
	s := make([]complex128, n)
	va.Steering(s, theta, 0)
	cov := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cov[i*n+j] = s[i] * cmplx.Conj(s[j])
		}
		cov[i*n+i] += complex(eps, 0)
	}
	return cov
}

func TestBeamformerFindsSource(t *testing.T) {
	va := defaultArray(t)
	b := NewBeamformer(va, utils.DefaultDSPConfig().Angle)
	if len(b.Angles()) != 181 {
		t.Fatalf("%d scan angles", len(b.Angles()))
	}
	spectrum := make([]float64, len(b.Angles()))
	for _, theta := range []float64{20, -35, 0, 61} {
		scan, err := b.Scan(pointCovariance(va, theta, 0.01), spectrum)
		if err != nil {
			t.Fatalf("theta %g: %v", theta, err)
		}
		if scan.Angle != theta || scan.Regularized {
			t.Errorf("theta %g: got %+v", theta, scan)
		}
		if spectrum[scan.Index] <= spectrum[(scan.Index+40)%len(spectrum)] {
			t.Errorf("theta %g: peak not above the rest of the spectrum", theta)
		}
	}
}

func TestBeamformerSingular(t *testing.T) {
	va := defaultArray(t)
	n := va.Size()
	cfg := utils.DefaultDSPConfig().Angle
	spectrum := make([]float64, 181)

	_, err := NewBeamformer(va, cfg).Scan(make([]complex128, n*n), spectrum)
	if !errors.Is(err, stage.ErrMatrixSingular) {
		t.Fatalf("zero covariance: err = %v", err)
	}

	// A broadside source gives an all-ones covariance: rank one, exactly
	// singular without loading.
	cfg.DiagonalLoading = 0
	cfg.SingularPolicy = "skip"
	if _, err := NewBeamformer(va, cfg).Scan(pointCovariance(va, 0, 0), spectrum); !errors.Is(err, stage.ErrMatrixSingular) {
		t.Errorf("skip policy: err = %v", err)
	}

	cfg.SingularPolicy = "regularize"
	scan, err := NewBeamformer(va, cfg).Scan(pointCovariance(va, 0, 0), spectrum)
	if err != nil || !scan.Regularized || scan.Angle != 0 {
		t.Errorf("regularize policy: %+v %v", scan, err)
	}
}

func TestVirtualArrayValidation(t *testing.T) {
	cfg := utils.DefaultVirtualArray()
	cfg.AntennaOrder = cfg.AntennaOrder[:11]
	if _, err := NewVirtualArray(cfg, 12); !errors.Is(err, utils.ErrConfigInvalid) {
		t.Errorf("short antenna order: %v", err)
	}
	cfg = utils.DefaultVirtualArray()
	cfg.ActiveSlots = append([]int(nil), cfg.ActiveSlots...)
	cfg.ActiveSlots[0] = 16
	if _, err := NewVirtualArray(cfg, 12); !errors.Is(err, utils.ErrConfigInvalid) {
		t.Errorf("slot outside grid: %v", err)
	}

	va := defaultArray(t)
	snap := make([]complex128, va.Size())
	for i := range snap {
		snap[i] = complex(float64(i+1), 0)
	}
	full := make([]complex128, va.Slots())
	va.Expand(full, snap)
	if full[0] != 0 || full[1] != 1 || full[2] != 0 || full[15] != 12 {
		t.Errorf("expanded grid: %v", full)
	}
}

func TestFFTAngle(t *testing.T) {
	grid := utils.DefaultAngleGrid()
	f := NewFFTAngle(grid)
	if f.Bins() != 16 {
		t.Fatalf("bins = %d", f.Bins())
	}
	if !near(f.BinAngle(8), 0, 1e-12) || !near(f.BinAngle(0), -90, 1e-9) {
		t.Errorf("BinAngle(8)=%g BinAngle(0)=%g", f.BinAngle(8), f.BinAngle(0))
	}

	for _, theta := range []float64{30, -30, 0} {
		u := math.Sin(theta * math.Pi / 180)
		values := make([]complex128, 12)
		for a, p := range grid.Positions {
			values[a] = cmplx.Exp(complex(0, math.Pi*float64(p[1])*u))
		}
		spectrum := make([]float64, f.Bins())
		angles := make([]float64, f.Bins())
		scan := f.Estimate(values, spectrum, angles)
		if !near(scan.Angle, theta, 1e-9) {
			t.Errorf("theta %g: estimated %g (bin %d)", theta, scan.Angle, scan.Index)
		}
		if angles[scan.Index] != scan.Angle {
			t.Errorf("angles[%d] = %g", scan.Index, angles[scan.Index])
		}
	}
}

func TestFFTAngleAzimuthRow(t *testing.T) {
	peak := func(row int) float64 {
		grid := utils.DefaultAngleGrid()
		grid.AzimuthRow = row
		f := NewFFTAngle(grid)
		values := make([]complex128, 12)
		for a := range values {
			values[a] = 1
		}
		spectrum := make([]float64, f.Bins())
		scan := f.Estimate(values, spectrum, nil)
		return spectrum[scan.Index]
	}
	// All twelve antennas add up on row 0; on row 3 only columns 4, 5, 10
	// and 11 survive.
	if p0, p3 := peak(0), peak(3); p0 < p3+1 {
		t.Errorf("row 0 peak %g, row 3 peak %g", p0, p3)
	}
}

// synthFrame renders one noiseless frame with a single target.
func synthFrame(number uint64, target ingest.Target) *models.RawFrame {
	f := models.NewRawFrame(small)
	ingest.NewSynthesizer(small, 2048, 0, 1).Fill(f.Samples, target)
	f.Number = number
	f.Filled = len(f.Samples)
	return f
}

func testProcessor(t *testing.T, estimator string) *Processor {
	t.Helper()
	cfg := utils.DefaultDSPConfig()
	cfg.Window = "rect"
	cfg.Angle.Estimator = estimator
	cfg.FFTWorkers = 2
	p, err := NewProcessor(cfg, small, nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProcessorEndToEnd(t *testing.T) {
	p := testProcessor(t, "mvdr")
	phases := p.va.AntennaPhases(12, 20, 0)
	if p.State() != models.StateBootstrap {
		t.Fatal("new processor is not bootstrapping")
	}

	// Doppler bin 2 lands on shifted row 6.
	res, err := p.ProcessFrame(synthFrame(1, ingest.Target{RangeBin: 5, DopplerBin: 2, Amplitude: 400, Phases: phases}))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != models.StateBootstrap || !res.Detected {
		t.Errorf("first frame: state=%s detected=%v", res.State, res.Detected)
	}
	if res.DetectionBin != 6*16+5 || res.RangeBin != 5 || res.DopplerBin != 6 {
		t.Errorf("first frame: bin=%d range=%d doppler=%d", res.DetectionBin, res.RangeBin, res.DopplerBin)
	}
	if !near(res.Range, 5*9.0/256, 1e-12) {
		t.Errorf("range = %g", res.Range)
	}
	if !res.AngleValid || res.Angle != 20 {
		t.Errorf("angle = %g valid=%v", res.Angle, res.AngleValid)
	}
	if len(res.Slots) != 16 {
		t.Fatalf("slot vector has %d entries", len(res.Slots))
	}
	for s, v := range res.Slots {
		empty := s == 0 || s == 2 || s == 12 || s == 14
		if empty != (v == 0) {
			t.Errorf("slot %d = %v", s, v)
		}
	}
	for _, v := range res.RDM {
		if v < 0 || v > 255 {
			t.Fatalf("map value %g outside [0,255]", v)
		}
	}
	for c := 0; c < 16; c++ {
		if res.RDM[4*16+c] != 0 || res.RDM[5*16+c] != 0 {
			t.Fatal("zero Doppler rows not suppressed")
		}
	}

	res, err = p.ProcessFrame(synthFrame(2, ingest.Target{RangeBin: 13, DopplerBin: 2, Amplitude: 400, Phases: phases}))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != models.StateSteady || res.DetectionBin != 6*16+13 || res.FrameNumber != 2 {
		t.Errorf("second frame: state=%s bin=%d frame=%d", res.State, res.DetectionBin, res.FrameNumber)
	}
	if p.Latest() != res {
		t.Error("Latest is not the last result")
	}
}

func TestProcessorDefaultGeometryNoisy(t *testing.T) {
	g := models.DefaultGeometry()
	p, err := NewProcessor(utils.DefaultDSPConfig(), g, nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	synth := ingest.NewSynthesizer(g, 2048, 4, 1)
	target := ingest.Target{RangeBin: 120, DopplerBin: 6, Amplitude: 400, Phases: p.va.AntennaPhases(g.Antennas(), 20, 0)}

	// The second frame moves the target so the frame difference still peaks on it.
	f := models.NewRawFrame(g)
	for n, rangeBin := range []int{120, 128} {
		target.RangeBin = rangeBin
		synth.Fill(f.Samples, target)
		f.Number, f.Filled = uint64(n+1), len(f.Samples)
		res, err := p.ProcessFrame(f)
		if err != nil {
			t.Fatalf("frame %d: %v", n+1, err)
		}
		if !res.Detected || res.RangeBin != rangeBin || res.DopplerBin != 6+g.SlowTime/2 {
			t.Errorf("frame %d: detected=%v range=%d doppler=%d", n+1, res.Detected, res.RangeBin, res.DopplerBin)
		}
		if !res.AngleValid || !near(res.Angle, 20, 1) {
			t.Errorf("frame %d: angle=%g valid=%v", n+1, res.Angle, res.AngleValid)
		}
	}
}

func TestProcessorFFTEstimator(t *testing.T) {
	p := testProcessor(t, "fft")
	phases := GridPhases(utils.DefaultAngleGrid(), 30)
	res, err := p.ProcessFrame(synthFrame(1, ingest.Target{RangeBin: 9, DopplerBin: 3, Amplitude: 400, Phases: phases}))
	if err != nil {
		t.Fatal(err)
	}
	if res.RangeBin != 9 || res.DopplerBin != 7 {
		t.Fatalf("detected range=%d doppler=%d", res.RangeBin, res.DopplerBin)
	}
	if !near(res.Angle, 30, 1e-9) || len(res.Spectrum) != 16 {
		t.Errorf("angle=%g spectrum=%d", res.Angle, len(res.Spectrum))
	}
}

func TestProcessorSNR(t *testing.T) {
	p := testProcessor(t, "mvdr")
	if err := p.SetSNR(1, 2); !errors.Is(err, utils.ErrConfigInvalid) {
		t.Errorf("inverted bounds: %v", err)
	}
	if err := p.SetSNR(12, 4); err != nil {
		t.Fatal(err)
	}
	res, _ := p.ProcessFrame(synthFrame(1, ingest.Target{RangeBin: 3, DopplerBin: 2, Amplitude: 400}))
	for _, v := range res.RDM {
		if v < 0 || v > 255 {
			t.Fatalf("clipped map value %g", v)
		}
	}
	p.ClearSNR()
	if p.SNR().Enabled {
		t.Error("ClearSNR left bounds enabled")
	}
}
