package models

// FrameState is the processor phase a frame was handled in.
type FrameState int

const (
	StateBootstrap FrameState = iota // previous map is all zero
	StateSteady
)

func (s FrameState) String() string {
	if s == StateBootstrap {
		return "bootstrap"
	}
	return "steady"
}

// Estimate is the externally visible result of one frame.
type Estimate struct {
	TimestampNs  int64      `json:"timestamp_ns"`
	FrameNumber  uint64     `json:"frame"`
	Range        float64    `json:"range"` // metres
	Angle        float64    `json:"angle"` // degrees, [-90, 90]
	DetectionBin int        `json:"detection_bin"`
	RangeBin     int        `json:"range_bin"`
	DopplerBin   int        `json:"doppler_bin"` // shifted row, zero Doppler at SlowTime/2
	Detected     bool       `json:"detected"`
	AngleValid   bool       `json:"angle_valid"`
	Regularized  bool       `json:"regularized"`
	Estimator    string     `json:"estimator"`
	NoiseFloor   float64    `json:"noise_floor"`
	State        FrameState `json:"state"`
	ElapsedMs    float64    `json:"elapsed_ms"`
}

func (Estimate) CSVHeader() []string {
	return []string{
		"timestamp_ns", "frame", "range", "angle", "detection_bin",
		"range_bin", "doppler_bin", "detected", "angle_valid",
		"regularized", "estimator", "noise_floor", "state", "elapsed_ms",
	}
}

func (e *Estimate) CSVRow() []string {
	return []string{
		itoa64(e.TimestampNs),
		utoa64(e.FrameNumber),
		ftoa(e.Range, 4),
		ftoa(e.Angle, 2),
		itoa(e.DetectionBin),
		itoa(e.RangeBin),
		itoa(e.DopplerBin),
		btoa(e.Detected),
		btoa(e.AngleValid),
		btoa(e.Regularized),
		e.Estimator,
		ftoa(e.NoiseFloor, 3),
		e.State.String(),
		ftoa(e.ElapsedMs, 3),
	}
}

// FrameResult carries an Estimate together with the diagnostic buffers a
// display sink reads. Buffers are owned by the receiver.
type FrameResult struct {
	Estimate
	Rows     int       `json:"rows"` // Doppler bins
	Cols     int       `json:"cols"` // range bins
	RDM      []float64 `json:"-"`    // zero-suppressed averaged map, [0,255]
	Spectrum []float64 `json:"-"`    // angle power spectrum
	Angles   []float64 `json:"-"`    // scan angle for each Spectrum entry

	// Slots is the detection-cell snapshot spread over the full virtual
	// array grid, zero in unpopulated slots. Nil when nothing was detected.
	Slots []complex128 `json:"-"`
}
