package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid marks a configuration value that was replaced by a default.
var ErrConfigInvalid = errors.New("config: invalid value")

// ─── Node / geometry ────────────────────────────────────────────────────

type NodeIdentity struct {
	ID       string `yaml:"id"`
	LogLevel string `yaml:"log_level"`
	Frames   int    `yaml:"frames"` // 0 = run until signalled
}

// GeometryConfig describes the capture hardware. The defaults are the only
// layout the front-end produces; smaller cubes are for simulation.
type GeometryConfig struct {
	TX       int `yaml:"tx"`
	RX       int `yaml:"rx"`
	FastTime int `yaml:"fast_time"`
	SlowTime int `yaml:"slow_time"`
}

// ─── Ingest ─────────────────────────────────────────────────────────────

type SimulateConfig struct {
	RangeBin   int     `yaml:"range_bin"`
	DopplerBin int     `yaml:"doppler_bin"`
	AngleDeg   float64 `yaml:"angle_deg"`
	Amplitude  float64 `yaml:"amplitude"`
	Noise      float64 `yaml:"noise"`
	Offset     float64 `yaml:"offset"`
	RateHz     int     `yaml:"rate_hz"`
	Seed       int64   `yaml:"seed"`
}

type IngestConfig struct {
	Mode           string         `yaml:"mode"` // "udp", "replay" or "simulate"
	BindAddress    string         `yaml:"bind_address"`
	Port           int            `yaml:"port"`
	PayloadBytes   int            `yaml:"payload_bytes"`
	MaxDatagram    int            `yaml:"max_datagram"`
	ReadBufferKB   int            `yaml:"read_buffer_kb"`
	KeepSocketOpen bool           `yaml:"keep_socket_open"`
	StallWarnMs    int            `yaml:"stall_warn_ms"`
	Pipelined      bool           `yaml:"pipelined"`
	ReplayPath     string         `yaml:"replay_path"`
	ReplayLoop     bool           `yaml:"replay_loop"`
	Simulate       SimulateConfig `yaml:"simulate"`
}

// ─── DSP ────────────────────────────────────────────────────────────────

type SNRConfig struct {
	Enabled bool    `yaml:"enabled"`
	Max     float64 `yaml:"max"`
	Min     float64 `yaml:"min"`
}

type CFARConfig struct {
	GuardRange   int     `yaml:"guard_range"`
	GuardDoppler int     `yaml:"guard_doppler"`
	TrainRange   int     `yaml:"train_range"`
	TrainDoppler int     `yaml:"train_doppler"`
	Offset       float64 `yaml:"offset"`
}

type AngleConfig struct {
	Estimator       string  `yaml:"estimator"` // "mvdr" or "fft"
	StartDeg        float64 `yaml:"start_deg"`
	StopDeg         float64 `yaml:"stop_deg"`
	StepDeg         float64 `yaml:"step_deg"`
	ElevationDeg    float64 `yaml:"elevation_deg"`
	DiagonalLoading float64 `yaml:"diagonal_loading"`
	SingularPolicy  string  `yaml:"singular_policy"` // "regularize" or "skip"
}

// VirtualArrayConfig maps antennas onto the Rows x Cols slot grid used by
// the beamformer. Element k of the snapshot vector is antenna
// AntennaOrder[k] placed at slot ActiveSlots[k]; slot = row*Cols + col.
type VirtualArrayConfig struct {
	Rows         int   `yaml:"rows"`
	Cols         int   `yaml:"cols"`
	ActiveSlots  []int `yaml:"active_slots"`
	AntennaOrder []int `yaml:"antenna_order"`
}

// AngleGridConfig is the 2D layout used by the FFT angle estimator.
// Positions[a] = {row, col} of antenna a.
type AngleGridConfig struct {
	Rows       int      `yaml:"rows"`
	Cols       int      `yaml:"cols"`
	Positions  [][2]int `yaml:"positions"`
	AzimuthRow int      `yaml:"azimuth_row"`
	BinLo      int      `yaml:"bin_lo"`
	BinHi      int      `yaml:"bin_hi"`
}

type DSPConfig struct {
	Window          string             `yaml:"window"`
	WindowNormalize bool               `yaml:"window_normalize"`
	SNR             SNRConfig          `yaml:"snr"`
	RangeResolution float64            `yaml:"range_resolution"`
	Detector        string             `yaml:"detector"` // "delta-peak" or "ca-cfar"
	CFAR            CFARConfig         `yaml:"cfar"`
	Angle           AngleConfig        `yaml:"angle"`
	VirtualArray    VirtualArrayConfig `yaml:"virtual_array"`
	AngleGrid       AngleGridConfig    `yaml:"angle_grid"`
	FFTWorkers      int                `yaml:"fft_workers"`
}

// ─── Sinks ──────────────────────────────────────────────────────────────

type RelayConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Address          string `yaml:"address"`
	AwaitFrameBudget bool   `yaml:"await_frame_budget"`
	BlockSize        int    `yaml:"block_size"`
	DialTimeoutMs    int    `yaml:"dial_timeout_ms"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type DisplayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Compress  bool   `yaml:"compress"`
	RefreshMs int    `yaml:"refresh_ms"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type SinksConfig struct {
	ResultBuffer int           `yaml:"result_buffer"`
	Relay        RelayConfig   `yaml:"relay"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	Display      DisplayConfig `yaml:"display"`
	Metrics      MetricsConfig `yaml:"metrics"`
}

// ─── Storage ────────────────────────────────────────────────────────────

type CSVStorageConfig struct {
	FlushIntervalMs int  `yaml:"flush_interval_ms"`
	BufferSizeKB    int  `yaml:"buffer_size_kb"`
	WriteHeader     bool `yaml:"write_header"`
}

type StorageConfig struct {
	Enabled       bool             `yaml:"enabled"`
	BaseDir       string           `yaml:"base_dir"`
	SessionPrefix string           `yaml:"session_prefix"`
	CSV           CSVStorageConfig `yaml:"csv"`
	RawFrames     bool             `yaml:"raw_frames"`
	Overwrite     bool             `yaml:"overwrite"`
}

// NodeConfig is the top-level structure for node.yaml.
type NodeConfig struct {
	Node     NodeIdentity   `yaml:"node"`
	Geometry GeometryConfig `yaml:"geometry"`
	Ingest   IngestConfig   `yaml:"ingest"`
	DSP      DSPConfig      `yaml:"dsp"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ─── Defaults ───────────────────────────────────────────────────────────

// DefaultGeometry is the 3TX x 4RX, 64 chirp x 512 sample front-end.
func DefaultGeometry() GeometryConfig {
	return GeometryConfig{TX: 3, RX: 4, FastTime: 512, SlowTime: 64}
}

// DefaultVirtualArray is the 8x2 slot grid with 12 populated slots.
func DefaultVirtualArray() VirtualArrayConfig {
	return VirtualArrayConfig{
		Rows:         8,
		Cols:         2,
		ActiveSlots:  []int{1, 3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15},
		AntennaOrder: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	}
}

// DefaultAngleGrid places TX0 on row 3 cols 4..7, TX1 on row 2 cols 6..9
// and TX2 on row 3 cols 8..11 of a 6x16 grid.
func DefaultAngleGrid() AngleGridConfig {
	pos := make([][2]int, 0, 12)
	for i := 0; i < 4; i++ {
		pos = append(pos, [2]int{3, 4 + i})
	}
	for i := 0; i < 4; i++ {
		pos = append(pos, [2]int{2, 6 + i})
	}
	for i := 0; i < 4; i++ {
		pos = append(pos, [2]int{3, 8 + i})
	}
	// Row 0 of the grid spectrum sums the TX rows coherently. Row 3 would
	// weight rows 2 and 3 with opposite signs and cancel the overlapping
	// columns 6..9.
	return AngleGridConfig{Rows: 6, Cols: 16, Positions: pos, AzimuthRow: 0, BinLo: 0, BinHi: 16}
}

// DefaultDSPConfig returns the processing chain used on the bench.
func DefaultDSPConfig() DSPConfig {
	return DSPConfig{
		Window:          "blackman",
		RangeResolution: 9.0 / 256.0,
		Detector:        "delta-peak",
		CFAR: CFARConfig{
			GuardRange: 2, GuardDoppler: 2,
			TrainRange: 8, TrainDoppler: 4,
			Offset: 20,
		},
		Angle: AngleConfig{
			Estimator:       "mvdr",
			StartDeg:        -90,
			StopDeg:         90,
			StepDeg:         1,
			DiagonalLoading: 1e-3,
			SingularPolicy:  "regularize",
		},
		VirtualArray: DefaultVirtualArray(),
		AngleGrid:    DefaultAngleGrid(),
		FFTWorkers:   4,
	}
}

// DefaultNodeConfig returns a complete configuration for a bench node.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Node:     NodeIdentity{ID: "node", LogLevel: "info"},
		Geometry: DefaultGeometry(),
		Ingest: IngestConfig{
			Mode:         "udp",
			Port:         4098,
			PayloadBytes: 1456,
			MaxDatagram:  2048,
			ReadBufferKB: 4096,
			Simulate: SimulateConfig{
				RangeBin: 120, DopplerBin: 6, AngleDeg: 20,
				Amplitude: 400, Noise: 4, Offset: 2048, RateHz: 10, Seed: 1,
			},
		},
		DSP: DefaultDSPConfig(),
		Sinks: SinksConfig{
			ResultBuffer: 16,
			Relay:        RelayConfig{BlockSize: 1024, DialTimeoutMs: 3000},
			MQTT:         MQTTConfig{Topic: "radar"},
			Display:      DisplayConfig{Listen: ":8090", RefreshMs: 100},
			Metrics:      MetricsConfig{Listen: ":9108"},
		},
		Storage: StorageConfig{
			BaseDir:       "data",
			SessionPrefix: "radar",
			CSV:           CSVStorageConfig{FlushIntervalMs: 500, BufferSizeKB: 64, WriteHeader: true},
		},
	}
}

// ─── Loader ─────────────────────────────────────────────────────────────

// LoadNodeConfig reads node.yaml on top of DefaultNodeConfig, then
// normalises it. Replaced values are logged, never fatal.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node config: %w", err)
	}
	cfg := DefaultNodeConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse node config: %w", err)
	}
	for _, w := range cfg.Normalize() {
		L().Warn("%v", w)
	}
	return cfg, nil
}

// Normalize replaces invalid settings with defaults and returns one
// ErrConfigInvalid-wrapped error per replacement.
func (c *NodeConfig) Normalize() []error {
	var warns []error
	fix := func(format string, a ...any) {
		warns = append(warns, fmt.Errorf("%w: "+format, append([]any{ErrConfigInvalid}, a...)...))
	}
	def := DefaultNodeConfig()

	g := &c.Geometry
	if g.TX <= 0 || g.RX <= 0 || g.FastTime <= 1 || g.SlowTime <= 1 {
		fix("geometry %+v, using %+v", *g, def.Geometry)
		*g = def.Geometry
	}

	in := &c.Ingest
	switch in.Mode {
	case "udp", "replay", "simulate":
	default:
		fix("ingest mode %q, using %q", in.Mode, "udp")
		in.Mode = "udp"
	}
	if in.Port < 0 || in.Port > 65535 {
		fix("ingest port %d, using %d", in.Port, def.Ingest.Port)
		in.Port = def.Ingest.Port
	}
	if in.PayloadBytes <= 0 || in.PayloadBytes%2 != 0 {
		fix("payload_bytes %d, using %d", in.PayloadBytes, def.Ingest.PayloadBytes)
		in.PayloadBytes = def.Ingest.PayloadBytes
	}
	if in.MaxDatagram < in.PayloadBytes+10 {
		fix("max_datagram %d smaller than header+payload, using %d", in.MaxDatagram, def.Ingest.MaxDatagram)
		in.MaxDatagram = def.Ingest.MaxDatagram
	}
	if in.Mode == "replay" && in.ReplayPath == "" {
		fix("replay mode without replay_path, using udp")
		in.Mode = "udp"
	}

	c.DSP.normalize(fix)

	if c.Sinks.ResultBuffer <= 0 {
		c.Sinks.ResultBuffer = def.Sinks.ResultBuffer
	}
	if c.Sinks.Relay.BlockSize < 16 {
		fix("relay block_size %d, using %d", c.Sinks.Relay.BlockSize, def.Sinks.Relay.BlockSize)
		c.Sinks.Relay.BlockSize = def.Sinks.Relay.BlockSize
	}
	if c.Node.ID == "" {
		c.Node.ID = def.Node.ID
	}
	if c.Node.Frames < 0 {
		fix("frames %d, running unbounded", c.Node.Frames)
		c.Node.Frames = 0
	}
	return warns
}

func (d *DSPConfig) normalize(fix func(string, ...any)) {
	def := DefaultDSPConfig()

	d.Window = strings.ToLower(d.Window)
	switch d.Window {
	case "blackman", "hann", "rect", "rectangular", "none":
	default:
		fix("window %q, using rectangular", d.Window)
		d.Window = "rect"
	}
	if d.SNR.Enabled && d.SNR.Max <= d.SNR.Min {
		fix("snr bounds max=%g min=%g, using per-frame min/max", d.SNR.Max, d.SNR.Min)
		d.SNR.Enabled = false
	}
	if d.RangeResolution <= 0 {
		fix("range_resolution %g, using %g", d.RangeResolution, def.RangeResolution)
		d.RangeResolution = def.RangeResolution
	}
	switch d.Detector {
	case "delta-peak", "ca-cfar":
	default:
		fix("detector %q, using %q", d.Detector, def.Detector)
		d.Detector = def.Detector
	}
	cf := &d.CFAR
	if cf.GuardRange < 0 || cf.GuardDoppler < 0 || cf.TrainRange <= 0 || cf.TrainDoppler <= 0 {
		fix("cfar window %+v, using %+v", *cf, def.CFAR)
		*cf = def.CFAR
	}

	a := &d.Angle
	switch a.Estimator {
	case "mvdr", "fft":
	default:
		fix("angle estimator %q, using %q", a.Estimator, def.Angle.Estimator)
		a.Estimator = def.Angle.Estimator
	}
	if a.StepDeg <= 0 || a.StopDeg < a.StartDeg || a.StartDeg < -90 || a.StopDeg > 90 {
		fix("angle scan [%g,%g] step %g, using [-90,90] step 1", a.StartDeg, a.StopDeg, a.StepDeg)
		a.StartDeg, a.StopDeg, a.StepDeg = def.Angle.StartDeg, def.Angle.StopDeg, def.Angle.StepDeg
	}
	if a.DiagonalLoading < 0 {
		fix("diagonal_loading %g, using %g", a.DiagonalLoading, def.Angle.DiagonalLoading)
		a.DiagonalLoading = def.Angle.DiagonalLoading
	}
	switch a.SingularPolicy {
	case "regularize", "skip":
	default:
		fix("singular_policy %q, using %q", a.SingularPolicy, def.Angle.SingularPolicy)
		a.SingularPolicy = def.Angle.SingularPolicy
	}

	if !validVirtualArray(d.VirtualArray) {
		fix("virtual_array layout, using the 8x2 default")
		d.VirtualArray = def.VirtualArray
	}
	if !validAngleGrid(d.AngleGrid, len(d.VirtualArray.AntennaOrder)) {
		fix("angle_grid layout, using the 6x16 default")
		d.AngleGrid = def.AngleGrid
	}
	if d.FFTWorkers <= 0 {
		d.FFTWorkers = def.FFTWorkers
	}
}

func validVirtualArray(v VirtualArrayConfig) bool {
	if v.Rows <= 0 || v.Cols <= 0 || len(v.ActiveSlots) == 0 || len(v.ActiveSlots) != len(v.AntennaOrder) {
		return false
	}
	seen := make(map[int]bool, len(v.ActiveSlots))
	for _, s := range v.ActiveSlots {
		if s < 0 || s >= v.Rows*v.Cols || seen[s] {
			return false
		}
		seen[s] = true
	}
	for _, a := range v.AntennaOrder {
		if a < 0 {
			return false
		}
	}
	return true
}

func validAngleGrid(g AngleGridConfig, antennas int) bool {
	if g.Rows <= 0 || g.Cols <= 0 || len(g.Positions) != antennas {
		return false
	}
	for _, p := range g.Positions {
		if p[0] < 0 || p[0] >= g.Rows || p[1] < 0 || p[1] >= g.Cols {
			return false
		}
	}
	return g.AzimuthRow >= 0 && g.AzimuthRow < g.Rows && g.BinLo >= 0 && g.BinHi <= g.Cols && g.BinLo < g.BinHi
}
