package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"radar-node/models"
	"radar-node/services/stage"
	"radar-node/utils"
)

const namespace = "radar"

// Metrics holds the node's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry
	factory  promauto.Factory
	node     string

	stageFrames   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec

	detections prometheus.Counter
	singular   prometheus.Counter
	rangeM     prometheus.Gauge
	angleDeg   prometheus.Gauge
	noise      prometheus.Gauge
	lastFrame  prometheus.Gauge
}

func New(node string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"node": node}, reg))

	return &Metrics{
		Registry: reg,
		factory:  f,
		node:     node,
		stageFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_frames_total",
			Help: "Frames completed by each pipeline stage.",
		}, []string{"stage"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Per-frame processing time of each stage.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		stageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_errors_total",
			Help: "Non-fatal per-frame errors by stage and kind.",
		}, []string{"stage", "kind"}),
		detections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "detections_total",
			Help: "Frames with a detected target.",
		}),
		singular: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "angle_singular_total",
			Help: "Frames whose covariance could not be inverted.",
		}),
		rangeM: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_range_meters",
			Help: "Range of the latest detection.",
		}),
		angleDeg: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_angle_degrees",
			Help: "Arrival angle of the latest detection.",
		}),
		noise: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "noise_floor",
			Help: "Mean level of the latest rescaled range-Doppler map.",
		}),
		lastFrame: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_frame_number",
			Help: "Number of the latest processed frame.",
		}),
	}
}

// StageObserver returns a callback for stage.WithObserver.
func (m *Metrics) StageObserver(name string) func(time.Duration) {
	frames := m.stageFrames.WithLabelValues(name)
	dur := m.stageDuration.WithLabelValues(name)
	return func(d time.Duration) {
		frames.Inc()
		dur.Observe(d.Seconds())
	}
}

// StageError counts a non-fatal frame error.
func (m *Metrics) StageError(fe *stage.FrameError) {
	m.stageErrors.WithLabelValues(fe.Stage, ErrorKind(fe.Err)).Inc()
	if errors.Is(fe.Err, stage.ErrMatrixSingular) {
		m.singular.Inc()
	}
}

// ErrorKind is the label value for an error condition.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, stage.ErrMatrixSingular):
		return "matrix_singular"
	case errors.Is(err, stage.ErrIngestStall):
		return "ingest_stall"
	case errors.Is(err, stage.ErrUnvalidatedPacket):
		return "unvalidated_packet"
	case errors.Is(err, stage.ErrConfigInvalid):
		return "config_invalid"
	}
	return "other"
}

// ObserveEstimate records the outcome of one frame.
func (m *Metrics) ObserveEstimate(e *models.Estimate) {
	m.lastFrame.Set(float64(e.FrameNumber))
	m.noise.Set(e.NoiseFloor)
	if !e.Detected {
		return
	}
	m.detections.Inc()
	m.rangeM.Set(e.Range)
	if e.AngleValid {
		m.angleDeg.Set(e.Angle)
	}
}

// CounterFunc exposes a monotonically increasing value read on scrape.
func (m *Metrics) CounterFunc(name, help string, fn func() uint64) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
		func() float64 { return float64(fn()) })
}

// GaugeFunc exposes a value read on scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shut)
	}()
	utils.L().With("metrics").Info("serving on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
