package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"radar-node/models"
	"radar-node/services/metrics"
	"radar-node/services/relay"
	"radar-node/services/stage"
	"radar-node/utils"
	"radar-node/views"
)

// Pipeline assembles one node:
//
//	source ──► handoff ──► rangedoppler ──► results ──► publish
//	  ▲                        │                          │
//	  └──── frame counter ─────┘ (lockstep)     relay · mqtt · csv · metrics
//	                           │
//	                   raw tap ┴► frames.csv / frames.rfz
//	                   latest  ──► display hub (/ws)
type Pipeline struct {
	cfg *utils.NodeConfig
	g   models.Geometry
	log *utils.Logger

	Acquisition *AcquisitionController
	Processing  *ProcessingController
	Publish     *PublishController
	Recorder    *RecordingController

	relay   *relay.TCPRelay
	mqtt    *relay.MQTTPublisher
	display *views.DisplayHub
	metrics *metrics.Metrics

	source, processor, sink *stage.Runner

	budget    int
	tapped    int
	closeOnce sync.Once
}

// NewPipeline builds every enabled component. Connections to the relay
// server and MQTT broker are made here; failures are fatal.
func NewPipeline(ctx context.Context, cfg *utils.NodeConfig) (pl *Pipeline, err error) {
	pl = &Pipeline{cfg: cfg, log: utils.L().With("pipeline")}
	defer func() {
		if err != nil {
			pl.Close()
			pl = nil
		}
	}()

	if pl.Acquisition, err = NewAcquisitionController(cfg); err != nil {
		return pl, err
	}
	pl.g = pl.Acquisition.g

	if pl.Processing, err = NewProcessingController(cfg, pl.g, pl.Acquisition.Handoff); err != nil {
		return pl, err
	}

	if cfg.Storage.Enabled {
		if pl.Recorder, err = NewRecordingController(cfg.Storage, pl.g); err != nil {
			return pl, err
		}
		pl.Processing.Processor.SetRawTap(pl.recordRaw)
	}

	if cfg.Sinks.Metrics.Enabled {
		pl.metrics = metrics.New(cfg.Node.ID)
	}

	if cfg.Sinks.Relay.Enabled {
		if pl.relay, err = relay.Dial(ctx, cfg.Sinks.Relay, cfg.Node.ID); err != nil {
			return pl, err
		}
		if cfg.Sinks.Relay.AwaitFrameBudget {
			n, berr := pl.relay.ReadFrameBudget(0)
			if berr != nil {
				return pl, berr
			}
			pl.budget = n
		}
	}
	if n := cfg.Node.Frames; n > 0 && (pl.budget == 0 || n < pl.budget) {
		pl.budget = n
	}

	if cfg.Sinks.MQTT.Enabled {
		if pl.mqtt, err = relay.NewMQTTPublisher(cfg.Sinks.MQTT, cfg.Node.ID); err != nil {
			return pl, err
		}
	}

	if cfg.Sinks.Display.Enabled {
		pl.display = views.NewDisplayHub(cfg.Sinks.Display.Compress)
		pl.Processing.AttachDisplay(pl.display, cfg.Sinks.Display.RefreshMs)
	}

	pl.Publish = NewPublishController(cfg.Node.ID, pl.Processing.Processor, PublishOutputs{
		Relay:    pl.relay,
		MQTT:     pl.mqtt,
		Recorder: pl.Recorder,
		Metrics:  pl.metrics,
	})

	pl.buildRunners()
	pl.registerGauges()
	return pl, nil
}

func (pl *Pipeline) buildRunners() {
	opts := func(name string) []stage.RunnerOption {
		o := []stage.RunnerOption{stage.WithErrorHandler(pl.frameError)}
		if pl.metrics != nil {
			o = append(o, stage.WithObserver(pl.metrics.StageObserver(name)))
		}
		return o
	}
	src := pl.Acquisition.Source
	proc := pl.Processing.Processor

	pl.source = stage.NewRunner(src, stage.WaitSource, opts(src.Name())...)
	pl.processor = stage.NewRunner(proc, stage.WaitInterior, opts(proc.Name())...)
	pl.sink = stage.NewRunner(pl.Publish, stage.WaitSink, opts(pl.Publish.Name())...)

	pl.processor.SetUpstream(pl.source.Frames())
	if !pl.cfg.Ingest.Pipelined {
		pl.source.SetUpstream(pl.processor.Frames())
	}
}

func (pl *Pipeline) registerGauges() {
	if pl.metrics == nil {
		return
	}
	m := pl.metrics
	if pl.Acquisition.Mode() == "udp" {
		m.CounterFunc("ingest_packets_total", "Datagrams accepted into frames.",
			func() uint64 { return pl.Acquisition.Stats().Packets })
		m.CounterFunc("ingest_short_packets_total", "Datagrams shorter than one packet.",
			func() uint64 { return pl.Acquisition.Stats().Short })
		m.CounterFunc("ingest_stalls_total", "Stall intervals without a datagram.",
			func() uint64 { return pl.Acquisition.Stats().Stalls })
	}
	m.GaugeFunc("handoff_pending_frames", "Raw frames published by the source and not yet received.",
		func() float64 { return float64(pl.Acquisition.Handoff.Pending()) })
	m.CounterFunc("results_dropped_total", "Results dropped because the publisher fell behind.",
		func() uint64 { _, d := pl.Processing.Processor.Stats(); return d })
	m.CounterFunc("published_total", "Estimates handed to the outputs.", pl.Publish.Published)
	if pl.display != nil {
		m.GaugeFunc("display_clients", "Connected display clients.",
			func() float64 { return float64(pl.display.Clients()) })
	}
}

func (pl *Pipeline) frameError(fe *stage.FrameError) {
	if pl.metrics != nil {
		pl.metrics.StageError(fe)
	}
	if errors.Is(fe.Err, stage.ErrMatrixSingular) {
		pl.log.Debug("%v", fe)
		return
	}
	pl.log.Warn("%v", fe)
}

// recordRaw keeps the frame dump in step with the estimates: frames the
// processor handles after the budget is spent are not recorded. It runs on
// the processor goroutine only.
func (pl *Pipeline) recordRaw(f *models.RawFrame) {
	if pl.budget > 0 && pl.tapped >= pl.budget {
		return
	}
	pl.tapped++
	pl.Recorder.RecordFrame(f)
}

// Budget is the number of frames to publish before stopping, 0 for none.
func (pl *Pipeline) Budget() int { return pl.budget }

// Run drives the stages until ctx is cancelled, the frame budget is met,
// a finite source has drained or a stage fails fatally.
func (pl *Pipeline) Run(ctx context.Context) error {
	if err := pl.Acquisition.Open(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pl.Publish.SetBudget(pl.budget, cancel)

	if pl.Recorder != nil {
		pl.Recorder.Start(ctx)
	}
	pl.Processing.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if pl.metrics != nil {
		addr := pl.cfg.Sinks.Metrics.Listen
		g.Go(func() error { return pl.metrics.Serve(gctx, addr) })
	}
	if pl.display != nil {
		addr := pl.cfg.Sinks.Display.Listen
		g.Go(func() error { return pl.serveDisplay(gctx, addr) })
	}
	for _, r := range []*stage.Runner{pl.processor, pl.sink} {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error {
		err := pl.source.Run(gctx)
		if errors.Is(err, stage.ErrEndOfStream) {
			pl.drain(gctx, cancel)
			return nil
		}
		return err
	})

	pl.log.Info("running  (mode=%s lockstep=%v budget=%d)",
		pl.Acquisition.Mode(), !pl.cfg.Ingest.Pipelined, pl.budget)
	return g.Wait()
}

// drain waits for every frame the source produced to be processed and every
// resulting estimate to be published, then stops the pipeline.
func (pl *Pipeline) drain(ctx context.Context, stop context.CancelFunc) {
	n := pl.source.Frames().Load()
	pl.log.Info("source finished after %d frames, draining", n)
	if _, err := pl.processor.Frames().Wait(ctx, n); err != nil {
		return
	}
	produced, _ := pl.Processing.Processor.Stats()
	if _, err := pl.sink.Frames().Wait(ctx, produced); err != nil {
		return
	}
	pl.log.Info("drained  (processed=%d published=%d)", pl.processor.Frames().Load(), pl.Publish.Published())
	stop()
}

func (pl *Pipeline) serveDisplay(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", pl.display)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shut)
	}()
	pl.log.Info("display on ws://%s/ws", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("display listen %s: %w", addr, err)
	}
	return nil
}

// LogStats prints one line per component.
func (pl *Pipeline) LogStats() {
	pl.Acquisition.LogStats()
	pl.Processing.LogStats()
	pl.Publish.LogStats()
	if pl.display != nil {
		sent, dropped := pl.display.Stats()
		utils.L().Info("  display  clients=%d sent=%d dropped=%d", pl.display.Clients(), sent, dropped)
	}
	if pl.Recorder != nil {
		utils.L().Info("  storage  rows=%d", pl.Recorder.RowsWritten())
	}
}

// Close shuts the outputs down, server first so it sees the exit message
// promptly, then the files, then the source.
func (pl *Pipeline) Close() {
	pl.closeOnce.Do(func() {
		if pl.relay != nil {
			if err := pl.relay.Close(); err != nil {
				pl.log.Warn("relay close: %v", err)
			}
		}
		if pl.mqtt != nil {
			pl.mqtt.Close()
		}
		if pl.display != nil {
			pl.display.Close()
		}
		if pl.Recorder != nil {
			pl.Recorder.Stop()
		}
		if pl.Acquisition != nil {
			pl.Acquisition.Close()
		}
	})
}
