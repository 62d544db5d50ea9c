package controller

import (
	"context"
	"time"

	"radar-node/models"
	"radar-node/services/dsp"
	"radar-node/services/stage"
	"radar-node/utils"
	"radar-node/views"
)

// ProcessingController owns the range-Doppler stage. Besides the
// per-frame result stream it keeps a latest-value view of the processor
// that the display is refreshed from at its own cadence, decoupled from
// the frame rate.
type ProcessingController struct {
	Processor *dsp.Processor

	display   *views.DisplayHub
	refreshMs int
	lastShown uint64
}

// NewProcessingController builds the processor reading from in.
func NewProcessingController(cfg *utils.NodeConfig, g models.Geometry, in *stage.Handoff[*models.RawFrame]) (*ProcessingController, error) {
	p, err := dsp.NewProcessor(cfg.DSP, g, in, cfg.Sinks.ResultBuffer)
	if err != nil {
		return nil, err
	}
	if cfg.DSP.SNR.Enabled {
		if err := p.SetSNR(cfg.DSP.SNR.Max, cfg.DSP.SNR.Min); err != nil {
			utils.L().Warn("%v, using per-frame bounds", err)
			p.ClearSNR()
		}
	}
	return &ProcessingController{Processor: p}, nil
}

// AttachDisplay refreshes hub with the newest map every refreshMs.
func (pc *ProcessingController) AttachDisplay(hub *views.DisplayHub, refreshMs int) {
	if refreshMs <= 0 {
		refreshMs = 100
	}
	pc.display = hub
	pc.refreshMs = refreshMs
}

// Start launches the display refresher if a display is attached.
func (pc *ProcessingController) Start(ctx context.Context) {
	if pc.display == nil {
		return
	}
	go pc.refresh(ctx)
	utils.L().Info("processing controller: display refresh every %dms", pc.refreshMs)
}

// refresh snapshots the latest result at a fixed cadence. A frame is shown
// at most once; frames that arrive between ticks are skipped.
func (pc *ProcessingController) refresh(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(pc.refreshMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.showLatest()
		}
	}
}

// showLatest broadcasts the newest result if it has not been shown yet.
func (pc *ProcessingController) showLatest() bool {
	res := pc.Processor.Latest()
	if res == nil || res.FrameNumber == pc.lastShown {
		return false
	}
	pc.lastShown = res.FrameNumber
	pc.display.Broadcast(res)
	return true
}

// LogStats prints the processor's counters and latest estimate.
func (pc *ProcessingController) LogStats() {
	produced, dropped := pc.Processor.Stats()
	utils.L().Info("  dsp      results=%d dropped=%d state=%s", produced, dropped, pc.Processor.State())
	if res := pc.Processor.Latest(); res != nil && res.Detected {
		utils.L().Info("  target   frame=%d range=%.3fm angle=%.1f° bin=%d (%.2fms)",
			res.FrameNumber, res.Range, res.Angle, res.DetectionBin, res.ElapsedMs)
	}
}
