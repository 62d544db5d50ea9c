package controller

import (
	"fmt"

	"radar-node/models"
	"radar-node/services/dsp"
	"radar-node/services/ingest"
	"radar-node/services/stage"
	"radar-node/utils"
)

// AcquisitionController owns the source stage selected by ingest.mode and
// the double-buffered handoff it fills.
type AcquisitionController struct {
	mode    string
	g       models.Geometry
	Handoff *stage.Handoff[*models.RawFrame]
	Source  stage.Stage

	udp    *ingest.UDPReader
	replay *ingest.ReplayReader
	sim    *ingest.SimSource
}

// GeometryOf converts the configured frame shape.
func GeometryOf(c utils.GeometryConfig) models.Geometry {
	return models.Geometry{TX: c.TX, RX: c.RX, FastTime: c.FastTime, SlowTime: c.SlowTime}
}

// NewAcquisitionController builds the source for cfg.Ingest.Mode.
func NewAcquisitionController(cfg *utils.NodeConfig) (*AcquisitionController, error) {
	g := GeometryOf(cfg.Geometry)
	ac := &AcquisitionController{
		mode:    cfg.Ingest.Mode,
		g:       g,
		Handoff: stage.NewHandoff(models.NewRawFrame(g), models.NewRawFrame(g)),
	}

	var err error
	switch cfg.Ingest.Mode {
	case "replay":
		ac.replay, err = ingest.NewReplayReader(cfg.Ingest, g, ac.Handoff)
		ac.Source = ac.replay
	case "simulate":
		phases, perr := simulatedPhases(cfg, g)
		if perr != nil {
			return nil, perr
		}
		ac.sim = ingest.NewSimSource(cfg.Ingest.Simulate, g, ac.Handoff, phases)
		ac.Source = ac.sim
	default:
		ac.udp, err = ingest.NewUDPReader(cfg.Ingest, g, ac.Handoff)
		ac.Source = ac.udp
	}
	if err != nil {
		return nil, err
	}
	utils.L().Info("acquisition controller: mode=%s geometry=%dx%dx%dx%d frame=%dB",
		ac.Mode(), g.TX, g.RX, g.SlowTime, g.FastTime, g.FrameBytes())
	return ac, nil
}

// simulatedPhases places the synthetic target at the configured angle as
// seen by the active angle estimator.
func simulatedPhases(cfg *utils.NodeConfig, g models.Geometry) ([]float64, error) {
	sim := cfg.Ingest.Simulate
	if cfg.DSP.Angle.Estimator == "fft" {
		return dsp.GridPhases(cfg.DSP.AngleGrid, sim.AngleDeg), nil
	}
	va, err := dsp.NewVirtualArray(cfg.DSP.VirtualArray, g.Antennas())
	if err != nil {
		return nil, fmt.Errorf("simulated target: %w", err)
	}
	return va.AntennaPhases(g.Antennas(), sim.AngleDeg, cfg.DSP.Angle.ElevationDeg), nil
}

// Mode is the resolved ingest mode.
func (ac *AcquisitionController) Mode() string {
	switch {
	case ac.replay != nil:
		return "replay"
	case ac.sim != nil:
		return "simulate"
	}
	return "udp"
}

// Open binds the UDP socket ahead of the first frame.
func (ac *AcquisitionController) Open() error {
	if ac.udp == nil {
		return nil
	}
	return ac.udp.Open()
}

// Port is the bound UDP port, or 0 for other modes.
func (ac *AcquisitionController) Port() int {
	if ac.udp == nil {
		return 0
	}
	return ac.udp.Port()
}

// Stats returns the UDP counters, zero for other modes.
func (ac *AcquisitionController) Stats() ingest.UDPStats {
	if ac.udp == nil {
		return ingest.UDPStats{}
	}
	return ac.udp.Stats()
}

// LogStats prints the source counters.
func (ac *AcquisitionController) LogStats() {
	switch {
	case ac.udp != nil:
		st := ac.udp.Stats()
		utils.L().Info("  ingest   frames=%d packets=%d short=%d oversize=%d gaps=%d stalls=%d",
			st.Frames, st.Packets, st.Short, st.Oversize, st.SeqGaps, st.Stalls)
	case ac.replay != nil:
		utils.L().Info("  replay   frames=%d", ac.replay.Frames())
	case ac.sim != nil:
		utils.L().Info("  sim      frames=%d", ac.sim.Frames())
	}
	utils.L().Info("  handoff  pending=%d/%d", ac.Handoff.Pending(), ac.Handoff.Capacity())
}

// Close releases the socket or dump file.
func (ac *AcquisitionController) Close() {
	switch {
	case ac.udp != nil:
		ac.udp.Close()
	case ac.replay != nil:
		if err := ac.replay.Close(); err != nil {
			utils.L().Warn("close replay: %v", err)
		}
	}
}
