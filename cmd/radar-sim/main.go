// Command radar-sim stands in for the capture card: it renders synthetic
// frames and streams them to a node as header+payload datagrams.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"radar-node/controller"
	"radar-node/models"
	"radar-node/services/dsp"
	"radar-node/services/ingest"
	"radar-node/utils"
)

func main() {
	configPath := flag.String("config", "config/node.yaml", "node.yaml the target node runs with")
	addr := flag.String("addr", "127.0.0.1:4098", "node UDP address")
	frames := flag.Int("frames", 0, "frames to send (0 = until interrupted)")
	gapUs := flag.Int("gap-us", 20, "pause between datagrams in microseconds")
	flag.Parse()

	logger := utils.InitLogger(utils.INFO, "")
	defer logger.Close()
	log := utils.L().With("radar-sim")

	cfg, err := utils.LoadNodeConfig(*configPath)
	if err != nil {
		log.Warn("%v, using defaults", err)
		cfg = utils.DefaultNodeConfig()
	}
	g := controller.GeometryOf(cfg.Geometry)
	sim := cfg.Ingest.Simulate

	va, err := dsp.NewVirtualArray(cfg.DSP.VirtualArray, g.Antennas())
	if err != nil {
		log.Fatal("virtual array: %v", err)
	}
	phases := va.AntennaPhases(g.Antennas(), sim.AngleDeg, cfg.DSP.Angle.ElevationDeg)

	st, err := ingest.DialStreamer(*addr, cfg.Ingest.PayloadBytes, time.Duration(*gapUs)*time.Microsecond)
	if err != nil {
		log.Fatal("%v", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rate := sim.RateHz
	if rate <= 0 {
		rate = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	synth := ingest.NewSynthesizer(g, sim.Offset, sim.Noise, sim.Seed)
	frame := models.NewRawFrame(g)
	target := ingest.Target{RangeBin: sim.RangeBin, DopplerBin: sim.DopplerBin, Amplitude: sim.Amplitude, Phases: phases}

	log.Info("streaming to %s  (%d Hz, %dB payload, target range=%d doppler=%d angle=%.1f°)",
		*addr, rate, cfg.Ingest.PayloadBytes, sim.RangeBin, sim.DopplerBin, sim.AngleDeg)

	sent := 0
	for *frames == 0 || sent < *frames {
		select {
		case <-ctx.Done():
			log.Info("stopped after %d frames", sent)
			return
		case <-ticker.C:
		}
		synth.Fill(frame.Samples, target)
		if err := st.SendFrame(ctx, frame.Samples); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("frame %d: %v", sent+1, err)
			continue
		}
		sent++
		target.RangeBin = (target.RangeBin + ingest.RangeStep) % g.FastTime
	}
	log.Info("sent %d frames", sent)
}
