package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"radar-node/controller"
	"radar-node/utils"
)

func main() {
	// ── CLI flags ────────────────────────────────────────────────────
	configPath := flag.String("config", "config/node.yaml", "path to node.yaml")
	logFile := flag.String("log", "", "optional log file path (stdout is always included)")
	mode := flag.String("mode", "", "override ingest mode: udp, replay or simulate")
	frames := flag.Int("frames", -1, "stop after this many frames (0 = unbounded, -1 = from config)")
	snrMax := flag.Float64("snr-max", 0, "fixed upper rescale bound in log2-magnitude units (needs -snr-min)")
	snrMin := flag.Float64("snr-min", 0, "fixed lower rescale bound in log2-magnitude units")
	statsSec := flag.Int("stats", 5, "stats interval in seconds")
	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────
	logger := utils.InitLogger(utils.INFO, *logFile)
	defer logger.Close()

	// ── Load config ──────────────────────────────────────────────────
	cfg, err := utils.LoadNodeConfig(*configPath)
	if err != nil {
		utils.L().Fatal("load node config: %v", err)
	}
	if lvl, ok := utils.ParseLogLevel(cfg.Node.LogLevel); ok {
		logger.SetLevel(lvl)
	}
	if *mode != "" {
		cfg.Ingest.Mode = *mode
	}
	if *frames >= 0 {
		cfg.Node.Frames = *frames
	}
	if *snrMax != 0 || *snrMin != 0 {
		cfg.DSP.SNR = utils.SNRConfig{Enabled: true, Max: *snrMax, Min: *snrMin}
	}
	for _, w := range cfg.Normalize() {
		utils.L().Warn("%v", w)
	}

	if !filepath.IsAbs(cfg.Storage.BaseDir) {
		abs, _ := filepath.Abs(cfg.Storage.BaseDir)
		cfg.Storage.BaseDir = abs
	}

	utils.L().Info("═══════════════════════════════════════════════════")
	utils.L().Info("  Radar Node %s  ·  FMCW range / angle pipeline", cfg.Node.ID)
	utils.L().Info("  GOMAXPROCS=%d  ·  PID=%d", runtime.GOMAXPROCS(0), os.Getpid())
	utils.L().Info("═══════════════════════════════════════════════════")

	// ── Context with OS signal cancellation ──────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ── Pipeline assembly ────────────────────────────────────────────
	//
	//  UDP / replay / sim  ──►  raw frame handoff  ──►  range-Doppler + angle
	//                                                        │
	//                                                   result chan
	//                                                        │
	//                                                     publish
	//                                        │        │        │        │
	//                                      relay    mqtt      csv    metrics
	pipeline, err := controller.NewPipeline(ctx, cfg)
	if err != nil {
		utils.L().Fatal("init pipeline: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- pipeline.Run(ctx) }()

	utils.L().Info("pipeline running — press Ctrl+C to stop")

	// ── Stats ticker ─────────────────────────────────────────────────
	if *statsSec <= 0 {
		*statsSec = 5
	}
	statsTicker := time.NewTicker(time.Duration(*statsSec) * time.Second)
	defer statsTicker.Stop()

	exitCode := 0

	// ── Main event loop ──────────────────────────────────────────────
	for {
		select {
		case sig := <-sigCh:
			utils.L().Info("received signal: %v — shutting down…", sig)
			cancel()
			<-runErr
			goto shutdown

		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				utils.L().Error("pipeline stopped: %v", err)
				exitCode = 1
			}
			goto shutdown

		case <-statsTicker.C:
			utils.L().Info("── stats ─────────────────────────")
			pipeline.LogStats()
			utils.L().Info("──────────────────────────────────")
		}
	}

shutdown:
	cancel()
	pipeline.LogStats()
	pipeline.Close()

	if pipeline.Recorder != nil {
		utils.L().Info("session saved to: %s", pipeline.Recorder.SessionDir())
		fmt.Println("\n✓ Radar node finished. Session at:", pipeline.Recorder.SessionDir())
	} else {
		fmt.Println("\n✓ Radar node finished.")
	}
	if exitCode != 0 {
		logger.Close()
		os.Exit(exitCode)
	}
}
