package controller

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"radar-node/models"
	"radar-node/services/ingest"
	"radar-node/utils"
	"radar-node/views"
)

// simConfig is a noiseless simulated node on a 16x8 cube.
func simConfig(t *testing.T) *utils.NodeConfig {
	t.Helper()
	cfg := utils.DefaultNodeConfig()
	cfg.Node.ID = "bench"
	cfg.Geometry = utils.GeometryConfig{TX: 3, RX: 4, FastTime: 16, SlowTime: 8}
	cfg.Ingest.Mode = "simulate"
	cfg.Ingest.Simulate = utils.SimulateConfig{
		RangeBin: 5, DopplerBin: 2, AngleDeg: 20,
		Amplitude: 400, Offset: 2048, Seed: 1,
	}
	cfg.DSP.Window = "rect"
	cfg.DSP.FFTWorkers = 2
	cfg.Storage.BaseDir = t.TempDir()
	return cfg
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func runPipeline(t *testing.T, cfg *utils.NodeConfig) *Pipeline {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pl, err := NewPipeline(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := pl.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() != nil {
		t.Fatal("pipeline did not stop on its frame budget")
	}
	pl.Close()
	return pl
}

func TestPipelineSimulated(t *testing.T) {
	cfg := simConfig(t)
	cfg.Node.Frames = 3
	cfg.Storage.Enabled = true
	cfg.Storage.RawFrames = true

	pl := runPipeline(t, cfg)
	if pl.Publish.Published() != 3 {
		t.Fatalf("published %d estimates", pl.Publish.Published())
	}

	dir := pl.Recorder.SessionDir()
	rows := readCSV(t, filepath.Join(dir, views.RecordEstimates.FileName()))
	if len(rows) != 4 {
		t.Fatalf("estimates.csv has %d lines", len(rows))
	}
	header := models.Estimate{}.CSVHeader()
	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("no column %s", name)
		return -1
	}

	// The target walks 8 bins a frame and wraps on a 16-bin range axis.
	wantRange := []int{5, 13, 5}
	for i, row := range rows[1:] {
		if !views.ValidRow(views.RecordEstimates, row) {
			t.Fatalf("row %d malformed: %v", i, row)
		}
		if row[col("frame")] != strconv.Itoa(i+1) {
			t.Errorf("row %d frame = %s", i, row[col("frame")])
		}
		if row[col("range_bin")] != strconv.Itoa(wantRange[i]) {
			t.Errorf("frame %d range_bin = %s, want %d", i+1, row[col("range_bin")], wantRange[i])
		}
		if row[col("doppler_bin")] != "6" || row[col("detected")] != "true" {
			t.Errorf("frame %d doppler=%s detected=%s", i+1, row[col("doppler_bin")], row[col("detected")])
		}
		if a, _ := strconv.ParseFloat(row[col("angle")], 64); a != 20 {
			t.Errorf("frame %d angle = %g", i+1, a)
		}
	}
	if rows[1][col("state")] != "bootstrap" || rows[2][col("state")] != "steady" {
		t.Errorf("states %s, %s", rows[1][col("state")], rows[2][col("state")])
	}

	// Frames handled after the budget is spent stay out of the session.
	if frames := readCSV(t, filepath.Join(dir, views.RecordFrames.FileName())); len(frames) != 4 {
		t.Errorf("frames.csv has %d lines", len(frames))
	}

	g := models.Geometry{TX: 3, RX: 4, FastTime: 16, SlowTime: 8}
	dump, err := views.OpenFrameDump(filepath.Join(dir, views.FrameDumpName), g)
	if err != nil {
		t.Fatal(err)
	}
	defer dump.Close()
	f := models.NewRawFrame(g)
	n := 0
	for {
		if err := dump.ReadFrame(f); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatal(err)
			}
			break
		}
		n++
		if f.Number != uint64(n) {
			t.Errorf("dump frame %d numbered %d", n, f.Number)
		}
	}
	if n != 3 {
		t.Errorf("dump holds %d frames", n)
	}
}

// writeDump records frames noiseless frames of a drifting target.
func writeDump(t *testing.T, g models.Geometry, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), views.FrameDumpName)
	w, err := views.CreateFrameDump(path, g)
	if err != nil {
		t.Fatal(err)
	}
	synth := ingest.NewSynthesizer(g, 2048, 0, 1)
	f := models.NewRawFrame(g)
	for n := 1; n <= frames; n++ {
		synth.Fill(f.Samples, ingest.Target{RangeBin: n % g.FastTime, DopplerBin: 2, Amplitude: 400})
		f.Number, f.Filled = uint64(n), len(f.Samples)
		if err := w.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPipelineReplayDrains(t *testing.T) {
	g := models.Geometry{TX: 3, RX: 4, FastTime: 16, SlowTime: 8}
	path := writeDump(t, g, 7)

	for _, pipelined := range []bool{false, true} {
		for run := 0; run < 5; run++ {
			cfg := simConfig(t)
			cfg.Ingest.Mode = "replay"
			cfg.Ingest.ReplayPath = path
			cfg.Ingest.Pipelined = pipelined
			cfg.Storage.Enabled = true

			pl := runPipeline(t, cfg)
			if got := pl.Publish.Published(); got != 7 {
				t.Fatalf("pipelined=%v run %d: published %d of 7 frames", pipelined, run, got)
			}
			rows := readCSV(t, filepath.Join(pl.Recorder.SessionDir(), views.RecordEstimates.FileName()))
			if len(rows) != 8 {
				t.Errorf("pipelined=%v run %d: estimates.csv has %d lines", pipelined, run, len(rows))
			}
		}
	}
}

func TestPipelinePipelined(t *testing.T) {
	cfg := simConfig(t)
	cfg.Node.Frames = 5
	cfg.Ingest.Pipelined = true
	cfg.Ingest.Simulate.RateHz = 200

	pl := runPipeline(t, cfg)
	if pl.Publish.Published() != 5 {
		t.Errorf("published %d estimates", pl.Publish.Published())
	}
	if pl.Recorder != nil {
		t.Error("recorder built with storage disabled")
	}
}

// budgetServer announces budget and collects blocks until the node hangs up.
func budgetServer(t *testing.T, budget int) (string, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	out := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			out <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		copy(buf, strconv.Itoa(budget))
		conn.Write(buf)
		var got []string
		for {
			if _, err := io.ReadFull(conn, buf); err != nil {
				break
			}
			got = append(got, string(bytes.TrimRight(buf, "\x00")))
		}
		out <- got
	}()
	return ln.Addr().String(), out
}

func TestPipelineRelayBudget(t *testing.T) {
	addr, blocks := budgetServer(t, 2)
	cfg := simConfig(t)
	cfg.Node.ID = "Patrick"
	cfg.Sinks.Relay = utils.RelayConfig{
		Enabled: true, Address: addr, AwaitFrameBudget: true,
		BlockSize: 1024, DialTimeoutMs: 1000,
	}
	cfg.Storage.Enabled = true

	pl := runPipeline(t, cfg)
	if pl.Budget() != 2 {
		t.Fatalf("budget = %d", pl.Budget())
	}

	var got []string
	select {
	case got = <-blocks:
	case <-time.After(5 * time.Second):
		t.Fatal("server saw no hang-up")
	}
	if len(got) != 5 {
		t.Fatalf("server got %d blocks: %q", len(got), got)
	}
	for i := 0; i < 2; i++ {
		var rec models.FrameRecord
		if err := json.Unmarshal([]byte(got[2*i]), &rec); err != nil {
			t.Fatalf("block %d: %v", 2*i, err)
		}
		if rec.Node != "Patrick" || rec.FrameNumber != uint64(i+1) {
			t.Errorf("record %d = %+v", i, rec)
		}
		if got[2*i+1] != "END" {
			t.Errorf("block %d = %q", 2*i+1, got[2*i+1])
		}
	}
	if got[4] != "Patrick Demo Complete" {
		t.Errorf("exit block = %q", got[4])
	}

	relayRows := readCSV(t, filepath.Join(pl.Recorder.SessionDir(), views.RecordRelay.FileName()))
	if len(relayRows) != 3 {
		t.Errorf("relay.csv has %d lines", len(relayRows))
	}
}

func TestAcquisitionModes(t *testing.T) {
	cfg := simConfig(t)
	ac, err := NewAcquisitionController(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ac.Mode() != "simulate" || ac.Source.Name() != "ingest-sim" || ac.Port() != 0 {
		t.Errorf("simulate: mode=%s source=%s", ac.Mode(), ac.Source.Name())
	}
	if ac.Handoff.Capacity() != 2 {
		t.Errorf("handoff capacity %d", ac.Handoff.Capacity())
	}

	cfg.Ingest.Mode = "replay"
	cfg.Ingest.ReplayPath = filepath.Join(t.TempDir(), "missing.rfz")
	if _, err := NewAcquisitionController(cfg); err == nil {
		t.Error("replay of a missing file succeeded")
	}

	cfg.Ingest.Mode = "udp"
	cfg.Ingest.BindAddress = "127.0.0.1"
	cfg.Ingest.Port = 0
	ac, err = NewAcquisitionController(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ac.Close()
	if err := ac.Open(); err != nil {
		t.Fatal(err)
	}
	if ac.Mode() != "udp" || ac.Port() == 0 {
		t.Errorf("udp: mode=%s port=%d", ac.Mode(), ac.Port())
	}
}
