package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"radar-node/models"
	"radar-node/utils"
	"radar-node/views"
)

// RecordingController persists a session:
//   - estimates.csv  one row per processed frame
//   - frames.csv     ingest diagnostics per raw frame
//   - relay.csv      the records sent to the calibration server
//   - frames.rfz     the raw frames themselves (optional, zstd)
//
// Rows are buffered in memory and flushed on a ticker, so the pipeline
// stages never wait on the disk.
type RecordingController struct {
	cfg        utils.StorageConfig
	sessionDir string

	estimateWriter *views.CSVWriter
	frameWriter    *views.CSVWriter
	relayWriter    *views.CSVWriter
	dump           *views.FrameDumpWriter

	rowsWritten uint64
	dumpErrors  uint64
	wg          sync.WaitGroup
	log         *utils.Logger
}

// NewRecordingController creates the session directory and its files.
func NewRecordingController(cfg utils.StorageConfig, g models.Geometry) (*RecordingController, error) {
	sessionDir := filepath.Join(cfg.BaseDir, utils.SessionName(cfg.SessionPrefix))

	if !cfg.Overwrite {
		if _, err := os.Stat(sessionDir); err == nil {
			return nil, fmt.Errorf("session dir %s already exists (overwrite=false)", sessionDir)
		}
	}
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	bufSize := cfg.CSV.BufferSizeKB * 1024
	rc := &RecordingController{
		cfg:        cfg,
		sessionDir: sessionDir,
		log:        utils.L().With("recording"),
	}

	var err error
	if rc.estimateWriter, err = views.NewRecordWriter(sessionDir, views.RecordEstimates, bufSize, cfg.CSV.WriteHeader); err != nil {
		return nil, err
	}
	if rc.frameWriter, err = views.NewRecordWriter(sessionDir, views.RecordFrames, bufSize, cfg.CSV.WriteHeader); err != nil {
		rc.closeWriters()
		return nil, err
	}
	if rc.relayWriter, err = views.NewRecordWriter(sessionDir, views.RecordRelay, bufSize, cfg.CSV.WriteHeader); err != nil {
		rc.closeWriters()
		return nil, err
	}
	if cfg.RawFrames {
		if rc.dump, err = views.CreateFrameDump(filepath.Join(sessionDir, views.FrameDumpName), g); err != nil {
			rc.closeWriters()
			return nil, err
		}
	}

	rc.log.Info("recording controller ready  session=%s raw_frames=%v", sessionDir, cfg.RawFrames)
	return rc, nil
}

// Start runs the periodic flusher until ctx is cancelled.
func (rc *RecordingController) Start(ctx context.Context) {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		flushMs := rc.cfg.CSV.FlushIntervalMs
		if flushMs <= 0 {
			flushMs = 500
		}
		ticker := time.NewTicker(time.Duration(flushMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				rc.flushAll()
				return
			case <-ticker.C:
				rc.flushAll()
			}
		}
	}()
	rc.log.Info("recording controller started")
}

// RecordEstimate appends one processed frame.
func (rc *RecordingController) RecordEstimate(e *models.Estimate) {
	rc.estimateWriter.Write(e)
	atomic.AddUint64(&rc.rowsWritten, 1)
}

// RecordRelay appends one record as sent to the server.
func (rc *RecordingController) RecordRelay(rec models.FrameRecord) {
	rc.relayWriter.Write(&rec)
}

// RecordFrame logs a raw frame's diagnostics and, when enabled, its samples.
// It runs on the processing goroutine while the frame buffer is still held.
func (rc *RecordingController) RecordFrame(f *models.RawFrame) {
	rc.frameWriter.Write(f)
	if rc.dump == nil {
		return
	}
	if err := rc.dump.WriteFrame(f); err != nil {
		if atomic.AddUint64(&rc.dumpErrors, 1) == 1 {
			rc.log.Error("raw frame dump: %v", err)
		}
	}
}

func (rc *RecordingController) flushAll() {
	for _, w := range []*views.CSVWriter{rc.estimateWriter, rc.frameWriter, rc.relayWriter} {
		if err := w.Flush(); err != nil {
			rc.log.Error("flush: %v", err)
		}
	}
}

func (rc *RecordingController) closeWriters() {
	for _, w := range []*views.CSVWriter{rc.estimateWriter, rc.frameWriter, rc.relayWriter} {
		if w != nil {
			if err := w.Close(); err != nil {
				rc.log.Error("close %s: %v", w.Path(), err)
			}
		}
	}
	if rc.dump != nil {
		if err := rc.dump.Close(); err != nil {
			rc.log.Error("close raw frame dump: %v", err)
		}
	}
}

// Stop waits for the flusher, then flushes and closes every file.
func (rc *RecordingController) Stop() {
	rc.wg.Wait()
	rc.closeWriters()

	var frames uint64
	if rc.dump != nil {
		frames = rc.dump.Frames()
	}
	rc.log.Info("recording controller stopped  (rows_written=%d, raw_frames=%d, session=%s)",
		atomic.LoadUint64(&rc.rowsWritten), frames, rc.sessionDir)
}

// SessionDir returns the path to the active session directory.
func (rc *RecordingController) SessionDir() string {
	return rc.sessionDir
}

// RowsWritten returns the number of estimates persisted.
func (rc *RecordingController) RowsWritten() uint64 {
	return atomic.LoadUint64(&rc.rowsWritten)
}
