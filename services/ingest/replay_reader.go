package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"radar-node/models"
	"radar-node/services/stage"
	"radar-node/utils"
	"radar-node/views"
)

// ErrReplayDone is returned by ReplayReader once a non-looping dump has
// been played out. It wraps stage.ErrEndOfStream.
var ErrReplayDone = fmt.Errorf("replay finished: %w", stage.ErrEndOfStream)

// ReplayReader is a source stage that plays back a recorded frame dump.
// Frames are renumbered from 1 so downstream sees a fresh session.
type ReplayReader struct {
	path   string
	loop   bool
	out    *stage.Handoff[*models.RawFrame]
	dump   *views.FrameDumpReader
	log    *utils.Logger
	frames uint64
	passes int
}

func NewReplayReader(cfg utils.IngestConfig, g models.Geometry, out *stage.Handoff[*models.RawFrame]) (*ReplayReader, error) {
	dump, err := views.OpenFrameDump(cfg.ReplayPath, g)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stage.ErrFatalSetup, err)
	}
	return &ReplayReader{
		path: cfg.ReplayPath,
		loop: cfg.ReplayLoop,
		out:  out,
		dump: dump,
		log:  utils.L().With("replay"),
	}, nil
}

func (r *ReplayReader) Name() string { return "ingest-replay" }

// Process publishes the next recorded frame. The end of a non-looping dump
// is reported as ErrReplayDone; frames already published stay in flight.
func (r *ReplayReader) Process(ctx context.Context) error {
	frame, err := r.out.Acquire(ctx)
	if err != nil {
		return err
	}
	err = r.dump.ReadFrame(frame)
	if errors.Is(err, io.EOF) && r.loop {
		r.passes++
		r.log.Info("rewinding %s  (pass %d)", r.path, r.passes+1)
		if err = r.dump.Rewind(); err == nil {
			err = r.dump.ReadFrame(frame)
		}
	}
	if err != nil {
		r.out.Release(frame)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w after %d frames", ErrReplayDone, r.Frames())
		}
		return fmt.Errorf("%w: replay %s: %v", stage.ErrFatalSetup, r.path, err)
	}
	frame.Number = atomic.AddUint64(&r.frames, 1)
	r.out.Publish(frame)
	return nil
}

// Frames is the number of frames played so far.
func (r *ReplayReader) Frames() uint64 { return atomic.LoadUint64(&r.frames) }

func (r *ReplayReader) Close() error { return r.dump.Close() }
