package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"radar-node/utils"
)

// Stage is one step of the frame pipeline. Process is called once per
// frame and writes into buffers the stage owns.
type Stage interface {
	Name() string
	Process(ctx context.Context) error
}

// WaitMode selects how a Runner waits before each Process call.
type WaitMode int

const (
	// WaitInterior consumes exactly one upstream increment per frame.
	WaitInterior WaitMode = iota
	// WaitSource starts immediately, then waits on its feedback counter
	// when one is wired.
	WaitSource
	// WaitSink never waits; the stage blocks inside Process on its own input.
	WaitSink
)

func (m WaitMode) String() string {
	switch m {
	case WaitSource:
		return "source"
	case WaitSink:
		return "sink"
	}
	return "interior"
}

// Runner drives a Stage: WaitForInput, Process, then one increment of the
// stage's own frame counter.
type Runner struct {
	stage    Stage
	mode     WaitMode
	upstream *Counter
	frames   *Counter

	consumed uint64
	started  bool

	lastElapsed atomic.Int64
	observe     func(time.Duration)
	onError     func(*FrameError)
	log         *utils.Logger
}

type RunnerOption func(*Runner)

// WithUpstream wires the counter this runner waits on. For a source stage
// this is the feedback counter of the stage that consumes its output.
func WithUpstream(c *Counter) RunnerOption {
	return func(r *Runner) { r.upstream = c }
}

// WithObserver receives the Process duration of every frame.
func WithObserver(fn func(time.Duration)) RunnerOption {
	return func(r *Runner) { r.observe = fn }
}

// WithErrorHandler receives every non-fatal frame error.
func WithErrorHandler(fn func(*FrameError)) RunnerOption {
	return func(r *Runner) { r.onError = fn }
}

func NewRunner(s Stage, mode WaitMode, opts ...RunnerOption) *Runner {
	r := &Runner{
		stage:  s,
		mode:   mode,
		frames: NewCounter(),
		log:    utils.L().With(s.Name()),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetUpstream wires the counter after construction, for cycles such as a
// source fed back by its own consumer.
func (r *Runner) SetUpstream(c *Counter) { r.upstream = c }

// Frames is this stage's own frame counter.
func (r *Runner) Frames() *Counter { return r.frames }

// Mode reports the wait variant.
func (r *Runner) Mode() WaitMode { return r.mode }

// LastElapsed is the Process duration of the most recent frame.
func (r *Runner) LastElapsed() time.Duration {
	return time.Duration(r.lastElapsed.Load())
}

// WaitForInput blocks until the next upstream frame is available and marks
// it consumed. Each upstream increment is consumed exactly once.
func (r *Runner) WaitForInput(ctx context.Context) error {
	switch r.mode {
	case WaitSink:
		return nil
	case WaitSource:
		if !r.started {
			r.started = true
			return nil
		}
	}
	if r.upstream == nil {
		return nil
	}
	next := r.consumed + 1
	if _, err := r.upstream.Wait(ctx, next); err != nil {
		return err
	}
	r.consumed = next
	return nil
}

// Step runs one frame. It returns an error only when the runner must stop:
// cancellation, end of stream or a fatal setup failure.
func (r *Runner) Step(ctx context.Context) error {
	if err := r.WaitForInput(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := r.stage.Process(ctx)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsFatal(err) || errors.Is(err, ErrEndOfStream) {
			return err
		}
		fe := &FrameError{Stage: r.stage.Name(), Frame: r.frames.Load() + 1, Err: err}
		if r.onError != nil {
			r.onError(fe)
		} else {
			r.log.Warn("%v", fe)
		}
	}

	r.lastElapsed.Store(int64(elapsed))
	n := r.frames.Increment()
	if r.observe != nil {
		r.observe(elapsed)
	}
	r.log.Debug("frame %d done in %.2fms", n, utils.Millis(elapsed))
	return nil
}

// Run steps until ctx is cancelled, the stage runs out of frames or a fatal
// error occurs. Cancellation returns nil; end of stream is returned as is so
// the caller can let downstream stages drain.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("stage started  (mode=%s)", r.mode)
	for {
		if err := r.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.log.Info("stage stopped  (frames=%d)", r.frames.Load())
				return nil
			}
			if errors.Is(err, ErrEndOfStream) {
				r.log.Info("stage finished  (frames=%d)", r.frames.Load())
				return err
			}
			r.log.Error("stage aborted: %v", err)
			return err
		}
	}
}
