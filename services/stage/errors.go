package stage

import (
	"errors"
	"fmt"

	"radar-node/utils"
)

// Conditions a stage can report. ErrFatalSetup and ErrEndOfStream stop a
// Runner; the others describe a single frame and the pipeline keeps moving.
var (
	ErrFatalSetup        = errors.New("stage: fatal setup failure")
	ErrEndOfStream       = errors.New("stage: source has no more frames")
	ErrIngestStall       = errors.New("stage: no packet arrived within the stall interval")
	ErrUnvalidatedPacket = errors.New("stage: datagram shorter or longer than one packet")
	ErrMatrixSingular    = errors.New("stage: covariance matrix is singular")
	ErrConfigInvalid     = utils.ErrConfigInvalid
)

// FrameError ties a non-fatal condition to the stage and frame it occurred in.
type FrameError struct {
	Stage string
	Frame uint64
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s frame %d: %v", e.Stage, e.Frame, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the pipeline.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalSetup)
}
