package generation

import "errors"

var (
	ErrNoImageProduced   = errors.New("no image produced")
	ErrExecutionFailed   = errors.New("execution failed")
	ErrTimeout           = errors.New("timed out waiting for result")
	ErrCancelled         = errors.New("generation cancelled")
	ErrAlreadyGenerating = errors.New("generation already in progress")
	ErrNotGenerating     = errors.New("no generation in progress")
	ErrMissingInput      = errors.New("missing input")
)
