package generation

import (
	"fmt"

	"github.com/richinsley/comfygen/client"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancelled
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Outcome is the single terminal result of a job. Image is set only for
// OutcomeSuccess; Reason and Err only for the other kinds.
type Outcome struct {
	Kind     OutcomeKind
	PromptID string
	Image    client.ImageRef
	Reason   string
	Err      error
}

func Success(promptID string, image client.ImageRef) Outcome {
	return Outcome{Kind: OutcomeSuccess, PromptID: promptID, Image: image}
}

// Failure records a failed run. err is ErrNoImageProduced or
// ErrExecutionFailed; reason is the text shown to the user.
func Failure(promptID string, reason string, err error) Outcome {
	return Outcome{Kind: OutcomeFailure, PromptID: promptID, Reason: reason, Err: err}
}

func Cancelled(promptID string) Outcome {
	return Outcome{Kind: OutcomeCancelled, PromptID: promptID, Reason: ErrCancelled.Error(), Err: ErrCancelled}
}

func TimedOut(promptID string) Outcome {
	return Outcome{Kind: OutcomeTimedOut, PromptID: promptID, Reason: ErrTimeout.Error(), Err: ErrTimeout}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return fmt.Sprintf("success: %s", o.Image.Filename)
	case OutcomeFailure:
		return fmt.Sprintf("failure: %s", o.Reason)
	}
	return o.Kind.String()
}
