package client

// HintKind classifies a completion hint. Hints only tell the reconciler
// when to look at /history; they are never outcomes themselves.
type HintKind int

const (
	// HintExecutionDone is "executing" with a null node.
	HintExecutionDone HintKind = iota
	// HintAllNodesFinished is a progress_state where every node, the
	// terminal node included, is finished.
	HintAllNodesFinished
	HintExecutionSuccess
	HintExecutionError
	HintExecutionInterrupted
	// HintQueueEmpty is a status event with nothing left in the queue. It
	// is weak: the job may not have started yet.
	HintQueueEmpty
	// HintStreamLost means no more events will arrive for this job.
	HintStreamLost
)

var hintNames = map[HintKind]string{
	HintExecutionDone:        "execution_done",
	HintAllNodesFinished:     "all_nodes_finished",
	HintExecutionSuccess:     "execution_success",
	HintExecutionError:       "execution_error",
	HintExecutionInterrupted: "execution_interrupted",
	HintQueueEmpty:           "queue_empty",
	HintStreamLost:           "stream_lost",
}

func (k HintKind) String() string {
	if s, ok := hintNames[k]; ok {
		return s
	}
	return "unknown"
}

// Hint is a wake-up for the reconciler. Detail carries the server's error
// text for HintExecutionError.
type Hint struct {
	Kind     HintKind
	PromptID string
	Detail   string
}

// Strong hints justify the short settle delay.
func (h Hint) Strong() bool {
	switch h.Kind {
	case HintQueueEmpty, HintStreamLost:
		return false
	}
	return true
}

// hintFor derives the hint an event carries for the tracked job, if any.
func hintFor(ev *ProgressEvent, track TrackSpec) (Hint, bool) {
	h := Hint{PromptID: track.PromptID}
	switch data := ev.Data.(type) {
	case *ExecutingData:
		if data.Done() {
			h.Kind = HintExecutionDone
			return h, true
		}
	case *ProgressStateData:
		if !data.AllFinished() {
			return h, false
		}
		if track.TerminalNode != "" {
			n, ok := data.Nodes[track.TerminalNode]
			if !ok || n.State != NodeStateFinished {
				return h, false
			}
		}
		h.Kind = HintAllNodesFinished
		return h, true
	case *ExecutionSuccessData:
		h.Kind = HintExecutionSuccess
		return h, true
	case *ExecutionErrorData:
		h.Kind = HintExecutionError
		h.Detail = data.ExceptionMessage
		return h, true
	case *ExecutionInterruptedData:
		h.Kind = HintExecutionInterrupted
		return h, true
	case *StatusData:
		if data.QueueRemaining() == 0 {
			h.Kind = HintQueueEmpty
			return h, true
		}
	}
	return h, false
}
