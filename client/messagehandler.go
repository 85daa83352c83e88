package client

import (
	"log/slog"
)

// ProgressHandlers defines optional callbacks for a ProgressChannel. All
// handlers are optional and run on the channel's read goroutine, in the
// order frames were received.
type ProgressHandlers struct {
	// OnEvent is called for every text event that passes filtering
	OnEvent func(*ProgressEvent)

	// OnPreview is called for binary preview frames of the tracked job
	OnPreview func(*PreviewFrame)

	// OnHint is called when an event suggests the tracked job has finished
	OnHint func(Hint)

	// OnError is called with transport failures, wrapped as ErrStream
	OnError func(error)

	// OnClose is called once when the channel closes. reason is nil for
	// a Close initiated by the caller.
	OnClose func(reason error)
}

// DefaultProgressHandlers logs executing nodes, errors and closes.
func DefaultProgressHandlers(logger *slog.Logger) *ProgressHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressHandlers{
		OnEvent: func(ev *ProgressEvent) {
			switch data := ev.Data.(type) {
			case *ExecutingData:
				if !data.Done() {
					logger.Info("Executing node", "node_id", *data.Node, "prompt_id", data.PromptID)
				}
			case *ExecutionErrorData:
				logger.Error("Execution error",
					"node_id", data.Node,
					"node_type", data.NodeType,
					"error", data.ExceptionMessage,
				)
			}
		},
		OnError: func(err error) {
			logger.Warn("Progress stream error", "error", err)
		},
		OnClose: func(reason error) {
			if reason != nil {
				logger.Debug("Progress stream closed", "reason", reason)
			}
		},
	}
}

// WithEventHandler adds an event handler (builder pattern)
func (h *ProgressHandlers) WithEventHandler(fn func(*ProgressEvent)) *ProgressHandlers {
	h.OnEvent = fn
	return h
}

// WithPreviewHandler adds a preview handler (builder pattern)
func (h *ProgressHandlers) WithPreviewHandler(fn func(*PreviewFrame)) *ProgressHandlers {
	h.OnPreview = fn
	return h
}

// WithHintHandler adds a hint handler (builder pattern)
func (h *ProgressHandlers) WithHintHandler(fn func(Hint)) *ProgressHandlers {
	h.OnHint = fn
	return h
}

// WithErrorHandler adds an error handler (builder pattern)
func (h *ProgressHandlers) WithErrorHandler(fn func(error)) *ProgressHandlers {
	h.OnError = fn
	return h
}

// WithCloseHandler adds a close handler (builder pattern)
func (h *ProgressHandlers) WithCloseHandler(fn func(error)) *ProgressHandlers {
	h.OnClose = fn
	return h
}
