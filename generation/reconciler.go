package generation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/richinsley/comfygen/client"
)

// HistorySource is the part of the server the reconciler needs.
type HistorySource interface {
	GetHistory(ctx context.Context, promptID string) (*client.HistoryEntry, bool, error)
	Interrupt(ctx context.Context) error
}

// ReconcilerConfig holds the timings used to decide when to look at
// /history. The defaults were found empirically against real servers.
type ReconcilerConfig struct {
	// SettleDelay follows a strong hint before history is read.
	SettleDelay time.Duration
	// QueueGrace follows a weak (queue empty) hint, before SettleDelay.
	QueueGrace time.Duration
	// SafetyTimeout forces one history read when no hint arrived.
	SafetyTimeout time.Duration
	FetchAttempts int
	FetchInterval time.Duration
	// PollInterval paces history polling once the stream is lost.
	PollInterval time.Duration
	// PreferredNodes are output node ids tried, in order, before the first
	// image in server output order.
	PreferredNodes []string
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		SettleDelay:   3 * time.Second,
		QueueGrace:    5 * time.Second,
		SafetyTimeout: 90 * time.Second,
		FetchAttempts: 3,
		FetchInterval: 2 * time.Second,
		PollInterval:  2 * time.Second,
	}
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	d := DefaultReconcilerConfig()
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.QueueGrace <= 0 {
		c.QueueGrace = d.QueueGrace
	}
	if c.SafetyTimeout <= 0 {
		c.SafetyTimeout = d.SafetyTimeout
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = d.FetchAttempts
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = d.FetchInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

type cancelFlag struct {
	once sync.Once
	ch   chan struct{}
}

func (f *cancelFlag) set() { f.once.Do(func() { close(f.ch) }) }

// Reconciler turns completion hints into an Outcome by reading /history.
type Reconciler struct {
	source HistorySource
	cfg    ReconcilerConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]*cancelFlag
}

func NewReconciler(source HistorySource, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		source:  source,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		cancels: make(map[string]*cancelFlag),
	}
}

func (r *Reconciler) flag(promptID string) *cancelFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.cancels[promptID]
	if !ok {
		f = &cancelFlag{ch: make(chan struct{})}
		r.cancels[promptID] = f
	}
	return f
}

func (r *Reconciler) release(promptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, promptID)
}

// AwaitOutcome blocks until the job reaches a terminal state. Hints only
// schedule history reads; the outcome always comes from history, the
// safety timer or cancellation. A closed hints channel is treated like a
// silent stream.
func (r *Reconciler) AwaitOutcome(ctx context.Context, promptID string, hints <-chan client.Hint) Outcome {
	flag := r.flag(promptID)
	defer r.release(promptID)
	cancel := flag.ch

	// safetyC is only watched until the first hint; polling keeps the timer
	// as its overall bound.
	safety := time.NewTimer(r.cfg.SafetyTimeout)
	defer safety.Stop()
	safetyC := safety.C

	var (
		settle      *time.Timer
		settleC     <-chan time.Time
		deadline    time.Time
		errorDetail string
	)
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return Cancelled(promptID)
		case <-cancel:
			return Cancelled(promptID)
		case h, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			if h.PromptID != "" && h.PromptID != promptID {
				continue
			}
			r.logger.Debug("completion hint", "prompt_id", promptID, "hint", h.Kind)

			if h.Kind == client.HintExecutionError && h.Detail != "" {
				errorDetail = h.Detail
			}
			if h.Kind == client.HintStreamLost {
				return r.poll(ctx, promptID, cancel, safety.C, errorDetail)
			}

			delay := r.cfg.QueueGrace + r.cfg.SettleDelay
			if h.Strong() {
				delay = r.cfg.SettleDelay
			}
			at := time.Now().Add(delay)
			switch {
			case settle == nil:
				safetyC = nil
				settle = time.NewTimer(delay)
				settleC = settle.C
				deadline = at
			case h.Strong() && at.Before(deadline):
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(delay)
				deadline = at
			}
		case <-settleC:
			return r.fetch(ctx, promptID, cancel, false, errorDetail)
		case <-safetyC:
			r.logger.Warn("no completion hint before safety timeout", "prompt_id", promptID, "timeout", r.cfg.SafetyTimeout)
			return r.fetch(ctx, promptID, cancel, true, errorDetail)
		}
	}
}

// fetch reads history up to FetchAttempts times. When timedOut is set an
// empty result is TimedOut instead of a failure.
func (r *Reconciler) fetch(ctx context.Context, promptID string, cancel <-chan struct{}, timedOut bool, errorDetail string) Outcome {
	for attempt := 0; attempt < r.cfg.FetchAttempts; attempt++ {
		if attempt > 0 && !r.sleep(ctx, cancel, r.cfg.FetchInterval) {
			return Cancelled(promptID)
		}

		entry, ok, err := r.source.GetHistory(ctx, promptID)
		if isClosed(cancel) || ctx.Err() != nil {
			// the response of an in-flight request is discarded
			return Cancelled(promptID)
		}
		if err != nil {
			r.logger.Warn("history fetch failed", "prompt_id", promptID, "attempt", attempt+1, "error", err)
			continue
		}
		if !ok {
			r.logger.Debug("history entry not ready", "prompt_id", promptID, "attempt", attempt+1)
			continue
		}
		if outcome, done := r.judge(promptID, entry); done {
			return outcome
		}
	}

	if timedOut {
		return TimedOut(promptID)
	}
	if errorDetail != "" {
		return Failure(promptID, errorDetail, ErrExecutionFailed)
	}
	return Failure(promptID, ErrNoImageProduced.Error(), ErrNoImageProduced)
}

// poll reads history every PollInterval until the entry completes, the
// safety timer fires or the job is cancelled.
func (r *Reconciler) poll(ctx context.Context, promptID string, cancel <-chan struct{}, safety <-chan time.Time, errorDetail string) Outcome {
	r.logger.Info("progress stream lost, polling history", "prompt_id", promptID)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		entry, ok, err := r.source.GetHistory(ctx, promptID)
		if isClosed(cancel) || ctx.Err() != nil {
			return Cancelled(promptID)
		}
		switch {
		case err != nil:
			r.logger.Warn("history poll failed", "prompt_id", promptID, "error", err)
		case ok:
			if outcome, done := r.judge(promptID, entry); done {
				return outcome
			}
			if entry.Status.Completed {
				if errorDetail != "" {
					return Failure(promptID, errorDetail, ErrExecutionFailed)
				}
				return Failure(promptID, ErrNoImageProduced.Error(), ErrNoImageProduced)
			}
		}

		select {
		case <-ctx.Done():
			return Cancelled(promptID)
		case <-cancel:
			return Cancelled(promptID)
		case <-safety:
			return TimedOut(promptID)
		case <-ticker.C:
		}
	}
}

// judge maps a history entry to an outcome when it settles the job.
func (r *Reconciler) judge(promptID string, entry *client.HistoryEntry) (Outcome, bool) {
	if img, ok := entry.SelectImage(r.cfg.PreferredNodes); ok {
		return Success(promptID, img), true
	}
	if entry.Failed() {
		return Failure(promptID, entry.ErrorMessage(), ErrExecutionFailed), true
	}
	return Outcome{}, false
}

func (r *Reconciler) sleep(ctx context.Context, cancel <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-cancel:
		return false
	case <-timer.C:
		return true
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Cancel flags promptID as cancelled, wakes its AwaitOutcome and asks the
// server to interrupt. The interrupt is best effort; the result is always
// Cancelled.
func (r *Reconciler) Cancel(ctx context.Context, promptID string) Outcome {
	r.flag(promptID).set()

	if err := r.source.Interrupt(ctx); err != nil {
		r.logger.Warn("interrupt failed", "prompt_id", promptID, "error", err)
	}
	return Cancelled(promptID)
}
