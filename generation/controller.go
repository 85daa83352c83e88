package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/graphapi"
)

type State int

const (
	StateReady State = iota
	StateSubmitting
	StateGenerating
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSubmitting:
		return "submitting"
	case StateGenerating:
		return "generating"
	case StateCancelling:
		return "cancelling"
	}
	return "unknown"
}

// Backend is the server surface the controller drives. *client.ComfyClient
// implements it.
type Backend interface {
	HistorySource
	Submit(ctx context.Context, snapshot graphapi.Graph, assets []client.Asset) (*client.Job, error)
	NewProgressChannel(maxPreviews int) *client.ProgressChannel
}

// Requirements lists the inputs a workflow cannot run without.
type Requirements struct {
	Image bool
	Mask  bool
}

type Request struct {
	Document     *graphapi.Document
	Assets       []client.Asset
	Requirements Requirements
}

type ControllerConfig struct {
	Reconciler ReconcilerConfig
	// SubmitAttempts > 1 retries submissions that failed with ErrNetwork.
	SubmitAttempts   int
	SubmitRetryDelay time.Duration
	// TerminalClasses name the class types whose first node marks the end
	// of a run in progress_state events.
	TerminalClasses []string
	MaxPreviews     int
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Reconciler:       DefaultReconcilerConfig(),
		SubmitAttempts:   1,
		SubmitRetryDelay: time.Second,
		TerminalClasses:  []string{"SaveImage"},
		MaxPreviews:      client.DefaultMaxPreviews,
	}
}

// Callbacks are optional. OnOutcome fires exactly once per started run.
type Callbacks struct {
	OnOutcome     func(Outcome)
	OnProgress    func(Progress)
	OnPreview     func(*client.PreviewFrame)
	OnStateChange func(from State, to State)
}

// Run is the handle of one started generation.
type Run struct {
	Job *client.Job

	done     chan struct{}
	outcome  Outcome
	finished bool
}

// Done is closed once the outcome is known.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the outcome is known or ctx ends.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Controller runs one generation at a time: submit, follow progress,
// deliver a single outcome.
type Controller struct {
	backend    Backend
	reconciler *Reconciler
	cfg        ControllerConfig
	callbacks  Callbacks
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	run       *Run
	channel   *client.ProgressChannel
	cancelRun context.CancelFunc
}

func NewController(backend Backend, cfg ControllerConfig, callbacks Callbacks, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 1
	}
	if len(cfg.TerminalClasses) == 0 {
		cfg.TerminalClasses = []string{"SaveImage"}
	}
	return &Controller{
		backend:    backend,
		reconciler: NewReconciler(backend, cfg.Reconciler, logger),
		cfg:        cfg,
		callbacks:  callbacks,
		logger:     logger,
		state:      StateReady,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentJob returns the job being generated, or nil.
func (c *Controller) CurrentJob() *client.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.Job
}

// Previews returns the preview frames of the current run.
func (c *Controller) Previews() []client.PreviewFrame {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return nil
	}
	return channel.Previews()
}

func (c *Controller) notify(from State, to State) {
	if from != to && c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(from, to)
	}
}

// Start submits req and begins following the job. Submission errors are
// returned here and leave the controller Ready; everything after that is
// reported through the Run and OnOutcome.
func (c *Controller) Start(ctx context.Context, req Request) (*Run, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, ErrAlreadyGenerating
	}
	if err := checkRequirements(req); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.state = StateSubmitting
	c.mu.Unlock()
	c.notify(StateReady, StateSubmitting)

	snapshot := req.Document.SnapshotForSubmission()
	job, err := c.submit(ctx, snapshot, req.Assets)
	if err != nil {
		c.mu.Lock()
		c.state = StateReady
		c.mu.Unlock()
		c.notify(StateSubmitting, StateReady)
		return nil, err
	}

	run := &Run{Job: job, done: make(chan struct{})}
	hints := make(chan client.Hint, 16)
	sendHint := func(h client.Hint) {
		select {
		case hints <- h:
		default:
			// a pending hint already wakes the reconciler
		}
	}

	narrator := NewNarrator(job.Workflow)
	handlers := &client.ProgressHandlers{
		OnEvent: func(ev *client.ProgressEvent) {
			if c.callbacks.OnProgress == nil || !c.isActive(run) {
				return
			}
			if p, ok := narrator.NarrateProgress(ev); ok {
				c.callbacks.OnProgress(p)
			}
		},
		OnPreview: func(frame *client.PreviewFrame) {
			if c.callbacks.OnPreview != nil && c.isActive(run) {
				c.callbacks.OnPreview(frame)
			}
		},
		OnHint: sendHint,
		OnError: func(err error) {
			c.logger.Warn("progress stream error", "prompt_id", job.PromptID, "error", err)
		},
	}

	channel := c.backend.NewProgressChannel(c.cfg.MaxPreviews)
	if err := channel.Open(ctx, job.ClientID, handlers); err != nil {
		c.logger.Warn("progress stream unavailable, falling back to polling", "prompt_id", job.PromptID, "error", err)
		sendHint(client.Hint{Kind: client.HintStreamLost, PromptID: job.PromptID, Detail: err.Error()})
	} else {
		channel.Track(client.TrackSpec{
			PromptID:     job.PromptID,
			TerminalNode: terminalNode(job.Workflow, c.cfg.TerminalClasses),
		})
	}

	runCtx, cancelRun := context.WithCancel(context.Background())

	c.mu.Lock()
	c.state = StateGenerating
	c.run = run
	c.channel = channel
	c.cancelRun = cancelRun
	c.mu.Unlock()
	c.notify(StateSubmitting, StateGenerating)

	c.logger.Info("generation started", "prompt_id", job.PromptID, "number", job.Number)

	go func() {
		outcome := c.reconciler.AwaitOutcome(runCtx, job.PromptID, hints)
		c.finish(run, outcome, false)
	}()
	return run, nil
}

func (c *Controller) submit(ctx context.Context, snapshot graphapi.Graph, assets []client.Asset) (*client.Job, error) {
	for attempt := 1; ; attempt++ {
		job, err := c.backend.Submit(ctx, snapshot, assets)
		if err == nil || !errors.Is(err, client.ErrNetwork) || attempt >= c.cfg.SubmitAttempts {
			return job, err
		}
		c.logger.Warn("submit failed, retrying", "attempt", attempt, "error", err)

		timer := time.NewTimer(c.cfg.SubmitRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Controller) isActive(run *Run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == run && c.state == StateGenerating
}

// Cancel stops the current generation. The Cancelled outcome is delivered
// before Cancel returns, and any result that arrives later is dropped.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateGenerating {
		c.mu.Unlock()
		return ErrNotGenerating
	}
	run := c.run
	c.state = StateCancelling
	c.mu.Unlock()
	c.notify(StateGenerating, StateCancelling)

	c.logger.Info("cancelling generation", "prompt_id", run.Job.PromptID)
	outcome := c.reconciler.Cancel(ctx, run.Job.PromptID)
	c.finish(run, outcome, true)
	return nil
}

// finish delivers outcome for run unless one was delivered already. While
// cancelling only the cancel path may finish the run.
func (c *Controller) finish(run *Run, outcome Outcome, fromCancel bool) {
	c.mu.Lock()
	if c.run != run || run.finished || (c.state == StateCancelling && !fromCancel) {
		c.mu.Unlock()
		c.logger.Debug("dropping late outcome", "prompt_id", run.Job.PromptID, "outcome", outcome.Kind)
		return
	}
	run.finished = true
	run.outcome = outcome
	from := c.state
	channel := c.channel
	cancelRun := c.cancelRun
	c.state = StateReady
	c.run = nil
	c.channel = nil
	c.cancelRun = nil
	c.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if cancelRun != nil {
		cancelRun()
	}
	close(run.done)

	c.logger.Info("generation finished", "prompt_id", run.Job.PromptID, "outcome", outcome.String())
	c.notify(from, StateReady)
	if c.callbacks.OnOutcome != nil {
		c.callbacks.OnOutcome(outcome)
	}
}

// checkRequirements verifies the request carries the inputs it needs,
// either as an asset with the matching role or already set on the
// workflow's loader nodes.
func checkRequirements(req Request) error {
	if req.Document == nil {
		return fmt.Errorf("%w: no workflow", ErrMissingInput)
	}
	if req.Requirements.Image && !hasAsset(req.Assets, client.RoleImage) && !hasLoaderInput(req.Document, "LoadImage", "image") {
		return fmt.Errorf("%w: source image", ErrMissingInput)
	}
	if req.Requirements.Mask && !hasAsset(req.Assets, client.RoleMask) && len(activeNodes(req.Document, "LoadImageMask")) == 0 {
		return fmt.Errorf("%w: mask", ErrMissingInput)
	}
	return nil
}

func hasAsset(assets []client.Asset, role client.AssetRole) bool {
	for _, a := range assets {
		if a.Role == role && len(a.Data) > 0 {
			return true
		}
	}
	return false
}

func activeNodes(doc *graphapi.Document, classType string) []string {
	retv := make([]string, 0)
	for _, id := range doc.NodesWithClass(classType) {
		if !doc.IsBypassed(id) {
			retv = append(retv, id)
		}
	}
	return retv
}

func hasLoaderInput(doc *graphapi.Document, classType string, input string) bool {
	for _, id := range activeNodes(doc, classType) {
		n, ok := doc.Node(id)
		if !ok {
			continue
		}
		if s, ok := n.Inputs[input].String(); ok && s != "" {
			return true
		}
	}
	return false
}

// terminalNode returns the first non bypassed node, in id order, whose class
// is one of classes.
func terminalNode(workflow graphapi.Graph, classes []string) string {
	for _, id := range workflow.NodeIDs() {
		n := workflow[id]
		if n == nil || n.IsBypassed() {
			continue
		}
		for _, class := range classes {
			if n.ClassType == class {
				return id
			}
		}
	}
	return ""
}
