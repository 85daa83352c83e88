package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/graphapi"
	"github.com/richinsley/comfygen/internal/comfytest"
)

const waitTimeout = 5 * time.Second

const txt2imgWorkflow = `{
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sdxl.safetensors"}},
  "3": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20, "model": ["4", 0]}, "_meta": {"title": "Sampler"}},
  "9": {"class_type": "SaveImage", "inputs": {"images": ["3", 0], "filename_prefix": "ComfyUI"}}
}`

const inpaintWorkflow = `{
  "10": {"class_type": "LoadImage", "inputs": {"image": ""}},
  "11": {"class_type": "LoadImageMask", "inputs": {"image": "", "channel": "alpha"}, "mode": 4},
  "3":  {"class_type": "KSampler", "inputs": {"seed": 1, "latent_image": ["10", 0]}},
  "9":  {"class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
}`

type flakyBackend struct {
	*client.ComfyClient

	mu       sync.Mutex
	failures int
	attempts int
}

func (b *flakyBackend) Submit(ctx context.Context, snapshot graphapi.Graph, assets []client.Asset) (*client.Job, error) {
	b.mu.Lock()
	b.attempts++
	fail := b.attempts <= b.failures
	b.mu.Unlock()
	if fail {
		return nil, &client.NetworkError{Op: "POST /prompt", Err: errors.New("connection reset by peer")}
	}
	return b.ComfyClient.Submit(ctx, snapshot, assets)
}

type harness struct {
	srv  *comfytest.Server
	cc   *client.ComfyClient
	ctrl *Controller

	mu       sync.Mutex
	outcomes []Outcome
	progress []Progress
	previews int
	states   []State
}

func (h *harness) Outcomes() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Outcome(nil), h.outcomes...)
}

func (h *harness) Progress() []Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Progress(nil), h.progress...)
}

func (h *harness) States() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func testControllerConfig() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.Reconciler = fastConfig()
	cfg.SubmitRetryDelay = 5 * time.Millisecond
	cfg.MaxPreviews = 4
	return cfg
}

func newHarness(t *testing.T, cfg ControllerConfig, wrap func(*client.ComfyClient) Backend) *harness {
	t.Helper()
	srv := comfytest.New(t)
	cc, err := client.NewComfyClientWithTimeout(srv.URL, 5*time.Second, nil)
	require.NoError(t, err)

	var backend Backend = cc
	if wrap != nil {
		backend = wrap(cc)
	}

	h := &harness{srv: srv, cc: cc}
	h.ctrl = NewController(backend, cfg, Callbacks{
		OnOutcome: func(o Outcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.outcomes = append(h.outcomes, o)
		},
		OnProgress: func(p Progress) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.progress = append(h.progress, p)
		},
		OnPreview: func(*client.PreviewFrame) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.previews++
		},
		OnStateChange: func(from, to State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, to)
		},
	}, nil)
	return h
}

func document(t *testing.T, workflow string) *graphapi.Document {
	t.Helper()
	doc, err := graphapi.NewDocumentFromJSONString(workflow)
	require.NoError(t, err)
	return doc
}

func waitOutcome(t *testing.T, run *Run) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	outcome, err := run.Wait(ctx)
	require.NoError(t, err, "run did not finish")
	return outcome
}

func TestControllerSuccess(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)
	ctx := context.Background()

	run, err := h.ctrl.Start(ctx, Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)
	assert.Equal(t, StateGenerating, h.ctrl.State())
	assert.Equal(t, run.Job, h.ctrl.CurrentJob())

	id := h.srv.WaitForClient(waitTimeout)
	assert.Equal(t, run.Job.ClientID, id)
	pid := run.Job.PromptID

	h.srv.SendJSON(id, "execution_start", map[string]interface{}{"prompt_id": pid})
	h.srv.SendJSON(id, "executing", map[string]interface{}{"node": "3", "prompt_id": pid})
	h.srv.SendJSON(id, "progress", map[string]interface{}{"value": 5, "max": 20, "node": "3", "prompt_id": pid})
	h.srv.SendRaw(id, websocket.BinaryMessage, append([]byte{0, 0, 0, 1, 0, 0, 0, 1}, make([]byte, 1500)...))
	h.srv.SetHistory(pid, comfytest.SuccessHistory(comfytest.Output{NodeID: "9", Files: []string{"ComfyUI_00001_.png"}}), 0)
	h.srv.SendJSON(id, "executing", map[string]interface{}{"node": nil, "prompt_id": pid})

	outcome := waitOutcome(t, run)
	require.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "ComfyUI_00001_.png", outcome.Image.Filename)
	assert.Equal(t, pid, outcome.PromptID)

	assert.Eventually(t, func() bool { return len(h.Outcomes()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		states := h.States()
		return len(states) == 3 && states[2] == StateReady
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []State{StateSubmitting, StateGenerating, StateReady}, h.States())
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Nil(t, h.ctrl.CurrentJob())
	assert.Nil(t, h.ctrl.Previews())

	var sampled *Progress
	for _, p := range h.Progress() {
		if p.Max > 0 {
			p := p
			sampled = &p
		}
	}
	require.NotNil(t, sampled)
	assert.Equal(t, "Sampler", sampled.Title)
	assert.Equal(t, 5, sampled.Value)
	assert.Equal(t, 20, sampled.Max)

	h.mu.Lock()
	assert.Equal(t, 1, h.previews)
	h.mu.Unlock()

	// no further outcome is delivered for a finished run
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.Outcomes(), 1)
}

func TestControllerRejectsSecondStart(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)
	ctx := context.Background()

	run, err := h.ctrl.Start(ctx, Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)

	id := h.srv.WaitForClient(waitTimeout)

	_, err = h.ctrl.Start(ctx, Request{Document: document(t, txt2imgWorkflow)})
	assert.ErrorIs(t, err, ErrAlreadyGenerating)
	assert.Len(t, h.srv.Prompts(), 1)
	assert.Equal(t, StateGenerating, h.ctrl.State())
	assert.Equal(t, run.Job, h.ctrl.CurrentJob())

	// the first job still completes normally
	pid := run.Job.PromptID
	h.srv.SetHistory(pid, comfytest.SuccessHistory(comfytest.Output{NodeID: "9", Files: []string{"first.png"}}), 0)
	h.srv.SendJSON(id, "executing", map[string]interface{}{"node": nil, "prompt_id": pid})

	outcome := waitOutcome(t, run)
	require.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "first.png", outcome.Image.Filename)

	assert.Eventually(t, func() bool { return len(h.Outcomes()) == 1 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	outcomes := h.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, pid, outcomes[0].PromptID)
	assert.Equal(t, StateReady, h.ctrl.State())
}

func TestControllerCancel(t *testing.T) {
	cfg := testControllerConfig()
	cfg.Reconciler.SafetyTimeout = time.Minute
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.Cancel(ctx), ErrNotGenerating)

	run, err := h.ctrl.Start(ctx, Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)
	h.srv.WaitForClient(waitTimeout)

	require.NoError(t, h.ctrl.Cancel(ctx))

	select {
	case <-run.Done():
	default:
		t.Fatal("run should be finished when Cancel returns")
	}
	outcome := waitOutcome(t, run)
	assert.Equal(t, OutcomeCancelled, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrCancelled)
	assert.Equal(t, 1, h.srv.Interrupts())
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Cancel(ctx), ErrNotGenerating)

	// the reconciler's own Cancelled result is dropped
	time.Sleep(50 * time.Millisecond)
	outcomes := h.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCancelled, outcomes[0].Kind)
	assert.Contains(t, h.States(), StateCancelling)
}

func TestControllerMissingInputs(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, Request{
		Document:     document(t, inpaintWorkflow),
		Requirements: Requirements{Image: true},
	})
	assert.ErrorIs(t, err, ErrMissingInput)

	// the only LoadImageMask is bypassed
	_, err = h.ctrl.Start(ctx, Request{
		Document: document(t, inpaintWorkflow),
		Assets: []client.Asset{{
			Name: "src.png", Data: []byte("img"), Role: client.RoleImage,
			Targets: []client.InputTarget{{NodeID: "10", Input: "image"}},
		}},
		Requirements: Requirements{Image: true, Mask: true},
	})
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = h.ctrl.Start(ctx, Request{})
	assert.ErrorIs(t, err, ErrMissingInput)

	assert.Empty(t, h.srv.Prompts())
	assert.Empty(t, h.srv.Uploads())
	assert.Equal(t, StateReady, h.ctrl.State())
}

func TestControllerImageAssetSatisfiesRequirement(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)
	ctx := context.Background()

	run, err := h.ctrl.Start(ctx, Request{
		Document: document(t, inpaintWorkflow),
		Assets: []client.Asset{{
			Name: "src.png", Data: []byte("img"), Role: client.RoleImage,
			Targets: []client.InputTarget{{NodeID: "10", Input: "image"}},
		}},
		Requirements: Requirements{Image: true},
	})
	require.NoError(t, err)

	prompts := h.srv.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "srv_src.png", prompts[0].Inputs("10")["image"])
	var mask struct {
		Mode int `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(prompts[0].Prompt["11"], &mask))
	assert.Equal(t, graphapi.ModeBypass, mask.Mode)

	require.NoError(t, h.ctrl.Cancel(ctx))
	waitOutcome(t, run)
}

func TestControllerRetriesNetworkErrors(t *testing.T) {
	cfg := testControllerConfig()
	cfg.SubmitAttempts = 3
	var backend *flakyBackend
	h := newHarness(t, cfg, func(cc *client.ComfyClient) Backend {
		backend = &flakyBackend{ComfyClient: cc, failures: 2}
		return backend
	})
	ctx := context.Background()

	run, err := h.ctrl.Start(ctx, Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)
	assert.Equal(t, 3, backend.attempts)
	assert.Len(t, h.srv.Prompts(), 1)

	require.NoError(t, h.ctrl.Cancel(ctx))
	waitOutcome(t, run)
}

func TestControllerSubmitFailureLeavesReady(t *testing.T) {
	h := newHarness(t, testControllerConfig(), func(cc *client.ComfyClient) Backend {
		return &flakyBackend{ComfyClient: cc, failures: 5}
	})

	_, err := h.ctrl.Start(context.Background(), Request{Document: document(t, txt2imgWorkflow)})
	assert.ErrorIs(t, err, client.ErrNetwork)
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Empty(t, h.Outcomes())
	assert.Equal(t, []State{StateSubmitting, StateReady}, h.States())
}

func TestControllerDoesNotRetryRejections(t *testing.T) {
	cfg := testControllerConfig()
	cfg.SubmitAttempts = 3
	h := newHarness(t, cfg, nil)
	h.srv.OnPrompt = func(n int, req comfytest.PromptRequest) (int, interface{}) {
		return http.StatusBadRequest, map[string]interface{}{"error": "invalid prompt", "node_errors": []interface{}{}}
	}

	_, err := h.ctrl.Start(context.Background(), Request{Document: document(t, txt2imgWorkflow)})
	assert.ErrorIs(t, err, client.ErrSubmitRejected)
	assert.Len(t, h.srv.Prompts(), 1)
	assert.Equal(t, StateReady, h.ctrl.State())
}

func TestControllerPollsWithoutStream(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)
	h.srv.RejectWebSocket = true
	h.srv.SetHistory(comfytest.PromptID(1), comfytest.SuccessHistory(comfytest.Output{NodeID: "9", Files: []string{"polled.png"}}), 3)

	run, err := h.ctrl.Start(context.Background(), Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)

	outcome := waitOutcome(t, run)
	require.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "polled.png", outcome.Image.Filename)
	assert.GreaterOrEqual(t, h.srv.HistoryHits(comfytest.PromptID(1)), 3)
}

func TestControllerRecoversFromLostStream(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)

	run, err := h.ctrl.Start(context.Background(), Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)
	id := h.srv.WaitForClient(waitTimeout)

	h.srv.SetHistory(run.Job.PromptID, comfytest.SuccessHistory(comfytest.Output{NodeID: "9", Files: []string{"after_drop.png"}}), 2)
	h.srv.Drop(id)

	outcome := waitOutcome(t, run)
	require.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "after_drop.png", outcome.Image.Filename)
}

func TestControllerReportsExecutionError(t *testing.T) {
	h := newHarness(t, testControllerConfig(), nil)

	run, err := h.ctrl.Start(context.Background(), Request{Document: document(t, txt2imgWorkflow)})
	require.NoError(t, err)
	id := h.srv.WaitForClient(waitTimeout)
	pid := run.Job.PromptID

	h.srv.SendJSON(id, "execution_error", map[string]interface{}{
		"prompt_id":         pid,
		"node_id":           "3",
		"node_type":         "KSampler",
		"exception_message": "Allocation on device",
	})

	outcome := waitOutcome(t, run)
	require.Equal(t, OutcomeFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrExecutionFailed)
	assert.Equal(t, "Allocation on device", outcome.Reason)
}

func TestTerminalNode(t *testing.T) {
	g := document(t, `{
	  "12": {"class_type": "SaveImage", "inputs": {}},
	  "9":  {"class_type": "SaveImage", "inputs": {}, "mode": 4},
	  "20": {"class_type": "PreviewImage", "inputs": {}}
	}`).SnapshotForSubmission()
	assert.Equal(t, "12", terminalNode(g, []string{"SaveImage"}))
	assert.Equal(t, "12", terminalNode(g, []string{"PreviewImage", "SaveImage"}))
	assert.Equal(t, "", terminalNode(g, []string{"VHS_VideoCombine"}))
}
