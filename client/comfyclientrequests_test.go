package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfygen/graphapi"
	"github.com/richinsley/comfygen/internal/comfytest"
)

const img2imgWorkflow = `{
  "4":  {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sdxl.safetensors"}},
  "10": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}},
  "3":  {"class_type": "KSampler", "inputs": {"seed": 8566257, "steps": 20, "model": ["4", 0], "latent_image": ["10", 0]}},
  "9":  {"class_type": "SaveImage", "inputs": {"images": ["3", 0], "filename_prefix": "out"}}
}`

func newTestClient(t *testing.T, srv *comfytest.Server) *ComfyClient {
	t.Helper()
	c, err := NewComfyClientWithTimeout(srv.URL, 5*time.Second, nil)
	require.NoError(t, err)
	return c
}

func loadGraph(t *testing.T) graphapi.Graph {
	t.Helper()
	doc, err := graphapi.NewDocumentFromJSONString(img2imgWorkflow)
	require.NoError(t, err)
	return doc.SnapshotForSubmission()
}

func TestSubmitUploadsAssetsAndRewritesTargets(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)
	snapshot := loadGraph(t)

	asset := Asset{
		Name:    "photo.png",
		Data:    []byte("not really a png"),
		Role:    RoleImage,
		Targets: []InputTarget{{NodeID: "10", Input: "image"}},
	}
	job, err := c.Submit(context.Background(), snapshot, []Asset{asset})
	require.NoError(t, err)

	assert.Equal(t, comfytest.PromptID(1), job.PromptID)
	assert.NotEmpty(t, job.ClientID)

	uploads := srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "photo.png", uploads[0].Filename)
	assert.Equal(t, "input", uploads[0].Type)
	assert.Equal(t, "true", uploads[0].Overwrite)

	prompts := srv.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, job.ClientID, prompts[0].ClientID)
	assert.Equal(t, "srv_photo.png", prompts[0].Inputs("10")["image"])
	assert.Equal(t, float64(8566257), prompts[0].Inputs("3")["seed"])
	assert.Equal(t, []interface{}{"4", float64(0)}, prompts[0].Inputs("3")["model"])

	// the caller's snapshot is untouched
	s, _ := snapshot["10"].Inputs["image"].String()
	assert.Equal(t, "placeholder.png", s)
	jobImage, _ := job.Workflow["10"].Inputs["image"].String()
	assert.Equal(t, "srv_photo.png", jobImage)
}

func TestSubmitUploadIntoSubfolder(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	asset := Asset{
		Name:      "mask.png",
		Data:      []byte{1, 2, 3},
		Subfolder: "masks",
		Targets:   []InputTarget{{NodeID: "10", Input: "image"}},
	}
	_, err := c.Submit(context.Background(), loadGraph(t), []Asset{asset})
	require.NoError(t, err)

	assert.Equal(t, "masks", srv.Uploads()[0].Subfolder)
	assert.Equal(t, "masks/srv_mask.png", srv.Prompts()[0].Inputs("10")["image"])
}

func TestSubmitStringError(t *testing.T) {
	srv := comfytest.New(t)
	srv.OnPrompt = func(n int, req comfytest.PromptRequest) (int, interface{}) {
		return http.StatusBadRequest, map[string]interface{}{
			"error":       "no prompt",
			"node_errors": []interface{}{},
		}
	}
	c := newTestClient(t, srv)

	_, err := c.Submit(context.Background(), loadGraph(t), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmitRejected)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "no prompt", se.Message)
	assert.Empty(t, se.NodeErrors)
}

func TestSubmitObjectErrorWithNodeErrors(t *testing.T) {
	srv := comfytest.New(t)
	srv.OnPrompt = func(n int, req comfytest.PromptRequest) (int, interface{}) {
		return http.StatusBadRequest, map[string]interface{}{
			"error": map[string]interface{}{
				"type":    "prompt_outputs_failed_validation",
				"message": "Prompt outputs failed validation",
				"details": "",
			},
			"node_errors": map[string]interface{}{
				"4": map[string]interface{}{
					"class_type": "CheckpointLoaderSimple",
					"errors": []interface{}{map[string]interface{}{
						"type":    "value_not_in_list",
						"message": "Value not in list",
						"details": "ckpt_name: 'sdxl.safetensors' not in []",
					}},
					"dependent_outputs": []interface{}{"9"},
				},
			},
		}
	}
	c := newTestClient(t, srv)

	_, err := c.Submit(context.Background(), loadGraph(t), nil)
	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "prompt_outputs_failed_validation", se.Type)
	require.Contains(t, se.NodeErrors, "4")
	assert.Equal(t, "CheckpointLoaderSimple", se.NodeErrors["4"].ClassType)
	assert.Equal(t, []string{"9"}, se.NodeErrors["4"].DependentOutputs)
	assert.Contains(t, err.Error(), "node 4 (CheckpointLoaderSimple): Value not in list")
}

func TestSubmitUploadFailureStopsBeforeQueueing(t *testing.T) {
	srv := comfytest.New(t)
	srv.UploadStatus = http.StatusInternalServerError
	c := newTestClient(t, srv)

	asset := Asset{Name: "photo.png", Data: []byte("x"), Targets: []InputTarget{{NodeID: "10", Input: "image"}}}
	_, err := c.Submit(context.Background(), loadGraph(t), []Asset{asset})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadFailed)

	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusInternalServerError, ue.StatusCode)
	assert.Empty(t, srv.Prompts())
}

func TestSubmitUnknownTarget(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	asset := Asset{Name: "photo.png", Data: []byte("x"), Targets: []InputTarget{{NodeID: "99", Input: "image"}}}
	_, err := c.Submit(context.Background(), loadGraph(t), []Asset{asset})
	assert.ErrorIs(t, err, graphapi.ErrUnknownNode)
	assert.Empty(t, srv.Uploads())
	assert.Empty(t, srv.Prompts())
}

func TestSubmitNetworkError(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.Submit(context.Background(), loadGraph(t), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.False(t, errors.Is(err, ErrSubmitRejected))
}

func TestGetHistory(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	_, ok, err := c.GetHistory(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	srv.SetHistory("p1", comfytest.SuccessHistory(
		comfytest.Output{NodeID: "27", Files: []string{"preview_27.png"}},
		comfytest.Output{NodeID: "9", Files: []string{"final_a.png", "final_b.png"}},
	), 0)

	entry, ok, err := c.GetHistory(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", entry.PromptID)
	assert.True(t, entry.Status.Completed)
	assert.False(t, entry.Failed())

	require.Len(t, entry.Outputs, 2)
	assert.Equal(t, "27", entry.Outputs[0].NodeID)
	assert.Equal(t, "9", entry.Outputs[1].NodeID)

	img, ok := entry.SelectImage(nil)
	require.True(t, ok)
	assert.Equal(t, "preview_27.png", img.Filename)

	img, ok = entry.SelectImage([]string{"29", "9"})
	require.True(t, ok)
	assert.Equal(t, "final_a.png", img.Filename)
}

func TestHistoryFailureMessage(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	srv.SetHistory("bad", comfytest.HistoryBody("error", true, nil, []interface{}{
		[]interface{}{"execution_start", map[string]interface{}{"prompt_id": "bad"}},
		[]interface{}{"execution_error", map[string]interface{}{
			"node_type":         "KSampler",
			"exception_message": "CUDA out of memory",
		}},
	}), 0)

	entry, ok, err := c.GetHistory(context.Background(), "bad")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Failed())
	assert.Equal(t, "KSampler: CUDA out of memory", entry.ErrorMessage())
	_, ok = entry.SelectImage(nil)
	assert.False(t, ok)
}

func TestInterruptAndGetImage(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	require.NoError(t, c.Interrupt(context.Background()))
	assert.Equal(t, 1, srv.Interrupts())

	data, err := c.GetImage(context.Background(), ImageRef{Filename: "x.png", Type: "output"})
	require.NoError(t, err)
	assert.Equal(t, srv.ViewData, data)

	_, err = c.GetImage(context.Background(), ImageRef{})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestQueueAndSystemStats(t *testing.T) {
	srv := comfytest.New(t)
	srv.SystemStats = map[string]interface{}{
		"system": map[string]interface{}{"os": "posix", "python_version": "3.11", "comfyui_version": "0.3.40"},
		"devices": []interface{}{map[string]interface{}{
			"name": "cuda:0 RTX 4090", "type": "cuda", "index": 0,
			"vram_total": 25757220864, "vram_free": 20000000000,
		}},
	}
	srv.SetQueueRemaining(2)
	c := newTestClient(t, srv)

	stats, err := c.GetSystemStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.3.40", stats.System.ComfyUIVersion)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, int64(25757220864), stats.Devices[0].VRAM_Total)

	queue, err := c.GetQueueExecutionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, queue.ExecInfo.QueueRemaining)
}
