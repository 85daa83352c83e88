package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/richinsley/comfygen/graphapi"
)

// Submit uploads assets, points their target inputs at the uploaded names
// and queues the workflow under a fresh client token. snapshot is not
// modified. Submit does not retry.
func (c *ComfyClient) Submit(ctx context.Context, snapshot graphapi.Graph, assets []Asset) (*Job, error) {
	prompt := snapshot.Clone()
	if prompt == nil {
		prompt = make(graphapi.Graph)
	}

	for _, asset := range assets {
		for _, t := range asset.Targets {
			if n, ok := prompt[t.NodeID]; !ok || n == nil {
				return nil, fmt.Errorf("%w: %s (target of asset %s)", graphapi.ErrUnknownNode, t.NodeID, asset.Name)
			}
		}
	}

	if err := prompt.Validate(); err != nil {
		return nil, err
	}

	for _, asset := range assets {
		name, err := c.UploadAsset(ctx, asset)
		if err != nil {
			return nil, err
		}
		for _, t := range asset.Targets {
			prompt[t.NodeID].Inputs[t.Input] = graphapi.Literal(name)
		}
	}

	clientID := uuid.New().String()
	data, err := json.Marshal(map[string]interface{}{
		"prompt":    prompt,
		"client_id": clientID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", nil, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "POST /prompt", Err: err}
	}

	pr := &promptResponse{}
	if err := json.Unmarshal(body, pr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &SubmitError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		c.logger.Error("error unmarshalling prompt response", "body", string(body))
		return nil, fmt.Errorf("decode prompt response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || pr.Error != nil || pr.PromptID == "" {
		return nil, pr.submitError(resp.StatusCode)
	}
	if len(pr.NodeErrors) > 0 {
		c.logger.Warn("prompt queued with node errors", "prompt_id", pr.PromptID, "nodes", len(pr.NodeErrors))
	}

	c.logger.Debug("prompt queued", "prompt_id", pr.PromptID, "number", pr.Number)
	return &Job{
		PromptID: pr.PromptID,
		Number:   pr.Number,
		ClientID: clientID,
		Workflow: prompt,
	}, nil
}

// GetHistory fetches the history entry of one prompt. ok is false while the
// server has no record of it yet.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, bool, error) {
	history := make(map[string]*HistoryEntry)
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), nil, &history); err != nil {
		return nil, false, err
	}
	entry, ok := history[promptID]
	if !ok || entry == nil {
		return nil, false, nil
	}
	entry.PromptID = promptID
	return entry, true, nil
}

// Interrupt asks the server to stop whatever it is executing.
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/interrupt", nil, "application/json", strings.NewReader("{}"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: "POST /interrupt", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return nil
}

func viewQuery(ref ImageRef) url.Values {
	params := url.Values{}
	params.Add("filename", ref.Filename)
	params.Add("subfolder", ref.Subfolder)
	params.Add("type", ref.Type)
	return params
}

// ImageURL is the /view address of an image.
func (c *ComfyClient) ImageURL(ref ImageRef) string {
	return c.endpoint("/view", viewQuery(ref))
}

// GetImage downloads an image through /view.
func (c *ComfyClient) GetImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/view", viewQuery(ref), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "GET /view", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "GET /view", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", ref.Filename)}
	}
	return body, nil
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", nil, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

func (c *ComfyClient) GetQueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	queue_exec := &QueueExecInfo{}
	if err := c.getJSON(ctx, "/prompt", nil, queue_exec); err != nil {
		return nil, err
	}
	return queue_exec, nil
}

// GetEmbeddings retrieves the list of Embeddings models installed on the ComfyUI server.
func (c *ComfyClient) GetEmbeddings(ctx context.Context) ([]string, error) {
	retv := make([]string, 0)
	if err := c.getJSON(ctx, "/embeddings", nil, &retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetObjectInfo fetches the node class catalog.
func (c *ComfyClient) GetObjectInfo(ctx context.Context) (*graphapi.NodeObjects, error) {
	resp, err := c.do(ctx, http.MethodGet, "/object_info", nil, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "GET /object_info", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "GET /object_info", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return graphapi.NewNodeObjectsFromJSON(body)
}
