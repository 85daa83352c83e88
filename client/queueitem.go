package client

import (
	"encoding/json"

	"github.com/richinsley/comfygen/graphapi"
)

// Job is one accepted submission. It never changes after Submit returns.
type Job struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
	// ClientID is the token the progress stream must be opened with.
	ClientID string         `json:"-"`
	Workflow graphapi.Graph `json:"-"`
}

// promptResponse is the body of POST /prompt, successful or not.
// "error" is either a string or a PromptError object, and "node_errors"
// is an object keyed by node id, or an empty list on older servers.
type promptResponse struct {
	PromptID   string        `json:"prompt_id"`
	Number     int           `json:"number"`
	Error      interface{}   `json:"error"`
	NodeErrors rawNodeErrors `json:"node_errors"`
}

type rawNodeErrors map[string]NodeError

func (r *rawNodeErrors) UnmarshalJSON(b []byte) error {
	var m map[string]NodeError
	if err := json.Unmarshal(b, &m); err != nil {
		// "[]" from older servers
		*r = nil
		return nil
	}
	*r = m
	return nil
}

func (p *promptResponse) submitError(statusCode int) *SubmitError {
	retv := &SubmitError{
		StatusCode: statusCode,
		NodeErrors: p.NodeErrors,
	}
	switch e := p.Error.(type) {
	case string:
		retv.Message = e
	case map[string]interface{}:
		if t, ok := e["type"].(string); ok {
			retv.Type = t
		}
		if m, ok := e["message"].(string); ok {
			retv.Message = m
		}
		if d, ok := e["details"].(string); ok && d != "" {
			retv.Message = retv.Message + ": " + d
		}
	}
	return retv
}
