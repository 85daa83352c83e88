package client

import (
	"encoding/json"
	"fmt"

	"github.com/richinsley/comfygen/graphapi"
)

// ProgressEvent is one decoded text message from the progress stream.
// Data holds one of the *Data types below, or nil for event types this
// package does not model (extension chatter such as crystools.monitor).
type ProgressEvent struct {
	Type     string
	PromptID string
	Data     interface{}
	Raw      json.RawMessage
}

// DecodeProgressEvent parses a text frame.
func DecodeProgressEvent(b []byte) (*ProgressEvent, error) {
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return nil, err
	}
	if temp.Type == "" {
		return nil, fmt.Errorf("progress event without type")
	}

	ev := &ProgressEvent{Type: temp.Type, Raw: temp.Data}
	switch temp.Type {
	case "status":
		ev.Data = &StatusData{}
	case "execution_start":
		ev.Data = &ExecutionStartData{}
	case "execution_cached":
		ev.Data = &ExecutionCachedData{}
	case "executing":
		ev.Data = &ExecutingData{}
	case "progress":
		ev.Data = &ProgressData{}
	case "progress_state":
		ev.Data = &ProgressStateData{}
	case "executed":
		ev.Data = &ExecutedData{}
	case "execution_success":
		ev.Data = &ExecutionSuccessData{}
	case "execution_interrupted":
		ev.Data = &ExecutionInterruptedData{}
	case "execution_error":
		ev.Data = &ExecutionErrorData{}
	default:
		return ev, nil
	}

	if len(temp.Data) > 0 && string(temp.Data) != "null" {
		if err := json.Unmarshal(temp.Data, ev.Data); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", temp.Type, err)
		}
	}
	if scoped, ok := ev.Data.(interface{ promptID() string }); ok {
		ev.PromptID = scoped.promptID()
	}
	return ev, nil
}

// NodeID accepts both "12" and 12; servers have sent either.
type NodeID string

func (n *NodeID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = NodeID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = NodeID(num.String())
	return nil
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}, "sid": "..."}}
*/
type StatusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid"`
}

func (s *StatusData) QueueRemaining() int { return s.Status.ExecInfo.QueueRemaining }

/*
{"type": "execution_start", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902", "timestamp": 1718000000000}}
*/
type ExecutionStartData struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

func (d *ExecutionStartData) promptID() string { return d.PromptID }

/*
{"type": "execution_cached", "data": {"nodes": ["4", "5"], "prompt_id": "..."}}
*/
type ExecutionCachedData struct {
	Nodes    []NodeID `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

func (d *ExecutionCachedData) promptID() string { return d.PromptID }

/*
{"type": "executing", "data": {"node": "12", "display_node": "12", "prompt_id": "..."}}
{"type": "executing", "data": {"node": null, "prompt_id": "..."}}
*/
type ExecutingData struct {
	Node        *string `json:"-"`
	DisplayNode string  `json:"-"`
	PromptID    string  `json:"-"`
}

func (d *ExecutingData) UnmarshalJSON(b []byte) error {
	var temp struct {
		Node        *NodeID `json:"node"`
		DisplayNode *NodeID `json:"display_node"`
		PromptID    string  `json:"prompt_id"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}
	d.PromptID = temp.PromptID
	d.Node = nil
	if temp.Node != nil {
		s := string(*temp.Node)
		d.Node = &s
	}
	if temp.DisplayNode != nil {
		d.DisplayNode = string(*temp.DisplayNode)
	}
	return nil
}

func (d *ExecutingData) promptID() string { return d.PromptID }

// Done reports the end-of-run marker (node is null).
func (d *ExecutingData) Done() bool { return d.Node == nil }

/*
{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "...", "node": "3"}}
*/
type ProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	Node     NodeID `json:"node"`
	PromptID string `json:"prompt_id"`
}

func (d *ProgressData) promptID() string { return d.PromptID }

// NodeProgress is one entry of a progress_state event.
type NodeProgress struct {
	Value        float64 `json:"value"`
	Max          float64 `json:"max"`
	State        string  `json:"state"`
	NodeID       NodeID  `json:"node_id"`
	DisplayNode  NodeID  `json:"display_node_id"`
	ParentNodeID *NodeID `json:"parent_node_id"`
	RealNodeID   NodeID  `json:"real_node_id"`
}

const (
	NodeStatePending  = "pending"
	NodeStateRunning  = "running"
	NodeStateFinished = "finished"
)

/*
{"type": "progress_state", "data": {"prompt_id": "...", "nodes": {"3": {"value": 4, "max": 20, "state": "running", "node_id": "3", ...}}}}
*/
type ProgressStateData struct {
	PromptID string                  `json:"prompt_id"`
	Nodes    map[string]NodeProgress `json:"nodes"`
}

func (d *ProgressStateData) promptID() string { return d.PromptID }

// AllFinished is true when the state lists nodes and every one is finished.
func (d *ProgressStateData) AllFinished() bool {
	if len(d.Nodes) == 0 {
		return false
	}
	for _, n := range d.Nodes {
		if n.State != NodeStateFinished {
			return false
		}
	}
	return true
}

// Running returns the running node with the lowest numeric id, if any.
func (d *ProgressStateData) Running() (string, NodeProgress, bool) {
	ids := make([]string, 0, len(d.Nodes))
	for id, n := range d.Nodes {
		if n.State == NodeStateRunning {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", NodeProgress{}, false
	}
	graphapi.SortNodeIDs(ids)
	return ids[0], d.Nodes[ids[0]], true
}

/*
{"type": "executed", "data": {"node": "19", "output": {"images": [{"filename": "ComfyUI_00046_.png", "subfolder": "", "type": "output"}]}, "prompt_id": "..."}}

// when there are multiple outputs, each output will receive an "executed"
*/
type ExecutedData struct {
	Node     NodeID         `json:"node"`
	Output   ExecutedOutput `json:"output"`
	PromptID string         `json:"prompt_id"`
}

type ExecutedOutput struct {
	Images []ImageRef `json:"images"`
}

func (d *ExecutedData) promptID() string { return d.PromptID }

/*
{"type": "execution_success", "data": {"prompt_id": "...", "timestamp": 1718000000000}}
*/
type ExecutionSuccessData struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

func (d *ExecutionSuccessData) promptID() string { return d.PromptID }

/*
{"type": "execution_interrupted", "data": {"prompt_id": "dc7093d7-980a-4fe6-bf0c-f6fef932c74b", "node_id": "19", "node_type": "SaveImage", "executed": ["5", "17", "10", "11"]}}
*/
type ExecutionInterruptedData struct {
	PromptID string   `json:"prompt_id"`
	Node     NodeID   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []NodeID `json:"executed"`
}

func (d *ExecutionInterruptedData) promptID() string { return d.PromptID }

type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	Node             NodeID   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	Executed         []NodeID `json:"executed"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}

func (d *ExecutionErrorData) promptID() string { return d.PromptID }
