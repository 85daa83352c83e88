package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ImageRef locates an image on the server, as used by /view.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (r ImageRef) IsZero() bool {
	return r.Filename == ""
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type QueueExecInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// HistoryMessage is one ["event_name", {...}] pair from status.messages.
type HistoryMessage struct {
	Type string
	Data map[string]interface{}
}

func (m *HistoryMessage) UnmarshalJSON(b []byte) error {
	var tmp []json.RawMessage
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	if len(tmp) > 0 {
		if err := json.Unmarshal(tmp[0], &m.Type); err != nil {
			return err
		}
	}
	if len(tmp) > 1 {
		// payloads vary between events; keep what decodes
		_ = json.Unmarshal(tmp[1], &m.Data)
	}
	return nil
}

type HistoryStatus struct {
	StatusStr string           `json:"status_str"`
	Completed bool             `json:"completed"`
	Messages  []HistoryMessage `json:"messages"`
}

// NodeOutput holds the images one node produced.
type NodeOutput struct {
	NodeID string
	Images []ImageRef
}

// HistoryOutputs keeps node outputs in the order the server wrote them.
type HistoryOutputs []NodeOutput

func (o *HistoryOutputs) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))

	t, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		// empty list or null
		*o = nil
		return nil
	}

	retv := make(HistoryOutputs, 0)
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return err
		}
		var out struct {
			Images []json.RawMessage `json:"images"`
		}
		if err := dec.Decode(&out); err != nil {
			return err
		}

		entry := NodeOutput{NodeID: keyToken.(string)}
		for _, raw := range out.Images {
			var ref ImageRef
			// animated outputs may put non objects in here
			if err := json.Unmarshal(raw, &ref); err != nil || ref.Filename == "" {
				continue
			}
			entry.Images = append(entry.Images, ref)
		}
		retv = append(retv, entry)
	}

	if _, err := dec.Token(); err != nil { // closing brace
		return err
	}
	*o = retv
	return nil
}

// HistoryEntry is the record of one prompt in /history/{prompt_id}.
type HistoryEntry struct {
	PromptID string         `json:"-"`
	Status   HistoryStatus  `json:"status"`
	Outputs  HistoryOutputs `json:"outputs"`
}

// Failed reports whether the server recorded the run as an error.
func (h *HistoryEntry) Failed() bool {
	return strings.Contains(strings.ToLower(h.Status.StatusStr), "error")
}

// ErrorMessage extracts the exception text of an execution_error message.
func (h *HistoryEntry) ErrorMessage() string {
	for _, m := range h.Status.Messages {
		if m.Type != "execution_error" {
			continue
		}
		msg, _ := m.Data["exception_message"].(string)
		node, _ := m.Data["node_type"].(string)
		msg = strings.TrimSpace(msg)
		switch {
		case msg != "" && node != "":
			return fmt.Sprintf("%s: %s", node, msg)
		case msg != "":
			return msg
		}
	}
	if h.Status.StatusStr != "" {
		return "execution " + h.Status.StatusStr
	}
	return "execution error"
}

// SelectImage picks the first image of the first preferred node that has
// one, falling back to the first image in server output order.
func (h *HistoryEntry) SelectImage(preferred []string) (ImageRef, bool) {
	for _, id := range preferred {
		for _, out := range h.Outputs {
			if out.NodeID == id && len(out.Images) > 0 {
				return out.Images[0], true
			}
		}
	}
	for _, out := range h.Outputs {
		if len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	return ImageRef{}, false
}
