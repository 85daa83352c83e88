package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUploadFailed   = errors.New("upload failed")
	ErrSubmitRejected = errors.New("prompt rejected")
	ErrNetwork        = errors.New("network error")
	ErrStream         = errors.New("progress stream error")
	ErrNoModels       = errors.New("no models available")
)

// NetworkError is a transport failure or an unexpected HTTP status.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", ErrNetwork, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrNetwork, e.Op, e.Err)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }
func (e *NetworkError) Unwrap() error        { return e.Err }

// UploadError names the asset whose upload failed.
type UploadError struct {
	Asset      string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", ErrUploadFailed, e.Asset, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrUploadFailed, e.Asset, e.Err)
}

func (e *UploadError) Is(target error) bool { return target == ErrUploadFailed }
func (e *UploadError) Unwrap() error        { return e.Err }

// PromptError is the "error" object ComfyUI returns for a rejected prompt.
type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// NodeError lists the validation errors the server reported for one node.
type NodeError struct {
	ClassType        string        `json:"class_type"`
	Errors           []PromptError `json:"errors"`
	DependentOutputs []string      `json:"dependent_outputs"`
}

// SubmitError is returned when the server refuses a prompt.
type SubmitError struct {
	StatusCode int
	Type       string
	Message    string
	NodeErrors map[string]NodeError
}

func (e *SubmitError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrSubmitRejected.Error())
	sb.WriteString(": ")
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		fmt.Fprintf(&sb, "status %d", e.StatusCode)
	}

	ids := make([]string, 0, len(e.NodeErrors))
	for id := range e.NodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ne := e.NodeErrors[id]
		for _, pe := range ne.Errors {
			fmt.Fprintf(&sb, "; node %s (%s): %s", id, ne.ClassType, pe.Message)
			if pe.Details != "" {
				fmt.Fprintf(&sb, " [%s]", pe.Details)
			}
		}
	}
	return sb.String()
}

func (e *SubmitError) Is(target error) bool { return target == ErrSubmitRejected }
