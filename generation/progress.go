package generation

import (
	"fmt"
	"strings"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/graphapi"
)

// Progress describes the node currently running. Value and Max belong to
// that node alone; there is no estimate across nodes.
type Progress struct {
	PromptID  string
	NodeID    string
	Title     string
	ClassType string
	Value     int
	Max       int
	Text      string
}

// Fraction is Value/Max, or 0 when Max is unknown.
func (p Progress) Fraction() float64 {
	if p.Max <= 0 {
		return 0
	}
	return float64(p.Value) / float64(p.Max)
}

// Narrator turns progress events into Progress reports for one workflow.
type Narrator struct {
	workflow graphapi.Graph
	current  string
}

func NewNarrator(workflow graphapi.Graph) *Narrator {
	return &Narrator{workflow: workflow}
}

// NarrateProgress reports what ev says about the running node. ok is false
// for events that carry no progress.
func (n *Narrator) NarrateProgress(ev *client.ProgressEvent) (Progress, bool) {
	switch data := ev.Data.(type) {
	case *client.ExecutionStartData:
		n.current = ""
		return Progress{PromptID: data.PromptID, Text: "Execution started"}, true
	case *client.ExecutingData:
		if data.Done() {
			n.current = ""
			return Progress{PromptID: data.PromptID, Text: "Execution finished"}, true
		}
		n.current = *data.Node
		p := n.describe(data.PromptID, n.current)
		p.Text = fmt.Sprintf("Executing %s", p.Title)
		return p, true
	case *client.ProgressData:
		id := string(data.Node)
		if id == "" {
			id = n.current
		}
		p := n.describe(data.PromptID, id)
		p.Value, p.Max = data.Value, data.Max
		p.Text = fmt.Sprintf("%s: %d/%d", p.Title, data.Value, data.Max)
		return p, true
	case *client.ProgressStateData:
		id, np, ok := data.Running()
		if !ok {
			return Progress{}, false
		}
		n.current = id
		p := n.describe(data.PromptID, id)
		p.Value, p.Max = int(np.Value), int(np.Max)
		p.Text = fmt.Sprintf("%s: %d/%d", p.Title, p.Value, p.Max)
		return p, true
	}
	return Progress{}, false
}

// describe resolves a node id to its title. Ids inside expanded groups look
// like "57:8"; the outer id names the node in the submitted workflow.
func (n *Narrator) describe(promptID string, id string) Progress {
	p := Progress{PromptID: promptID, NodeID: id, Title: id}
	lookup := id
	if i := strings.Index(lookup, ":"); i > 0 {
		lookup = lookup[:i]
	}
	if node, ok := n.workflow[lookup]; ok && node != nil {
		p.Title = node.Title()
		p.ClassType = node.ClassType
	}
	return p
}
