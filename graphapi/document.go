package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownNode is returned when a node id is not part of the graph.
var ErrUnknownNode = errors.New("unknown node")

// Document is the editable workflow. The bypass table lives next to the
// graph and is only folded into the nodes by SnapshotForSubmission.
type Document struct {
	mu     sync.RWMutex
	graph  Graph
	bypass map[string]bool
}

// NewDocument wraps a graph. The document takes a deep copy; nil nodes are
// dropped.
func NewDocument(g Graph) *Document {
	graph := make(Graph, len(g))
	for id, n := range g {
		if n == nil {
			continue
		}
		c := n.Clone()
		if c.Inputs == nil {
			c.Inputs = make(map[string]InputValue)
		}
		graph[id] = c
	}
	return &Document{
		graph:  graph,
		bypass: make(map[string]bool),
	}
}

// NewDocumentFromJSONReader decodes an API-format workflow
func NewDocumentFromJSONReader(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	graph := make(Graph)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&graph); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}

	for id, n := range graph {
		if n == nil || n.ClassType == "" {
			return nil, fmt.Errorf("decode workflow: node %s has no class_type (UI-format workflows must be exported in API format)", id)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]InputValue)
		}
	}

	return &Document{
		graph:  graph,
		bypass: make(map[string]bool),
	}, nil
}

func NewDocumentFromJSONFile(path string) (*Document, error) {
	freader, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer freader.Close()

	return NewDocumentFromJSONReader(freader)
}

func NewDocumentFromJSONString(data string) (*Document, error) {
	return NewDocumentFromJSONReader(strings.NewReader(data))
}

// SetParam overwrites inputs[input] of nodeID. No schema checking is done.
func (d *Document) SetParam(nodeID string, input string, value InputValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.graph[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	n.Inputs[input] = value.clone()
	return nil
}

// SetLiteral is SetParam with a literal value.
func (d *Document) SetLiteral(nodeID string, input string, value interface{}) error {
	return d.SetParam(nodeID, input, Literal(value))
}

// RemoveParam deletes an input from a node.
func (d *Document) RemoveParam(nodeID string, input string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.graph[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	delete(n.Inputs, input)
	return nil
}

// SetBypass records whether nodeID should be skipped on the next submission.
// The graph itself is not touched.
func (d *Document) SetBypass(nodeID string, bypassed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bypass[nodeID] = bypassed
}

// IsBypassed reports whether nodeID will be skipped. The bypass table wins
// over a mode loaded with the workflow.
func (d *Document) IsBypassed(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isBypassed(nodeID)
}

func (d *Document) isBypassed(nodeID string) bool {
	if b, ok := d.bypass[nodeID]; ok {
		return b
	}
	n, ok := d.graph[nodeID]
	return ok && n != nil && n.IsBypassed()
}

// Bypassed returns the ids that will be skipped on the next submission.
func (d *Document) Bypassed() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	retv := make([]string, 0)
	for id := range d.graph {
		if d.isBypassed(id) {
			retv = append(retv, id)
		}
	}
	SortNodeIDs(retv)
	return retv
}

// AddNode appends a node under the next free numeric id and returns that id.
func (d *Document) AddNode(classType string, title string, inputs map[string]InputValue) (string, error) {
	if classType == "" {
		return "", errors.New("class type is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := &Node{
		ClassType: classType,
		Inputs:    make(map[string]InputValue, len(inputs)),
	}
	for k, v := range inputs {
		n.Inputs[k] = v.clone()
	}
	if title != "" {
		n.Meta = &NodeMeta{Title: title}
	}

	id := d.nextNodeID()
	d.graph[id] = n
	return id, nil
}

// RemoveNode deletes a node and its bypass entry. Connections that pointed at
// it are left dangling and will fail validation on submit.
func (d *Document) RemoveNode(nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.graph[nodeID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	delete(d.graph, nodeID)
	delete(d.bypass, nodeID)
	return nil
}

// DuplicateNode copies a node under a new id; the copy's title gets a " (Copy)" suffix.
func (d *Document) DuplicateNode(nodeID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.graph[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	n := src.Clone()
	n.Meta = &NodeMeta{Title: src.Title() + " (Copy)"}

	id := d.nextNodeID()
	d.graph[id] = n
	return id, nil
}

func (d *Document) nextNodeID() string {
	max := 0
	for id := range d.graph {
		if v, err := strconv.Atoi(id); err == nil && v > max {
			max = v
		}
	}
	return strconv.Itoa(max + 1)
}

// Node returns a copy of the node with the given id.
func (d *Document) Node(nodeID string) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.graph[nodeID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

func (d *Document) NodeIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.graph.NodeIDs()
}

func (d *Document) NodesWithClass(classType string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.graph.NodesWithClass(classType)
}

// Graph returns a deep copy of the saved graph, without bypass markers applied.
func (d *Document) Graph() Graph {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.savedGraph()
}

// savedGraph clones the graph for saving. A loaded ModeBypass survives
// unless the node was enabled since; new bypasses are never written.
func (d *Document) savedGraph() Graph {
	saved := d.graph.Clone()
	for id, bypassed := range d.bypass {
		if n, ok := saved[id]; ok && !bypassed && n.IsBypassed() {
			n.Mode = nil
		}
	}
	return saved
}

// SnapshotForSubmission returns a deep copy of the graph with the bypass
// table folded in: bypassed nodes carry ModeBypass, nodes explicitly not
// bypassed lose a stray ModeBypass. The document is left untouched.
func (d *Document) SnapshotForSubmission() Graph {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snapshot := d.graph.Clone()
	for id, bypassed := range d.bypass {
		n, ok := snapshot[id]
		if !ok {
			continue
		}
		if bypassed {
			mode := ModeBypass
			n.Mode = &mode
		} else if n.IsBypassed() {
			n.Mode = nil
		}
	}
	return snapshot
}

// FindUpstream walks connections breadth first, starting with the inputs of
// nodeID, and returns the first node whose class type matches. Cycles are
// tolerated.
func (d *Document) FindUpstream(nodeID string, match func(classType string) bool) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.graph.FindUpstream(nodeID, match)
}

func (g Graph) FindUpstream(nodeID string, match func(classType string) bool) (string, bool) {
	start, ok := g[nodeID]
	if !ok || match == nil {
		return "", false
	}

	visited := map[string]bool{nodeID: true}
	queue := make([]string, 0)
	enqueue := func(n *Node) {
		for _, name := range sortedInputNames(n) {
			c := n.Inputs[name].Connection()
			if c == nil || visited[c.NodeID] {
				continue
			}
			visited[c.NodeID] = true
			queue = append(queue, c.NodeID)
		}
	}

	enqueue(start)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		n, ok := g[id]
		if !ok {
			// dangling connection
			continue
		}
		if match(n.ClassType) {
			return id, true
		}
		enqueue(n)
	}
	return "", false
}

// MarshalJSON writes the saved graph. Bypass state is never persisted.
func (d *Document) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(d.savedGraph())
}

func (d *Document) SaveToFile(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
