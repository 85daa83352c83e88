package graphapi

import (
	"fmt"
	"sort"
	"strconv"
)

// ModeBypass is the execution mode ComfyUI reads as "skip this node".
const ModeBypass = 4

// Graph is an API-format workflow: node id -> node.
type Graph map[string]*Node

// Node is a single unit of work in a Graph.
type Node struct {
	ClassType string                `json:"class_type"`
	Inputs    map[string]InputValue `json:"inputs"`
	Meta      *NodeMeta             `json:"_meta,omitempty"`
	// Mode is only set on submitted snapshots (ModeBypass) or when a loaded
	// file already carried one.
	Mode *int `json:"mode,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

// Title returns the node title, or the class type when untitled.
func (n *Node) Title() string {
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

func (n *Node) IsBypassed() bool {
	return n.Mode != nil && *n.Mode == ModeBypass
}

// Clone deep copies the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	retv := &Node{
		ClassType: n.ClassType,
		Inputs:    make(map[string]InputValue, len(n.Inputs)),
	}
	for k, v := range n.Inputs {
		retv.Inputs[k] = v.clone()
	}
	if n.Meta != nil {
		m := *n.Meta
		retv.Meta = &m
	}
	if n.Mode != nil {
		mode := *n.Mode
		retv.Mode = &mode
	}
	return retv
}

// Clone deep copies the graph. The result shares nothing with g.
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	retv := make(Graph, len(g))
	for id, n := range g {
		retv[id] = n.Clone()
	}
	return retv
}

// NodeIDs returns the node ids ordered numerically where possible.
func (g Graph) NodeIDs() []string {
	retv := make([]string, 0, len(g))
	for id := range g {
		retv = append(retv, id)
	}
	SortNodeIDs(retv)
	return retv
}

// NodesWithClass returns the ids of every node of the given class type.
func (g Graph) NodesWithClass(classType string) []string {
	retv := make([]string, 0)
	for _, id := range g.NodeIDs() {
		if g[id].ClassType == classType {
			retv = append(retv, id)
		}
	}
	return retv
}

// Validate checks that every connection points at a node of the graph.
func (g Graph) Validate() error {
	for _, id := range g.NodeIDs() {
		n := g[id]
		if n == nil {
			return fmt.Errorf("%w: node %s is empty", ErrUnknownNode, id)
		}
		for _, name := range sortedInputNames(n) {
			c := n.Inputs[name].Connection()
			if c == nil {
				continue
			}
			if _, ok := g[c.NodeID]; !ok {
				return fmt.Errorf("%w: %s (input %q of node %s)", ErrUnknownNode, c.NodeID, name, id)
			}
		}
	}
	return nil
}

func sortedInputNames(n *Node) []string {
	names := make([]string, 0, len(n.Inputs))
	for k := range n.Inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SortNodeIDs orders ids numerically, with non numeric ids after, lexically.
func SortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}
