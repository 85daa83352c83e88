package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/graphapi"
)

// loaders maps an asset role to the node class and input that receive it
// when no explicit target is given.
var loaders = map[client.AssetRole]client.InputTarget{
	client.RoleImage: {NodeID: "LoadImage", Input: "image"},
	client.RoleMask:  {NodeID: "LoadImageMask", Input: "image"},
}

func loadWorkflow(path string) (*graphapi.Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return graphapi.NewDocumentFromPNGFile(path)
	default:
		return graphapi.NewDocumentFromJSONFile(path)
	}
}

// parseSetFlag splits "node.input=value". The value is read as JSON when
// possible, so 42 is a number, true a bool and ["4", 0] a connection;
// anything else is taken as a plain string.
func parseSetFlag(raw string) (string, string, graphapi.InputValue, error) {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return "", "", graphapi.InputValue{}, fmt.Errorf("invalid --set %q: expected node.input=value", raw)
	}
	nodeID, input, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || nodeID == "" || input == "" {
		return "", "", graphapi.InputValue{}, fmt.Errorf("invalid --set %q: expected node.input=value", raw)
	}
	v, err := parseInputValue(value)
	if err != nil {
		return "", "", graphapi.InputValue{}, fmt.Errorf("invalid --set %q: %w", raw, err)
	}
	return nodeID, input, v, nil
}

func parseInputValue(raw string) (graphapi.InputValue, error) {
	var v graphapi.InputValue
	err := json.Unmarshal([]byte(raw), &v)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, graphapi.ErrAmbiguousInput):
		return graphapi.InputValue{}, err
	}
	return graphapi.Literal(raw), nil
}

// parseAssetFlag splits "path@node.input,node.input". Targets are optional.
func parseAssetFlag(raw string) (string, []client.InputTarget, error) {
	path, spec, hasTargets := strings.Cut(raw, "@")
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil, fmt.Errorf("invalid asset %q: missing path", raw)
	}
	if !hasTargets {
		return path, nil, nil
	}

	var targets []client.InputTarget
	for _, part := range strings.Split(spec, ",") {
		nodeID, input, ok := strings.Cut(strings.TrimSpace(part), ".")
		if !ok || nodeID == "" || input == "" {
			return "", nil, fmt.Errorf("invalid asset target %q: expected node.input", part)
		}
		targets = append(targets, client.InputTarget{NodeID: nodeID, Input: input})
	}
	return path, targets, nil
}

// defaultTargets returns the active loader nodes for role.
func defaultTargets(doc *graphapi.Document, role client.AssetRole) []client.InputTarget {
	loader, ok := loaders[role]
	if !ok {
		return nil
	}
	var targets []client.InputTarget
	for _, id := range doc.NodesWithClass(loader.NodeID) {
		if doc.IsBypassed(id) {
			continue
		}
		targets = append(targets, client.InputTarget{NodeID: id, Input: loader.Input})
	}
	return targets
}

func buildAssets(doc *graphapi.Document, flags []string, role client.AssetRole) ([]client.Asset, error) {
	assets := make([]client.Asset, 0, len(flags))
	for _, raw := range flags {
		path, targets, err := parseAssetFlag(raw)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			targets = defaultTargets(doc, role)
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("no %s node for %s; use %s@node.input", loaders[role].NodeID, path, path)
		}
		asset, err := client.AssetFromPath(path, role, targets...)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func applyEdits(doc *graphapi.Document, opts generateOptions) error {
	for _, raw := range opts.sets {
		nodeID, input, value, err := parseSetFlag(raw)
		if err != nil {
			return err
		}
		if err := doc.SetParam(nodeID, input, value); err != nil {
			return err
		}
	}
	for _, id := range opts.bypass {
		if _, ok := doc.Node(id); !ok {
			return fmt.Errorf("--bypass %s: %w", id, graphapi.ErrUnknownNode)
		}
		doc.SetBypass(id, true)
	}
	for _, id := range opts.enable {
		if _, ok := doc.Node(id); !ok {
			return fmt.Errorf("--enable %s: %w", id, graphapi.ErrUnknownNode)
		}
		doc.SetBypass(id, false)
	}
	return nil
}
