package graphapi

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// NodeObjects is the decoded /object_info response, keyed by class type.
// It is advisory only: documents are never validated against it.
type NodeObjects struct {
	Objects map[string]*NodeObject
}

// NodeObject describes one node class known to the server.
type NodeObject struct {
	Input        *NodeObjectInput `json:"input"`
	Output       []string         `json:"output"`
	OutputIsList []bool           `json:"output_is_list"`
	OutputName   []string         `json:"output_name"`
	Name         string           `json:"name"`
	DisplayName  string           `json:"display_name"`
	Description  string           `json:"description"`
	Category     string           `json:"category"`
	OutputNode   bool             `json:"output_node"`
}

// InputSpec is one declared input of a node class.
type InputSpec struct {
	Name     string
	Type     string   // INT, FLOAT, STRING, BOOLEAN, COMBO, or a link type such as MODEL
	Options  []string // COMBO choices
	Optional bool
	Config   map[string]interface{}
}

// NodeObjectInput keeps inputs in the order the server declared them.
type NodeObjectInput struct {
	Required []InputSpec
	Optional []InputSpec
}

func NewNodeObjectsFromJSON(data []byte) (*NodeObjects, error) {
	retv := &NodeObjects{}
	if err := json.Unmarshal(data, &retv.Objects); err != nil {
		return nil, err
	}
	return retv, nil
}

func (noi *NodeObjectInput) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	if _, err := dec.Token(); err != nil { // opening brace
		return err
	}

	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}

		key, _ := t.(string)
		switch key {
		case "required", "optional":
			if _, err := dec.Token(); err != nil { // opening brace of the section
				return err
			}

			specs := make([]InputSpec, 0)
			for dec.More() {
				nameToken, err := dec.Token()
				if err != nil {
					return err
				}
				var raw interface{}
				if err := dec.Decode(&raw); err != nil {
					return err
				}
				spec := parseInputSpec(nameToken.(string), raw)
				spec.Optional = key == "optional"
				specs = append(specs, spec)
			}

			if _, err := dec.Token(); err != nil { // closing brace of the section
				return err
			}

			if key == "required" {
				noi.Required = specs
			} else {
				noi.Optional = specs
			}
		default:
			if err := dec.Decode(new(interface{})); err != nil { // hidden and friends
				return err
			}
		}
	}

	if _, err := dec.Token(); err != nil { // closing brace
		return err
	}
	return nil
}

// parseInputSpec handles both the legacy [[choices...], {cfg}] COMBO shape
// and the ["TYPE", {cfg}] shape, where cfg may carry "options" for COMBO.
func parseInputSpec(name string, raw interface{}) InputSpec {
	spec := InputSpec{Name: name}
	tuple, ok := raw.([]interface{})
	if !ok || len(tuple) == 0 {
		spec.Type = "UNKNOWN"
		return spec
	}

	if len(tuple) > 1 {
		spec.Config, _ = tuple[1].(map[string]interface{})
	}

	switch head := tuple[0].(type) {
	case []interface{}:
		spec.Type = "COMBO"
		spec.Options = stringList(head)
	case string:
		spec.Type = head
		if head == "COMBO" && spec.Config != nil {
			if opts, ok := spec.Config["options"].([]interface{}); ok {
				spec.Options = stringList(opts)
			}
		}
	default:
		spec.Type = "UNKNOWN"
	}
	return spec
}

func stringList(values []interface{}) []string {
	retv := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			retv = append(retv, s)
		}
	}
	return retv
}

func (n *NodeObjects) GetNodeObjectByName(name string) *NodeObject {
	if n == nil {
		return nil
	}
	val, ok := n.Objects[name]
	if ok {
		return val
	}
	return nil
}

// Inputs returns required then optional inputs, in declaration order.
func (o *NodeObject) Inputs() []InputSpec {
	if o.Input == nil {
		return nil
	}
	retv := make([]InputSpec, 0, len(o.Input.Required)+len(o.Input.Optional))
	retv = append(retv, o.Input.Required...)
	return append(retv, o.Input.Optional...)
}

type ModelKind string

const (
	ModelCheckpoints   ModelKind = "checkpoints"
	ModelLoras         ModelKind = "loras"
	ModelControlNets   ModelKind = "controlnets"
	ModelVAE           ModelKind = "vae"
	ModelUpscaleModels ModelKind = "upscale_models"
	ModelEmbeddings    ModelKind = "embeddings"
)

// ModelKinds lists every category Models knows how to fill.
var ModelKinds = []ModelKind{
	ModelCheckpoints,
	ModelLoras,
	ModelControlNets,
	ModelVAE,
	ModelUpscaleModels,
	ModelEmbeddings,
}

// Models groups the choices of every required COMBO input by the kind of
// model file they list, judged from the input and class names.
func (n *NodeObjects) Models() map[ModelKind][]string {
	sets := make(map[ModelKind]map[string]bool)
	for _, kind := range ModelKinds {
		sets[kind] = make(map[string]bool)
	}

	for classType, o := range n.Objects {
		if o.Input == nil {
			continue
		}
		for _, in := range o.Input.Required {
			if in.Type != "COMBO" || len(in.Options) == 0 {
				continue
			}
			kind, ok := classifyModelInput(classType, in.Name)
			if !ok {
				continue
			}
			for _, opt := range in.Options {
				sets[kind][opt] = true
			}
		}
	}

	retv := make(map[ModelKind][]string, len(sets))
	for kind, set := range sets {
		list := make([]string, 0, len(set))
		for name := range set {
			list = append(list, name)
		}
		sort.Strings(list)
		retv[kind] = list
	}
	return retv
}

func classifyModelInput(classType string, inputName string) (ModelKind, bool) {
	name := strings.ToLower(inputName)
	switch {
	case strings.Contains(name, "ckpt") || strings.Contains(name, "checkpoint") || strings.Contains(classType, "CheckpointLoader"):
		return ModelCheckpoints, true
	case strings.Contains(name, "lora") || strings.Contains(classType, "LoraLoader"):
		return ModelLoras, true
	case strings.Contains(name, "control") || strings.Contains(classType, "ControlNet"):
		return ModelControlNets, true
	case strings.Contains(name, "vae") || strings.Contains(classType, "VAE"):
		return ModelVAE, true
	case strings.Contains(name, "upscale") || strings.Contains(classType, "UpscaleModel"):
		return ModelUpscaleModels, true
	case strings.Contains(name, "embedding"):
		return ModelEmbeddings, true
	}
	return "", false
}
