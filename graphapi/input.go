package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAmbiguousInput is returned when an input looks like a connection but
// cannot be read as one, e.g. ["4", 0.5].
var ErrAmbiguousInput = errors.New("ambiguous input value")

// Connection references output slot Slot of node NodeID.
type Connection struct {
	NodeID string
	Slot   int
}

// InputValue is either a literal widget value or a Connection to another
// node's output. The distinction is made once, when the workflow is decoded.
type InputValue struct {
	literal    interface{}
	connection *Connection
}

// Literal wraps a plain value (string, json.Number, float64, bool, map, slice...)
func Literal(v interface{}) InputValue {
	return InputValue{literal: v}
}

// Link creates a connection input to slot of nodeID.
func Link(nodeID string, slot int) InputValue {
	return InputValue{connection: &Connection{NodeID: nodeID, Slot: slot}}
}

func (v InputValue) IsConnection() bool {
	return v.connection != nil
}

// Connection returns the referenced output, or nil for literals.
func (v InputValue) Connection() *Connection {
	if v.connection == nil {
		return nil
	}
	c := *v.connection
	return &c
}

// Value returns the literal value, or nil for connections.
func (v InputValue) Value() interface{} {
	return v.literal
}

// String returns the literal when it is a string.
func (v InputValue) String() (string, bool) {
	s, ok := v.literal.(string)
	return s, ok
}

func (v InputValue) clone() InputValue {
	if v.connection != nil {
		c := *v.connection
		return InputValue{connection: &c}
	}
	return InputValue{literal: cloneLiteral(v.literal)}
}

func (v InputValue) MarshalJSON() ([]byte, error) {
	if v.connection != nil {
		tmp := []interface{}{
			v.connection.NodeID,
			v.connection.Slot,
		}
		return json.Marshal(tmp)
	}
	return json.Marshal(v.literal)
}

func (v *InputValue) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	v.connection = nil
	v.literal = nil

	// a connection is encoded as a tuple: [source node id, output slot]
	if tmp, ok := raw.([]interface{}); ok && len(tmp) == 2 {
		if nodeID, ok := tmp[0].(string); ok {
			if num, ok := tmp[1].(json.Number); ok {
				slot, err := num.Int64()
				if err != nil {
					return fmt.Errorf("%w: %s", ErrAmbiguousInput, string(b))
				}
				v.connection = &Connection{NodeID: nodeID, Slot: int(slot)}
				return nil
			}
		}
	}

	v.literal = raw
	return nil
}

// cloneLiteral deep copies the value shapes produced by encoding/json.
func cloneLiteral(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(value))
		for k, e := range value {
			m[k] = cloneLiteral(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(value))
		for i, e := range value {
			s[i] = cloneLiteral(e)
		}
		return s
	default:
		// strings, numbers, bools and nil are immutable
		return value
	}
}
