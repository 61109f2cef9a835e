// Package schema defines the single validated construction path for
// workflow documents. Nothing downstream of Parse accepts untyped JSON.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/songzhibin97/autoflow/types"
)

// ErrInvalid matches every *Error via errors.Is.
var ErrInvalid = errors.New("invalid workflow")

// Error identifies the first violated constraint of a candidate workflow.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "schema: " + e.Message
	}
	return fmt.Sprintf("schema: %s: %s", e.Path, e.Message)
}

// Is reports whether target is ErrInvalid.
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

func fail(path, format string, args ...interface{}) error {
	return &Error{Path: path, Message: fmt.Sprintf(format, args...)}
}

// RequiredTriggerKeys lists the config keys each trigger type must carry.
var RequiredTriggerKeys = map[types.TriggerType][]string{
	types.TriggerWebhook:  {"path", "method"},
	types.TriggerSchedule: {"cron"},
}

// Parse decodes and validates a candidate workflow document. It fails fast on
// the first violated constraint.
func Parse(data []byte) (types.Workflow, error) {
	var zero types.Workflow

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return zero, fail("", "empty document")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return zero, fail("", "document must be a JSON object: %v", err)
	}

	for _, key := range []string{"name", "nodes"} {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			return zero, fail(key, "required field is missing")
		}
	}

	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return zero, fail(typeErr.Field, "expected %s, got %s", typeErr.Type.String(), typeErr.Value)
		}
		return zero, fail("", "decode: %v", err)
	}

	if err := Validate(wf); err != nil {
		return zero, err
	}
	return normalize(wf), nil
}

// Decode validates an arbitrary decoded value, such as a map produced by a
// language model, by round-tripping it through Parse.
func Decode(candidate interface{}) (types.Workflow, error) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return types.Workflow{}, fail("", "candidate is not serializable: %v", err)
	}
	return Parse(data)
}

// Validate checks the structural rules of a typed workflow.
func Validate(wf types.Workflow) error {
	if wf.Name == "" {
		return fail("name", "must not be empty")
	}
	if len(wf.Nodes) == 0 {
		return fail("nodes", "workflow must have at least one node")
	}

	ids := make(map[string]bool, len(wf.Nodes))
	for i, node := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if node.ID == "" {
			return fail(path+".id", "must not be empty")
		}
		if node.Type == "" {
			return fail(path+".type", "node %q has no type", node.ID)
		}
		if ids[node.ID] {
			return fail(path+".id", "duplicate node id %q", node.ID)
		}
		ids[node.ID] = true
	}

	for i, edge := range wf.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !ids[edge.FromNodeID] {
			return fail(path+".fromNodeId", "edge %s -> %s references unknown node %q", edge.FromNodeID, edge.ToNodeID, edge.FromNodeID)
		}
		if !ids[edge.ToNodeID] {
			return fail(path+".toNodeId", "edge %s -> %s references unknown node %q", edge.FromNodeID, edge.ToNodeID, edge.ToNodeID)
		}
	}

	for i, trigger := range wf.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if trigger.Type == "" {
			return fail(path+".type", "must not be empty")
		}
		if missing := MissingTriggerKeys(trigger); len(missing) > 0 {
			return fail(path+".config", "%s trigger requires %q", trigger.Type, missing[0])
		}
		if trigger.NodeID != "" && !ids[trigger.NodeID] {
			return fail(path+".nodeId", "trigger references unknown node %q", trigger.NodeID)
		}
	}

	return nil
}

// MissingTriggerKeys returns the required config keys that are absent or
// empty for the trigger's type.
func MissingTriggerKeys(trigger types.Trigger) []string {
	var missing []string
	for _, key := range RequiredTriggerKeys[trigger.Type] {
		value, ok := trigger.Config[key]
		if !ok || value == nil {
			missing = append(missing, key)
			continue
		}
		if s, isString := value.(string); isString && s == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func normalize(wf types.Workflow) types.Workflow {
	if wf.Edges == nil {
		wf.Edges = []types.Edge{}
	}
	if wf.Triggers == nil {
		wf.Triggers = []types.Trigger{}
	}
	return wf
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
