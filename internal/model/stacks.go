package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/fakeyudi/traceview/internal/trace"
)

const stacksSchema = `{
  "type": "object",
  "required": ["files", "stacks"],
  "properties": {
    "files": {"type": "array", "items": {"type": "string"}},
    "stacks": {
      "type": "array",
      "items": {"type": "array", "minItems": 2, "maxItems": 2}
    }
  }
}`

var (
	stacksSchemaOnce     sync.Once
	stacksSchemaCompiled *jsonschema.Schema
	stacksSchemaErr      error
)

func compiledStacksSchema() (*jsonschema.Schema, error) {
	stacksSchemaOnce.Do(func() {
		stacksSchemaCompiled, stacksSchemaErr = jsonschema.NewCompiler().Compile([]byte(stacksSchema))
	})
	return stacksSchemaCompiled, stacksSchemaErr
}

// parseStacks decodes a <ordinal>.stacks entry into call id keyed stacks.
// Each stack frame is encoded as [fileIndex, line, column, function].
func parseStacks(data []byte) (map[string][]trace.StackFrame, error) {
	schema, err := compiledStacksSchema()
	if err != nil {
		return nil, fmt.Errorf("compile stacks schema: %w", err)
	}
	if result := schema.ValidateJSON(data); !result.IsValid() {
		return nil, fmt.Errorf("stacks schema validation failed: %v", result.Errors)
	}

	var doc struct {
		Files  []string            `json:"files"`
		Stacks [][]json.RawMessage `json:"stacks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode stacks: %w", err)
	}

	out := make(map[string][]trace.StackFrame, len(doc.Stacks))
	for _, entry := range doc.Stacks {
		var id json.Number
		if err := json.Unmarshal(entry[0], &id); err != nil {
			var s string
			if err := json.Unmarshal(entry[0], &s); err != nil {
				return nil, fmt.Errorf("decode stack id %s: %w", entry[0], err)
			}
			id = json.Number(s)
		}
		var frames [][]json.RawMessage
		if err := json.Unmarshal(entry[1], &frames); err != nil {
			return nil, fmt.Errorf("decode stack %s: %w", id, err)
		}
		stack := make([]trace.StackFrame, 0, len(frames))
		for _, f := range frames {
			if len(f) < 3 {
				continue
			}
			var fileIdx, line, column int
			var fn string
			_ = json.Unmarshal(f[0], &fileIdx)
			_ = json.Unmarshal(f[1], &line)
			_ = json.Unmarshal(f[2], &column)
			if len(f) > 3 {
				_ = json.Unmarshal(f[3], &fn)
			}
			sf := trace.StackFrame{Line: line, Column: column, Function: fn}
			if fileIdx >= 0 && fileIdx < len(doc.Files) {
				sf.File = doc.Files[fileIdx]
			}
			stack = append(stack, sf)
		}
		callID := id.String()
		if !strings.HasPrefix(callID, "call@") {
			callID = "call@" + callID
		}
		out[callID] = stack
	}
	return out, nil
}
