package toolbox

import (
	"encoding/json"
	"fmt"
)

// ValidateArguments checks a raw argument payload against a contract's
// structural schema before the handler runs. The schema is the usual
// JSON-Schema object shape: {"type":"object","properties":{...},"required":[...]}.
// Validation is structural, not a full JSON-Schema implementation: the
// payload must be an object, required properties must be present, and
// declared property types must match.
func ValidateArguments(schema map[string]any, raw json.RawMessage) error {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("arguments are not a JSON object: %w", err)
		}
	}
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]any); ok {
		for _, req := range required {
			name, _ := req.(string)
			if name == "" {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}
	// Schemas built in Go carry []string; JSON round trips carry []any.
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		spec, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := spec["type"].(string)
		if declared == "" {
			continue
		}
		if !typeMatches(declared, value) {
			return fmt.Errorf("argument %q must be of type %s", name, declared)
		}
	}
	return nil
}

// typeMatches checks a decoded JSON value against a JSON-Schema type name.
func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
