package flows

import (
	"fmt"
	"strings"
)

// ValidateArguments checks a tool-call argument map against the function's
// parameter schema: every required parameter present, every provided value of
// the declared type, enum membership respected. It returns a list of
// human-readable problems; empty means valid. The model is expected to retry
// after receiving them in a tool result.
func ValidateArguments(schema FunctionSchema, args map[string]interface{}) []string {
	var problems []string

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
		}
	}

	for name, value := range args {
		spec, ok := schema.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unexpected parameter %q", name))
			continue
		}
		if value == nil {
			problems = append(problems, fmt.Sprintf("parameter %q is null", name))
			continue
		}
		if problem := checkType(name, spec, value); problem != "" {
			problems = append(problems, problem)
		}
	}

	return problems
}

func checkType(name string, spec ParameterSpec, value interface{}) string {
	switch spec.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("parameter %q must be a string, got %T", name, value)
		}
		if len(spec.Enum) > 0 && !containsString(spec.Enum, s) {
			return fmt.Sprintf("parameter %q must be one of [%s], got %q", name, strings.Join(spec.Enum, ", "), s)
		}
	case "number":
		// JSON numbers decode as float64
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Sprintf("parameter %q must be a number, got %T", name, value)
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Sprintf("parameter %q must be an integer, got %v", name, v)
			}
		default:
			return fmt.Sprintf("parameter %q must be an integer, got %T", name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("parameter %q must be a boolean, got %T", name, value)
		}
	case "":
		// untyped parameter, accept anything
	default:
		return fmt.Sprintf("parameter %q has unsupported schema type %q", name, spec.Type)
	}
	return ""
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ToolSchema renders a FunctionSchema in the JSON-schema shape the LLM
// services put on the wire.
func ToolSchema(schema FunctionSchema) map[string]interface{} {
	properties := make(map[string]interface{}, len(schema.Properties))
	for name, spec := range schema.Properties {
		prop := map[string]interface{}{}
		if spec.Type != "" {
			prop["type"] = spec.Type
		}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		properties[name] = prop
	}

	required := schema.Required
	if required == nil {
		required = []string{}
	}

	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
