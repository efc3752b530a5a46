package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Typed accessors for loosely-typed planner params. JSON numbers arrive as
// float64 or json.Number depending on the decoder.

func RequiredString(params map[string]any, key string) (string, error) {
	val, ok := params[key]
	if !ok {
		return "", fmt.Errorf("param %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("param %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("param %s must be string", key)
	}
}

func OptionalString(params map[string]any, key string) string {
	val, ok := params[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func RequiredInt(params map[string]any, key string) (int, error) {
	val, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("param %s required", key)
	}
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("param %s must be integer: %w", key, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("param %s must be integer", key)
	}
}

func OptionalInt(params map[string]any, key string) int {
	i, err := RequiredInt(params, key)
	if err != nil {
		return 0
	}
	return i
}

func OptionalFloat(params map[string]any, key string) float64 {
	val, ok := params[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// StringSlice extracts a list param such as hotkey keys.
func StringSlice(params map[string]any, key string) []string {
	val, ok := params[key]
	if !ok {
		return nil
	}
	switch v := val.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
