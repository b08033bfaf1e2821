package registry

import (
	"fmt"
	"time"

	"github.com/hivecore/hive/internal/fault"
)

// applyDefaults returns a copy of params with declared defaults filled
// in for absent parameters.
func applyDefaults(fn Function, params map[string]any) map[string]any {
	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for _, p := range fn.Params {
		if _, present := merged[p.Name]; !present && p.Default != nil {
			merged[p.Name] = p.Default
		}
	}
	return merged
}

// validate checks params against the declared schema. Missing required
// parameters, type mismatches, and unknown extras all fail with a
// validation error naming the offending field.
func validate(fn Function, params map[string]any) error {
	declared := make(map[string]Param, len(fn.Params))
	for _, p := range fn.Params {
		declared[p.Name] = p
	}

	for name := range params {
		if _, ok := declared[name]; !ok {
			return fault.Validation(name, "unknown parameter")
		}
	}

	for _, p := range fn.Params {
		value, present := params[p.Name]
		if !present {
			if p.Required {
				return fault.Validation(p.Name, "required parameter missing")
			}
			continue
		}
		if err := checkType(p, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(p Param, value any) error {
	switch p.Type {
	case ParamString:
		if _, ok := value.(string); !ok {
			return typeError(p, value)
		}
	case ParamInt:
		switch v := value.(type) {
		case int, int64:
		case float64:
			// YAML/JSON decoding may surface integers as floats.
			if v != float64(int64(v)) {
				return typeError(p, value)
			}
		default:
			return typeError(p, value)
		}
	case ParamFloat:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return typeError(p, value)
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return typeError(p, value)
		}
	case ParamDuration:
		switch v := value.(type) {
		case time.Duration:
		case string:
			if _, err := time.ParseDuration(v); err != nil {
				return fault.Validation(p.Name, fmt.Sprintf("invalid duration %q", v))
			}
		default:
			return typeError(p, value)
		}
	case ParamList:
		if _, ok := value.([]any); !ok {
			return typeError(p, value)
		}
	case ParamMap:
		if _, ok := value.(map[string]any); !ok {
			return typeError(p, value)
		}
	default:
		return fault.Validation(p.Name, fmt.Sprintf("unknown declared type %q", p.Type))
	}
	return nil
}

func typeError(p Param, value any) error {
	return fault.Validation(p.Name, fmt.Sprintf("wrong type %T, want %s", value, p.Type))
}

// DurationParam extracts a duration parameter that validate accepted.
func DurationParam(params map[string]any, name string, fallback time.Duration) time.Duration {
	switch v := params[name].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
