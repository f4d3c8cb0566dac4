package prompts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/comfyq/internal/models"
)

// ValidationError is a submit-time input rejection; the HTTP adapter
// maps it to a 400 response.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Resolve closes user params over exactly the parameter names the
// definition declares: unknown names are rejected, missing values take
// the declared default, and every value is coerced to its declared type.
func Resolve(wf *models.WorkflowDef, params map[string]any) (map[string]any, error) {
	var unknown []string
	for name := range params {
		if _, ok := wf.Parameters[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, Validationf("unknown parameters for %s: %s", wf.Name, strings.Join(unknown, ", "))
	}

	resolved := make(map[string]any, len(wf.Parameters))
	for name, param := range wf.Parameters {
		raw, ok := params[name]
		if !ok {
			raw = param.Default
		}
		value, err := coerceParam(&param, raw)
		if err != nil {
			return nil, err
		}
		resolved[name] = value
	}
	return resolved, nil
}

func coerceParam(param *models.ParameterDef, value any) (any, error) {
	switch param.Type {
	case models.ParamTypeText:
		if value == nil {
			return "", nil
		}
		return stringify(value), nil

	case models.ParamTypeBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		if s, ok := value.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "1", "true", "yes", "on":
				return true, nil
			case "0", "false", "no", "off":
				return false, nil
			}
		}
		return nil, Validationf("parameter '%s' must be bool", param.Name)

	case models.ParamTypeInt:
		out, err := coerceInt(param.Name, value)
		if err != nil {
			return nil, err
		}
		if param.Min != nil && float64(out) < *param.Min {
			return nil, Validationf("parameter '%s' below min %v", param.Name, *param.Min)
		}
		if param.Max != nil && float64(out) > *param.Max {
			return nil, Validationf("parameter '%s' above max %v", param.Name, *param.Max)
		}
		return out, nil

	case models.ParamTypeFloat:
		out, err := coerceFloat(param.Name, value)
		if err != nil {
			return nil, err
		}
		if param.Min != nil && out < *param.Min {
			return nil, Validationf("parameter '%s' below min %v", param.Name, *param.Min)
		}
		if param.Max != nil && out > *param.Max {
			return nil, Validationf("parameter '%s' above max %v", param.Name, *param.Max)
		}
		return out, nil
	}
	return nil, Validationf("unsupported parameter type: %s", param.Type)
}

func coerceInt(name string, value any) (int64, error) {
	switch v := value.(type) {
	case bool:
		return 0, Validationf("parameter '%s' must be int", name)
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		out, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, Validationf("parameter '%s' must be int", name)
		}
		return out, nil
	default:
		return 0, Validationf("parameter '%s' must be int", name)
	}
}

func coerceFloat(name string, value any) (float64, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		out, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, Validationf("parameter '%s' must be float", name)
		}
		return out, nil
	default:
		return 0, Validationf("parameter '%s' must be float", name)
	}
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
