package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
)

// stepConfig reads typed values out of a step's config map.
type stepConfig struct {
	step string
	raw  map[string]any
}

func newStepConfig(cfg dsl.StepConfig) stepConfig {
	return stepConfig{step: cfg.Name, raw: cfg.Config}
}

func (c stepConfig) has(key string) bool {
	_, ok := c.raw[key]
	return ok
}

func (c stepConfig) string(key, def string) (string, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case int, int64, float64, bool:
		return fmt.Sprint(s), nil
	}
	return "", fmt.Errorf("config %s must be a string, got %T", key, v)
}

func (c stepConfig) requiredString(key string) (string, error) {
	s, err := c.string(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("config %s is required", key)
	}
	return s, nil
}

func (c stepConfig) strings(key string) ([]string, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case string:
		return []string{list}, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config %s must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("config %s must be a list of strings, got %T", key, v)
}

func (c stepConfig) int(key string, def int) (int, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("config %s must be an integer, got %T", key, v)
}

// duration accepts Go duration strings ("90s") or a number of seconds.
func (c stepConfig) duration(key string) (time.Duration, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", key, err)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("config %s must be a duration, got %T", key, v)
}

func (c stepConfig) stringMap(key string) (map[string]any, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config %s must be a mapping, got %T", key, v)
	}
	return m, nil
}

// interpolate resolves ${...} placeholders of a string config value
// against the run's variables.
func interpolate(s string, ec *ExecutionContext) string {
	return dsl.Interpolate(s, ec.EvalVars())
}

// resolved is interpolate, but yields "" when a placeholder is left
// unresolved.
func resolved(s string, ec *ExecutionContext) string {
	out := interpolate(s, ec)
	if strings.Contains(out, "${") {
		return ""
	}
	return out
}

// plain converts v into the map/slice/scalar shapes the expression
// language can traverse.
func plain(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
