// Package parameters parses comma-separated "key=value" configuration
// strings, the format of the trainer's --dqn flag for overriding individual
// hyperparameters without a full config file.
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"merge2048/internal/generics"
)

// Params holds the parsed key/value pairs. Values are kept as strings until
// a typed Pop consumes them.
type Params map[string]string

// Parse splits a "k1=v1,k2=v2" string. A key without '=' gets an empty
// value, which Pop interprets as true for bools.
func Parse(config string) Params {
	params := make(Params)
	if strings.TrimSpace(config) == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(part, "=")
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}

// Remaining returns the keys no Pop has consumed, sorted. Callers report
// them as unknown-parameter errors rather than silently ignoring typos.
func (p Params) Remaining() []string {
	keys := make([]string, 0, len(p))
	for key := range generics.SortedKeys(p) {
		keys = append(keys, key)
	}
	return keys
}

// Pop parses and removes the value under key, or returns defaultValue if the
// key is absent. For bool a present key with an empty value reads as true.
func Pop[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	raw, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	delete(params, key)

	var result any = defaultValue
	var err error
	switch any(defaultValue).(type) {
	case string:
		result = raw
	case int:
		var v int
		if v, err = strconv.Atoi(raw); err == nil {
			result = v
		}
	case float32:
		var v float64
		if v, err = strconv.ParseFloat(raw, 32); err == nil {
			result = float32(v)
		}
	case float64:
		var v float64
		if v, err = strconv.ParseFloat(raw, 64); err == nil {
			result = v
		}
	case bool:
		switch strings.ToLower(raw) {
		case "", "true", "1":
			result = true
		case "false", "0":
			result = false
		default:
			err = errors.Errorf("not a bool value")
		}
	}
	if err != nil {
		return defaultValue, errors.Wrapf(err, "failed to parse parameter %s=%q", key, raw)
	}
	return result.(T), nil
}
