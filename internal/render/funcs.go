package render

import (
	"encoding/base64"
	"fmt"
	"math"
	"text/template"
	"time"
)

// HostDateTimeLayout is how the host serializes datetime fields.
const HostDateTimeLayout = "2006-01-02 15:04:05"

func Funcs() template.FuncMap {
	return template.FuncMap{
		"b64encode":    b64encode,
		"b64decode":    b64decode,
		"mergeDict":    MergeDict,
		"dict":         dict,
		"formatTime":   formatTime,
		"inTZ":         inTZ,
		"floatCompare": FloatCompare,
	}
}

func b64encode(v any) string {
	switch s := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(s)
	default:
		return base64.StdEncoding.EncodeToString([]byte(fmt.Sprint(v)))
	}
}

func b64decode(s string) (string, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	return string(out), nil
}

// MergeDict merges maps left to right, later keys overriding earlier ones.
// Arguments after the last map are read as key/value pairs and override the
// maps. Other arguments that are not maps are ignored, as are pairs whose key
// is not a string and a trailing key without a value.
func MergeDict(args ...any) map[string]any {
	last := -1
	for i, arg := range args {
		if _, ok := arg.(map[string]any); ok {
			last = i
		}
	}
	out := map[string]any{}
	for _, arg := range args[:last+1] {
		m, ok := arg.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			out[k] = v
		}
	}
	pairs := args[last+1:]
	for i := 0; i+1 < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			continue
		}
		out[k] = pairs[i+1]
	}
	return out
}

func dict(pairs ...any) (map[string]any, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("dict expects key/value pairs, got %d arguments", len(pairs))
	}
	out := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("dict key %v is not a string", pairs[i])
		}
		out[k] = pairs[i+1]
	}
	return out, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{HostDateTimeLayout, time.DateOnly, time.RFC3339} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func formatTime(layout string, v any) (string, error) {
	t, err := toTime(v)
	if err != nil {
		return "", err
	}
	return t.Format(layout), nil
}

func inTZ(name string, v any) (time.Time, error) {
	t, err := toTime(v)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Time{}, fmt.Errorf("load location: %w", err)
	}
	return t.In(loc), nil
}

// FloatCompare compares a and b after rounding to digits decimals and
// returns -1, 0 or 1.
func FloatCompare(a, b float64, digits int) int {
	scale := math.Pow(10, float64(digits))
	ra := math.Round(a * scale)
	rb := math.Round(b * scale)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}
