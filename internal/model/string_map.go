// internal/model/string_map.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// StringMap is a JSONB object whose values are carried as strings.
// Numbers and booleans written by other clients are stringified on read.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *StringMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = StringMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("string map: unsupported source %T", src)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("string map: %w", err)
	}
	out := make(StringMap, len(decoded))
	for k, v := range decoded {
		out[k] = stringify(v)
	}
	*m = out
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

// Merge returns a copy of m with every key of other laid over it.
func (m StringMap) Merge(other StringMap) StringMap {
	out := make(StringMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
