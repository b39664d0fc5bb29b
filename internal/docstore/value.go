package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t the way the store persists timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime accepts the persisted layout and any RFC 3339 timestamp.
func ParseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// timestampString recognises RFC 3339 strings so they are stored in the fixed
// layout whatever offset the writer used.
func timestampString(raw string) (time.Time, bool) {
	if len(raw) < len("2006-01-02T15:04:05Z") || raw[4] != '-' || raw[7] != '-' || (raw[10] != 'T' && raw[10] != 't') {
		return time.Time{}, false
	}
	return ParseTime(raw)
}

// ToMap converts a struct into document data through its JSON form.
func ToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeData(data map[string]interface{}, now time.Time, allowDelete bool) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		if key == "" {
			return nil, fmt.Errorf("docstore: empty field name")
		}
		if value == DeleteField {
			if !allowDelete {
				return nil, fmt.Errorf("docstore: DeleteField is only valid in Update (field %q)", key)
			}
			out[key] = DeleteField
			continue
		}
		normalized, err := normalize(value, now)
		if err != nil {
			return nil, fmt.Errorf("docstore: field %q: %w", key, err)
		}
		out[key] = normalized
	}
	return out, nil
}

func normalize(value interface{}, now time.Time) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case sentinel:
		if v == ServerTimestamp {
			return FormatTime(now), nil
		}
		return nil, fmt.Errorf("unexpected sentinel %s", string(v))
	case string:
		if t, ok := timestampString(v); ok {
			return FormatTime(t), nil
		}
		return v, nil
	case bool, float64:
		return v, nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case time.Time:
		return FormatTime(v), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return FormatTime(*v), nil
	case []string:
		items := make([]interface{}, 0, len(v))
		for _, item := range v {
			items = append(items, item)
		}
		return items, nil
	case []interface{}:
		items := make([]interface{}, 0, len(v))
		for _, item := range v {
			normalized, err := normalize(item, now)
			if err != nil {
				return nil, err
			}
			items = append(items, normalized)
		}
		return items, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			normalized, err := normalize(item, now)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return normalize(decoded, now)
	}
}

func clone(value interface{}) interface{} {
	switch v := value.(type) {
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = clone(item)
		}
		return items
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = clone(item)
		}
		return out
	default:
		return v
	}
}

func compare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

func equal(a, b interface{}) bool {
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func matches(data map[string]interface{}, filter Filter, value interface{}) bool {
	field, ok := data[filter.Field]
	if !ok {
		return false
	}
	switch filter.Op {
	case OpExists:
		return field != nil
	case OpEq:
		return equal(field, value)
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := compare(field, value)
		if !ok {
			return false
		}
		switch filter.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpArrayContains:
		items, ok := field.([]interface{})
		if !ok {
			return false
		}
		for _, item := range items {
			if equal(item, value) {
				return true
			}
		}
		return false
	case OpIn:
		candidates, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, candidate := range candidates {
			if equal(field, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

func normalizeFilters(filters []Filter) ([]interface{}, error) {
	values := make([]interface{}, len(filters))
	for i, f := range filters {
		if strings.TrimSpace(f.Field) == "" {
			return nil, fmt.Errorf("docstore: filter without field")
		}
		switch f.Op {
		case OpEq, OpLt, OpLte, OpGt, OpGte, OpArrayContains, OpIn:
		case OpExists:
			continue
		default:
			return nil, fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
		value, err := normalize(f.Value, time.Time{})
		if err != nil {
			return nil, err
		}
		if f.Op == OpIn {
			if _, ok := value.([]interface{}); !ok {
				return nil, fmt.Errorf("docstore: %q filter on %s needs a list", f.Op, f.Field)
			}
		}
		values[i] = value
	}
	return values, nil
}
