package docstore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Document is a snapshot of a stored document.
type Document struct {
	ID         string
	Collection string
	Data       map[string]interface{}
}

func (d Document) Path() string {
	return d.Collection + "/" + d.ID
}

// ParentID returns the id of the document owning the sub-collection, if any.
func (d Document) ParentID() string {
	parts := strings.Split(d.Collection, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

func (d Document) Has(field string) bool {
	value, ok := d.Data[field]
	return ok && value != nil
}

func (d Document) String(field string) string {
	switch v := d.Data[field].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (d Document) Float(field string) float64 {
	switch v := d.Data[field].(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return parsed
		}
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

func (d Document) Int(field string) int {
	return int(d.Float(field))
}

func (d Document) Bool(field string) bool {
	switch v := d.Data[field].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func (d Document) Time(field string) (time.Time, bool) {
	switch v := d.Data[field].(type) {
	case string:
		return ParseTime(v)
	case float64:
		// epoch milliseconds written by older clients
		if v <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)).UTC(), true
	case map[string]interface{}:
		seconds, ok := v["seconds"].(float64)
		if !ok {
			return time.Time{}, false
		}
		nanos, _ := v["nanoseconds"].(float64)
		return time.Unix(int64(seconds), int64(nanos)).UTC(), true
	}
	return time.Time{}, false
}

func (d Document) Strings(field string) []string {
	items, ok := d.Data[field].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func (d Document) Array(field string) []interface{} {
	items, _ := d.Data[field].([]interface{})
	return items
}

// Decode unmarshals the document data into v through its JSON form.
func (d Document) Decode(v interface{}) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
