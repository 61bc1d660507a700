package enricher

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// propertyKeys is the lookup order inside a catalog property object.
var propertyKeys = []string{"valueEnum", "value", "VALUE"}

// PropertyValue extracts a scalar from a catalog property. Objects are
// searched by propertyKeys and then by the positional key "0"; arrays use their
// first element. Nested values are unwrapped the same way. A zero, numeric or
// "0", counts as empty.
func PropertyValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '{':
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil {
			return ""
		}
		for _, key := range propertyKeys {
			if v, ok := obj[key]; ok {
				if s := PropertyValue(v); s != "" {
					return s
				}
			}
		}
		if v, ok := obj["0"]; ok {
			return PropertyValue(v)
		}
		return ""
	case '[':
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) != nil || len(list) == 0 {
			return ""
		}
		return PropertyValue(list[0])
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil || s == "0" {
			return ""
		}
		return s
	case 'n', 't', 'f':
		return ""
	}

	if f, err := strconv.ParseFloat(string(raw), 64); err == nil && f != 0 {
		return string(raw)
	}
	return ""
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate reads a remote date or datetime and keeps only the calendar date in
// the value's own offset. Empty or unparsable input yields nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}
