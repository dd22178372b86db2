// Package payload turns raw drain lines into append payloads.
package payload

import (
	"encoding/json"
	"strings"
)

// A ParseFunc receives a single raw drain line and returns the payload to
// append for it.
type ParseFunc func(b []byte) interface{}

// Parse interprets one line of a drain request body. A line holding a JSON
// object decodes into a map so it is appended in its structured form; any
// other line passes through as a plain string. A trailing newline is not part
// of the payload.
func Parse(b []byte) interface{} {
	s := strings.TrimSuffix(string(b), "\n")
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return m
		}
	}
	return s
}
