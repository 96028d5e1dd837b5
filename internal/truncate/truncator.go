// Package truncate shortens tool inputs and outputs for activity records and
// event payloads.
package truncate

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxArrayDepth = 4

// Result describes one truncation.
type Result struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	TotalSize int    `json:"total_size"`
	// RecordPath and TotalRecords are set when the content is JSON holding a
	// record array.
	RecordPath   string `json:"record_path,omitempty"`
	TotalRecords int    `json:"total_records,omitempty"`
}

// Truncator cuts content down to a byte limit. A zero limit disables it.
type Truncator struct {
	limit int
}

// NewTruncator creates a truncator with the given limit in bytes.
func NewTruncator(limit int) *Truncator {
	return &Truncator{limit: limit}
}

// Limit returns the configured limit.
func (t *Truncator) Limit() int { return t.limit }

// ShouldTruncate reports whether content exceeds the limit.
func (t *Truncator) ShouldTruncate(content string) bool {
	return t.limit > 0 && len(content) > t.limit
}

// String returns content cut to the limit.
func (t *Truncator) String(content string) string {
	return t.Truncate(content).Content
}

// Truncate cuts content to the limit and appends a marker saying how much
// was dropped. For JSON with a record array the marker names the record count.
func (t *Truncator) Truncate(content string) *Result {
	res := &Result{Content: content, TotalSize: len(content)}
	if !t.ShouldTruncate(content) {
		return res
	}
	res.Truncated = true

	marker := func(shown int) string {
		return fmt.Sprintf("\n... [truncated: %d of %d bytes shown]", shown, len(content))
	}
	if path, count, ok := recordArray(content); ok {
		res.RecordPath = path
		res.TotalRecords = count
		marker = func(shown int) string {
			return fmt.Sprintf("\n... [truncated: %d of %d bytes shown, %d records at %q]", shown, len(content), count, path)
		}
	}

	// The widest marker is the one showing len(content); anything shorter fits.
	keep := t.limit - len(marker(len(content)))
	head := cutAtRune(content, keep)
	if res.TotalRecords > 0 {
		head = cutAtRecordBoundary(head)
	}

	res.Content = head + marker(len(head))
	return res
}

// cutAtRune returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutAtRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// cutAtRecordBoundary trims a JSON prefix back to the last closed object or
// array when one lies in its second half.
func cutAtRecordBoundary(s string) string {
	if i := strings.LastIndexAny(s, "}]"); i > len(s)/2 {
		return s[:i+1]
	}
	return s
}

type arrayInfo struct {
	path  string
	count int
	size  int
}

func recordArray(content string) (string, int, bool) {
	var data interface{}
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return "", 0, false
	}

	arrays := findArrays(data, "", 0)
	if len(arrays) == 0 {
		return "", 0, false
	}

	best := arrays[0]
	for _, a := range arrays[1:] {
		switch {
		case a.count > best.count*2:
			best = a
		case a.count >= best.count/2 && a.size > best.size:
			best = a
		}
	}
	if best.path == "" {
		best.path = "$"
	}
	return best.path, best.count, true
}

func findArrays(data interface{}, path string, depth int) []arrayInfo {
	if depth > maxArrayDepth {
		return nil
	}

	var found []arrayInfo
	switch v := data.(type) {
	case []interface{}:
		size := 2
		if raw, err := json.Marshal(v); err == nil {
			size = len(raw)
		}
		found = append(found, arrayInfo{path: path, count: len(v), size: size})
		// A wrapper array with one or two entries usually holds the real records deeper down.
		if len(v) <= 2 {
			for i, elem := range v {
				found = append(found, findArrays(elem, fmt.Sprintf("%s[%d]", path, i), depth+1)...)
			}
		}
	case map[string]interface{}:
		for key, val := range v {
			child := key
			if path != "" {
				child = path + "." + key
			}
			found = append(found, findArrays(val, child, depth+1)...)
		}
	}
	return found
}
