package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Field-name variants providers use for correlation identifiers. Order is
// priority: an exact "task_id" anywhere beats a bare "id" anywhere.
var (
	taskIDKeys   = []string{"task_id", "taskId", "taskID", "task", "job_id", "request_id", "id"}
	recordIDKeys = []string{"record_id", "recordId", "record", "message_id", "msg_id"}
)

const maxExtractDepth = 6

// ExtractTaskID pulls the task and record identifiers for a provider
// notification from wherever they appear: headers, query string, or any
// nesting level of the parsed body. It is total: it never panics and always
// returns a best-effort result plus diagnostic notes about where values were
// found.
func ExtractTaskID(payload map[string]any, query url.Values, headers http.Header) (taskID, recordID string, debug []string) {
	found := map[string]string{}

	for _, key := range []string{"X-Task-Id", "X-Task-ID"} {
		if v := headers.Get(key); v != "" && found["task_id"] == "" {
			found["task_id"] = v
			debug = append(debug, "header:"+key)
		}
	}
	if v := headers.Get("X-Record-Id"); v != "" {
		found["record_id"] = v
		debug = append(debug, "header:X-Record-Id")
	}

	for _, key := range append(taskIDKeys, recordIDKeys...) {
		if v := query.Get(key); v != "" && found[key] == "" {
			found[key] = v
			debug = append(debug, "query:"+key)
		}
	}

	walkPayload(payload, "", 0, func(key, path, value string) {
		if found[key] == "" {
			found[key] = value
			debug = append(debug, "body:"+path)
		}
	})

	taskID = firstFound(found, taskIDKeys, found["task_id"])
	recordID = firstFound(found, recordIDKeys, found["record_id"])
	return taskID, recordID, debug
}

func firstFound(found map[string]string, keys []string, direct string) string {
	if direct != "" {
		return direct
	}
	for _, k := range keys {
		if v := found[k]; v != "" {
			return v
		}
	}
	return ""
}

// walkPayload is a bounded depth-first search over the decoded body. Only
// keys from the known synonym lists are reported.
func walkPayload(node any, path string, depth int, visit func(key, path, value string)) {
	if depth > maxExtractDepth || node == nil {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if s, ok := stringify(child); ok && isKnownKey(key) {
				visit(key, childPath, s)
			}
			walkPayload(child, childPath, depth+1, visit)
		}
	case []any:
		for i, child := range v {
			walkPayload(child, fmt.Sprintf("%s[%d]", path, i), depth+1, visit)
		}
	}
}

func isKnownKey(key string) bool {
	for _, k := range taskIDKeys {
		if k == key {
			return true
		}
	}
	for _, k := range recordIDKeys {
		if k == key {
			return true
		}
	}
	return false
}

// stringify converts scalar payload values to strings; objects and arrays
// are not identifiers.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return "", false
	default:
		return "", false
	}
}
