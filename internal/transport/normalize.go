package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/estatectl/internal/apierr"
)

// NormalizeError builds an APIError from a non-2xx status and its body.
// JSON bodies are searched for detail, message, error and errors; other
// bodies fall back to the status text.
func NormalizeError(status int, body []byte) *apierr.APIError {
	e := &apierr.APIError{Status: status}
	var doc map[string]any
	if len(body) > 0 && json.Unmarshal(body, &doc) == nil {
		if d, ok := doc["detail"]; ok {
			e.Detail = d
			switch v := d.(type) {
			case string:
				e.Message = v
			case []any:
				e.Errors = merge(e.Errors, validationList(v))
			}
		}
		if e.Message == "" {
			e.Message = firstString(doc, "message", "error", "error_description", "title")
		}
		if e.Message == "" {
			if obj, ok := doc["error"].(map[string]any); ok {
				e.Message = firstString(obj, "message", "detail")
			}
		}
		if errs, ok := doc["errors"]; ok {
			e.Errors = merge(e.Errors, fieldErrors(errs))
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// validationList reads [{"loc": ["body", "price"], "msg": "..."}] entries.
func validationList(items []any) map[string][]string {
	out := map[string][]string{}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		msg := firstString(m, "msg", "message")
		if msg == "" {
			continue
		}
		field := "_"
		if loc, ok := m["loc"].([]any); ok && len(loc) > 0 {
			field = fmt.Sprint(loc[len(loc)-1])
		} else if f := firstString(m, "field"); f != "" {
			field = f
		}
		out[field] = append(out[field], msg)
	}
	return out
}

// fieldErrors accepts {"field": "msg"}, {"field": ["msg", ...]} or a list.
func fieldErrors(v any) map[string][]string {
	out := map[string][]string{}
	switch t := v.(type) {
	case map[string]any:
		for field, val := range t {
			switch msgs := val.(type) {
			case string:
				out[field] = append(out[field], msgs)
			case []any:
				for _, m := range msgs {
					out[field] = append(out[field], fmt.Sprint(m))
				}
			}
		}
	case []any:
		for field, msgs := range validationList(t) {
			out[field] = append(out[field], msgs...)
		}
		for _, it := range t {
			if s, ok := it.(string); ok {
				out["_"] = append(out["_"], s)
			}
		}
	}
	return out
}

func merge(dst, src map[string][]string) map[string][]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string][]string, len(src))
	}
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
	return dst
}
