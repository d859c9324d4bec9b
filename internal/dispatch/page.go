package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Page is a normalized paginated listing.
type Page struct {
	Items   []json.RawMessage
	Total   int
	Limit   int
	Offset  int
	HasNext bool
	HasPrev bool
}

var (
	itemKeys   = []string{"items", "data", "results", "records"}
	totalKeys  = []string{"total", "count", "total_count"}
	limitKeys  = []string{"limit", "page_size", "per_page"}
	offsetKeys = []string{"offset", "skip"}
	nextKeys   = []string{"has_next", "next"}
	prevKeys   = []string{"has_prev", "has_previous", "previous", "prev"}
)

var ErrNotPaginated = errors.New("response is not a paginated listing")

// ParsePage accepts a bare JSON array or an object envelope. Missing
// navigation flags are derived from total, offset and the item count.
func ParsePage(body []byte) (*Page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrNotPaginated
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		return &Page{Items: items, Total: len(items), Limit: len(items)}, nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	p := &Page{}
	found := false
	for _, k := range itemKeys {
		raw, ok := env[k]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, &p.Items); err != nil {
			continue
		}
		found = true
		break
	}
	if !found {
		return nil, ErrNotPaginated
	}
	if p.Items == nil {
		p.Items = []json.RawMessage{}
	}

	total, hasTotal := intField(env, totalKeys...)
	if hasTotal {
		p.Total = total
	} else {
		p.Total = len(p.Items)
	}
	p.Limit, _ = intField(env, limitKeys...)
	if off, ok := intField(env, offsetKeys...); ok {
		p.Offset = off
	} else if page, ok := intField(env, "page"); ok && page > 0 && p.Limit > 0 {
		p.Offset = (page - 1) * p.Limit
	}

	if v, ok := flagField(env, nextKeys...); ok {
		p.HasNext = v
	} else {
		p.HasNext = hasTotal && p.Offset+len(p.Items) < p.Total
	}
	if v, ok := flagField(env, prevKeys...); ok {
		p.HasPrev = v
	} else {
		p.HasPrev = p.Offset > 0
	}
	return p, nil
}

func intField(env map[string]json.RawMessage, keys ...string) (int, bool) {
	for _, k := range keys {
		raw, ok := env[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// flagField reads a boolean, or treats a non-empty link (URL or cursor) as
// true and null as false.
func flagField(env map[string]json.RawMessage, keys ...string) (bool, bool) {
	for _, k := range keys {
		raw, ok := env[k]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			return t != "", true
		case nil:
			return false, true
		case float64:
			return true, true
		}
	}
	return false, false
}

// DecodeItems unmarshals every item of p into T.
func DecodeItems[T any](p *Page) ([]T, error) {
	out := make([]T, 0, len(p.Items))
	for i, raw := range p.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
