package spec

import (
	"strings"

	"gopkg.in/yaml.v3"
)

var v2Verbs = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true,
	"delete": true, "options": true, "head": true,
}

// preprocessV2ForCompatibility repairs Swagger 2 operations that openapi2conv
// rejects. Operations with several body parameters get one merged object
// body; operations mixing body and formData parameters have their body
// parameters turned into formData fields and consume multipart/form-data.
//
// The returned bytes are the original input unless changed is true.
func preprocessV2ForCompatibility(data []byte) ([]byte, bool, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return data, false, err
	}
	paths, _ := doc["paths"].(map[string]any)
	changed := false
	for _, raw := range paths {
		item, _ := raw.(map[string]any)
		for verb, rawOp := range item {
			if !v2Verbs[strings.ToLower(verb)] {
				continue
			}
			if op, ok := rawOp.(map[string]any); ok && fixV2Operation(op) {
				changed = true
			}
		}
	}
	if !changed {
		return data, false, nil
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return data, false, err
	}
	return out, true, nil
}

// fixV2Operation rewrites op in place and reports whether it did anything.
func fixV2Operation(op map[string]any) bool {
	params, _ := op["parameters"].([]any)
	var bodies, rest []map[string]any
	hasForm := false
	for _, p := range params {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		switch strings.ToLower(stringField(pm, "in")) {
		case "body":
			bodies = append(bodies, pm)
			continue
		case "formdata":
			hasForm = true
		}
		rest = append(rest, pm)
	}

	switch {
	case len(bodies) > 0 && hasForm:
		for _, b := range bodies {
			rest = append(rest, bodyToFormField(b))
		}
		op["parameters"] = toAnySlice(rest)
		consumes, _ := op["consumes"].([]any)
		for _, c := range consumes {
			if c == "multipart/form-data" {
				return true
			}
		}
		op["consumes"] = append(consumes, "multipart/form-data")
		return true
	case len(bodies) > 1:
		merged := mergeBodies(bodies)
		op["parameters"] = toAnySlice(append([]map[string]any{merged}, rest...))
		return true
	}
	return false
}

func mergeBodies(bodies []map[string]any) map[string]any {
	props := make(map[string]any, len(bodies))
	var required []any
	for _, b := range bodies {
		name := stringField(b, "name")
		if name == "" {
			name = "field"
		}
		props[name] = paramSchema(b)
		if req, _ := b["required"].(bool); req {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return map[string]any{"in": "body", "name": "body", "schema": schema}
}

// paramSchema returns the schema of a body parameter, synthesizing one from
// type/items/format when the parameter has none.
func paramSchema(p map[string]any) map[string]any {
	if s, ok := p["schema"].(map[string]any); ok {
		return s
	}
	t := stringField(p, "type")
	if t == "" {
		return map[string]any{"type": "string"}
	}
	s := map[string]any{"type": t}
	if items, ok := p["items"].(map[string]any); ok {
		s["items"] = items
	}
	if f := stringField(p, "format"); f != "" {
		s["format"] = f
	}
	return s
}

func bodyToFormField(p map[string]any) map[string]any {
	name := stringField(p, "name")
	if name == "" {
		name = "field"
	}
	field := map[string]any{"in": "formData", "name": name}
	if d := stringField(p, "description"); d != "" {
		field["description"] = d
	}
	if req, ok := p["required"].(bool); ok {
		field["required"] = req
	}

	src := p
	if s, ok := p["schema"].(map[string]any); ok {
		src = s
	}
	typ := stringField(src, "type")
	if typ == "" || typ == "object" {
		// formData cannot carry objects or refs.
		typ = "string"
	}
	field["type"] = typ
	if items, ok := src["items"].(map[string]any); ok && typ == "array" {
		field["items"] = items
	}
	if f := stringField(src, "format"); f != "" {
		field["format"] = f
	}
	return field
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toAnySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}
