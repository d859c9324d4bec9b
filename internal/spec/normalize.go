package spec

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// methodOrder is the fixed order operations of one path are emitted in.
var methodOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "TRACE"}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Placeholders returns the names of the {name} placeholders in a path
// template, in order of appearance.
func Placeholders(path string) []string {
	matches := placeholderRe.FindAllStringSubmatch(path, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// BuildOption configures how a Schema is built from an OpenAPI doc.
type BuildOption func(*buildConfig)

type buildConfig struct {
	logger      *slog.Logger
	excludeTags map[string]struct{}
}

// WithBuildLogger routes build warnings to l.
func WithBuildLogger(l *slog.Logger) BuildOption {
	return func(c *buildConfig) { c.logger = l }
}

// WithExcludeTags drops operations that carry any of the given tags, e.g.
// internal admin endpoints a frontend must never call.
func WithExcludeTags(tags []string) BuildOption {
	return func(c *buildConfig) {
		for _, t := range tags {
			if t = strings.TrimSpace(t); t == "" {
				continue
			}
			if c.excludeTags == nil {
				c.excludeTags = make(map[string]struct{}, len(tags))
			}
			c.excludeTags[t] = struct{}{}
		}
	}
}

// BuildSchema converts an OpenAPI v3 document into a Schema: one Operation
// per path/method pair plus the named definitions.
func BuildSchema(ctx context.Context, doc *openapi3.T, opts ...BuildOption) (*Schema, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	cfg := &buildConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Schema{
		Paths:       make(map[string]map[string]*Operation),
		Definitions: make(map[string]Definition),
	}
	if doc.Info != nil {
		s.Title = strings.TrimSpace(doc.Info.Title)
		s.Version = strings.TrimSpace(doc.Info.Version)
	}
	for _, srv := range doc.Servers {
		if srv == nil {
			continue
		}
		s.Servers = append(s.Servers, Server{URL: strings.TrimSpace(srv.URL), Description: strings.TrimSpace(srv.Description)})
	}

	if doc.Components != nil {
		for name, ref := range doc.Components.Schemas {
			sor := toSchemaOrRef(ref)
			if sor == nil {
				continue
			}
			if sor.Schema == nil {
				s.Definitions[name] = Definition{Name: name}
				continue
			}
			def := *sor.Schema
			def.Name = name
			s.Definitions[name] = def
		}
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		item := doc.Paths[p]
		if item == nil {
			continue
		}
		ops := item.Operations()
		for _, method := range methodOrder {
			o := ops[method]
			if o == nil {
				continue
			}
			op := buildOperation(method, p, item, o)
			if excluded(op.Tags, cfg.excludeTags) {
				continue
			}
			checkPlaceholders(ctx, cfg.logger, op)
			if s.Paths[p] == nil {
				s.Paths[p] = make(map[string]*Operation)
			}
			s.Paths[p][method] = op
			s.Operations = append(s.Operations, op)
		}
	}
	return s, nil
}

func buildOperation(method, path string, item *openapi3.PathItem, o *openapi3.Operation) *Operation {
	// Path-level parameters first, overridden by operation-level ones.
	merged := make(map[string]Parameter)
	var order []string
	add := func(refs openapi3.Parameters) {
		for _, pref := range refs {
			if pref == nil || pref.Value == nil {
				continue
			}
			pm := Parameter{
				Name:     strings.TrimSpace(pref.Value.Name),
				In:       strings.TrimSpace(pref.Value.In),
				Required: pref.Value.Required,
			}
			key := pm.In + ":" + pm.Name
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = pm
		}
	}
	add(item.Parameters)
	add(o.Parameters)

	params := make([]Parameter, 0, len(order))
	for _, k := range order {
		params = append(params, merged[k])
	}

	tags := make([]string, 0, len(o.Tags))
	for _, t := range o.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	id := strings.TrimSpace(o.OperationID)
	if id == "" {
		id = synthesizeID(method, path)
	}

	op := &Operation{
		ID:         id,
		Method:     method,
		Path:       path,
		Summary:    strings.TrimSpace(o.Summary),
		Tags:       tags,
		Parameters: params,
	}
	if o.RequestBody != nil && o.RequestBody.Value != nil {
		op.RequestBodyMime, op.RequestBodyRef = requestBodyRef(o.RequestBody.Value.Content)
	}
	return op
}

// synthesizeID derives an identifier for operations that declare none:
// GET /properties/{property_id}/photos -> get_properties_property_id_photos.
func synthesizeID(method, path string) string {
	words := []string{strings.ToLower(method)}
	for _, seg := range strings.Split(path, "/") {
		seg = strings.Trim(seg, "{}")
		seg = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
				return r
			case r >= 'A' && r <= 'Z':
				return r + ('a' - 'A')
			default:
				return '_'
			}
		}, seg)
		if seg = strings.Trim(seg, "_"); seg != "" {
			words = append(words, seg)
		}
	}
	return strings.Join(words, "_")
}

var bodyMimeOrder = []string{"application/json", "multipart/form-data", "application/x-www-form-urlencoded"}

func requestBodyRef(content openapi3.Content) (mime, ref string) {
	if len(content) == 0 {
		return "", ""
	}
	pick := func(m string) (string, string) {
		mt := content[m]
		if mt == nil || mt.Schema == nil {
			return m, ""
		}
		return m, mt.Schema.Ref
	}
	for _, m := range bodyMimeOrder {
		if _, ok := content[m]; ok {
			return pick(m)
		}
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return pick(keys[0])
}

func checkPlaceholders(ctx context.Context, logger *slog.Logger, op *Operation) {
	declared := make(map[string]struct{})
	for _, n := range op.PathParams() {
		declared[n] = struct{}{}
	}
	for _, name := range Placeholders(op.Path) {
		if _, ok := declared[name]; !ok {
			logger.WarnContext(ctx, "path placeholder without declared path parameter",
				slog.String("operation", op.ID),
				slog.String("path", op.Path),
				slog.String("placeholder", name))
		}
	}
}

func excluded(tags []string, exclude map[string]struct{}) bool {
	if len(exclude) == 0 {
		return false
	}
	for _, t := range tags {
		if _, ok := exclude[t]; ok {
			return true
		}
	}
	return false
}

func toSchemaOrRef(ref *openapi3.SchemaRef) *SchemaOrRef {
	if ref == nil {
		return nil
	}
	if ref.Ref != "" {
		return &SchemaOrRef{Ref: &SchemaRef{Ref: ref.Ref}}
	}
	if ref.Value == nil {
		// Converted Swagger 2 definitions occasionally arrive without a value.
		return &SchemaOrRef{Schema: &Definition{Type: "object"}}
	}
	v := ref.Value
	d := &Definition{
		Type:        strings.TrimSpace(v.Type),
		Format:      strings.TrimSpace(v.Format),
		Description: strings.TrimSpace(v.Description),
		Example:     v.Example,
		Required:    append([]string(nil), v.Required...),
	}
	if len(v.Enum) > 0 {
		d.Enum = append([]any(nil), v.Enum...)
	}
	if v.Items != nil {
		d.Items = toSchemaOrRef(v.Items)
	}
	if len(v.Properties) > 0 {
		d.Properties = make(map[string]*SchemaOrRef, len(v.Properties))
		for name, p := range v.Properties {
			d.Properties[name] = toSchemaOrRef(p)
		}
	}
	for _, r := range v.AllOf {
		d.AllOf = append(d.AllOf, toSchemaOrRef(r))
	}
	for _, r := range v.AnyOf {
		d.AnyOf = append(d.AnyOf, toSchemaOrRef(r))
	}
	for _, r := range v.OneOf {
		d.OneOf = append(d.OneOf, toSchemaOrRef(r))
	}
	return &SchemaOrRef{Schema: d}
}
