package spec

import "strings"

// Parameter locations understood by the dispatcher.
const (
	InPath   = "path"
	InQuery  = "query"
	InHeader = "header"
	InCookie = "cookie"
)

// Schema is the parsed service description. It is immutable once built and
// replaced wholesale when the store reloads.
type Schema struct {
	Title   string
	Version string
	Servers []Server
	// Paths maps path template -> upper-case method -> operation.
	Paths       map[string]map[string]*Operation
	Definitions map[string]Definition
	// Operations lists every operation in build order (paths sorted, methods
	// in a fixed order).
	Operations []*Operation
}

type Server struct {
	URL         string
	Description string
}

// Operation is the descriptor for one API operation.
type Operation struct {
	ID              string
	Method          string
	Path            string
	Summary         string
	Tags            []string
	Parameters      []Parameter
	RequestBodyRef  string
	RequestBodyMime string
}

type Parameter struct {
	Name     string
	In       string // path|query|header|cookie
	Required bool
}

// Param returns the declared parameter with the given name, preferring a
// path parameter when the same name is declared in several locations.
func (op *Operation) Param(name string) (Parameter, bool) {
	var found Parameter
	ok := false
	for _, p := range op.Parameters {
		if p.Name != name {
			continue
		}
		if p.In == InPath {
			return p, true
		}
		if !ok {
			found, ok = p, true
		}
	}
	return found, ok
}

// PathParams returns the names of declared path parameters in order.
func (op *Operation) PathParams() []string {
	var out []string
	for _, p := range op.Parameters {
		if p.In == InPath {
			out = append(out, p.Name)
		}
	}
	return out
}

// HasTag reports whether the operation carries tag t.
func (op *Operation) HasTag(t string) bool {
	for _, tag := range op.Tags {
		if strings.EqualFold(tag, t) {
			return true
		}
	}
	return false
}

// Definition is a named schema from components/schemas (or Swagger 2
// definitions after conversion).
type Definition struct {
	Name        string
	Type        string
	Format      string
	Description string
	Required    []string
	Properties  map[string]*SchemaOrRef
	Items       *SchemaOrRef
	AllOf       []*SchemaOrRef
	AnyOf       []*SchemaOrRef
	OneOf       []*SchemaOrRef
	Enum        []any
	Example     any
}

type SchemaRef struct{ Ref string }

type SchemaOrRef struct {
	Schema *Definition
	Ref    *SchemaRef
}
