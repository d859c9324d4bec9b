package dispatch

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/gorilla/schema"
)

// Params are call arguments keyed by parameter name. Values are strings,
// numbers, booleans, time.Time, fmt.Stringer or slices of those; nil values
// are treated as absent.
type Params map[string]any

var paramEncoder = schema.NewEncoder()

// StructParams flattens a struct into Params using `schema` field tags:
//
//	type ListingQuery struct {
//		City  string `schema:"city,omitempty"`
//		Limit int    `schema:"limit"`
//	}
func StructParams(v any) (Params, error) {
	dst := map[string][]string{}
	if err := paramEncoder.Encode(v, dst); err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	out := make(Params, len(dst))
	for k, vals := range dst {
		switch len(vals) {
		case 0:
		case 1:
			out[k] = vals[0]
		default:
			out[k] = vals
		}
	}
	return out, nil
}

// Merge returns a copy of p overlaid with other.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// values renders v as one or more strings. ok is false for nil.
func values(v any) (out []string, ok bool) {
	if v == nil {
		return nil, false
	}
	if s, single := scalar(v); single {
		return []string{s}, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, false
		}
		return values(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out = make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if vs, ok := values(rv.Index(i).Interface()); ok {
				out = append(out, vs...)
			}
		}
		return out, true
	}
	return []string{fmt.Sprint(v)}, true
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint:
		return strconv.FormatUint(uint64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case time.Time:
		return t.Format(time.RFC3339), true
	case fmt.Stringer:
		return t.String(), true
	case encoding.TextMarshaler:
		b, err := t.MarshalText()
		if err != nil {
			return fmt.Sprint(v), true
		}
		return string(b), true
	}
	return "", false
}
