package expression

import (
	"reflect"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Resolve looks up a dotted reference in ctx. The first segment is a context
// key (usually a step id); later segments descend through maps by key and
// through sequences by integer index. The second result is false when any
// segment cannot be resolved.
func Resolve(ref string, ctx map[string]any) (any, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ctx == nil {
		return nil, false
	}
	segments := strings.Split(ref, ".")
	for _, s := range segments {
		// "*" would fan out over a collection in Search
		if s == "" || s == "*" {
			return nil, false
		}
	}

	found := gabs.Wrap(normalize(ctx)).Search(segments...)
	if found == nil {
		return nil, false
	}
	return found.Data(), true
}

// normalize rewrites typed maps and slices (map[string]string, []string,
// ...) into the map[string]any / []any shapes the path search walks.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case string, bool, int, int64, float64:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}
