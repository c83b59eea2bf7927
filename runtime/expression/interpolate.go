package expression

import (
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Interpolate replaces every embedded `stepId.path` reference in s with its
// resolved value. References that do not resolve are left as written.
func Interpolate(s string, ctx map[string]any) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if !isRefChar(s[i]) {
			b.WriteByte(s[i])
			i++
			continue
		}

		start := i
		for i < len(s) && isRefChar(s[i]) {
			i++
		}
		b.WriteString(substitute(s[start:i], ctx))
	}
	return b.String()
}

// substitute resolves one candidate token. Trailing dots belong to the
// surrounding text, not the reference.
func substitute(token string, ctx map[string]any) string {
	ref := strings.TrimRight(token, ".")
	trailing := token[len(ref):]
	if !strings.Contains(ref, ".") || !startsIdentifier(ref) || !isReference(ref) {
		return token
	}

	v, ok := Resolve(ref, ctx)
	if !ok {
		return token
	}
	return format(v) + trailing
}

func startsIdentifier(s string) bool {
	c := s[0]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		return gabs.Wrap(t).String()
	default:
		return fmt.Sprint(t)
	}
}
