package runtime

import (
	"strings"
	"unicode"
)

// FormatStepID turns a declared step name into a step id: trimmed,
// lower-cased, with every whitespace run replaced by a single underscore.
func FormatStepID(name string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('_')
			}
			inSpace = true
			continue
		}
		inSpace = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// SplitReference splits "stepId.path.to.field" into its step id and the
// remaining path. A reference without a dot has an empty path.
func SplitReference(ref string) (stepID, path string) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
