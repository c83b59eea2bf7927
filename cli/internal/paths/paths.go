package paths

import (
	"fmt"
	"path/filepath"
	"strings"
)

// WithinBoundary returns an error when target, once made absolute, lies
// outside boundary. Both may be relative to the working directory.
func WithinBoundary(boundary, target string) error {
	absBoundary, err := filepath.Abs(boundary)
	if err != nil {
		return fmt.Errorf("failed to resolve boundary path %q: %w", boundary, err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve target path %q: %w", target, err)
	}

	rel, err := filepath.Rel(absBoundary, absTarget)
	if err != nil {
		return fmt.Errorf("invalid path relationship between %q and %q: %w", absBoundary, absTarget, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes %q", target, boundary)
	}
	return nil
}

// ResolveFlowsPath resolves the configured flows path. A relative path is
// taken from the config file's directory and must stay inside it; an
// absolute path is used as is.
func ResolveFlowsPath(configPath, flowsPath string) (string, error) {
	if filepath.IsAbs(flowsPath) {
		return filepath.Clean(flowsPath), nil
	}

	base := "."
	if configPath != "" {
		base = filepath.Dir(configPath)
	}
	resolved := filepath.Join(base, flowsPath)
	if err := WithinBoundary(base, resolved); err != nil {
		return "", fmt.Errorf("flows_path: %w", err)
	}
	return resolved, nil
}
