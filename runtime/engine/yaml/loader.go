package yaml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	goyaml "gopkg.in/yaml.v3"
)

// FlowLoader reads flow documents from a YAML or JSON file, or from every
// matching file in a directory. JSON is read through the YAML decoder, which
// accepts it as a subset.
type FlowLoader struct {
	path string
}

func NewFlowLoader(path string) *FlowLoader {
	return &FlowLoader{path: path}
}

func (l *FlowLoader) Extensions() []string {
	return []string{"*.yaml", "*.yml", "*.json"}
}

// Load implements runtime.DocumentSource.
func (l *FlowLoader) Load(_ context.Context) (map[string]any, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("error reading flow path: %w", err)
	}
	if !info.IsDir() {
		return LoadFile(l.path)
	}

	files, err := l.files()
	if err != nil {
		return nil, err
	}

	doc := make(map[string]any)
	origin := make(map[string]string)
	for _, file := range files {
		part, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		for name, body := range part {
			if prev, ok := origin[name]; ok && !isMetadataKey(name) {
				return nil, fmt.Errorf("flow %q declared in both %s and %s", name, prev, file)
			}
			origin[name] = file
			doc[name] = body
		}
	}
	return doc, nil
}

func (l *FlowLoader) files() ([]string, error) {
	var files []string
	for _, pattern := range l.Extensions() {
		matches, err := filepath.Glob(filepath.Join(l.path, pattern))
		if err != nil {
			return nil, fmt.Errorf("error reading directory: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// LoadFile decodes a single flow document file.
func LoadFile(filePath string) (map[string]any, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading flow file: %w", err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling %s: %w", filePath, err)
	}
	return doc, nil
}

// Decode parses raw YAML or JSON bytes into a flow document. An empty input
// is an empty document.
func Decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := goyaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

func isMetadataKey(key string) bool {
	return len(key) > 0 && key[0] == '_'
}
