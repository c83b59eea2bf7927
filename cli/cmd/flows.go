package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/BDNK1/reflow/cli/internal/constants"
	"github.com/BDNK1/reflow/runtime/engine/yaml"
	"github.com/BDNK1/reflow/runtime/parser"
)

// parsePath loads and parses the flow document at path. Parser warnings are
// returned in the result rather than logged.
func parsePath(ctx context.Context, path string) (*parser.Result, error) {
	doc, err := yaml.NewFlowLoader(path).Load(ctx)
	if err != nil {
		return nil, err
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return parser.NewParser(quiet).ParseDocument(doc), nil
}

func pathArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return constants.DefaultFlowsPath
}
