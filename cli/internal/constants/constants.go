package constants

// CLI defaults
const (
	// DefaultConfigFile is read by serve when --config is not given.
	DefaultConfigFile = "reflow.yaml"

	// DefaultFlowsPath is used by validate, order and diff without an
	// explicit path.
	DefaultFlowsPath = "flows"
)
