package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type BasicConfig struct {
	Name    string        `default:"default-name"`
	Port    int           `default:"8080"`
	Timeout time.Duration `default:"30s"`
}

type PortValidationConfig struct {
	Port int `validate:"gte=1,lte=65535"`
}

type HostnamePortValidatorConfig struct {
	HostPort string `validate:"hostname_port"`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestApplyDefaults_BasicTypes(t *testing.T) {
	config := BasicConfig{}

	require.NoError(t, ApplyDefaults(&config))

	assert.Equal(t, "default-name", config.Name)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, 30*time.Second, config.Timeout)
}

func TestApplyDefaults_NilConfig(t *testing.T) {
	assert.Error(t, ApplyDefaults(nil))
}

func TestValidateConfig_NumericRange(t *testing.T) {
	tests := []struct {
		name      string
		port      int
		shouldErr bool
	}{
		{"valid minimum", 1, false},
		{"valid maximum", 65535, false},
		{"invalid too low", 0, true},
		{"invalid too high", 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(PortValidationConfig{Port: tt.port})
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConfig_HostnamePort(t *testing.T) {
	assert.NoError(t, validateConfig(HostnamePortValidatorConfig{HostPort: "localhost:4317"}))
	assert.Error(t, validateConfig(HostnamePortValidatorConfig{HostPort: "localhost"}))
	assert.Error(t, validateConfig(HostnamePortValidatorConfig{HostPort: ":8080"}))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "flows", cfg.FlowsPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr)
	assert.Equal(t, 300*time.Second, cfg.Migration.WaitTimeout)
	assert.Equal(t, time.Second, cfg.Migration.PollInterval)
	assert.Equal(t, "false", cfg.Migration.RetrofitPolicy)
	assert.Equal(t, 10*time.Second, cfg.Sessions.Timeout)
	assert.Equal(t, "reflow", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
flows_path: ./definitions
log_level: debug
migration:
  wait_timeout: 45s
  retrofit_policy: "deps_satisfied"
sessions:
  endpoint: http://sessions.internal:9000
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "./definitions", cfg.FlowsPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Migration.WaitTimeout)
	assert.Equal(t, time.Second, cfg.Migration.PollInterval)
	assert.Equal(t, "deps_satisfied", cfg.Migration.RetrofitPolicy)
	assert.Equal(t, "http://sessions.internal:9000", cfg.Sessions.Endpoint)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	t.Setenv("REFLOW_FLOWS", "/etc/reflow/flows")
	path := writeConfig(t, `
flows_path: ${REFLOW_FLOWS}
telemetry:
  service_name: ${REFLOW_SERVICE:reasoning}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/reflow/flows", cfg.FlowsPath)
	assert.Equal(t, "reasoning", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_MissingEnvVar(t *testing.T) {
	path := writeConfig(t, "flows_path: ${REFLOW_DOES_NOT_EXIST}\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFLOW_DOES_NOT_EXIST")
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
log_level: verbose
sessions:
  endpoint: not-a-url
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "LogLevel"))
	assert.True(t, strings.Contains(err.Error(), "Endpoint"))
}
