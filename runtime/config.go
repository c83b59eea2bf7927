package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	registerCustomValidators()
}

// Config is the process configuration, usually read from reflow.yaml.
type Config struct {
	FlowsPath string          `yaml:"flows_path" default:"flows" validate:"required"`
	LogLevel  string          `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`
	Server    ServerConfig    `yaml:"server"`
	Migration MigrationConfig `yaml:"migration"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" default:"localhost:8080" validate:"required,hostname_port"`
}

// MigrationConfig tunes live session migration.
type MigrationConfig struct {
	// WaitTimeout bounds how long graceful migration waits for a running
	// step to finish before proceeding anyway.
	WaitTimeout  time.Duration `yaml:"wait_timeout" default:"300s" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" default:"1s" validate:"gt=0"`

	// RetrofitPolicy is a boolean expression deciding whether a newly added
	// step is scheduled into a session that is already running.
	RetrofitPolicy string `yaml:"retrofit_policy" default:"false" validate:"required"`
}

// SessionsConfig points at a remote session manager. Without an endpoint the
// process keeps sessions in memory.
type SessionsConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url_format"`
	Timeout  time.Duration `yaml:"timeout" default:"10s" validate:"gt=0"`
	Retries  int           `yaml:"retries" default:"2" validate:"gte=0,lte=10"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" validate:"omitempty,hostname_port"`
	ServiceName string `yaml:"service_name" default:"reflow" validate:"required"`
	Insecure    bool   `yaml:"insecure"`
}

// LoadConfig reads a YAML config file and prepares it with InitializeConfig.
// An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var raw map[string]any
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("error unmarshalling config: %w", err)
		}
	}

	expanded, err := resolveEnvVars(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := InitializeConfig(&cfg, expanded); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InitializeConfig applies defaults, merges raw values and validates the
// result, in that order.
func InitializeConfig(config any, rawValues map[string]any) error {
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if len(rawValues) > 0 {
		if err := mapToStructFromYAML(rawValues, config); err != nil {
			slog.Error("Config: failed to apply config values",
				"config_type", reflect.TypeOf(config).String(),
				"error", err)
			return fmt.Errorf("failed to apply config values: %w", err)
		}
	}

	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		slog.Error("Config validation failed",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

func registerCustomValidators() {
	// hostname_port validates "host:port" format with numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})

	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Field(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// ValidateStruct runs the shared validator over any tagged struct.
func ValidateStruct(s any) error {
	return validateConfig(s)
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

func resolveEnvVars(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		resolved, err := resolveEnvValue(v)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveEnvValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		return resolveEnvVars(v)
	case string:
		matches := envVarPattern.FindStringSubmatch(v)
		if matches == nil {
			return v, nil
		}
		if envValue, ok := os.LookupEnv(matches[1]); ok {
			return envValue, nil
		}
		if matches[2] != "" {
			return strings.TrimPrefix(matches[2], ":"), nil
		}
		return nil, fmt.Errorf("required environment variable not set: %s", matches[1])
	default:
		return value, nil
	}
}
