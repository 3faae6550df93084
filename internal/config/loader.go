package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file over Defaults(), verifies it against the
// .checksums sidecar when one exists, and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksums(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	// Relative state paths are resolved against the config file, not the cwd.
	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}
	return cfg, nil
}

// Parse decodes YAML bytes over Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if strings.TrimSpace(interpolated) != "" {
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if len(cfg.Install.Steps) == 0 {
		cfg.Install.Steps = DefaultInstallSteps()
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with the value of the environment variable.
// Unset variables expand to the empty string.
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be one of debug|info|warn|error, got %q", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", cfg.Service.LogFormat)
	}
	switch cfg.Service.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("service.environment must be development or production, got %q", cfg.Service.Environment)
	}
	if strings.TrimSpace(cfg.API.Listen) == "" {
		return fmt.Errorf("api.listen is required")
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}
	if cfg.Worker.TerminationGrace < 0 {
		return fmt.Errorf("worker.termination_grace must not be negative")
	}
	if cfg.Worker.MaxLineBytes <= 0 {
		return fmt.Errorf("worker.max_line_bytes must be positive")
	}
	if cfg.Dispatch.ReadyTimeout <= 0 {
		return fmt.Errorf("dispatch.ready_timeout must be positive")
	}
	if cfg.Install.Timeout <= 0 {
		return fmt.Errorf("install.timeout must be positive")
	}
	for i, step := range cfg.Install.Steps {
		if strings.TrimSpace(step.Marker) == "" {
			return fmt.Errorf("install.steps[%d]: marker is required", i)
		}
		if filepath.Base(step.Marker) != step.Marker {
			return fmt.Errorf("install.steps[%d]: marker %q must be a plain file name", i, step.Marker)
		}
		if len(step.Command) == 0 || strings.TrimSpace(step.Command[0]) == "" {
			return fmt.Errorf("install.steps[%d]: command is required", i)
		}
	}
	return nil
}
