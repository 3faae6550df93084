package config

import "time"

// Config represents the complete deployd configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	API      APIConfig      `yaml:"api"`
	State    StateConfig    `yaml:"state"`
	Worker   WorkerConfig   `yaml:"worker"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Install  InstallConfig  `yaml:"install"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | text
	// Environment is "development" or "production". Error stacks are only
	// rendered to logs outside production.
	Environment string `yaml:"environment"`
	// HostID is returned as the deploy response prefix. Empty means os.Hostname().
	HostID string `yaml:"host_id,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StateConfig defines where the deployment database lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig defines how worker processes are started.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	// ChannelEnv names an environment variable set to the channel fd number
	// ("3") so runtimes that auto-detect an IPC fd can find it.
	ChannelEnv       string        `yaml:"channel_env,omitempty"`
	TerminationGrace time.Duration `yaml:"termination_grace"`
	MaxLineBytes     int           `yaml:"max_line_bytes"`
}

// DispatchConfig defines the readiness policy for dispatched workers.
type DispatchConfig struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	WaitReady    bool          `yaml:"wait_ready"`
}

// InstallConfig defines dependency installation before spawn.
type InstallConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	Steps   []InstallStep `yaml:"steps,omitempty"`
}

// InstallStep runs Command inside the source path when Marker exists there.
type InstallStep struct {
	Marker  string   `yaml:"marker"`
	Command []string `yaml:"command"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "deployd",
			LogLevel:    "info",
			LogFormat:   "json",
			Environment: "development",
		},
		API: APIConfig{
			Listen: "127.0.0.1:9000",
		},
		State: StateConfig{
			Path: "./data/deployd.db",
		},
		Worker: WorkerConfig{
			Command:          "metacall",
			Args:             []string{"worker/index.js"},
			ChannelEnv:       "NODE_CHANNEL_FD",
			TerminationGrace: 5 * time.Second,
			MaxLineBytes:     1 << 20,
		},
		Dispatch: DispatchConfig{
			ReadyTimeout: 60 * time.Second,
			WaitReady:    false,
		},
		Install: InstallConfig{
			Enabled: true,
			Timeout: 10 * time.Minute,
			Steps:   DefaultInstallSteps(),
		},
	}
}

// DefaultInstallSteps returns the package manager steps used when none are configured.
func DefaultInstallSteps() []InstallStep {
	return []InstallStep{
		{Marker: "package.json", Command: []string{"npm", "install"}},
		{Marker: "requirements.txt", Command: []string{"pip3", "install", "-r", "requirements.txt"}},
		{Marker: "Gemfile", Command: []string{"bundle", "install"}},
	}
}

// Production reports whether the service runs in production posture.
func (c *Config) Production() bool {
	return c.Service.Environment == "production"
}
