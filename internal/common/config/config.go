// Package config provides configuration management for Agentdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agentdeck.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Ports      PortsConfig      `mapstructure:"ports"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Store      StoreConfig      `mapstructure:"store"`
	LogStream  LogStreamConfig  `mapstructure:"logStream"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PortsConfig holds the port range assigned to each agent role.
// These ranges are an external operational contract: other tooling addresses
// deployed agents through them.
type PortsConfig struct {
	SinglePort       int `mapstructure:"singlePort"`
	OrchestratorPort int `mapstructure:"orchestratorPort"`
	WorkerBasePort   int `mapstructure:"workerBasePort"`
	WorkerMaxPort    int `mapstructure:"workerMaxPort"`
	CoordinatorPort  int `mapstructure:"coordinatorPort"`
}

// SupervisorConfig holds process supervision configuration.
type SupervisorConfig struct {
	// Runtime selects how agent processes are launched: "local" (os/exec)
	// or "docker".
	Runtime string `mapstructure:"runtime"`

	// GraceTimeout is how long a stop request waits for a process to exit
	// after the termination signal before it is force-killed, in seconds.
	GraceTimeout int `mapstructure:"graceTimeout"`
}

// DockerConfig holds Docker client configuration for the docker runtime.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// StoreConfig holds agent/tool store configuration.
type StoreConfig struct {
	// Driver selects the store implementation: "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// LogStreamConfig holds reconnecting log client configuration.
type LogStreamConfig struct {
	EstablishTimeout int `mapstructure:"establishTimeout"` // in seconds
	InitialDelay     int `mapstructure:"initialDelay"`     // in seconds
	MaxDelay         int `mapstructure:"maxDelay"`         // in seconds
	MaxAttempts      int `mapstructure:"maxAttempts"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GraceTimeoutDuration returns the stop grace timeout as a time.Duration.
func (s *SupervisorConfig) GraceTimeoutDuration() time.Duration {
	return time.Duration(s.GraceTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck-deployd")
	v.SetDefault("nats.maxReconnects", 10)

	// Port range defaults - the operational contract per agent role
	v.SetDefault("ports.singlePort", 8100)
	v.SetDefault("ports.orchestratorPort", 8200)
	v.SetDefault("ports.workerBasePort", 8300)
	v.SetDefault("ports.workerMaxPort", 8399)
	v.SetDefault("ports.coordinatorPort", 8500)

	// Supervisor defaults
	v.SetDefault("supervisor.runtime", "local")
	v.SetDefault("supervisor.graceTimeout", 10)

	// Docker defaults (used when supervisor.runtime is "docker")
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "agentdeck/agent-runtime:latest")

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "agentdeck.db")

	// Log stream client defaults
	v.SetDefault("logStream.establishTimeout", 5)
	v.SetDefault("logStream.initialDelay", 1)
	v.SetDefault("logStream.maxDelay", 10)
	v.SetDefault("logStream.maxAttempts", 5)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("ports.workerBasePort", "AGENTDECK_PORTS_WORKER_BASE_PORT")
	_ = v.BindEnv("ports.workerMaxPort", "AGENTDECK_PORTS_WORKER_MAX_PORT")
	_ = v.BindEnv("supervisor.graceTimeout", "AGENTDECK_SUPERVISOR_GRACE_TIMEOUT")
	_ = v.BindEnv("store.driver", "AGENTDECK_STORE_DRIVER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	for _, p := range []struct {
		name string
		port int
	}{
		{"ports.singlePort", cfg.Ports.SinglePort},
		{"ports.orchestratorPort", cfg.Ports.OrchestratorPort},
		{"ports.workerBasePort", cfg.Ports.WorkerBasePort},
		{"ports.workerMaxPort", cfg.Ports.WorkerMaxPort},
		{"ports.coordinatorPort", cfg.Ports.CoordinatorPort},
	} {
		if p.port <= 0 || p.port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535", p.name))
		}
	}

	if cfg.Ports.WorkerMaxPort < cfg.Ports.WorkerBasePort {
		errs = append(errs, "ports.workerMaxPort must not be below ports.workerBasePort")
	}

	switch cfg.Supervisor.Runtime {
	case "local", "docker":
	default:
		errs = append(errs, "supervisor.runtime must be 'local' or 'docker'")
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, "store.driver must be 'memory' or 'sqlite'")
	}

	if cfg.Supervisor.GraceTimeout <= 0 {
		errs = append(errs, "supervisor.graceTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
