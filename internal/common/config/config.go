// Package config provides configuration management for bped.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// EngineConfig holds the Lifecycle Controller's tunables (mirrors
// controller.Config; kept separate so the controller package itself has no
// dependency on viper).
type EngineConfig struct {
	// MaxOutputBytes caps each process's retained output. Default 1 MiB.
	MaxOutputBytes int64 `mapstructure:"maxOutputBytes"`
	// TailPollMs is the tail/exit-probe loop cadence. Default 500ms.
	TailPollMs int `mapstructure:"tailPollMs"`
	// InitialTailBytes bounds the first read of a possibly-large
	// pre-existing file. Default 64 KiB.
	InitialTailBytes int64 `mapstructure:"initialTailBytes"`
	// MaxConsecutiveTailFailures escalates a process to failed after this
	// many consecutive read failures. Default 5.
	MaxConsecutiveTailFailures int `mapstructure:"maxConsecutiveTailFailures"`
	// GraceSecs is the SIGTERM->SIGKILL delay. Default 2.
	GraceSecs int `mapstructure:"graceSecs"`
	// TerminateForceTimeoutMs re-issues terminate if a process hasn't
	// reached a terminal state within this window. Default 10s.
	TerminateForceTimeoutMs int `mapstructure:"terminateForceTimeoutMs"`
	// ShutdownGraceMs bounds how long shutdown waits for in-flight
	// terminates to land. Default 5s.
	ShutdownGraceMs int `mapstructure:"shutdownGraceMs"`
	// ScratchBaseDir is where stdout/stderr/exit-code scratch files are
	// allocated. Default os.TempDir()/bped.
	ScratchBaseDir string `mapstructure:"scratchBaseDir"`
	// WorkerHost tags every process record this instance spawns, for
	// observability when multiple engines share a Registry's history.
	WorkerHost string `mapstructure:"workerHost"`
	// Executor selects which executor.Executor backend bped's entrypoint
	// constructs: "local" (default), "docker", or "ssh". "docker" requires
	// Docker (DockerConfig) and ContainerID; "ssh" requires SSHAddr, SSHUser,
	// and SSHKeyPath.
	Executor string `mapstructure:"executor"`
	// ContainerID names the already-running container the Docker executor
	// runs commands inside. Required when Executor is "docker".
	ContainerID string `mapstructure:"containerId"`
	// ContainerTmpDir is the scratch directory inside that container.
	// Default "/tmp".
	ContainerTmpDir string `mapstructure:"containerTmpDir"`
	// SSHAddr is the "host:port" the SSH executor dials. Required when
	// Executor is "ssh".
	SSHAddr string `mapstructure:"sshAddr"`
	// SSHUser is the remote login user.
	SSHUser string `mapstructure:"sshUser"`
	// SSHKeyPath is a private key file used for public-key authentication.
	SSHKeyPath string `mapstructure:"sshKeyPath"`
	// SSHRemoteTmp is the scratch directory on the remote host. Default "/tmp".
	SSHRemoteTmp string `mapstructure:"sshRemoteTmp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled is loaded from config (default true) but nothing in bped reads
	// it; the Docker executor is selected by engine.executor alone.
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TailPollInterval returns the tail/exit-probe loop cadence as a
// time.Duration.
func (e *EngineConfig) TailPollInterval() time.Duration {
	return time.Duration(e.TailPollMs) * time.Millisecond
}

// TerminateForceTimeout returns the force-retry window as a time.Duration.
func (e *EngineConfig) TerminateForceTimeout() time.Duration {
	return time.Duration(e.TerminateForceTimeoutMs) * time.Millisecond
}

// ShutdownGrace returns the shutdown grace period as a time.Duration.
func (e *EngineConfig) ShutdownGrace() time.Duration {
	return time.Duration(e.ShutdownGraceMs) * time.Millisecond
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
	if env := os.Getenv("BPE_ENV"); env == "production" || env == "prod" {
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

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./bped.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bpe")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "bpe")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "bpe-cluster")
	v.SetDefault("nats.clientId", "bpe-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Docker defaults â€” platform-aware host and volume path
	v.SetDefault("docker.enabled", true) // Docker runtime enabled by default if Docker is available
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "bpe-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Engine defaults
	v.SetDefault("engine.maxOutputBytes", 1<<20)
	v.SetDefault("engine.tailPollMs", 500)
	v.SetDefault("engine.initialTailBytes", 64<<10)
	v.SetDefault("engine.maxConsecutiveTailFailures", 5)
	v.SetDefault("engine.graceSecs", 2)
	v.SetDefault("engine.terminateForceTimeoutMs", 10_000)
	v.SetDefault("engine.shutdownGraceMs", 5_000)
	v.SetDefault("engine.scratchBaseDir", filepath.Join(os.TempDir(), "bped"))
	v.SetDefault("engine.workerHost", "local")
	v.SetDefault("engine.executor", "local")
	v.SetDefault("engine.containerTmpDir", "/tmp")
	v.SetDefault("engine.sshRemoteTmp", "/tmp")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "bped", "volumes")
	}
	return "/var/lib/bped/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BPE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/bped/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "BPE_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "BPE_EVENTS_NAMESPACE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bped/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Docker validation - optional (agent features disabled if not available)
	// No validation needed - will gracefully degrade

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Engine validation
	if cfg.Engine.TailPollMs <= 0 {
		errs = append(errs, "engine.tailPollMs must be positive")
	}
	if cfg.Engine.Executor == "docker" && cfg.Engine.ContainerID == "" {
		errs = append(errs, "engine.containerId is required when engine.executor is \"docker\"")
	}
	if cfg.Engine.Executor == "ssh" && (cfg.Engine.SSHAddr == "" || cfg.Engine.SSHUser == "" || cfg.Engine.SSHKeyPath == "") {
		errs = append(errs, "engine.sshAddr, engine.sshUser, and engine.sshKeyPath are required when engine.executor is \"ssh\"")
	}
	if cfg.Engine.MaxConsecutiveTailFailures <= 0 {
		errs = append(errs, "engine.maxConsecutiveTailFailures must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
