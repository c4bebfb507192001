// Package config provides configuration management for sessiond.
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

// Config holds all configuration sections for sessiond.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Events        EventsConfig        `mapstructure:"events"`
	Docker        DockerConfig        `mapstructure:"docker"`
	Supervisor    SupervisorConfig    `mapstructure:"supervisor"`
	SnapshotCache SnapshotCacheConfig `mapstructure:"snapshotCache"`
	Provisioner   ProvisionerConfig   `mapstructure:"provisioner"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	RepoClone     RepoCloneConfig     `mapstructure:"repoClone"`
	SessionManager SessionManagerConfig `mapstructure:"sessionManager"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	ACP           ACPConfig           `mapstructure:"acp"`
}

// PolicyConfig holds server-controlled defaults createTask enforces
// regardless of what a request asks for.
type PolicyConfig struct {
	// RuntimeType overrides a request's runtime.type; never taken from the
	// request itself.
	RuntimeType string `mapstructure:"runtimeType"`
	// SandboxEnabled gates whether the runtime is allowed to run outside a
	// devcontainer/sandbox at all.
	SandboxEnabled bool `mapstructure:"sandboxEnabled"`
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

// EventsConfig holds event bus namespace and backpressure configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
	// SubscriberQueueDepth is the bounded per-subscriber delivery queue size (N_q).
	SubscriberQueueDepth int `mapstructure:"subscriberQueueDepth"`
}

// DockerConfig holds Docker client configuration, used by the optional
// container-backed snapshot provider.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// SupervisorConfig holds Agent Supervisor concurrency and process settings.
type SupervisorConfig struct {
	// MaxConcurrent is C_max, the cap on concurrently running supervised agent processes.
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	// RecorderPath is the path to the recorder binary that wraps the agent launcher.
	RecorderPath string `mapstructure:"recorderPath"`
	// LauncherPath is the path to the agent launcher binary.
	LauncherPath string `mapstructure:"launcherPath"`
	// GracefulStopTimeout bounds how long Stop waits before force-killing (in seconds).
	GracefulStopTimeout int `mapstructure:"gracefulStopTimeout"`
	// OutputBufferSize bounds the in-memory recent-output ring buffer per session.
	OutputBufferSize int `mapstructure:"outputBufferSize"`
}

// SnapshotCacheConfig holds Snapshot Cache quota and eviction settings.
type SnapshotCacheConfig struct {
	// QuotaBytes is the global disk quota (Q_global) for cached snapshots.
	QuotaBytes int64 `mapstructure:"quotaBytes"`
	// PerRepoQuotaBytes optionally caps bytes any single repoUrl may hold; 0 = no override.
	PerRepoQuotaBytes int64 `mapstructure:"perRepoQuotaBytes"`
	// BasePath is the directory snapshots are materialized under, used by
	// the overlay, btrfs, and copy providers.
	BasePath string `mapstructure:"basePath"`
	// ZFSPool is the pre-existing ZFS dataset root the zfs provider snapshots
	// under, e.g. "tank/sessiond".
	ZFSPool string `mapstructure:"zfsPool"`
}

// ProvisionerConfig holds Workspace Provisioner settings.
type ProvisionerConfig struct {
	// BuildTimeout bounds the build/test phase of provisioning (in seconds).
	BuildTimeout int `mapstructure:"buildTimeout"`
	// DefaultProvider selects the SnapshotProvider used when a Session doesn't request one.
	DefaultProvider string `mapstructure:"defaultProvider"`
	// ProviderPreference orders the SnapshotProvider names the Registry tries
	// via FirstAvailable; the first Available one wins.
	ProviderPreference []string `mapstructure:"providerPreference"`
	// SetupScript and TestScript are resolved with scriptengine placeholders
	// and run inside the scratch checkout before it is handed to a
	// SnapshotProvider's Create.
	SetupScript string `mapstructure:"setupScript"`
	TestScript  string `mapstructure:"testScript"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CatalogConfig holds configuration for the Draft & Repository Catalog's
// local filesystem discovery helper.
type CatalogConfig struct {
	Roots    []string `mapstructure:"roots"`
	MaxDepth int      `mapstructure:"maxDepth"`
}

// RepoCloneConfig holds configuration for automatic repository cloning.
type RepoCloneConfig struct {
	BasePath string `mapstructure:"basePath"`
	Protocol string `mapstructure:"protocol"`
}

// SessionManagerConfig holds Session Manager idempotency and retry settings.
type SessionManagerConfig struct {
	// IdempotencyTTL is T_idem, the retention window for a createTask
	// idempotency key (in seconds).
	IdempotencyTTL int `mapstructure:"idempotencyTtl"`
	// RetryMaxAttempts bounds the number of retries applied to a
	// coreerr.Transient Repository or Provisioner failure.
	RetryMaxAttempts int `mapstructure:"retryMaxAttempts"`
	// RetryBaseDelayMs is the exponential backoff base delay, doubled per
	// attempt, in milliseconds.
	RetryBaseDelayMs int `mapstructure:"retryBaseDelayMs"`
}

// ACPConfig holds settings for the ACP gateway, the alternate JSON-RPC
// transport onto the Session Manager's transport-agnostic public contract.
type ACPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GracefulStopTimeoutDuration returns the graceful stop timeout as a time.Duration.
func (s *SupervisorConfig) GracefulStopTimeoutDuration() time.Duration {
	return time.Duration(s.GracefulStopTimeout) * time.Second
}

// BuildTimeoutDuration returns the build timeout as a time.Duration.
func (p *ProvisionerConfig) BuildTimeoutDuration() time.Duration {
	return time.Duration(p.BuildTimeout) * time.Second
}

// IdempotencyTTLDuration returns the idempotency retention window as a time.Duration.
func (s *SessionManagerConfig) IdempotencyTTLDuration() time.Duration {
	return time.Duration(s.IdempotencyTTL) * time.Second
}

// RetryBaseDelay returns the retry backoff base delay as a time.Duration.
func (s *SessionManagerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelayMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SESSIOND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./sessiond.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sessiond")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sessiond")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "sessiond-cluster")
	v.SetDefault("nats.clientId", "sessiond-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")
	v.SetDefault("events.subscriberQueueDepth", 256)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "sessiond-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	v.SetDefault("supervisor.maxConcurrent", 8)
	v.SetDefault("supervisor.recorderPath", "sessiond-recorder")
	v.SetDefault("supervisor.launcherPath", "sessiond-launcher")
	v.SetDefault("supervisor.gracefulStopTimeout", 15)
	v.SetDefault("supervisor.outputBufferSize", 2000)

	v.SetDefault("snapshotCache.quotaBytes", int64(20)*1024*1024*1024) // 20GiB
	v.SetDefault("snapshotCache.perRepoQuotaBytes", int64(0))
	v.SetDefault("snapshotCache.basePath", "~/.sessiond/snapshots")
	v.SetDefault("snapshotCache.zfsPool", "tank/sessiond")

	v.SetDefault("provisioner.buildTimeout", 600)
	v.SetDefault("provisioner.defaultProvider", "copy")
	v.SetDefault("provisioner.providerPreference", []string{"zfs", "btrfs", "overlay", "docker", "copy"})
	v.SetDefault("provisioner.setupScript", "")
	v.SetDefault("provisioner.testScript", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("catalog.roots", []string{})
	v.SetDefault("catalog.maxDepth", 5)

	v.SetDefault("repoClone.basePath", "~/.sessiond/repos")

	v.SetDefault("sessionManager.idempotencyTtl", 24*60*60)
	v.SetDefault("sessionManager.retryMaxAttempts", 3)
	v.SetDefault("sessionManager.retryBaseDelayMs", 200)

	v.SetDefault("policy.runtimeType", "devcontainer")
	v.SetDefault("policy.sandboxEnabled", true)

	v.SetDefault("acp.enabled", false)
	v.SetDefault("acp.addr", "127.0.0.1:7701")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
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
		return filepath.Join(localAppData, "sessiond", "volumes")
	}
	return "/var/lib/sessiond/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SESSIOND_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("supervisor.maxConcurrent", "SESSIOND_SUPERVISOR_MAX_CONCURRENT")
	_ = v.BindEnv("logging.level", "SESSIOND_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "SESSIOND_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sessiond/")

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

	if cfg.Supervisor.MaxConcurrent <= 0 {
		errs = append(errs, "supervisor.maxConcurrent must be positive")
	}

	if cfg.SnapshotCache.QuotaBytes <= 0 {
		errs = append(errs, "snapshotCache.quotaBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Catalog.MaxDepth <= 0 {
		errs = append(errs, "catalog.maxDepth must be positive")
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
