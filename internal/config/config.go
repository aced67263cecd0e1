package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/swarm/internal/logger"
)

// DefaultPath is the config file looked up when no --config flag is given.
const DefaultPath = "swarm.yml"

// Reload modes for the node loop.
const (
	ReloadInProcess = "inprocess"
	ReloadExec      = "exec"
)

// Config represents the top-level swarm.yml configuration
type Config struct {
	Namespace string        `yaml:"namespace"`
	Broker    BrokerConfig  `yaml:"broker"`
	Store     StoreConfig   `yaml:"store"`
	Queues    QueueConfig   `yaml:"queues"`
	Node      NodeConfig    `yaml:"node"`
	Trainer   TrainerConfig `yaml:"trainer"`
	Logging   logger.Config `yaml:"logging"`
	Health    HealthConfig  `yaml:"health"`
}

// BrokerConfig specifies the Redis instance carrying topics and queues
type BrokerConfig struct {
	URL           string        `yaml:"url"`
	Password      string        `yaml:"password,omitempty"`
	Heartbeat     time.Duration `yaml:"heartbeat"`      // PING interval while connected
	RetryInterval time.Duration `yaml:"retry_interval"` // Delay between reconnect attempts
}

// StoreConfig specifies the Redis instance holding run records.
// An empty URL means the broker instance is reused.
type StoreConfig struct {
	URL      string `yaml:"url,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// QueueConfig specifies work queue behaviour
type QueueConfig struct {
	Durable         *bool         `yaml:"durable,omitempty"` // Task queue persistence (default = true)
	MaxBacklog      int           `yaml:"max_backlog"`
	Prefetch        int           `yaml:"prefetch"`
	ReclaimIdle     time.Duration `yaml:"reclaim_idle"`     // Pending entries idle this long are redelivered
	ReclaimInterval time.Duration `yaml:"reclaim_interval"` // How often consumers look for them
	TransientTTL    time.Duration `yaml:"transient_ttl"`
}

// NodeConfig specifies node loop behaviour
type NodeConfig struct {
	Workers         int           `yaml:"workers"` // 0 = one per CPU
	ReloadMode      string        `yaml:"reload_mode"`
	HandoffTimeout  time.Duration `yaml:"handoff_timeout"`
	Candidate       *bool         `yaml:"candidate,omitempty"` // Stand for master election while running (default = true)
	ElectionTimeout time.Duration `yaml:"election_timeout"`
}

// TrainerConfig specifies the external training command
type TrainerConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Workdir string        `yaml:"workdir,omitempty"`
}

// HealthConfig specifies the optional health endpoint
type HealthConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Broker.URL == "" {
		c.Broker.URL = "redis://localhost:6379"
	}
	if c.Broker.Heartbeat == 0 {
		c.Broker.Heartbeat = time.Second
	}
	if c.Broker.RetryInterval == 0 {
		c.Broker.RetryInterval = time.Second
	}
	if c.Queues.Durable == nil {
		durable := true
		c.Queues.Durable = &durable
	}
	if c.Queues.MaxBacklog == 0 {
		c.Queues.MaxBacklog = 10000
	}
	if c.Queues.Prefetch == 0 {
		c.Queues.Prefetch = 1
	}
	if c.Queues.ReclaimIdle == 0 {
		c.Queues.ReclaimIdle = 30 * time.Second
	}
	if c.Queues.ReclaimInterval == 0 {
		c.Queues.ReclaimInterval = 5 * time.Second
	}
	if c.Queues.TransientTTL == 0 {
		c.Queues.TransientTTL = 10 * time.Minute
	}
	if c.Node.ReloadMode == "" {
		c.Node.ReloadMode = ReloadInProcess
	}
	if c.Node.HandoffTimeout == 0 {
		c.Node.HandoffTimeout = 30 * time.Second
	}
	if c.Node.Candidate == nil {
		candidate := true
		c.Node.Candidate = &candidate
	}
	if c.Node.ElectionTimeout == 0 {
		c.Node.ElectionTimeout = 3 * time.Second
	}
	if c.Trainer.Timeout == 0 {
		c.Trainer.Timeout = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// ApplyEnv overrides settings from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("SWARM_NAMESPACE"); ok && v != "" {
		c.Namespace = v
	}
	if v, ok := lookup("SWARM_BROKER_URL"); ok && v != "" {
		c.Broker.URL = v
	} else if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Broker.URL = v
	}
	if v, ok := lookup("SWARM_BROKER_PASSWORD"); ok {
		c.Broker.Password = v
	}
	if v, ok := lookup("SWARM_STORE_URL"); ok && v != "" {
		c.Store.URL = v
	}
	if v, ok := lookup("SWARM_STORE_PASSWORD"); ok {
		c.Store.Password = v
	}
	if v, ok := lookup("SWARM_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if _, err := redis.ParseURL(c.Broker.URL); err != nil {
		return fmt.Errorf("broker.url is invalid: %w", err)
	}
	if c.Store.URL != "" {
		if _, err := redis.ParseURL(c.Store.URL); err != nil {
			return fmt.Errorf("store.url is invalid: %w", err)
		}
	}
	if c.Broker.Heartbeat < 0 || c.Broker.RetryInterval < 0 {
		return fmt.Errorf("broker.heartbeat and broker.retry_interval must be positive")
	}
	if c.Queues.Prefetch < 1 {
		return fmt.Errorf("queues.prefetch must be >= 1, got %d", c.Queues.Prefetch)
	}
	if c.Queues.MaxBacklog < 1 {
		return fmt.Errorf("queues.max_backlog must be >= 1, got %d", c.Queues.MaxBacklog)
	}
	if c.Queues.ReclaimIdle <= 0 || c.Queues.ReclaimInterval <= 0 {
		return fmt.Errorf("queues.reclaim_idle and queues.reclaim_interval must be positive")
	}
	if c.Node.Workers < 0 {
		return fmt.Errorf("node.workers must be >= 0 (0 = one per CPU), got %d", c.Node.Workers)
	}
	if c.Node.ReloadMode != ReloadInProcess && c.Node.ReloadMode != ReloadExec {
		return fmt.Errorf("node.reload_mode must be '%s' or '%s', got '%s'", ReloadInProcess, ReloadExec, c.Node.ReloadMode)
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}
	return nil
}

// WorkerCount resolves node.workers, substituting the CPU count for 0.
func (c *Config) WorkerCount() int {
	if c.Node.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Node.Workers
}

// IsCandidate reports whether the node stands for master election.
func (c *Config) IsCandidate() bool {
	return c.Node.Candidate == nil || *c.Node.Candidate
}

// DurableTasks reports whether the task queue survives broker restarts.
func (c *Config) DurableTasks() bool {
	return c.Queues.Durable == nil || *c.Queues.Durable
}

// BrokerOptions returns the go-redis options of the broker instance.
func (c *Config) BrokerOptions() (*redis.Options, error) {
	return redisOptions(c.Broker.URL, c.Broker.Password)
}

// StoreOptions returns the go-redis options of the store instance, falling
// back to the broker instance.
func (c *Config) StoreOptions() (*redis.Options, error) {
	if c.Store.URL == "" {
		return redisOptions(c.Broker.URL, firstNonEmpty(c.Store.Password, c.Broker.Password))
	}
	return redisOptions(c.Store.URL, c.Store.Password)
}

func redisOptions(url, password string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL %q: %w", url, err)
	}
	if password != "" {
		opts.Password = password
	}
	return opts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Parse decodes YAML, applies environment overrides and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv(os.LookupEnv)
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates swarm.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// (plus environment overrides).
func LoadOrDefault(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
