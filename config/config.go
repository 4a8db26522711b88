// Package config loads orchestrator configuration: typed structs with `env`
// tags and defaults, a three-layer priority of defaults < environment
// variables < functional options, plus an optional YAML overlay for
// file-based deployment config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every subsystem's tunables. Zero-value Config is
// meaningless; always construct via New.
type Config struct {
	Queue       QueueConfig       `yaml:"queue"`
	Routing     RoutingConfig     `yaml:"routing"`
	Registry    RegistryConfig    `yaml:"registry"`
	Assignment  AssignmentConfig  `yaml:"assignment"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Security    SecurityConfig    `yaml:"security"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	MaxCapacity    int    `yaml:"max_capacity" env:"ARBITER_QUEUE_MAX_CAPACITY" default:"1000"`
	PriorityPolicy string `yaml:"priority_policy" env:"ARBITER_QUEUE_PRIORITY_POLICY" default:"priority"`
}

// RoutingConfig configures the task router and bandit.
type RoutingConfig struct {
	MaxAgentsToConsider int           `yaml:"max_agents_to_consider" env:"ARBITER_ROUTING_MAX_AGENTS" default:"20"`
	MinAgentsRequired   int           `yaml:"min_agents_required" env:"ARBITER_ROUTING_MIN_AGENTS" default:"1"`
	MaxRoutingTime      time.Duration `yaml:"max_routing_time" env:"ARBITER_ROUTING_MAX_TIME" default:"100ms"`
	DefaultStrategy     string        `yaml:"default_strategy" env:"ARBITER_ROUTING_STRATEGY" default:"multi-armed-bandit"`
	BanditEnabled       bool          `yaml:"bandit_enabled" env:"ARBITER_ROUTING_BANDIT_ENABLED" default:"true"`
	ExplorationRate     float64       `yaml:"exploration_rate" env:"ARBITER_ROUTING_EXPLORATION_RATE" default:"0.1"`
	DecayFactor         float64       `yaml:"decay_factor" env:"ARBITER_ROUTING_DECAY_FACTOR" default:"0.995"`
	UCBConstant         float64       `yaml:"ucb_constant" env:"ARBITER_ROUTING_UCB_CONSTANT" default:"1.4"`
	MinSampleSize       int           `yaml:"min_sample_size" env:"ARBITER_ROUTING_MIN_SAMPLE_SIZE" default:"3"`
	UseUCB              bool          `yaml:"use_ucb" env:"ARBITER_ROUTING_USE_UCB" default:"true"`
	MaxLatencyMs        float64       `yaml:"max_latency_ms" env:"ARBITER_ROUTING_MAX_LATENCY_MS" default:"30000"`
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	MaxConcurrentTasksPerAgent int           `yaml:"max_concurrent_tasks_per_agent" env:"ARBITER_REGISTRY_MAX_CONCURRENT_TASKS" default:"10"`
	EnableAutoCleanup          bool          `yaml:"enable_auto_cleanup" env:"ARBITER_REGISTRY_AUTO_CLEANUP" default:"true"`
	CleanupInterval            time.Duration `yaml:"cleanup_interval" env:"ARBITER_REGISTRY_CLEANUP_INTERVAL" default:"5m"`
	StaleAgentThreshold        time.Duration `yaml:"stale_agent_threshold" env:"ARBITER_REGISTRY_STALE_THRESHOLD" default:"30m"`
}

// AssignmentConfig configures the assignment manager.
type AssignmentConfig struct {
	AcknowledgmentTimeout  time.Duration `yaml:"acknowledgment_timeout" env:"ARBITER_ASSIGNMENT_ACK_TIMEOUT" default:"30s"`
	ProgressCheckInterval  time.Duration `yaml:"progress_check_interval" env:"ARBITER_ASSIGNMENT_PROGRESS_INTERVAL" default:"15s"`
	MaxAssignmentDuration  time.Duration `yaml:"max_assignment_duration" env:"ARBITER_ASSIGNMENT_MAX_DURATION" default:"10m"`
}

// ArbitrationConfig configures the arbitration engine.
type ArbitrationConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions" env:"ARBITER_ARBITRATION_MAX_SESSIONS" default:"100"`
	SessionTimeout        time.Duration `yaml:"session_timeout" env:"ARBITER_ARBITRATION_SESSION_TIMEOUT" default:"5m"`
	EnableWaivers         bool          `yaml:"enable_waivers" env:"ARBITER_ARBITRATION_WAIVERS_ENABLED" default:"true"`
	EnableAppeals         bool          `yaml:"enable_appeals" env:"ARBITER_ARBITRATION_APPEALS_ENABLED" default:"true"`
	PrecedentTopK         int           `yaml:"precedent_top_k" env:"ARBITER_ARBITRATION_PRECEDENT_TOPK" default:"5"`
	PrecedentThreshold    float64       `yaml:"precedent_threshold" env:"ARBITER_ARBITRATION_PRECEDENT_THRESHOLD" default:"0.5"`
}

// SecurityConfig configures authn/authz/rate-limit and the command allowlist.
type SecurityConfig struct {
	Enabled             bool     `yaml:"enabled" env:"ARBITER_SECURITY_ENABLED" default:"false"`
	TokenSigningKey     string   `yaml:"-" env:"ARBITER_SECURITY_SIGNING_KEY"`
	RateLimitPerSecond  float64  `yaml:"rate_limit_per_second" env:"ARBITER_SECURITY_RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst      int      `yaml:"rate_limit_burst" env:"ARBITER_SECURITY_RATE_LIMIT_BURST" default:"100"`
	AllowlistPath       string   `yaml:"allowlist_path" env:"ARBITER_SECURITY_ALLOWLIST_PATH"`
	AllowedCommands     []string `yaml:"allowed_commands"`
	MaxArgLength        int      `yaml:"max_arg_length" env:"ARBITER_SECURITY_MAX_ARG_LENGTH" default:"4096"`
}

// EventBusConfig configures the event bus.
type EventBusConfig struct {
	MaxEvents     int           `yaml:"max_events" env:"ARBITER_EVENTBUS_MAX_EVENTS" default:"10000"`
	RetentionTTL  time.Duration `yaml:"retention_ttl" env:"ARBITER_EVENTBUS_RETENTION" default:"1h"`
	ParallelMode  bool          `yaml:"parallel_mode" env:"ARBITER_EVENTBUS_PARALLEL" default:"false"`
	HandlerDeadline time.Duration `yaml:"handler_deadline" env:"ARBITER_EVENTBUS_HANDLER_DEADLINE" default:"2s"`
}

// PersistenceConfig configures the optional durable store.
type PersistenceConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ARBITER_PERSISTENCE_ENABLED" default:"false"`
	RedisURL string `yaml:"redis_url" env:"ARBITER_PERSISTENCE_REDIS_URL,REDIS_URL"`
}

// Option mutates a Config after defaults and env vars have been applied,
// giving call sites (tests, cmd/arbiterd) the highest-priority override.
type Option func(*Config)

func WithQueueCapacity(n int) Option {
	return func(c *Config) { c.Queue.MaxCapacity = n }
}

func WithPersistence(redisURL string) Option {
	return func(c *Config) {
		c.Persistence.Enabled = redisURL != ""
		c.Persistence.RedisURL = redisURL
	}
}

func WithSecurityEnabled(enabled bool) Option {
	return func(c *Config) { c.Security.Enabled = enabled }
}

// New builds a Config from defaults, then environment variables, then the
// supplied options, in that priority order.
func New(opts ...Option) (*Config, error) {
	c := defaults()
	applyEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// LoadYAML overlays a YAML file's values onto the defaults+env layer, still
// below functional options. A missing file is not an error: YAML config is
// optional sugar over environment variables.
func LoadYAML(path string, opts ...Option) (*Config, error) {
	c := defaults()
	applyEnv(c)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func defaults() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxCapacity:    1000,
			PriorityPolicy: "priority",
		},
		Routing: RoutingConfig{
			MaxAgentsToConsider: 20,
			MinAgentsRequired:   1,
			MaxRoutingTime:      100 * time.Millisecond,
			DefaultStrategy:     "multi-armed-bandit",
			BanditEnabled:       true,
			ExplorationRate:     0.1,
			DecayFactor:         0.995,
			UCBConstant:         1.4,
			MinSampleSize:       3,
			UseUCB:              true,
			MaxLatencyMs:        30000,
		},
		Registry: RegistryConfig{
			MaxConcurrentTasksPerAgent: 10,
			EnableAutoCleanup:          true,
			CleanupInterval:            5 * time.Minute,
			StaleAgentThreshold:        30 * time.Minute,
		},
		Assignment: AssignmentConfig{
			AcknowledgmentTimeout: 30 * time.Second,
			ProgressCheckInterval: 15 * time.Second,
			MaxAssignmentDuration: 10 * time.Minute,
		},
		Arbitration: ArbitrationConfig{
			MaxConcurrentSessions: 100,
			SessionTimeout:        5 * time.Minute,
			EnableWaivers:         true,
			EnableAppeals:         true,
			PrecedentTopK:         5,
			PrecedentThreshold:    0.5,
		},
		Security: SecurityConfig{
			Enabled:            false,
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
			MaxArgLength:       4096,
		},
		EventBus: EventBusConfig{
			MaxEvents:       10000,
			RetentionTTL:    time.Hour,
			ParallelMode:    false,
			HandlerDeadline: 2 * time.Second,
		},
		Persistence: PersistenceConfig{},
	}
}

// applyEnv overrides c's fields from environment variables. It is a small,
// explicit lookup table rather than a reflective struct-tag walker: the
// field count is small enough that explicitness reads better than
// reflection magic. Only the variables looked up below are read. The `env`
// tags on the remaining fields (routing decay factor, UCB constant, minimum
// sample size, UCB toggle and maximum latency; every registry setting; the
// assignment progress interval; the arbitration session timeout and
// precedent settings; the security rate-limit and argument-length settings;
// every event bus setting) name variables that are not read.
func applyEnv(c *Config) {
	if v, ok := lookupEnv("ARBITER_QUEUE_MAX_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxCapacity = n
		}
	}
	if v, ok := lookupEnv("ARBITER_QUEUE_PRIORITY_POLICY"); ok {
		c.Queue.PriorityPolicy = v
	}
	if v, ok := lookupEnv("ARBITER_ROUTING_MAX_AGENTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Routing.MaxAgentsToConsider = n
		}
	}
	if v, ok := lookupEnv("ARBITER_ROUTING_MIN_AGENTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Routing.MinAgentsRequired = n
		}
	}
	if v, ok := lookupEnv("ARBITER_ROUTING_MAX_TIME"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Routing.MaxRoutingTime = d
		}
	}
	if v, ok := lookupEnv("ARBITER_ROUTING_STRATEGY"); ok {
		c.Routing.DefaultStrategy = v
	}
	if v, ok := lookupEnv("ARBITER_ROUTING_BANDIT_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Routing.BanditEnabled = b
		}
	}
	if v, ok := lookupEnv("ARBITER_ROUTING_EXPLORATION_RATE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Routing.ExplorationRate = f
		}
	}
	if v, ok := lookupEnv("ARBITER_ASSIGNMENT_ACK_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Assignment.AcknowledgmentTimeout = d
		}
	}
	if v, ok := lookupEnv("ARBITER_ASSIGNMENT_MAX_DURATION"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Assignment.MaxAssignmentDuration = d
		}
	}
	if v, ok := lookupEnv("ARBITER_ARBITRATION_MAX_SESSIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Arbitration.MaxConcurrentSessions = n
		}
	}
	if v, ok := lookupEnv("ARBITER_ARBITRATION_WAIVERS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Arbitration.EnableWaivers = b
		}
	}
	if v, ok := lookupEnv("ARBITER_ARBITRATION_APPEALS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Arbitration.EnableAppeals = b
		}
	}
	if v, ok := lookupEnv("ARBITER_SECURITY_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Security.Enabled = b
		}
	}
	if v, ok := lookupEnv("ARBITER_SECURITY_SIGNING_KEY"); ok {
		c.Security.TokenSigningKey = v
	}
	if v, ok := lookupEnv("ARBITER_SECURITY_ALLOWLIST_PATH"); ok {
		c.Security.AllowlistPath = v
	}
	if v, ok := lookupEnv("ARBITER_PERSISTENCE_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Persistence.Enabled = b
		}
	}
	if v, ok := lookupEnv("ARBITER_PERSISTENCE_REDIS_URL"); ok {
		c.Persistence.RedisURL = v
	} else if v, ok := lookupEnv("REDIS_URL"); ok {
		c.Persistence.RedisURL = v
	}
}

func lookupEnv(key string) (string, bool) {
	v := os.Getenv(key)
	if v == "" {
		return "", false
	}
	return v, true
}

// Validate checks cross-field invariants that zero-value env parsing cannot
// catch (e.g. a negative capacity from a malformed ARBITER_QUEUE_MAX_CAPACITY).
func (c *Config) Validate() error {
	if c.Queue.MaxCapacity <= 0 {
		return fmt.Errorf("queue.max_capacity must be positive, got %d", c.Queue.MaxCapacity)
	}
	switch c.Queue.PriorityPolicy {
	case "fifo", "priority", "deadline":
	default:
		return fmt.Errorf("queue.priority_policy must be one of fifo|priority|deadline, got %q", c.Queue.PriorityPolicy)
	}
	if c.Routing.MinAgentsRequired < 1 {
		return fmt.Errorf("routing.min_agents_required must be >= 1")
	}
	if c.Arbitration.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("arbitration.max_concurrent_sessions must be positive")
	}
	if c.Persistence.Enabled && c.Persistence.RedisURL == "" {
		return fmt.Errorf("persistence.enabled requires persistence.redis_url")
	}
	return nil
}
