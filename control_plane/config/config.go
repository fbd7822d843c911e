// Package config loads the scheduler configuration from a YAML file and
// applies CAMSHAFT_* environment overrides on top. The file is optional;
// defaults plus environment are enough to boot against a local database.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AlertRuleConfig declares one windowed alert rule for a workflow. Custom
// predicate filters are registered in code; everything else lives here.
type AlertRuleConfig struct {
	Workflow          string        `yaml:"workflow"`
	TimeWindow        time.Duration `yaml:"time_window"`
	MinimumFailures   int           `yaml:"minimum_failures"`
	ExceptionContains []string      `yaml:"exception_contains"`
	Steps             []string      `yaml:"steps"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// AlertingConfig wires the alert hook's senders and rules.
type AlertingConfig struct {
	SlackWebhookURL string            `yaml:"slack_webhook_url"`
	WebhookURL      string            `yaml:"webhook_url"`
	WebhookSecret   string            `yaml:"webhook_secret"`
	Rules           []AlertRuleConfig `yaml:"rules"`
}

// Config is the full service configuration. Zero values mean "use default";
// Load fills defaults before returning.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	AuthSecret  string `yaml:"auth_secret"`

	ManifestManagerPollingInterval time.Duration `yaml:"manifest_manager_polling_interval"`
	ManifestManagerEnabled         *bool         `yaml:"manifest_manager_enabled"`
	JobDispatcherPollingInterval   time.Duration `yaml:"job_dispatcher_polling_interval"`
	MaxActiveJobs                  int           `yaml:"max_active_jobs"`
	ExcludedWorkflowTypeNames      []string      `yaml:"excluded_workflow_type_names"`
	DefaultMaxRetries              int           `yaml:"default_max_retries"`
	DefaultJobTimeout              time.Duration `yaml:"default_job_timeout"`
	DependentPriorityBoost         int           `yaml:"dependent_priority_boost"`
	RecoverStuckJobsOnStartup      *bool         `yaml:"recover_stuck_jobs_on_startup"`

	WorkerCount  int     `yaml:"worker_count"`
	TriggerRate  float64 `yaml:"trigger_rate"`
	TriggerBurst int     `yaml:"trigger_burst"`

	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	MetadataRetention    time.Duration `yaml:"metadata_retention"`

	Alerting AlertingConfig `yaml:"alerting"`
}

// EvaluatorEnabled reports whether the evaluator loop should run.
func (c *Config) EvaluatorEnabled() bool {
	return c.ManifestManagerEnabled == nil || *c.ManifestManagerEnabled
}

// RecoverStuckJobs reports whether startup recovery should run.
func (c *Config) RecoverStuckJobs() bool {
	return c.RecoverStuckJobsOnStartup == nil || *c.RecoverStuckJobsOnStartup
}

// Default returns the baseline configuration before file and environment are
// applied.
func Default() *Config {
	return &Config{
		HTTPAddr:                       ":8080",
		ManifestManagerPollingInterval: 30 * time.Second,
		JobDispatcherPollingInterval:   5 * time.Second,
		DefaultMaxRetries:              3,
		DefaultJobTimeout:              time.Hour,
		WorkerCount:                    8,
		TriggerRate:                    5,
		TriggerBurst:                   10,
		HousekeepingInterval:           time.Hour,
		MetadataRetention:              720 * time.Hour,
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, "CAMSHAFT_HTTP_ADDR")
	setString(&c.DatabaseURL, "CAMSHAFT_DATABASE_URL")
	setString(&c.RedisAddr, "CAMSHAFT_REDIS_ADDR")
	setString(&c.AuthSecret, "CAMSHAFT_AUTH_SECRET")
	setString(&c.Alerting.SlackWebhookURL, "CAMSHAFT_SLACK_WEBHOOK_URL")

	setDuration(&c.ManifestManagerPollingInterval, "CAMSHAFT_EVALUATOR_INTERVAL")
	setDuration(&c.JobDispatcherPollingInterval, "CAMSHAFT_DISPATCHER_INTERVAL")
	setDuration(&c.DefaultJobTimeout, "CAMSHAFT_DEFAULT_JOB_TIMEOUT")

	setInt(&c.MaxActiveJobs, "CAMSHAFT_MAX_ACTIVE_JOBS")
	setInt(&c.DefaultMaxRetries, "CAMSHAFT_DEFAULT_MAX_RETRIES")
	setInt(&c.DependentPriorityBoost, "CAMSHAFT_DEPENDENT_PRIORITY_BOOST")
	setInt(&c.WorkerCount, "CAMSHAFT_WORKER_COUNT")

	setBoolPtr(&c.ManifestManagerEnabled, "CAMSHAFT_EVALUATOR_ENABLED")
	setBoolPtr(&c.RecoverStuckJobsOnStartup, "CAMSHAFT_RECOVER_STUCK_JOBS")
}

// Validate rejects impossible combinations before anything starts.
func (c *Config) Validate() error {
	if c.ManifestManagerPollingInterval <= 0 {
		return fmt.Errorf("config: manifest_manager_polling_interval must be positive")
	}
	if c.JobDispatcherPollingInterval <= 0 {
		return fmt.Errorf("config: job_dispatcher_polling_interval must be positive")
	}
	if c.MaxActiveJobs < 0 {
		return fmt.Errorf("config: max_active_jobs must not be negative")
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("config: default_max_retries must not be negative")
	}
	if c.DefaultJobTimeout <= 0 {
		return fmt.Errorf("config: default_job_timeout must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: worker_count must be positive")
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		return fmt.Errorf("config: auth_secret must be at least 32 bytes")
	}
	for i, r := range c.Alerting.Rules {
		if r.Workflow == "" {
			return fmt.Errorf("config: alerting rule %d: workflow must be set", i)
		}
		if r.MinimumFailures < 1 {
			return fmt.Errorf("config: alerting rule %s: minimum_failures must be at least 1", r.Workflow)
		}
		if r.MinimumFailures > 1 && r.TimeWindow <= 0 {
			return fmt.Errorf("config: alerting rule %s: time_window required when minimum_failures > 1", r.Workflow)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBoolPtr(dst **bool, key string) {
	if v := os.Getenv(key); v != "" {
		b := strings.EqualFold(v, "true") || v == "1"
		*dst = &b
	}
}
