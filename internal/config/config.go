package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bgflow/internal/gitops"
)

// Config is the full runtime configuration. Values come from defaults, an
// optional YAML file and BGFLOW_ environment variables, in increasing
// precedence.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Scheduler SchedulerConfig     `mapstructure:"scheduler"`
	Events    EventsConfig        `mapstructure:"events"`
	Recovery  RecoveryConfig      `mapstructure:"recovery"`
	Processes ProcessesConfig     `mapstructure:"processes"`
	Repos     []gitops.RepoConfig `mapstructure:"repos"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`
	DBPath   string `mapstructure:"db_path"`
}

type SchedulerConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	Tick               time.Duration `mapstructure:"tick"`
}

type EventsConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

type RecoveryConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

type ProcessesConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	DependencyPoll   time.Duration `mapstructure:"dependency_poll"`
	DependencyWait   time.Duration `mapstructure:"dependency_wait"`
}

// Load reads configuration. An empty path skips the file and uses defaults
// plus environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.db_path", "bgflow.db")
	v.SetDefault("scheduler.max_concurrent_tasks", 10)
	v.SetDefault("scheduler.tick", time.Second)
	v.SetDefault("events.history_limit", 100)
	v.SetDefault("recovery.health_check_interval", 300*time.Second)
	v.SetDefault("processes.max_retries", 3)
	v.SetDefault("processes.retry_delay", 30*time.Second)
	v.SetDefault("processes.schedule_interval", 60*time.Second)
	v.SetDefault("processes.dependency_poll", time.Second)
	v.SetDefault("processes.dependency_wait", 5*time.Minute)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("BGFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be at least 1")
	}
	if c.Events.HistoryLimit < 1 {
		return fmt.Errorf("events.history_limit must be at least 1")
	}
	for _, r := range c.Repos {
		if r.Name == "" || r.LocalPath == "" {
			return fmt.Errorf("every repo needs a name and a local_path")
		}
	}
	return nil
}
