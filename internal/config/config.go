// Package config loads service configuration from YAML files and WEAVE_
// environment variables via viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EngineConfig tunes the dispatch runtime.
type EngineConfig struct {
	WorkerID       string        `mapstructure:"worker_id"`
	ThreadPoolSize int           `mapstructure:"thread_pool_size"`
	FairnessK      int           `mapstructure:"fairness_k"`
	JobTTL         time.Duration `mapstructure:"job_ttl"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

// ServerConfig tunes the monitoring server.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// SchedulerTrigger is one declarative cron trigger.
type SchedulerTrigger struct {
	Name      string         `mapstructure:"name"`
	Schedule  string         `mapstructure:"schedule"`
	FlowID    string         `mapstructure:"flow_id"`
	RoutineID string         `mapstructure:"routine_id"`
	Slot      string         `mapstructure:"slot"`
	Payload   map[string]any `mapstructure:"payload"`
	JobID     string         `mapstructure:"job_id"`
}

// SchedulerConfig tunes the cron trigger scheduler.
type SchedulerConfig struct {
	Enabled           bool               `mapstructure:"enabled"`
	ConcurrencyPolicy string             `mapstructure:"concurrency_policy"`
	Triggers          []SchedulerTrigger `mapstructure:"triggers"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			FairnessK:      4,
			JobTTL:         time.Hour,
			ReaperInterval: 30 * time.Second,
		},
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			EnableCORS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PushInterval: time.Second,
			PingInterval: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ConcurrencyPolicy: "skip",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks value ranges. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Engine.ThreadPoolSize < 0 {
		return fmt.Errorf("engine.thread_pool_size must be >= 0")
	}
	if c.Engine.FairnessK < 0 {
		return fmt.Errorf("engine.fairness_k must be >= 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	for _, t := range c.Scheduler.Triggers {
		if t.Name == "" || t.Schedule == "" {
			return fmt.Errorf("scheduler trigger needs name and schedule")
		}
		if t.FlowID == "" || t.RoutineID == "" || t.Slot == "" {
			return fmt.Errorf("scheduler trigger %q needs flow_id, routine_id, and slot", t.Name)
		}
	}
	return nil
}

// Load reads configuration from the given file path, falling back to
// weave.yaml in the working directory and $HOME. Environment variables
// prefixed WEAVE_ override file values (WEAVE_SERVER_PORT=9090).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("weave")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	v.SetEnvPrefix("WEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults plus env apply.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.fairness_k", cfg.Engine.FairnessK)
	v.SetDefault("engine.job_ttl", cfg.Engine.JobTTL)
	v.SetDefault("engine.reaper_interval", cfg.Engine.ReaperInterval)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.enable_cors", cfg.Server.EnableCORS)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.push_interval", cfg.Server.PushInterval)
	v.SetDefault("server.ping_interval", cfg.Server.PingInterval)
	v.SetDefault("scheduler.concurrency_policy", cfg.Scheduler.ConcurrencyPolicy)
	v.SetDefault("logging.level", cfg.Logging.Level)
}
