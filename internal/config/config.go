package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0"`
}

// TraccarConfig holds credentials for the upstream tracking platform.
type TraccarConfig struct {
	BaseURL  string `yaml:"baseURL" validate:"required,url"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password"`

	// PollIntervalS is how often current positions are fetched, in seconds.
	PollIntervalS int `yaml:"pollIntervalS" validate:"gte=0"`
	TimeoutS      int `yaml:"timeoutS" validate:"gte=0"`
}

// AlertConfig tunes the proximity alert engine.
type AlertConfig struct {
	FarMeters  float64 `yaml:"farMeters" validate:"gte=0"`
	NearMeters float64 `yaml:"nearMeters" validate:"gte=0"`
	CooldownS  int     `yaml:"cooldownS" validate:"gte=0"`
}

// PostgresConfig holds the storage connection string.
type PostgresConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// AMQPConfig holds the message broker address.
type AMQPConfig struct {
	URL string `yaml:"url" validate:"required"`
}

// AppConfig is the root configuration structure.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Traccar  TraccarConfig  `yaml:"traccar" validate:"required"`
	Alerts   AlertConfig    `yaml:"alerts"`
	Postgres PostgresConfig `yaml:"postgres" validate:"required"`
	AMQP     AMQPConfig     `yaml:"amqp" validate:"required"`
}

// Load reads and validates configuration from the given path. Secrets may
// be overridden through the environment so credentials stay out of the
// config file on deployments.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("TRACCAR_URL"); v != "" {
		cfg.Traccar.BaseURL = v
	}
	if v := os.Getenv("TRACCAR_USER"); v != "" {
		cfg.Traccar.Username = v
	}
	if v := os.Getenv("TRACCAR_PASSWORD"); v != "" {
		cfg.Traccar.Password = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Traccar.PollIntervalS == 0 {
		cfg.Traccar.PollIntervalS = 10
	}
	if cfg.Traccar.TimeoutS == 0 {
		cfg.Traccar.TimeoutS = 10
	}
	if cfg.Alerts.FarMeters == 0 {
		cfg.Alerts.FarMeters = 500
	}
	if cfg.Alerts.NearMeters == 0 {
		cfg.Alerts.NearMeters = 200
	}
	if cfg.Alerts.CooldownS == 0 {
		cfg.Alerts.CooldownS = 300
	}
}

// PollInterval returns the poll interval as a duration.
func (c TraccarConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// Timeout returns the per-request upstream timeout as a duration.
func (c TraccarConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// Cooldown returns the alert cooldown window as a duration.
func (c AlertConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownS) * time.Second
}
