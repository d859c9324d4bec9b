package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the runtime configuration of the API client.
type Config struct {
	API       API       `mapstructure:"api"`
	Breaker   Breaker   `mapstructure:"breaker"`
	Tokens    Tokens    `mapstructure:"tokens"`
	Log       Log       `mapstructure:"log"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Events    Events    `mapstructure:"events"`
}

type API struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	SpecURL        string        `mapstructure:"spec_url"`
	RefreshPath    string        `mapstructure:"refresh_path" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout" validate:"gt=0"`
	UserAgent      string        `mapstructure:"user_agent"`
	SkipTags       []string      `mapstructure:"skip_tags"`
	StrictPath     bool          `mapstructure:"strict_path"`
}

type Breaker struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" validate:"required_if=Enabled true"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval" validate:"gte=0"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type Tokens struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory file redis sql"`
	Prefix  string `mapstructure:"prefix"`
	File    string `mapstructure:"file" validate:"required_if=Backend file"`
	Redis   Redis  `mapstructure:"redis"`
	SQL     SQL    `mapstructure:"sql"`
}

type Redis struct {
	URL         string        `mapstructure:"url"`
	TTL         time.Duration `mapstructure:"ttl" validate:"gte=0"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"gte=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
}

type SQL struct {
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=mysql postgres postgresql pg"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"gte=0"`
}

type Log struct {
	Level     string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON      bool   `mapstructure:"json"`
	AddSource bool   `mapstructure:"add_source"`
}

type Telemetry struct {
	Exporter    string `mapstructure:"exporter" validate:"oneof=none http grpc stdout"`
	Endpoint    string `mapstructure:"endpoint" validate:"required_if=Exporter http,required_if=Exporter grpc"`
	UseHTTPS    bool   `mapstructure:"use_https"`
	Pretty      bool   `mapstructure:"pretty"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
}

type Events struct {
	AMQPURL  string `mapstructure:"amqp_url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange" validate:"required_with=AMQPURL"`
}

// Defaults returns every known key with its default value. Keys absent here
// cannot be overridden from the environment.
func Defaults() map[string]any {
	return map[string]any{
		"api.base_url":        "http://localhost:8000",
		"api.spec_url":        "",
		"api.refresh_path":    "/auth/refresh",
		"api.timeout":         30 * time.Second,
		"api.refresh_timeout": 15 * time.Second,
		"api.user_agent":      "estatectl",
		"api.skip_tags":       []string{},
		"api.strict_path":     false,

		"breaker.enabled":              true,
		"breaker.consecutive_failures": 5,
		"breaker.max_requests":         1,
		"breaker.interval":             time.Duration(0),
		"breaker.timeout":              30 * time.Second,

		"tokens.backend":                "file",
		"tokens.prefix":                 "estate:",
		"tokens.file":                   DefaultTokenFile(),
		"tokens.redis.url":              "",
		"tokens.redis.ttl":              time.Duration(0),
		"tokens.redis.max_retries":      3,
		"tokens.redis.dial_timeout":     5 * time.Second,
		"tokens.redis.read_timeout":     3 * time.Second,
		"tokens.sql.driver":             "",
		"tokens.sql.dsn":                "",
		"tokens.sql.max_open_conns":     0,
		"tokens.sql.max_idle_conns":     0,
		"tokens.sql.conn_max_idle_time": time.Duration(0),

		"log.level":      "info",
		"log.json":       false,
		"log.add_source": false,

		"telemetry.exporter":     "none",
		"telemetry.endpoint":     "",
		"telemetry.use_https":    false,
		"telemetry.pretty":       false,
		"telemetry.service_name": "estatectl",

		"events.amqp_url": "",
		"events.exchange": "estate.session",
	}
}

// DefaultTokenFile is the token file used by the file backend when none is
// configured.
func DefaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "estatectl", "tokens.yaml")
}

// Load decodes and validates the configuration held by p.
func Load(p Provider) (*Config, error) {
	var cfg Config
	if err := p.Decode("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.API.SpecURL = strings.TrimSpace(c.API.SpecURL)
	c.API.RefreshPath = strings.TrimSpace(c.API.RefreshPath)
	c.Tokens.Backend = strings.ToLower(strings.TrimSpace(c.Tokens.Backend))
	c.Tokens.File = strings.TrimSpace(c.Tokens.File)
	c.Tokens.SQL.Driver = strings.ToLower(strings.TrimSpace(c.Tokens.SQL.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(c.Telemetry.Exporter))
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	var tags []string
	for _, t := range c.API.SkipTags {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				tags = append(tags, part)
			}
		}
	}
	c.API.SkipTags = tags
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the settings the selected token
// backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Tokens.Backend {
	case "redis":
		if c.Tokens.Redis.URL == "" {
			return errors.New("invalid config: tokens.redis.url is required for the redis backend")
		}
	case "sql":
		if c.Tokens.SQL.Driver == "" || c.Tokens.SQL.DSN == "" {
			return errors.New("invalid config: tokens.sql.driver and tokens.sql.dsn are required for the sql backend")
		}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	// Namespace is "Config.api.base_url".
	key := fe.Namespace()
	if _, rest, ok := strings.Cut(key, "."); ok {
		key = rest
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s", key, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s must satisfy %s", key, fe.Tag())
}

// SpecSource is where the service description is read from: api.spec_url,
// or <base_url>/openapi.json when unset.
func (c *Config) SpecSource() string {
	if c.API.SpecURL != "" {
		return c.API.SpecURL
	}
	return c.API.BaseURL + "/openapi.json"
}

// RefreshURL is the absolute URL of the token refresh endpoint.
func (c *Config) RefreshURL() string {
	p := c.API.RefreshPath
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return c.API.BaseURL + "/" + strings.TrimLeft(p, "/")
}
