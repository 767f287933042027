// Package config loads and validates relay configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

// ErrInvalidConfig is returned when required settings are missing or out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	GCE     GCEConfig     `mapstructure:"gce"`
	Logging LoggingConfig `mapstructure:"logging"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GCEConfig identifies the default target and how to reach the API.
type GCEConfig struct {
	ProjectID             string          `mapstructure:"project_id" validate:"required"`
	Zone                  string          `mapstructure:"zone"`
	Instance              string          `mapstructure:"instance"`
	RequestTimeout        time.Duration   `mapstructure:"request_timeout"`
	CredentialsFile       string          `mapstructure:"credentials_file"`
	Endpoint              string          `mapstructure:"endpoint"`
	WithoutAuthentication bool            `mapstructure:"without_auth"`
	RateLimit             RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig paces calls against a single instance. A zero rate
// disables the limiter.
type RateLimitConfig struct {
	PerInstanceRPS float64 `mapstructure:"per_instance_rps" validate:"min=0"`
	Burst          int     `mapstructure:"burst" validate:"min=0"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// PubSubConfig holds the optional operation notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TracingConfig enables Cloud Trace export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// envAliases binds the plain variable names a container platform injects.
// The prefixed form is listed first so it wins when both are set.
var envAliases = map[string][]string{
	"gce.project_id": {"RELAY_GCE_PROJECT_ID", "PROJECT_ID"},
	"gce.zone":       {"RELAY_GCE_ZONE", "ZONE"},
	"gce.instance":   {"RELAY_GCE_INSTANCE", "INSTANCE"},
	"server.port":    {"RELAY_SERVER_PORT", "PORT"},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, names := range envAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.handler_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("gce.zone", "")
	v.SetDefault("gce.instance", "")
	v.SetDefault("gce.request_timeout", "30s")
	v.SetDefault("gce.credentials_file", "")
	v.SetDefault("gce.endpoint", "")
	v.SetDefault("gce.without_auth", false)
	v.SetDefault("gce.rate_limit.per_instance_rps", 0)
	v.SetDefault("gce.rate_limit.burst", 1)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "vm-relay")
}

func (c *Config) normalize() {
	c.GCE.ProjectID = strings.TrimSpace(c.GCE.ProjectID)
	c.GCE.Zone = strings.TrimSpace(c.GCE.Zone)
	c.GCE.Instance = strings.TrimSpace(c.GCE.Instance)
	if c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = c.GCE.ProjectID
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(verrs))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.GCE.RequestTimeout <= 0 {
		return fmt.Errorf("%w: gce.request_timeout must be > 0", ErrInvalidConfig)
	}
	if c.Server.HandlerTimeout <= 0 {
		return fmt.Errorf("%w: server.handler_timeout must be > 0", ErrInvalidConfig)
	}
	if c.Server.HandlerTimeout <= c.GCE.RequestTimeout {
		return fmt.Errorf("%w: server.handler_timeout (%s) must exceed gce.request_timeout (%s)",
			ErrInvalidConfig, c.Server.HandlerTimeout, c.GCE.RequestTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: server.shutdown_timeout must be > 0", ErrInvalidConfig)
	}
	if c.GCE.WithoutAuthentication && c.GCE.Endpoint == "" {
		return fmt.Errorf("%w: gce.without_auth requires gce.endpoint", ErrInvalidConfig)
	}
	return nil
}

// Defaults exposes the identity values requests fall back to.
func (c Config) Defaults() relay.Defaults {
	return relay.Defaults{
		Project:  c.GCE.ProjectID,
		Zone:     c.GCE.Zone,
		Instance: c.GCE.Instance,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		return name
	})
	return v
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if _, rest, ok := strings.Cut(key, "."); ok {
			key = rest
		}
		switch fe.Tag() {
		case "required":
			msg := key + " is required"
			if key == "gce.project_id" {
				msg += " (set PROJECT_ID)"
			}
			msgs = append(msgs, msg)
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", key, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}
