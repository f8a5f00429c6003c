// Package config loads calsynch configuration from defaults, an optional
// YAML file, a .env file and CALSYNCH_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// EnvPrefix prefixes every environment override (engine.pool_size -> CALSYNCH_ENGINE_POOL_SIZE).
const EnvPrefix = "CALSYNCH"

// Config holds all configuration for the application.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Engine      EngineConfig      `mapstructure:"engine"`

	// Connectors can only be listed in the config file.
	Connectors []domain.ConnectorConfig `mapstructure:"connectors"`
}

// HTTPConfig configures the admin and callback API.
type HTTPConfig struct {
	Host string `mapstructure:"host" default:"0.0.0.0"`
	Port int    `mapstructure:"port" default:"8080"`

	// JWTSecret enables bearer authentication on the admin API when set.
	JWTSecret string `mapstructure:"jwt_secret"`

	// PublicURL is the externally reachable base URL used to build callback URIs.
	PublicURL string `mapstructure:"public_url" default:"http://localhost:8080"`

	CallbackMaxBytes int64 `mapstructure:"callback_max_bytes" default:"1048576"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" default:"info"`
	Format string `mapstructure:"format" default:"json"`
}

// DatabaseConfig configures the Postgres subscription store. Empty URL keeps subscriptions in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" default:"1m"`
}

// RedisConfig configures the Redis queue and lock. Empty URL keeps both in process.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// CredentialsConfig holds the passphrase the credential encryption key is derived from.
type CredentialsConfig struct {
	Key string `mapstructure:"key"`
}

// EngineConfig mirrors the engine tuning knobs.
type EngineConfig struct {
	PoolSize             int           `mapstructure:"pool_size" default:"10"`
	PoolTimeout          time.Duration `mapstructure:"pool_timeout" default:"30s"`
	QueueSize            int           `mapstructure:"queue_size" default:"100"`
	QueueOfferTimeout    time.Duration `mapstructure:"queue_offer_timeout" default:"5s"`
	BatchSize            int           `mapstructure:"batch_size" default:"20"`
	MissingTargetRetries int           `mapstructure:"missing_target_retries" default:"3"`
	SubscriptionsOnly    bool          `mapstructure:"subscriptions_only" default:"false"`
	RefreshDelay         time.Duration `mapstructure:"refresh_delay" default:"5m"`
	NotifyResyncDelay    time.Duration `mapstructure:"notify_resync_delay" default:"1h"`
	RetryDelay           time.Duration `mapstructure:"retry_delay" default:"1m"`
	StopTimeout          time.Duration `mapstructure:"stop_timeout" default:"90s"`
	MaxAttempts          int           `mapstructure:"max_attempts" default:"5"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial" default:"1s"`
	BackoffMax           time.Duration `mapstructure:"backoff_max" default:"2m"`
	LockTTL              time.Duration `mapstructure:"lock_ttl" default:"10m"`
	HousekeepingSchedule string        `mapstructure:"housekeeping_schedule" default:"@every 5m"`
}

// Load reads configuration. configFile may be empty; a .env file in the
// working directory is applied first when present and never overrides
// variables already set in the environment.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	bindValues(v, Config{}, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if ext := strings.TrimPrefix(filepath.Ext(configFile), "."); ext == "yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindValues walks the struct and registers every mapstructure key with its
// default tag so AutomaticEnv can resolve it.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		switch field.Type.Kind() {
		case reflect.Struct:
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		case reflect.Slice, reflect.Map:
			continue
		}

		v.SetDefault(key, field.Tag.Get("default"))
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Engine.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.pool_size must be positive"))
	}
	if c.Engine.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.queue_size must be positive"))
	}
	if c.Engine.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_attempts must be positive"))
	}
	seen := make(map[string]bool)
	for _, cc := range c.Connectors {
		if cc.ID == "" || cc.Type == "" {
			errs = append(errs, fmt.Errorf("connector needs an id and a type"))
			continue
		}
		if seen[cc.ID] {
			errs = append(errs, fmt.Errorf("connector %s listed twice", cc.ID))
		}
		seen[cc.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses the configured level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return level, nil
}

// NewLogger builds the slog logger described by the config.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// CallbackBaseURI is where connectors tell remote systems to send callbacks.
func (c HTTPConfig) CallbackBaseURI() string {
	return strings.TrimRight(c.PublicURL, "/") + "/api/v1/callbacks"
}
