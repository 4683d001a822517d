package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Signaling   SignalingConfig   `mapstructure:"signaling"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	DevLogin  bool          `mapstructure:"dev_login"`
}

// RedisConfig enables the Redis broker, chat cache and presence. Disabled means single-node in-memory mode.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// ICEConfig points at the credentialed relay provider. Leaving any of the three fields empty
// means STUN-only resolution.
type ICEConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Username   string        `mapstructure:"username"`
	Credential string        `mapstructure:"credential"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SignalingConfig struct {
	RatePerSecond float64 `mapstructure:"rate"`
	Burst         int64   `mapstructure:"burst"`
}

type MaintenanceConfig struct {
	PreferencesRefresh string `mapstructure:"preferences_refresh"`
	PresenceSweep      string `mapstructure:"presence_sweep"`
}

// Load reads config.yaml (optional) from ./config and any extra paths, then applies CAMPUS_* env overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CAMPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Server.AllowedOrigins = trimAll(cfg.Server.AllowedOrigins)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", "http://localhost:3000,http://localhost:5173")

	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.dev_login", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/campus.sqlite")

	v.SetDefault("ice.endpoint", "https://global.xirsys.net/_turn/campus")
	v.SetDefault("ice.username", "")
	v.SetDefault("ice.credential", "")
	v.SetDefault("ice.timeout", "5s")

	v.SetDefault("signaling.rate", 20)
	v.SetDefault("signaling.burst", 60)

	v.SetDefault("maintenance.preferences_refresh", "@every 1m")
	v.SetDefault("maintenance.presence_sweep", "@every 10m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
