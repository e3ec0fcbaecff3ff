package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	API         APIConfig        `mapstructure:"api"`
	Connection  ConnectionConfig `mapstructure:"connection"`
	Buffer      BufferConfig     `mapstructure:"buffer"`
	List        ListConfig       `mapstructure:"list"`
	Chart       ChartConfig      `mapstructure:"chart"`
	ImageCache  ImageCacheConfig `mapstructure:"imagecache"`
	Server      ServerConfig     `mapstructure:"server"`
	Log         LogConfig        `mapstructure:"log"`
	Postgres    PostgresConfig   `mapstructure:"postgres"`
}

// APIConfig describes the upstream origin. Both the REST and channel URLs derive from Origin.
type APIConfig struct {
	Origin         string        `mapstructure:"origin"`          // e.g. "https://api.example.com"
	WSPath         string        `mapstructure:"ws_path"`         // channel path, e.g. "/ws"
	HistoryPath    string        `mapstructure:"history_path"`    // bar history path
	Timeout        time.Duration `mapstructure:"timeout"`         // REST timeout
	TokenFile      string        `mapstructure:"token_file"`      // locally stored bearer token (optional)
	TokenParameter string        `mapstructure:"token_parameter"` // SSM parameter holding the token (optional)
}

type ConnectionConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

type BufferConfig struct {
	DisplayLimit      int           `mapstructure:"display_limit"`       // L
	OverflowFactor    int           `mapstructure:"overflow_factor"`     // nominal overflow = factor * L
	OverflowCapFactor int           `mapstructure:"overflow_cap_factor"` // hard cap = cap factor * nominal
	DripInterval      time.Duration `mapstructure:"drip_interval"`
}

type ListConfig struct {
	Page     int  `mapstructure:"page"`
	Limit    int  `mapstructure:"limit"`
	Verified bool `mapstructure:"verified"`
	Random   bool `mapstructure:"random"`
}

type ChartConfig struct {
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	HistoryTimeout   time.Duration `mapstructure:"history_timeout"`
	Resolutions      []string      `mapstructure:"resolutions"`
	CacheBars        int           `mapstructure:"cache_bars"`
}

type ImageCacheConfig struct {
	Retain      int           `mapstructure:"retain"`
	MaxEntries  int           `mapstructure:"max_entries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Placeholder string        `mapstructure:"placeholder"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// every key needs a default so environment overrides reach Unmarshal
	v.SetDefault("api.origin", "")
	v.SetDefault("api.ws_path", "/ws")
	v.SetDefault("api.history_path", "/api/v1/chart/history")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.token_file", "")
	v.SetDefault("api.token_parameter", "")

	v.SetDefault("connection.max_attempts", 5)
	v.SetDefault("connection.base_backoff", 1*time.Second)
	v.SetDefault("connection.max_backoff", 30*time.Second)
	v.SetDefault("connection.connect_timeout", 10*time.Second)
	v.SetDefault("connection.write_timeout", 5*time.Second)
	v.SetDefault("connection.ping_interval", 30*time.Second)

	v.SetDefault("buffer.display_limit", 24)
	v.SetDefault("buffer.overflow_factor", 5)
	v.SetDefault("buffer.overflow_cap_factor", 2)
	v.SetDefault("buffer.drip_interval", 1500*time.Millisecond)

	v.SetDefault("list.page", 1)
	v.SetDefault("list.limit", 120)
	v.SetDefault("list.verified", false)
	v.SetDefault("list.random", false)

	v.SetDefault("chart.debounce_interval", 1*time.Second)
	v.SetDefault("chart.history_timeout", 10*time.Second)
	v.SetDefault("chart.cache_bars", 2000)
	v.SetDefault("chart.resolutions", []string{})

	v.SetDefault("imagecache.retain", 8)
	v.SetDefault("imagecache.max_entries", 512)
	v.SetDefault("imagecache.timeout", 5*time.Second)
	v.SetDefault("imagecache.placeholder", "/static/token-placeholder.png")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "feedbridge")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
}

// Load loads application configuration using Viper.
// It reads from the given file (or config.yaml next to the binary) and overrides with
// environment variables, e.g. FEEDBRIDGE_API_ORIGIN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if ex, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
	}

	v.SetEnvPrefix("feedbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Log.Environment == "" {
		cfg.Log.Environment = cfg.Environment
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs basic configuration validation.
func (c *Config) Validate() error {
	if c.API.Origin == "" {
		return errors.New("api origin cannot be empty")
	}
	if _, err := url.Parse(c.API.Origin); err != nil {
		return fmt.Errorf("invalid api origin: %w", err)
	}
	if c.Buffer.DisplayLimit <= 0 {
		return fmt.Errorf("buffer display limit must be positive, got %d", c.Buffer.DisplayLimit)
	}
	if c.Buffer.DripInterval <= 0 {
		return errors.New("buffer drip interval must be positive")
	}
	if c.Connection.MaxAttempts <= 0 {
		return fmt.Errorf("connection max attempts must be positive, got %d", c.Connection.MaxAttempts)
	}
	return nil
}

// WSURL derives the channel URL from the origin, mapping http(s) to ws(s).
func (a APIConfig) WSURL() string {
	u, err := url.Parse(a.Origin)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + a.WSPath
	return u.String()
}

// HistoryURL derives the bar history endpoint from the origin.
func (a APIConfig) HistoryURL() string {
	return strings.TrimRight(a.Origin, "/") + a.HistoryPath
}
