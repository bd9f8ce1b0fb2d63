// Package config provides configuration management for dss using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultTCPPort           = 8898
	defaultShutdownTimeout   = 10 * time.Second
	defaultHTTPClientTimeout = 30 * time.Second
	defaultHTTPClientMin     = 5 * time.Second
	defaultHTTPClientMax     = 120 * time.Second
	defaultGraceTimeout      = 10 * time.Second
	defaultReloadTimeout     = 2 * time.Second
	defaultThumbInterval     = 300 * time.Second
	defaultThumbWorkers      = 4
	defaultThumbTimeout      = 30 * time.Second
	defaultThumbDeleteAfter  = 24 * time.Hour
	defaultThumbMobileEvery  = 5 * time.Second
	defaultMobileWaitTimeout = 10 * time.Second
	defaultMobileVideoQueue  = 50000
	defaultMobileAudioQueue  = 50000
	defaultRecorderInterval  = 600 * time.Second
	defaultDBMaxOpenConns    = 6
	defaultDBMaxIdleConns    = 3
	defaultDBConnMaxIdleTime = 30 * time.Minute
	defaultStatFetchTimeout  = 10 * time.Second
	defaultDatabaseVersion   = 1
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	ProcessLog ProcessLogConfig `mapstructure:"process_log"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Thumbnail  ThumbnailConfig  `mapstructure:"thumbnail"`
	RTMP       RTMPConfig       `mapstructure:"rtmp_server"`
	Upstream   UpstreamConfig   `mapstructure:"http_server"`
	Mobile     MobileConfig     `mapstructure:"mobile"`
	Recorder   RecorderConfig   `mapstructure:"recorder"`
	General    GeneralConfig    `mapstructure:"general"`
	Providers  []ProviderConfig `mapstructure:"providers"`
}

// ServerConfig holds the local HTTP control surface and TCP ingest addresses.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	TCPPort         int           `mapstructure:"tcp_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// HTTPClientTimeout is the default lifetime of an HTTP pseudo-client;
	// Min/Max clamp values supplied on the control route.
	HTTPClientTimeout    time.Duration `mapstructure:"http_client_timeout"`
	HTTPClientTimeoutMin time.Duration `mapstructure:"http_client_timeout_min"`
	HTTPClientTimeoutMax time.Duration `mapstructure:"http_client_timeout_max"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	Version         int           `mapstructure:"version"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ProcessLogConfig controls per-child-process stderr log files.
type ProcessLogConfig struct {
	Dir     string `mapstructure:"dir"`
	Enabled bool   `mapstructure:"enabled"`
}

// FFmpegConfig holds the transcoder binary and supervisor timing.
type FFmpegConfig struct {
	Bin   string `mapstructure:"bin"`
	Probe string `mapstructure:"probe"` // -probesize value added to every input

	// Timeout is the grace period between the last viewer leaving and the
	// transcoder being killed.
	Timeout time.Duration `mapstructure:"timeout"`

	// Reload is the delay before respawning a transcoder that died while it
	// was supposed to be running.
	Reload time.Duration `mapstructure:"reload"`
}

// ThumbnailConfig holds the thumbnail scheduler configuration.
type ThumbnailConfig struct {
	Dir            string        `mapstructure:"dir"`
	Format         string        `mapstructure:"format"`
	Interval       time.Duration `mapstructure:"interval"`
	Workers        int           `mapstructure:"workers"`
	Timeout        time.Duration `mapstructure:"timeout"`
	StartAfter     time.Duration `mapstructure:"start_after"`
	DeleteAfter    time.Duration `mapstructure:"delete_after"`
	MobileInterval time.Duration `mapstructure:"mobile_interval"`
	InputOpt       string        `mapstructure:"input_opt"`
	OutputOpt      string        `mapstructure:"output_opt"`
	ResizeOpt      string        `mapstructure:"resize_opt"` // e.g. "-vf scale={0}:-1"
	Sizes          []string      `mapstructure:"sizes"`      // "name:scale" entries
}

// SizeSpec is one parsed thumbnail size variant.
type SizeSpec struct {
	Name  string
	Scale string
}

var sizeRe = regexp.MustCompile(`^(\w+):(\w+)$`)

// ParsedSizes returns the parsed "name:scale" size list, skipping malformed
// entries.
func (c ThumbnailConfig) ParsedSizes() []SizeSpec {
	out := make([]SizeSpec, 0, len(c.Sizes))
	for _, s := range c.Sizes {
		m := sizeRe.FindStringSubmatch(strings.TrimSpace(s))
		if m == nil {
			continue
		}
		out = append(out, SizeSpec{Name: m[1], Scale: m[2]})
	}
	return out
}

// RTMPConfig describes the local RTMP origin streams are republished to.
type RTMPConfig struct {
	Addr string `mapstructure:"addr"` // e.g. "rtmp://127.0.0.1"
	App  string `mapstructure:"app"`  // e.g. "live"
}

// UpstreamConfig describes the origin's HTTP side (statistics and control).
type UpstreamConfig struct {
	Addr             string        `mapstructure:"addr"`
	StatURL          string        `mapstructure:"stat_url"`
	ControlURL       string        `mapstructure:"control_url"`
	StatFetchTimeout time.Duration `mapstructure:"stat_fetch_timeout"`
}

// MobileConfig holds mobile ingest session configuration.
type MobileConfig struct {
	// TimeLimit is the maximum session duration; 0 disables the deadline.
	TimeLimit time.Duration `mapstructure:"time_limit"`

	// Dir is where per-session temp directories are created.
	Dir string `mapstructure:"dir"`

	// WaitTimeout bounds every socket read and pump queue wait.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	VideoQueueLimit int `mapstructure:"video_queue_limit"`
	AudioQueueLimit int `mapstructure:"audio_queue_limit"`
}

// RecorderConfig holds the stream recorder defaults; providers may override
// interval and format per provider.
type RecorderConfig struct {
	Recorders []string      `mapstructure:"recorders"`
	Interval  time.Duration `mapstructure:"interval"`
	Format    string        `mapstructure:"format"` // Go time layout for split file names
}

// GeneralConfig holds startup behaviour.
type GeneralConfig struct {
	AutoStart         []string `mapstructure:"auto_start"`          // stream ids
	AutoStartProvider []string `mapstructure:"auto_start_provider"` // provider prefixes
}

// ProviderConfig describes one stream provider.
type ProviderConfig struct {
	Name           string            `mapstructure:"name"`
	Identifier     string            `mapstructure:"identifier"` // alphabetic id prefix
	Access         string            `mapstructure:"access"`     // input URL template, {0} = origin stream
	InputOpt       string            `mapstructure:"input_opt"`
	OutputOpt      string            `mapstructure:"output_opt"`
	Enabled        *bool             `mapstructure:"enabled"`
	ThumbnailLocal *bool             `mapstructure:"thumbnail_local"`
	Mode           string            `mapstructure:"mode"` // numeric, named, db
	Streams        []string          `mapstructure:"streams"`
	Collection     string            `mapstructure:"collection"` // db mode: static stream collection filter
	Data           map[string]string `mapstructure:"data"`
	Record         *RecordConfig     `mapstructure:"record"`
}

// RecordConfig enables recording splits for a provider.
type RecordConfig struct {
	Enabled  *bool         `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Format   string        `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DSS_ and use underscores for
// nesting, e.g. DSS_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dss")
		v.AddConfigPath("$HOME/.dss")
	}

	v.SetEnvPrefix("DSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by a viper
// instance that already has defaults, file, and environment applied.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.tcp_port", defaultTCPPort)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.http_client_timeout", defaultHTTPClientTimeout)
	v.SetDefault("server.http_client_timeout_min", defaultHTTPClientMin)
	v.SetDefault("server.http_client_timeout_max", defaultHTTPClientMax)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "dss.db")
	v.SetDefault("database.max_open_conns", defaultDBMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultDBMaxIdleConns)
	v.SetDefault("database.conn_max_idle_time", defaultDBConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.version", defaultDatabaseVersion)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("process_log.dir", "log")
	v.SetDefault("process_log.enabled", true)

	v.SetDefault("ffmpeg.bin", "ffmpeg")
	v.SetDefault("ffmpeg.probe", "500000")
	v.SetDefault("ffmpeg.timeout", defaultGraceTimeout)
	v.SetDefault("ffmpeg.reload", defaultReloadTimeout)

	v.SetDefault("thumbnail.dir", "thumbnails")
	v.SetDefault("thumbnail.format", "png")
	v.SetDefault("thumbnail.interval", defaultThumbInterval)
	v.SetDefault("thumbnail.workers", defaultThumbWorkers)
	v.SetDefault("thumbnail.timeout", defaultThumbTimeout)
	v.SetDefault("thumbnail.delete_after", defaultThumbDeleteAfter)
	v.SetDefault("thumbnail.mobile_interval", defaultThumbMobileEvery)
	v.SetDefault("thumbnail.input_opt", "")
	v.SetDefault("thumbnail.output_opt", "-frames:v 1 -y")
	v.SetDefault("thumbnail.resize_opt", "-vf scale={0}:-1")
	v.SetDefault("thumbnail.sizes", []string{})

	v.SetDefault("rtmp_server.addr", "rtmp://127.0.0.1")
	v.SetDefault("rtmp_server.app", "live")

	v.SetDefault("http_server.addr", "http://127.0.0.1:8081")
	v.SetDefault("http_server.stat_url", "/stat")
	v.SetDefault("http_server.control_url", "/control")
	v.SetDefault("http_server.stat_fetch_timeout", defaultStatFetchTimeout)

	v.SetDefault("mobile.time_limit", 0)
	v.SetDefault("mobile.dir", "")
	v.SetDefault("mobile.wait_timeout", defaultMobileWaitTimeout)
	v.SetDefault("mobile.video_queue_limit", defaultMobileVideoQueue)
	v.SetDefault("mobile.audio_queue_limit", defaultMobileAudioQueue)

	v.SetDefault("recorder.interval", defaultRecorderInterval)
	v.SetDefault("recorder.format", "15:04:05")
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.TCPPort <= 0 || c.Server.TCPPort > 65535 {
		return fmt.Errorf("server.tcp_port out of range: %d", c.Server.TCPPort)
	}
	if c.Server.HTTPClientTimeoutMin > c.Server.HTTPClientTimeoutMax {
		return errors.New("server.http_client_timeout_min exceeds http_client_timeout_max")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.FFmpeg.Timeout <= 0 {
		return errors.New("ffmpeg.timeout must be positive")
	}
	if c.FFmpeg.Reload < 0 {
		return errors.New("ffmpeg.reload must not be negative")
	}

	if c.Thumbnail.Workers <= 0 {
		return errors.New("thumbnail.workers must be positive")
	}
	if c.Thumbnail.Interval <= 0 {
		return errors.New("thumbnail.interval must be positive")
	}
	if c.Thumbnail.Timeout <= 0 {
		return errors.New("thumbnail.timeout must be positive")
	}

	if c.Mobile.VideoQueueLimit <= 0 || c.Mobile.AudioQueueLimit <= 0 {
		return errors.New("mobile queue limits must be positive")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if _, dup := seen[p.Identifier]; dup {
			return fmt.Errorf("duplicate provider identifier: %q", p.Identifier)
		}
		seen[p.Identifier] = struct{}{}
	}

	return nil
}

var identifierRe = regexp.MustCompile(`^[A-Za-z]+$`)

func (p *ProviderConfig) validate() error {
	if p.Name == "" {
		return errors.New("missing name")
	}
	if !identifierRe.MatchString(p.Identifier) {
		return fmt.Errorf("identifier must be alphabetic, got %q", p.Identifier)
	}
	if p.Access == "" {
		return errors.New("missing access URL template")
	}
	switch p.Mode {
	case "", "numeric", "named", "db":
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.Mode == "db" && p.Collection == "" {
		return errors.New("db mode requires a collection")
	}
	return nil
}

// ClampHTTPWait bounds an HTTP pseudo-client wait request to the configured
// min/max, substituting the default when the request is zero.
func (c ServerConfig) ClampHTTPWait(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.HTTPClientTimeout
	}
	if d < c.HTTPClientTimeoutMin {
		d = c.HTTPClientTimeoutMin
	}
	if d > c.HTTPClientTimeoutMax {
		d = c.HTTPClientTimeoutMax
	}
	return d
}
