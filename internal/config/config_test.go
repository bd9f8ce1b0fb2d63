package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8898, cfg.Server.TCPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.HTTPClientTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Bin)
	assert.Equal(t, 4, cfg.Thumbnail.Workers)
	assert.Equal(t, 50000, cfg.Mobile.VideoQueueLimit)
	assert.Equal(t, 10*time.Minute, cfg.Recorder.Interval)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("server.port", 9090)
	v.Set("ffmpeg.timeout", "45s")

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.FFmpeg.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "tcp port zero",
			mutate:  func(c *Config) { c.Server.TCPPort = 0 },
			wantErr: "server.tcp_port",
		},
		{
			name: "http wait min above max",
			mutate: func(c *Config) {
				c.Server.HTTPClientTimeoutMin = time.Hour
			},
			wantErr: "http_client_timeout_min",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database driver",
		},
		{
			name:    "ffmpeg timeout zero",
			mutate:  func(c *Config) { c.FFmpeg.Timeout = 0 },
			wantErr: "ffmpeg.timeout",
		},
		{
			name:    "thumbnail workers zero",
			mutate:  func(c *Config) { c.Thumbnail.Workers = 0 },
			wantErr: "thumbnail.workers",
		},
		{
			name: "provider identifier not alphabetic",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{
					Name: "Cameras", Identifier: "C1", Access: "rtsp://x/{0}",
				}}
			},
			wantErr: "identifier must be alphabetic",
		},
		{
			name: "duplicate provider identifier",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{
					{Name: "A", Identifier: "C", Access: "rtsp://a/{0}"},
					{Name: "B", Identifier: "C", Access: "rtsp://b/{0}"},
				}
			},
			wantErr: "duplicate provider identifier",
		},
		{
			name: "db mode requires collection",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{
					Name: "Docs", Identifier: "D", Access: "rtsp://d/{0}", Mode: "db",
				}}
			},
			wantErr: "collection",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClampHTTPWait(t *testing.T) {
	sc := ServerConfig{
		HTTPClientTimeout:    30 * time.Second,
		HTTPClientTimeoutMin: 5 * time.Second,
		HTTPClientTimeoutMax: 120 * time.Second,
	}

	assert.Equal(t, 30*time.Second, sc.ClampHTTPWait(0))
	assert.Equal(t, 5*time.Second, sc.ClampHTTPWait(time.Second))
	assert.Equal(t, 120*time.Second, sc.ClampHTTPWait(time.Hour))
	assert.Equal(t, time.Minute, sc.ClampHTTPWait(time.Minute))
}

func TestParsedSizes(t *testing.T) {
	tc := ThumbnailConfig{Sizes: []string{"small:160", " medium:320 ", "broken", "no:colon:extra"}}

	sizes := tc.ParsedSizes()
	require.Len(t, sizes, 2)
	assert.Equal(t, SizeSpec{Name: "small", Scale: "160"}, sizes[0])
	assert.Equal(t, SizeSpec{Name: "medium", Scale: "320"}, sizes[1])
}
