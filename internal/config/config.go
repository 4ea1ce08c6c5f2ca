// Package config loads and validates the server configuration from a YAML
// file and BEAMDROP_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Rate holds the per-remote-address limits.
type Rate struct {
	CreatesPerHour        int `mapstructure:"creates_per_hour" yaml:"creates_per_hour"`
	JoinsPerHour          int `mapstructure:"joins_per_hour" yaml:"joins_per_hour"`
	MessagesPerMinute     int `mapstructure:"messages_per_minute" yaml:"messages_per_minute"`
	ConnectionsPerAddress int `mapstructure:"connections_per_address" yaml:"connections_per_address"`
}

// Log holds logging destination and verbosity.
type Log struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config is the complete beamdropd configuration.
type Config struct {
	ListenAddress   string        `mapstructure:"listen_address" yaml:"listen_address"`
	EndpointPath    string        `mapstructure:"endpoint_path" yaml:"endpoint_path"`
	SessionTTL      time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxFrameBytes   int           `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	TimestampSkew   time.Duration `mapstructure:"timestamp_skew" yaml:"timestamp_skew"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	ConnectionCap   int           `mapstructure:"connection_cap" yaml:"connection_cap"`
	SessionCap      int           `mapstructure:"session_cap" yaml:"session_cap"`
	SendQueueFrames int           `mapstructure:"send_queue_frames" yaml:"send_queue_frames"`
	SlowPeerStall   time.Duration `mapstructure:"slow_peer_stall" yaml:"slow_peer_stall"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	CORSOrigin      string        `mapstructure:"cors_origin" yaml:"cors_origin"`
	ExposeStats     bool          `mapstructure:"expose_stats" yaml:"expose_stats"`
	Rate            Rate          `mapstructure:"rate" yaml:"rate"`
	Log             Log           `mapstructure:"log" yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ListenAddress:   ":8080",
		EndpointPath:    "/ws",
		SessionTTL:      time.Hour,
		SweepInterval:   5 * time.Minute,
		MaxFrameBytes:   1 << 20,
		TimestampSkew:   5 * time.Minute,
		PingInterval:    30 * time.Second,
		PongTimeout:     65 * time.Second,
		ConnectionCap:   10000,
		SessionCap:      5000,
		SendQueueFrames: 64,
		SlowPeerStall:   30 * time.Second,
		ShutdownGrace:   10 * time.Second,
		CORSOrigin:      "*",
		ExposeStats:     true,
		Rate: Rate{
			CreatesPerHour:        10,
			JoinsPerHour:          20,
			MessagesPerMinute:     100,
			ConnectionsPerAddress: 5,
		},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads the configuration. An explicit cfgFile must exist; otherwise
// beamdropd.yaml is searched in the system config directory and the working
// directory, and its absence is fine. Environment variables override file
// values (BEAMDROP_LISTEN_ADDRESS, BEAMDROP_RATE_CREATES_PER_HOUR, ...).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("beamdropd")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BEAMDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen_address", d.ListenAddress)
	v.SetDefault("endpoint_path", d.EndpointPath)
	v.SetDefault("session_ttl", d.SessionTTL)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("max_frame_bytes", d.MaxFrameBytes)
	v.SetDefault("timestamp_skew", d.TimestampSkew)
	v.SetDefault("ping_interval", d.PingInterval)
	v.SetDefault("pong_timeout", d.PongTimeout)
	v.SetDefault("connection_cap", d.ConnectionCap)
	v.SetDefault("session_cap", d.SessionCap)
	v.SetDefault("send_queue_frames", d.SendQueueFrames)
	v.SetDefault("slow_peer_stall", d.SlowPeerStall)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("cors_origin", d.CORSOrigin)
	v.SetDefault("expose_stats", d.ExposeStats)
	v.SetDefault("rate.creates_per_hour", d.Rate.CreatesPerHour)
	v.SetDefault("rate.joins_per_hour", d.Rate.JoinsPerHour)
	v.SetDefault("rate.messages_per_minute", d.Rate.MessagesPerMinute)
	v.SetDefault("rate.connections_per_address", d.Rate.ConnectionsPerAddress)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Beamdrop")
	case "darwin":
		return "/Library/Application Support/Beamdrop"
	default:
		return "/etc/beamdrop"
	}
}
