package config

import (
	"fmt"
	"net"
	"strings"
)

const maxFrameCeiling = 64 << 20

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors
// found. Startup must abort when the result is non-empty.
func (c *Config) Validate() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ListenAddress == "" {
		add("listen_address must not be empty")
	} else if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		add("listen_address %q is not a host:port", c.ListenAddress)
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		add("endpoint_path %q must start with /", c.EndpointPath)
	}
	if c.SessionTTL <= 0 {
		add("session_ttl must be positive, got %v", c.SessionTTL)
	}
	if c.SweepInterval <= 0 {
		add("sweep_interval must be positive, got %v", c.SweepInterval)
	}
	if c.MaxFrameBytes < 1024 || c.MaxFrameBytes > maxFrameCeiling {
		add("max_frame_bytes %d outside [1024, %d]", c.MaxFrameBytes, maxFrameCeiling)
	}
	if c.TimestampSkew <= 0 {
		add("timestamp_skew must be positive, got %v", c.TimestampSkew)
	}
	if c.PingInterval <= 0 {
		add("ping_interval must be positive, got %v", c.PingInterval)
	}
	if c.PongTimeout <= c.PingInterval {
		add("pong_timeout %v must exceed ping_interval %v", c.PongTimeout, c.PingInterval)
	}
	if c.ConnectionCap <= 0 {
		add("connection_cap must be positive, got %d", c.ConnectionCap)
	}
	if c.SessionCap <= 0 {
		add("session_cap must be positive, got %d", c.SessionCap)
	}
	if c.SendQueueFrames <= 0 {
		add("send_queue_frames must be positive, got %d", c.SendQueueFrames)
	}
	if c.SlowPeerStall <= 0 {
		add("slow_peer_stall must be positive, got %v", c.SlowPeerStall)
	}
	if c.ShutdownGrace < 0 {
		add("shutdown_grace must not be negative, got %v", c.ShutdownGrace)
	}
	if c.CORSOrigin == "" {
		add("cors_origin must not be empty (use * to allow any origin)")
	}

	if c.Rate.CreatesPerHour <= 0 {
		add("rate.creates_per_hour must be positive, got %d", c.Rate.CreatesPerHour)
	}
	if c.Rate.JoinsPerHour <= 0 {
		add("rate.joins_per_hour must be positive, got %d", c.Rate.JoinsPerHour)
	}
	if c.Rate.MessagesPerMinute <= 0 {
		add("rate.messages_per_minute must be positive, got %d", c.Rate.MessagesPerMinute)
	}
	if c.Rate.ConnectionsPerAddress <= 0 {
		add("rate.connections_per_address must be positive, got %d", c.Rate.ConnectionsPerAddress)
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		add("log.format %q is not valid (use text or json)", c.Log.Format)
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB <= 0 {
			add("log.max_size_mb must be positive when log.file is set, got %d", c.Log.MaxSizeMB)
		}
		if c.Log.MaxBackups < 0 {
			add("log.max_backups must not be negative, got %d", c.Log.MaxBackups)
		}
	}

	return errs
}
