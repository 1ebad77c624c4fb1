// This file validates configuration values and returns descriptive errors.

package config

import (
	"github.com/pkg/errors"
)

// Validate checks that all configuration values are within acceptable ranges.
// Returns an error describing the first validation failure found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "server config")
	}
	if err := c.RTMP.Validate(); err != nil {
		return errors.Wrap(err, "rtmp config")
	}
	if err := c.AMF.Validate(); err != nil {
		return errors.Wrap(err, "amf config")
	}
	if c.SRT.Passphrase != "" && (len(c.SRT.Passphrase) < 10 || len(c.SRT.Passphrase) > 79) {
		return errors.Errorf("srt config: passphrase must be 10 to 79 characters, got %d", len(c.SRT.Passphrase))
	}
	if err := c.Log.Validate(); err != nil {
		return errors.Wrap(err, "log config")
	}
	return nil
}

// Validate checks server configuration values.
func (s *ServerConfig) Validate() error {
	if s.RTMPPort <= 0 || s.RTMPPort > 65535 {
		return errors.Errorf("rtmp_port must be between 1 and 65535, got %d", s.RTMPPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return errors.Errorf("http_port must be between 1 and 65535, got %d", s.HTTPPort)
	}
	if s.SRTPort < 0 || s.SRTPort > 65535 {
		return errors.Errorf("srt_port must be between 0 and 65535, got %d", s.SRTPort)
	}
	if s.RTMPPort == s.HTTPPort {
		return errors.Errorf("rtmp_port and http_port must be different, both are %d", s.RTMPPort)
	}
	// SRT is UDP, so it may share a number with the TCP listeners.
	return nil
}

// Validate checks protocol bounds.
func (r *RTMPConfig) Validate() error {
	if r.ChunkSize < 128 || r.ChunkSize > 65536 {
		return errors.Errorf("chunk_size must be between 128 and 65536, got %d", r.ChunkSize)
	}
	if r.ReadTimeout < 0 || r.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if r.MaxTimeouts < 0 {
		return errors.Errorf("max_timeouts must not be negative, got %d", r.MaxTimeouts)
	}
	if r.MaxBodySize > 0xFFFFFF {
		return errors.Errorf("max_body_size must fit 24 bits, got %d", r.MaxBodySize)
	}
	return nil
}

// Validate checks AMF decode bounds.
func (a *AMFConfig) Validate() error {
	if a.MaxDepth < 1 {
		return errors.Errorf("max_depth must be positive, got %d", a.MaxDepth)
	}
	if a.MaxProperties < 1 {
		return errors.Errorf("max_properties must be positive, got %d", a.MaxProperties)
	}
	if a.MaxBytes < 1 {
		return errors.Errorf("max_bytes must be positive, got %d", a.MaxBytes)
	}
	return nil
}

// Validate checks the log level and format.
func (l *LogConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("level must be debug, info, warn or error, got %q", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return errors.Errorf("format must be json or console, got %q", l.Format)
	}
	return nil
}
