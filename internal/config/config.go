// This file defines the configuration structure for rtmpd.
// It uses strict YAML decoding and explicit defaults.

package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the complete server configuration.
// All fields must have explicit defaults or be required.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	RTMP    RTMPConfig    `yaml:"rtmp"`
	AMF     AMFConfig     `yaml:"amf"`
	Storage StorageConfig `yaml:"storage"`
	SRT     SRTConfig     `yaml:"srt"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig defines listener ports.
type ServerConfig struct {
	RTMPPort int `yaml:"rtmp_port"` // RTMP over TCP
	HTTPPort int `yaml:"http_port"` // health, API and RTMP over WebSocket
	SRTPort  int `yaml:"srt_port"`  // RTMP over SRT; 0 disables
}

// RTMPConfig bounds the protocol engine.
type RTMPConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`       // outbound chunk size announced after connect
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // per socket read
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // per socket write
	MaxTimeouts     int           `yaml:"max_timeouts"`     // consecutive read timeouts before closing
	StrictHandshake *bool         `yaml:"strict_handshake"` // fail on echo mismatch
	WindowAckSize   uint32        `yaml:"window_ack_size"`
	PeerBandwidth   uint32        `yaml:"peer_bandwidth"`
	MaxBodySize     uint32        `yaml:"max_body_size"` // larger bodies are dropped as malformed
	BufferMessages  uint32        `yaml:"buffer_messages"`
}

// AMFConfig bounds AMF0 decoding of untrusted input.
type AMFConfig struct {
	MaxDepth      int `yaml:"max_depth"`
	MaxProperties int `yaml:"max_properties"`
	MaxBytes      int `yaml:"max_bytes"`
}

// StorageConfig locates recorded media.
type StorageConfig struct {
	MediaDir string `yaml:"media_dir"` // <media_dir>/<name>.flv is served by play
	ReadSize int    `yaml:"read_size"` // bytes per disk read
}

// SRTConfig configures the SRT listener.
type SRTConfig struct {
	Latency    time.Duration `yaml:"latency"`
	Passphrase string        `yaml:"passphrase,omitempty"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Load reads configuration from a YAML file.
// Returns an error if the file cannot be read or decoded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields

	// An empty document leaves every field at its default
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode config")
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.Server.RTMPPort == 0 {
		c.Server.RTMPPort = 1935
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}

	if c.RTMP.ChunkSize == 0 {
		c.RTMP.ChunkSize = 4096
	}
	if c.RTMP.ReadTimeout == 0 {
		c.RTMP.ReadTimeout = 5 * time.Second
	}
	if c.RTMP.WriteTimeout == 0 {
		c.RTMP.WriteTimeout = 5 * time.Second
	}
	if c.RTMP.MaxTimeouts == 0 {
		c.RTMP.MaxTimeouts = 12
	}
	if c.RTMP.StrictHandshake == nil {
		strict := true
		c.RTMP.StrictHandshake = &strict
	}
	if c.RTMP.WindowAckSize == 0 {
		c.RTMP.WindowAckSize = 2500000
	}
	if c.RTMP.PeerBandwidth == 0 {
		c.RTMP.PeerBandwidth = 2500000
	}
	if c.RTMP.MaxBodySize == 0 {
		c.RTMP.MaxBodySize = 8 * 1024 * 1024
	}
	if c.RTMP.BufferMessages == 0 {
		c.RTMP.BufferMessages = 1024
	}

	if c.AMF.MaxDepth == 0 {
		c.AMF.MaxDepth = 32
	}
	if c.AMF.MaxProperties == 0 {
		c.AMF.MaxProperties = 4096
	}
	if c.AMF.MaxBytes == 0 {
		c.AMF.MaxBytes = 16 * 1024 * 1024
	}

	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = "media"
	}
	if c.Storage.ReadSize == 0 {
		c.Storage.ReadSize = 64 * 1024
	}

	if c.SRT.Latency == 0 {
		c.SRT.Latency = 200 * time.Millisecond
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Strict reports whether handshake echo mismatches are fatal.
func (r RTMPConfig) Strict() bool {
	return r.StrictHandshake == nil || *r.StrictHandshake
}
