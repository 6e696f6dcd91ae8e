// Package config loads the relay's runtime configuration: the shared
// config document (doorbell credentials, listen port, camera list) plus a
// CLI-flag/env-var overlay for process-local settings that are not part
// of that shared store.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// defaultStreamName is used when no camera entry has talk_enabled set.
const defaultStreamName = "doorbell_direct"

// defaults for process-local settings.
const (
	defaultConfigPath = "./config/config.json"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
)

// envPrefix is the prefix for all relay environment variables.
const envPrefix = "DOORBELL_RELAY_"

// Doorbell holds the connection details for the physical doorbell unit.
type Doorbell struct {
	IP       string `json:"ip"`
	Username string `json:"username"`
	Password string `json:"password"`
	RTSPPort int    `json:"rtsp_port"`
}

// Server holds process-facing server settings that live in the shared
// config document.
type Server struct {
	TalkPort        int    `json:"talk_port"`
	UpstreamAPIBase string `json:"upstream_api_base"`
	TLSCert         string `json:"tls_cert"`
	TLSKey          string `json:"tls_key"`
}

// Camera describes one configured camera/doorbell stream.
type Camera struct {
	ID          string `json:"id"`
	TalkEnabled bool   `json:"talk_enabled"`
	StreamName  string `json:"stream_name"`
}

// document is the on-disk shape of the shared config store.
type document struct {
	Doorbell Doorbell `json:"doorbell"`
	Server   Server   `json:"server"`
	Cameras  []Camera `json:"cameras"`
}

// RelayConfig is the fully resolved configuration for one process run:
// the shared document plus process-local overlay settings. It is read
// once at startup and is immutable thereafter.
type RelayConfig struct {
	Doorbell   Doorbell
	Server     Server
	StreamName string

	LogLevel  string
	LogFormat string
}

// Load reads the shared config document from the path given by -config /
// DOORBELL_RELAY_CONFIG (default ./config/config.json), then applies the
// CLI-flag/env-var overlay for process-local settings. CLI flags take
// precedence over env vars, which take precedence over defaults.
func Load() (*RelayConfig, error) {
	fs := flag.NewFlagSet("doorbell-relay", flag.ContinueOnError)

	configPath := fs.String("config", defaultConfigPath, "path to the shared config.json document")
	logLevel := fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	applyEnvOverrides(fs, configPath, logLevel, logFormat)

	doc, err := loadDocument(*configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config document %s: %w", *configPath, err)
	}

	cfg := &RelayConfig{
		Doorbell:   doc.Doorbell,
		Server:     doc.Server,
		StreamName: streamNameFrom(doc.Cameras),
		LogLevel:   strings.ToLower(*logLevel),
		LogFormat:  strings.ToLower(*logFormat),
	}
	if cfg.Doorbell.RTSPPort == 0 {
		cfg.Doorbell.RTSPPort = 554
	}
	if cfg.Server.TalkPort == 0 {
		cfg.Server.TalkPort = 5001
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}
	return &doc, nil
}

// streamNameFrom returns the stream_name of the camera entry with
// talk_enabled set, or the default if none is found.
func streamNameFrom(cameras []Camera) string {
	for _, cam := range cameras {
		if cam.TalkEnabled {
			if cam.StreamName != "" {
				return cam.StreamName
			}
			return defaultStreamName
		}
	}
	return defaultStreamName
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line, preserving CLI > env > default
// precedence.
func applyEnvOverrides(fs *flag.FlagSet, configPath, logLevel, logFormat *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["config"] {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok && v != "" {
			*configPath = v
		}
	}
	if !set["log-level"] {
		if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok && v != "" {
			*logLevel = v
		}
	}
	if !set["log-format"] {
		if v, ok := os.LookupEnv(envPrefix + "LOG_FORMAT"); ok && v != "" {
			*logFormat = v
		}
	}
}

func (c *RelayConfig) validate() error {
	if c.Doorbell.IP == "" {
		return fmt.Errorf("doorbell.ip is required")
	}
	if c.Doorbell.RTSPPort < 1 || c.Doorbell.RTSPPort > 65535 {
		return fmt.Errorf("doorbell.rtsp_port must be between 1 and 65535, got %d", c.Doorbell.RTSPPort)
	}
	if c.Server.TalkPort < 1 || c.Server.TalkPort > 65535 {
		return fmt.Errorf("server.talk_port must be between 1 and 65535, got %d", c.Server.TalkPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must both be set or both be omitted")
	}
	return nil
}

// TLSEnabled reports whether cert and key files are configured.
func (c *RelayConfig) TLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

// SlogHandler returns a slog.Handler configured with the resolved format
// and level.
func (c *RelayConfig) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *RelayConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DoorbellAddr returns "host:port" for dialing the doorbell's RTSP port.
func (c *RelayConfig) DoorbellAddr() string {
	return c.Doorbell.IP + ":" + strconv.Itoa(c.Doorbell.RTSPPort)
}
