// Package config handles configuration loading, validation, and
// persistence for the OpenSpore server.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.xml"
)

// Well-known configuration keys. The file is a flat key/value bag in
// the style of the original Darkspore server configuration.
const (
	KeyExternalHost      = "host.external"
	KeyListenBlaze       = "listen.blaze"
	KeyListenRedirector  = "listen.redirector"
	KeyListenHTTP        = "listen.http"
	KeyListenQoS         = "listen.qos"
	KeyFrameMaxBytes     = "frame.max_bytes"
	KeySessionMaxOpen    = "session.max_open"
	KeySessionIdleMS     = "session.idle_timeout_ms"
	KeyRequestTimeoutMS  = "request.default_timeout_ms"
	KeyShutdownGraceMS   = "shutdown.grace_ms"
	KeyDatabasePath      = "db.path"
	KeyLogLevel          = "log.level"
	KeyLogDirectory      = "log.directory"
	KeyTelemetryEnabled  = "telemetry.enabled"
	KeyTelemetryBroker   = "telemetry.broker"
	KeyTelemetryPort     = "telemetry.port"
	KeyTelemetryTLS      = "telemetry.use_tls"
	KeyTelemetryClientID = "telemetry.client_id"
	KeyGameName          = "game.name"
	KeyGameMaxPlayers    = "game.max_players"
	KeyWorkerPoolSize    = "worker.pool_size"
	KeyWorkerQueueCap    = "worker.queue_cap"
)

// defaults holds the value every key starts from. Load overlays the
// file on top, so a missing key never breaks startup.
var defaults = map[string]string{
	KeyExternalHost:      "127.0.0.1",
	KeyListenBlaze:       "10041",
	KeyListenRedirector:  "42127",
	KeyListenHTTP:        "17502",
	KeyListenQoS:         "3659",
	KeyFrameMaxBytes:     "16777216",
	KeySessionMaxOpen:    "8192",
	KeySessionIdleMS:     "300000",
	KeyRequestTimeoutMS:  "10000",
	KeyShutdownGraceMS:   "5000",
	KeyDatabasePath:      "openspore.db",
	KeyLogLevel:          "info",
	KeyLogDirectory:      "logs",
	KeyTelemetryEnabled:  "false",
	KeyTelemetryBroker:   "",
	KeyTelemetryPort:     "8883",
	KeyTelemetryTLS:      "true",
	KeyTelemetryClientID: "openspore",
	KeyGameName:          "Darkspore",
	KeyGameMaxPlayers:    "4",
	KeyWorkerPoolSize:    "8",
	KeyWorkerQueueCap:    "256",
}

type xmlFile struct {
	XMLName xml.Name   `xml:"config"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// Config is a concurrency-safe flat key/value configuration bag.
type Config struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// DefaultConfig returns a configuration seeded with defaults only.
func DefaultConfig() *Config {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Config{values: values}
}

// Load reads configuration from config.xml in configDir. A missing
// file is created from defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var file xmlFile
	if err := xml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	cfg.path = configPath
	for _, e := range file.Entries {
		cfg.values[e.Key] = e.Value
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().Str("path", configPath).Int("entries", len(file.Entries)).Msg("configuration loaded")

	// Re-save so the file always carries the complete key set,
	// including keys added after the file was first written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk with keys sorted.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no backing file")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	file := xmlFile{}
	for _, k := range keys {
		file.Entries = append(file.Entries, xmlEntry{Key: k, Value: c.values[k]})
	}

	data, err := xml.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Validate checks that every numeric key parses and the ports are in
// range.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, key := range []string{KeyListenBlaze, KeyListenRedirector, KeyListenHTTP, KeyListenQoS, KeyTelemetryPort} {
		port, err := strconv.Atoi(c.values[key])
		if err != nil {
			return fmt.Errorf("config key %s: %q is not a number", key, c.values[key])
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("config key %s: port %d out of range", key, port)
		}
	}

	for _, key := range []string{KeyFrameMaxBytes, KeySessionMaxOpen, KeySessionIdleMS,
		KeyRequestTimeoutMS, KeyShutdownGraceMS, KeyGameMaxPlayers, KeyWorkerPoolSize, KeyWorkerQueueCap} {
		n, err := strconv.Atoi(c.values[key])
		if err != nil {
			return fmt.Errorf("config key %s: %q is not a number", key, c.values[key])
		}
		if n <= 0 {
			return fmt.Errorf("config key %s: %d must be positive", key, n)
		}
	}

	return nil
}

// GetString returns the value for key, falling back to the default.
func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key]; ok {
		return v
	}
	return defaults[key]
}

// GetInt returns the integer value for key. Unparseable values fall
// back to the key's default.
func (c *Config) GetInt(key string) int {
	v := c.GetString(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		n, _ = strconv.Atoi(defaults[key])
	}
	return n
}

// GetBool returns the boolean value for key.
func (c *Config) GetBool(key string) bool {
	v, err := strconv.ParseBool(c.GetString(key))
	if err != nil {
		v, _ = strconv.ParseBool(defaults[key])
	}
	return v
}

// GetDuration interprets a *_ms key as a duration.
func (c *Config) GetDuration(key string) time.Duration {
	return time.Duration(c.GetInt(key)) * time.Millisecond
}

// Set updates a key. Unknown keys are allowed so operators can stash
// extra values.
func (c *Config) Set(key, value string) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Keys returns every configured key, sorted.
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
