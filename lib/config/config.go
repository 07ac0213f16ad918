// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local emulators and test hosts.
	Development Environment = "development"
	// Production is for hosted device fleets.
	Production Environment = "production"
)

// Config is the devlink client configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`

	// DeviceID is the device to connect to when a command does not
	// name one.
	DeviceID string `yaml:"device_id" json:"device_id"`

	Signaling SignalingConfig `yaml:"signaling" json:"signaling"`

	// ICEServers are added to the ones the signaling server returns.
	ICEServers []ICEServerConfig `yaml:"ice_servers" json:"ice_servers"`

	ADB ADBConfig `yaml:"adb" json:"adb"`

	Channels ChannelsConfig `yaml:"channels" json:"channels"`

	Log LogConfig `yaml:"log" json:"log"`

	Development *ConfigOverrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Signaling *SignalingConfig `yaml:"signaling,omitempty" json:"signaling,omitempty"`
	ADB       *ADBConfig       `yaml:"adb,omitempty" json:"adb,omitempty"`
	Log       *LogConfig       `yaml:"log,omitempty" json:"log,omitempty"`
}

// SignalingConfig locates the signaling server. Endpoint URLs left
// empty are derived from Server.
type SignalingConfig struct {
	// Server is the base URL of the signaling server, e.g.
	// https://cuttlefish.example.com.
	Server string `yaml:"server" json:"server"`

	// WebSocketURL defaults to Server with a ws or wss scheme and the
	// /connect_client path. Set it to "none" to go straight to polling.
	WebSocketURL string `yaml:"websocket_url" json:"websocket_url"`

	PollConfigURL  string `yaml:"poll_config_url" json:"poll_config_url"`
	PollConnectURL string `yaml:"poll_connect_url" json:"poll_connect_url"`
	PollForwardURL string `yaml:"poll_forward_url" json:"poll_forward_url"`
	PollMessageURL string `yaml:"poll_message_url" json:"poll_message_url"`
}

// ICEServerConfig is one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// ADBConfig configures the ADB bridge and forwarder.
type ADBConfig struct {
	// Identity is the CNXN banner. Empty picks a per-process banner.
	Identity string `yaml:"identity" json:"identity"`

	// WatchdogTimeout is how long to wait for the daemon before
	// reporting the session lost.
	// Default: 3s
	WatchdogTimeout string `yaml:"watchdog_timeout" json:"watchdog_timeout"`

	// ForwardAddress is the local TCP address the forwarder listens on.
	// Empty disables forwarding.
	ForwardAddress string `yaml:"forward_address" json:"forward_address"`
}

// ChannelsConfig tunes data channel behavior.
type ChannelsConfig struct {
	// CameraLowWater is the buffered amount, in bytes, at or below
	// which the next camera chunk is sent.
	// Default: 0
	CameraLowWater uint64 `yaml:"camera_low_water" json:"camera_low_water"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
}

const (
	webSocketPath   = "/connect_client"
	pollConfigPath  = "/infra_config"
	pollConnectPath = "/connect"
	pollForwardPath = "/forward"
	pollMessagePath = "/poll_messages"

	// webSocketDisabled in SignalingConfig.WebSocketURL skips the
	// WebSocket attempt.
	webSocketDisabled = "none"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Default returns the default configuration, used as the base before
// the config file is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Signaling: SignalingConfig{
			Server: "http://localhost:8443",
		},
		ADB: ADBConfig{
			WatchdogTimeout: "3s",
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// Load loads configuration from the DEVLINK_CONFIG environment
// variable. It fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("DEVLINK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DEVLINK_CONFIG environment variable not set; " +
			"set it to the path of your devlink.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile merges one file into the config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: quieter logging.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Level: "info"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Signaling != nil {
		s := overrides.Signaling
		if s.Server != "" {
			c.Signaling.Server = s.Server
		}
		if s.WebSocketURL != "" {
			c.Signaling.WebSocketURL = s.WebSocketURL
		}
		if s.PollConfigURL != "" {
			c.Signaling.PollConfigURL = s.PollConfigURL
		}
		if s.PollConnectURL != "" {
			c.Signaling.PollConnectURL = s.PollConnectURL
		}
		if s.PollForwardURL != "" {
			c.Signaling.PollForwardURL = s.PollForwardURL
		}
		if s.PollMessageURL != "" {
			c.Signaling.PollMessageURL = s.PollMessageURL
		}
	}

	if overrides.ADB != nil {
		if overrides.ADB.Identity != "" {
			c.ADB.Identity = overrides.ADB.Identity
		}
		if overrides.ADB.WatchdogTimeout != "" {
			c.ADB.WatchdogTimeout = overrides.ADB.WatchdogTimeout
		}
		if overrides.ADB.ForwardAddress != "" {
			c.ADB.ForwardAddress = overrides.ADB.ForwardAddress
		}
	}

	if overrides.Log != nil && overrides.Log.Level != "" {
		c.Log.Level = overrides.Log.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Signaling.Server = expandVars(c.Signaling.Server, vars)
	vars["DEVLINK_SERVER"] = c.Signaling.Server // Update for dependent URLs.

	c.Signaling.WebSocketURL = expandVars(c.Signaling.WebSocketURL, vars)
	c.Signaling.PollConfigURL = expandVars(c.Signaling.PollConfigURL, vars)
	c.Signaling.PollConnectURL = expandVars(c.Signaling.PollConnectURL, vars)
	c.Signaling.PollForwardURL = expandVars(c.Signaling.PollForwardURL, vars)
	c.Signaling.PollMessageURL = expandVars(c.Signaling.PollMessageURL, vars)
	c.ADB.ForwardAddress = expandVars(c.ADB.ForwardAddress, vars)
	c.DeviceID = expandVars(c.DeviceID, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Endpoints resolves the signaling endpoint URLs, deriving empty ones
// from Server. WebSocketURL is empty in the result when disabled.
func (s SignalingConfig) Endpoints() (Endpoints, error) {
	endpoints := Endpoints{
		WebSocketURL:   s.WebSocketURL,
		PollConfigURL:  s.PollConfigURL,
		PollConnectURL: s.PollConnectURL,
		PollForwardURL: s.PollForwardURL,
		PollMessageURL: s.PollMessageURL,
	}
	if endpoints.WebSocketURL == webSocketDisabled {
		endpoints.WebSocketURL = ""
	} else if endpoints.WebSocketURL == "" && s.Server != "" {
		base, err := url.Parse(s.Server)
		if err != nil {
			return Endpoints{}, fmt.Errorf("signaling.server: %w", err)
		}
		switch base.Scheme {
		case "https":
			base.Scheme = "wss"
		case "http":
			base.Scheme = "ws"
		}
		endpoints.WebSocketURL = strings.TrimSuffix(base.String(), "/") + webSocketPath
	}

	server := strings.TrimSuffix(s.Server, "/")
	for _, field := range []struct {
		target *string
		path   string
	}{
		{&endpoints.PollConfigURL, pollConfigPath},
		{&endpoints.PollConnectURL, pollConnectPath},
		{&endpoints.PollForwardURL, pollForwardPath},
		{&endpoints.PollMessageURL, pollMessagePath},
	} {
		if *field.target == "" && server != "" {
			*field.target = server + field.path
		}
	}
	return endpoints, nil
}

// Endpoints are resolved signaling URLs.
type Endpoints struct {
	WebSocketURL   string
	PollConfigURL  string
	PollConnectURL string
	PollForwardURL string
	PollMessageURL string
}

// Watchdog returns the parsed ADB watchdog timeout.
func (a ADBConfig) Watchdog() (time.Duration, error) {
	if a.WatchdogTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(a.WatchdogTimeout)
	if err != nil {
		return 0, fmt.Errorf("adb.watchdog_timeout: %w", err)
	}
	return timeout, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	endpoints, err := c.Signaling.Endpoints()
	if err != nil {
		errs = append(errs, err)
	} else {
		if endpoints.WebSocketURL == "" && endpoints.PollConfigURL == "" {
			errs = append(errs, fmt.Errorf("signaling.server or an explicit endpoint is required"))
		}
		if c.Environment == Production {
			for _, endpoint := range []string{endpoints.WebSocketURL, endpoints.PollConfigURL,
				endpoints.PollConnectURL, endpoints.PollForwardURL, endpoints.PollMessageURL} {
				if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "http://") {
					errs = append(errs, fmt.Errorf("production signaling must use TLS: %s", endpoint))
				}
			}
		}
	}

	for index, server := range c.ICEServers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice_servers[%d].urls is required", index))
		}
	}

	if timeout, err := c.ADB.Watchdog(); err != nil {
		errs = append(errs, err)
	} else if timeout < 0 {
		errs = append(errs, fmt.Errorf("adb.watchdog_timeout must not be negative"))
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
