// Package config loads service configuration from environment
// variables, with an optional YAML file for the knobs that are not
// secrets (throttle limits, FCM fan-out).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the resolved service configuration.
type Config struct {
	Port                     string
	DatabaseConnectionString string
	FirebaseAPIKey           string
	ApplicationType          string
	TestMode                 bool

	// ThreadWatcherTimeoutSeconds is the polling cadence.
	ThreadWatcherTimeoutSeconds int

	// FCMChunkSize caps concurrent outbound FCM sends.
	FCMChunkSize int

	// ThrottleLimits maps route name to allowed requests per minute.
	ThrottleLimits map[string]int64
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	FCM struct {
		ChunkSize int `yaml:"chunk_size"`
	} `yaml:"fcm"`
	Throttler struct {
		Routes map[string]int64 `yaml:"routes"`
	} `yaml:"throttler"`
}

// defaultThrottleLimits is the static route -> requests/minute table.
func defaultThrottleLimits() map[string]int64 {
	return map[string]int64{
		"create_account":             5,
		"update_firebase_token":      30,
		"update_account_expiry_date": 10,
		"get_account_info":           30,
		"watch_post":                 60,
		"unwatch_post":               60,
		"update_message_delivered":   60,
		"send_test_push":             5,
		"generate_invites":           5,
		"view_invite":                30,
		"get_logs":                   30,
	}
}

// Load resolves configuration. The environment always wins; the YAML
// file (CONFIG_FILE, optional) fills the rest.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                        "8080",
		ApplicationType:             "release",
		ThreadWatcherTimeoutSeconds: 60,
		FCMChunkSize:                16,
		ThrottleLimits:              defaultThrottleLimits(),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.DatabaseConnectionString = os.Getenv("DATABASE_CONNECTION_STRING")
	if cfg.DatabaseConnectionString == "" {
		return nil, fmt.Errorf("DATABASE_CONNECTION_STRING is not set")
	}
	cfg.FirebaseAPIKey = os.Getenv("FIREBASE_API_KEY")
	if cfg.FirebaseAPIKey == "" {
		return nil, fmt.Errorf("FIREBASE_API_KEY is not set")
	}
	if appType := os.Getenv("APPLICATION_TYPE"); appType != "" {
		cfg.ApplicationType = appType
	}
	if raw := os.Getenv("THREAD_WATCHER_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 1 {
			return nil, fmt.Errorf("bad THREAD_WATCHER_TIMEOUT_SECONDS %q", raw)
		}
		cfg.ThreadWatcherTimeoutSeconds = seconds
	}
	cfg.TestMode = os.Getenv("TEST_MODE") == "true"

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Server.Port != "" {
		c.Port = fc.Server.Port
	}
	if fc.FCM.ChunkSize > 0 {
		c.FCMChunkSize = fc.FCM.ChunkSize
	}
	for route, limit := range fc.Throttler.Routes {
		c.ThrottleLimits[route] = limit
	}
	return nil
}
