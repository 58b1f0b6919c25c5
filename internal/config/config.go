package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds the daemon configuration
type Config struct {
	APIBaseURL    string `json:"api_base_url"`
	StreamBaseURL string `json:"stream_base_url"`
	DataPath      string `json:"data_path"`
	Port          int    `json:"port"`

	// Streaming channel tuning
	HeartbeatSeconds     int `json:"heartbeat_seconds"`
	ReconnectBaseDelayMs int `json:"reconnect_base_delay_ms"`
	ReconnectMaxRetries  int `json:"reconnect_max_retries"`

	RequestTimeoutSeconds int `json:"request_timeout_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		APIBaseURL:            "https://api.viaiv.dev/v1",
		StreamBaseURL:         "wss://api.viaiv.dev/v1",
		DataPath:              filepath.Join(homeDir, ".local", "share", "consoled"),
		Port:                  8090,
		HeartbeatSeconds:      30,
		ReconnectBaseDelayMs:  1000,
		ReconnectMaxRetries:   5,
		RequestTimeoutSeconds: 30,
	}
}

// HeartbeatInterval returns the stream heartbeat interval as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ReconnectBaseDelay returns the base reconnect delay as a duration
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// RequestTimeout returns the API request timeout as a duration
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// GetConfigPath returns the path where config should be saved
func GetConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "consoled", "config.json")
}

// Load loads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Try to load from config file
	configPaths := []string{
		".consoled/config.json",
		GetConfigPath(),
	}

	for _, path := range configPaths {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
			break
		}
	}

	// Override with environment variables
	if apiURL := os.Getenv("CONSOLE_API_URL"); apiURL != "" {
		cfg.APIBaseURL = apiURL
	}
	if streamURL := os.Getenv("CONSOLE_STREAM_URL"); streamURL != "" {
		cfg.StreamBaseURL = streamURL
	}
	if dataPath := os.Getenv("CONSOLE_DATA_PATH"); dataPath != "" {
		cfg.DataPath = dataPath
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
