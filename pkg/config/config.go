package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds everything the server process needs. Values come from
// defaults, then an optional YAML file, then KILN_* environment variables,
// each layer overriding the last.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	SpoolDir   string `yaml:"spool_dir"`

	ContainerdSocket    string `yaml:"containerd_socket"`
	ContainerdNamespace string `yaml:"containerd_namespace"`
	ContainerPrefix     string `yaml:"container_prefix"`
	Image               string `yaml:"image"`
	TestCommand         string `yaml:"test_command"`

	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	StreamQueuedTimeout time.Duration `yaml:"stream_queued_timeout"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// DefaultServerConfig returns the built-in defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:          ":8000",
		DBPath:              "/var/lib/kiln/kiln.db",
		SpoolDir:            "/var/lib/kiln/spool",
		ContainerdSocket:    "/run/containerd/containerd.sock",
		ContainerdNamespace: "kiln",
		ContainerPrefix:     "kiln-job-",
		Image:               "docker.io/library/python:3.12-slim",
		TestCommand:         "pip install -q -r requirements.txt && python -m pytest -v",
		ReconcileInterval:   2 * time.Second,
		JobTimeout:          30 * time.Second,
		StreamQueuedTimeout: 30 * time.Second,
		LogLevel:            "info",
		LogJSON:             true,
	}
}

// LoadServer builds the server config. path may be empty; a missing file at
// an explicitly given path is an error, so typos do not silently fall back
// to defaults.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) applyEnv() {
	setString(&c.ListenAddr, "KILN_LISTEN_ADDR")
	setString(&c.DBPath, "KILN_DB_PATH")
	setString(&c.SpoolDir, "KILN_SPOOL_DIR")
	setString(&c.ContainerdSocket, "KILN_CONTAINERD_SOCKET")
	setString(&c.ContainerdNamespace, "KILN_CONTAINERD_NAMESPACE")
	setString(&c.ContainerPrefix, "KILN_CONTAINER_PREFIX")
	setString(&c.Image, "KILN_IMAGE")
	setString(&c.TestCommand, "KILN_TEST_COMMAND")
	setDuration(&c.ReconcileInterval, "KILN_RECONCILE_INTERVAL")
	setDuration(&c.JobTimeout, "KILN_JOB_TIMEOUT")
	setDuration(&c.StreamQueuedTimeout, "KILN_STREAM_QUEUED_TIMEOUT")
	setString(&c.LogLevel, "KILN_LOG_LEVEL")
	setBool(&c.LogJSON, "KILN_LOG_JSON")
}

func (c *ServerConfig) validate() error {
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if c.StreamQueuedTimeout <= 0 {
		return fmt.Errorf("stream_queued_timeout must be positive")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// ClientConfig is what the CLI client needs to talk to a server
type ClientConfig struct {
	ServerURL string
	APIKey    string
}

// ResolveClient resolves client credentials: explicit flag values win, then
// KILN_SERVER_URL / KILN_API_KEY, then ~/.kiln/config.
func ResolveClient(flagURL, flagKey string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL: "http://localhost:8000",
	}

	if fileCfg, err := readClientFile(); err == nil {
		if v := fileCfg["server_url"]; v != "" {
			cfg.ServerURL = v
		}
		if v := fileCfg["api_key"]; v != "" {
			cfg.APIKey = v
		}
	}

	setString(&cfg.ServerURL, "KILN_SERVER_URL")
	setString(&cfg.APIKey, "KILN_API_KEY")

	if flagURL != "" {
		cfg.ServerURL = flagURL
	}
	if flagKey != "" {
		cfg.APIKey = flagKey
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured: pass --api-key, set KILN_API_KEY, or add api_key to ~/.kiln/config")
	}
	return cfg, nil
}

// readClientFile parses ~/.kiln/config, a flat key=value file.
// Blank lines and #-comments are ignored.
func readClientFile() (map[string]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(home, ".kiln", "config"))
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}
