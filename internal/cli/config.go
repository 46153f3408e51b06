package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Manager struct {
		CoreWorkers     int           `yaml:"core_workers"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"manager"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
		Endpoint    string `yaml:"endpoint"`
		Insecure    bool   `yaml:"insecure"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Snapshot struct {
		Enabled  bool          `yaml:"enabled"`
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`
}

// defaultConfig returns the settings used for keys missing from the file.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Manager.CoreWorkers = jobmanager.DefaultCoreWorkers
	cfg.Manager.ShutdownTimeout = 10 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.Tracing.ServiceName = "beaver-jobs"
	cfg.Tracing.Endpoint = "localhost:4318"
	cfg.Tracing.Insecure = true
	cfg.Metrics.Enabled = true
	cfg.Snapshot.Path = "beaver-jobs-state.json"
	cfg.Snapshot.Interval = 5 * time.Second
	return cfg
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Manager.CoreWorkers <= 0 {
		return fmt.Errorf("manager.core_workers must be positive, got %d", c.Manager.CoreWorkers)
	}
	if c.Manager.ShutdownTimeout < 0 {
		return fmt.Errorf("manager.shutdown_timeout must not be negative")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Snapshot.Enabled {
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is required when snapshot is enabled")
		}
		if c.Snapshot.Interval <= 0 {
			return fmt.Errorf("snapshot.interval must be positive, got %s", c.Snapshot.Interval)
		}
	}
	return nil
}
