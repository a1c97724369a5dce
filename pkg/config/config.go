// Package config loads the daemon's tunables from a YAML file on top of
// built-in defaults. cmd/fatectl serve takes the file path from its
// --config flag; no flag overrides an individual field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every daemon-wide tunable recognized by FATE.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	BindAddr  string `yaml:"bind_addr"`  // lock service's raft transport address
	AdminAddr string `yaml:"admin_addr"` // admin grpc surface address

	PollInitialDelay time.Duration `yaml:"poll_initial_delay"`
	PollMinInterval  time.Duration `yaml:"poll_min_interval"`
	PollMaxInterval  time.Duration `yaml:"poll_max_interval"`
	MaxDeferred      int           `yaml:"max_deferred"`
	WorkerPoolSize   int           `yaml:"worker_pool_size"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns conservative out-of-the-box values: a few hundred
// milliseconds of initial poll delay, a small worker pool, and a generous
// shutdown grace period.
func Default() Config {
	return Config{
		DataDir:          "./data",
		BindAddr:         ":9090",
		AdminAddr:        ":9190",
		PollInitialDelay: 200 * time.Millisecond,
		PollMinInterval:  100 * time.Millisecond,
		PollMaxInterval:  5 * time.Second,
		MaxDeferred:      1000,
		WorkerPoolSize:   4,
		ShutdownGrace:    10 * time.Second,
		LogLevel:         "info",
		LogJSON:          true,
		MetricsAddr:      ":9091",
	}
}

// Load reads a YAML config file at path, applying its values on top of
// Default(). A missing file is not an error; Default() is returned as-is,
// so the daemon can run with zero config files.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
