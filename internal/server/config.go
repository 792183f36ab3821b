package server

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors Options for the YAML config file.
type Config struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	Root           string `yaml:"root"`
	Overwrite      bool   `yaml:"overwrite"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	TIDMin         int    `yaml:"tid_min"`
	TIDMax         int    `yaml:"tid_max"`
}

// LoadConfig overlays a YAML config file on the defaults. A missing file
// yields the defaults without error.
func LoadConfig(path string) (*Options, error) {
	opts := NewDefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) || path == "" {
			return opts, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Address != "" {
		opts.Address = cfg.Address
	}
	if cfg.Port != 0 {
		opts.Port = cfg.Port
	}
	if cfg.Root != "" {
		opts.Root = cfg.Root
	}
	opts.Overwrite = cfg.Overwrite
	if cfg.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if cfg.Retries > 0 {
		opts.Retries = cfg.Retries
	}
	if cfg.TIDMin > 0 {
		opts.TIDMin = cfg.TIDMin
	}
	if cfg.TIDMax > 0 {
		opts.TIDMax = cfg.TIDMax
	}
	return opts, nil
}
