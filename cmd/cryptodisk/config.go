package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anatol/cryptodisk.go"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// Config holds defaults for the command line flags
type Config struct {
	BootOnly bool   `yaml:"boot_only" env:"CRYPTODISK_BOOT_ONLY"`
	UUID     string `yaml:"uuid" env:"CRYPTODISK_UUID"`
	// Pinentry enables the pinentry program, a terminal prompt is used otherwise
	Pinentry    bool     `yaml:"pinentry" env:"CRYPTODISK_PINENTRY"`
	MapperFlags []string `yaml:"mapper_flags" env:"CRYPTODISK_MAPPER_FLAGS" envSeparator:","`
	Output      string   `yaml:"output" env:"CRYPTODISK_OUTPUT"`
}

var configPath func() string = func() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cryptodisk", "config.yaml")
}

func newConfig() *Config {
	return &Config{
		Pinentry: true,
		Output:   outputTable,
	}
}

// Load reads the config file and then applies environment overrides.
// If path is empty the default location is used and a missing file is not an error.
func (c *Config) Load(path string) (err error) {
	if err = c.loadYaml(path); err != nil {
		return
	}
	if err = env.Parse(c); err != nil {
		return
	}
	return c.validate()
}

func (c *Config) loadYaml(path string) error {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	} else if err != nil {
		return err
	}

	klog.V(2).Infof("loading config file %s", path)
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Output {
	case outputTable, outputJSON:
	default:
		return fmt.Errorf("unknown output format %q", c.Output)
	}
	return nil
}

func (c *Config) scanOptions() cryptodisk.ScanOptions {
	return cryptodisk.ScanOptions{
		UUID:     c.UUID,
		BootOnly: c.BootOnly,
	}
}
