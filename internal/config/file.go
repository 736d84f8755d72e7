package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileOverrides mirrors the YAML config file. Only fields present in the
// file override the environment; absent fields keep their env/default values.
type fileOverrides struct {
	VaultPath      *string `yaml:"vault_path"`
	LogPath        *string `yaml:"log_path"`
	KDFIterations  *int    `yaml:"kdf_iterations"`
	ConnectTimeout *string `yaml:"connect_timeout"`
	IdleTimeout    *string `yaml:"idle_timeout"`
	Workers        *int    `yaml:"workers"`
	QueueCapacity  *int    `yaml:"queue_capacity"`
}

// applyFile reads a YAML config file and overlays its set fields onto s.
func applyFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var o fileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if o.VaultPath != nil {
		s.VaultPath = *o.VaultPath
	}
	if o.LogPath != nil {
		s.LogPath = *o.LogPath
	}
	if o.KDFIterations != nil {
		s.KDFIterations = *o.KDFIterations
	}
	if o.ConnectTimeout != nil {
		s.ConnectTimeout = *o.ConnectTimeout
	}
	if o.IdleTimeout != nil {
		s.IdleTimeout = *o.IdleTimeout
	}
	if o.Workers != nil {
		s.Workers = *o.Workers
	}
	if o.QueueCapacity != nil {
		s.QueueCapacity = *o.QueueCapacity
	}
	return nil
}
