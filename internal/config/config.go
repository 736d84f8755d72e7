package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all runtime configuration. Values come from SSHVAULT_*
// environment variables, optionally overridden by a YAML config file
// (see file.go). Idle timeout and KDF iteration count are deliberately
// runtime-configurable with safe defaults.
type Settings struct {
	VaultPath  string `envconfig:"VAULT_PATH" yaml:"vault_path" default:""`
	ConfigFile string `envconfig:"CONFIG_FILE" yaml:"-" default:""`
	LogPath    string `envconfig:"LOG_PATH" yaml:"log_path" default:""`

	// Vault settings
	KDFIterations int `envconfig:"KDF_ITERATIONS" yaml:"kdf_iterations" default:"480000"`

	// Session settings
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" yaml:"connect_timeout" default:"30s"`
	IdleTimeout    string `envconfig:"IDLE_TIMEOUT" yaml:"idle_timeout" default:"10m"`

	// Queue settings
	Workers       int `envconfig:"WORKERS" yaml:"workers" default:"4"`
	QueueCapacity int `envconfig:"QUEUE_CAPACITY" yaml:"queue_capacity" default:"64"`
}

var Cfg Settings

// Load populates Cfg from the environment, applies config file overrides,
// and fills path defaults.
func Load() {
	if err := envconfig.Process("SSHVAULT", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ConfigFile != "" {
		if err := applyFile(&Cfg, Cfg.ConfigFile); err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
	}
	if Cfg.VaultPath == "" {
		Cfg.VaultPath = defaultVaultPath()
	}
}

// defaultVaultPath places the vault under the user's home directory, falling
// back to the working directory when home is unknown.
func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh-vault", "vault.json")
	}
	return filepath.Join(home, ".ssh-vault", "vault.json")
}
