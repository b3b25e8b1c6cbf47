package config

// Package config provides a reusable loader for the relay configuration
// file and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"letters-overlay/core"
	"letters-overlay/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// AppConfig holds the relay configuration loaded via Load or LoadFromEnv.
var AppConfig core.RelayConfig

// Load reads <configDir>/config.json (§6.2) and merges `.env`-sourced
// environment overrides. The resulting configuration is stored in AppConfig
// and returned, with PublicAccessURL alignment (§4.7) applied.
func Load(configDir string) (*core.RelayConfig, error) {
	_ = godotenv.Load(".env") // optional; missing file is not an error

	viper.SetConfigName("config")
	viper.SetConfigType("json")
	if configDir != "" {
		viper.AddConfigPath(configDir)
	}
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load relay config")
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal relay config")
	}
	AppConfig.AlignPublicURL()
	return &AppConfig, nil
}

// LoadFromEnv loads configuration from the directory named by
// RELAY_CONFIG_DIR, defaulting to the current directory.
func LoadFromEnv() (*core.RelayConfig, error) {
	return Load(utils.EnvOrDefault("RELAY_CONFIG_DIR", "."))
}

// Save writes cfg back to <configDir>/config.json, atomically, so runtime
// updates (e.g. an operator rotating onion/publicUrl) persist across
// restarts.
func Save(configDir string, cfg *core.RelayConfig) error {
	cfg.AlignPublicURL()
	path := fmt.Sprintf("%s/config.json", configDir)
	return utils.WriteJSONAtomic(path, cfg)
}
