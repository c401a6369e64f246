package config

// Package config provides a reusable loader for vaultnode configuration
// files and environment variables, adapted from the teacher's
// pkg/config/config.go viper loader: same Load(env)/LoadFromEnv shape,
// retargeted at the node's Role/Network/Storage/Logging sections instead
// of a blockchain node's consensus/VM settings.

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/vaultmesh/vaultnode/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a vaultnode process. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Role struct {
		// Kind is one of "elder", "adult", or "infant" (spec glossary).
		Kind           string `mapstructure:"kind" json:"kind"`
		SectionPrefix  string `mapstructure:"section_prefix" json:"section_prefix"`
	} `mapstructure:"role" json:"role"`

	Network struct {
		ListenAddr      string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MembershipTopic string   `mapstructure:"membership_topic" json:"membership_topic"`
		// DataTopic carries the dispatcher-classified envelope traffic
		// internal/engine routes (blob writes/reads/deletes and replication
		// messages), separate from the fixed-width membership topic above.
		DataTopic string `mapstructure:"data_topic" json:"data_topic"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		// ChunkStorePath is the Adult chunk store's bolt file path.
		ChunkStorePath string `mapstructure:"chunk_store_path" json:"chunk_store_path"`
		QuotaBytes     uint64 `mapstructure:"quota_bytes" json:"quota_bytes"`
		// Elder-only: the three logical metadata databases (spec §6).
		ImmutableDataPath string `mapstructure:"immutable_data_path" json:"immutable_data_path"`
		HolderDataPath    string `mapstructure:"holder_data_path" json:"holder_data_path"`
		FullAdultsPath    string `mapstructure:"full_adults_path" json:"full_adults_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level  string `mapstructure:"level" json:"level"`
		Format string `mapstructure:"format" json:"format"`
		File   string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	HTTP struct {
		// Enabled serves the upward client/peer blob protocol over HTTP in
		// addition to the gossip transport (Adult role only).
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"http" json:"http"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // env vars (including those loaded from .env) named like a key override it; no prefix is set

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VAULTNODE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VAULTNODE_ENV", ""))
}
