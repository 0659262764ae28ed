// Package config loads conveyord's on-disk configuration: detector polling
// and blacklist tuning, the RPC listener address, firmware catalog bucket
// coordinates, and per-session defaults. The per-subsystem
// DefaultConfig/Merge/Load composition follows the teacher's own config
// package; file loading follows the viper-based loader firestige-Otus's
// config package uses, generalized from a single required path to viper's
// name/type/path search plus environment override.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conveyor-project/conveyord/session"
)

// DetectConfig tunes the Device Detector's polling and blacklist.
type DetectConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BlacklistTTL  time.Duration `mapstructure:"blacklist_ttl"`
	BlacklistSize int           `mapstructure:"blacklist_size"`
}

// FirmwareConfig names the S3-compatible bucket the firmware Catalog lists
// and downloads from.
type FirmwareConfig struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
}

// RPCConfig configures the websocket listener Client Sessions connect to.
type RPCConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config holds initialization parameters for every conveyord subsystem.
// Each section delegates to that subsystem's own config-driven
// constructor.
type Config struct {
	Detect   DetectConfig    `mapstructure:"detect"`
	Firmware FirmwareConfig  `mapstructure:"firmware"`
	RPC      RPCConfig       `mapstructure:"rpc"`
	Session  session.Config  `mapstructure:"session"`
	PidFile  string          `mapstructure:"pid_file"`
}

// DefaultConfig returns a Config with sensible defaults for every
// subsystem, applied before a config file is merged in.
func DefaultConfig() Config {
	return Config{
		Detect: DetectConfig{
			PollInterval:  2 * time.Second,
			BlacklistTTL:  30 * time.Second,
			BlacklistSize: 64,
		},
		RPC: RPCConfig{
			ListenAddr: ":10201",
		},
		Session: session.DefaultConfig(),
		PidFile: "/var/run/conveyord.pid",
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}
	if source.Detect.PollInterval != 0 {
		c.Detect.PollInterval = source.Detect.PollInterval
	}
	if source.Detect.BlacklistTTL != 0 {
		c.Detect.BlacklistTTL = source.Detect.BlacklistTTL
	}
	if source.Detect.BlacklistSize != 0 {
		c.Detect.BlacklistSize = source.Detect.BlacklistSize
	}
	if source.Firmware.Bucket != "" {
		c.Firmware.Bucket = source.Firmware.Bucket
	}
	if source.Firmware.Region != "" {
		c.Firmware.Region = source.Firmware.Region
	}
	if source.RPC.ListenAddr != "" {
		c.RPC.ListenAddr = source.RPC.ListenAddr
	}
	if source.PidFile != "" {
		c.PidFile = source.PidFile
	}
	c.Session.Merge(&source.Session)
}

// Load reads the config file at path (any viper-supported format — yaml,
// toml, json) plus CONVEYORD_-prefixed environment overrides, merges it
// over DefaultConfig, and returns the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	ext := filepath.Ext(filename)
	v.SetConfigName(strings.TrimSuffix(filename, ext))
	v.SetConfigType(strings.TrimPrefix(ext, "."))
	v.AddConfigPath(dir)

	v.SetEnvPrefix("CONVEYORD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
