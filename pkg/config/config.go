// Package config loads the dataplane configuration file. The schema mirrors
// the plugin sections: video (required), acap and aplay (optional).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds everything the controller needs to start.
type Config struct {
	Video VideoConfig
	ACap  ACapConfig
	APlay APlayConfig
}

// VideoConfig names the shared-memory frame sink.
type VideoConfig struct {
	Sink string `mapstructure:"sink"`
}

// ACapConfig enables audio capture when Device is set.
type ACapConfig struct {
	Device string `mapstructure:"device"`
	// TC358743 is the V4L2 node used to ask the HDMI chip whether the
	// source carries audio; required whenever Device is set.
	TC358743     string `mapstructure:"tc358743"`
	SamplingRate uint   `mapstructure:"sampling_rate"`
	Bitrate      int    `mapstructure:"bitrate"`
}

// APlayConfig enables the audio return channel when Device is set and the
// Check sentinel file (if named) exists.
type APlayConfig struct {
	Device string `mapstructure:"device"`
	Check  string `mapstructure:"check"`
}

// Load reads and validates the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The check file gates playback: its absence disables the return
	// channel without touching the device setting.
	if cfg.APlay.Device != "" && cfg.APlay.Check != "" {
		if _, err := os.Stat(cfg.APlay.Check); err != nil {
			cfg.APlay.Device = ""
		}
	}

	return cfg, nil
}

// Validate enforces required keys and cross-section constraints.
func (c *Config) Validate() error {
	if c.Video.Sink == "" {
		return fmt.Errorf("missing config value: video.sink")
	}
	if c.ACap.Device != "" && c.ACap.TC358743 == "" {
		return fmt.Errorf("missing config value: acap.tc358743")
	}
	return nil
}

// AudioEnabled reports whether capture is configured at all.
func (c *Config) AudioEnabled() bool {
	return c.ACap.Device != ""
}

// PlaybackEnabled reports whether the return channel survived the check.
func (c *Config) PlaybackEnabled() bool {
	return c.AudioEnabled() && c.APlay.Device != ""
}
