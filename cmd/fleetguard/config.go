package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/channel"
	"FleetGuard/internal/control"
	"FleetGuard/internal/logger"
	"FleetGuard/internal/participant"
	"FleetGuard/internal/round"
)

// Config holds the scenario and process configuration.
type Config struct {
	// DataPath is the directory for checkpoints and the key seed.
	DataPath string `yaml:"data"`

	// HTTPAddress is the query API listen address; empty disables the API.
	HTTPAddress string `yaml:"http"`

	// KeyPath is the BLS key seed file (generated if missing); empty uses
	// DataPath/checkpoint.key.
	KeyPath string `yaml:"key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Agents is the number of controlled agents.
	Agents int `yaml:"agents"`

	// Resume continues from the latest checkpoint in DataPath.
	Resume bool `yaml:"resume"`

	// KeepCheckpoints bounds the checkpoints retained; 0 keeps all.
	KeepCheckpoints int `yaml:"keep_checkpoints"`

	Population  participant.Config `yaml:"population"`
	Aggregation aggregation.Config `yaml:"aggregation"`
	Control     control.Limits     `yaml:"control"`
	Round       round.Config       `yaml:"round"`
	Channel     channel.Config     `yaml:"channel"`
}

// defaultConfig returns a 16-dimensional, 10-agent scenario.
func defaultConfig() Config {
	return Config{
		DataPath:        "./data",
		HTTPAddress:     ":8080",
		LogLevel:        "info",
		Agents:          10,
		KeepCheckpoints: 5,
		Population:      participant.DefaultConfig(),
		Aggregation:     aggregation.DefaultConfig(16),
		Control:         control.DefaultLimits(),
		Round:           round.DefaultConfig(),
		Channel:         channel.DefaultConfig(),
	}
}

// loadConfig reads a YAML scenario over the defaults. Unknown keys are errors.
// An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config:\n%w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	return cfg, nil
}

// keyPath returns the BLS seed location.
func (c Config) keyPath() string {
	if c.KeyPath != "" {
		return c.KeyPath
	}

	return c.DataPath + "/checkpoint.key"
}

// Validate checks every section once at startup.
func (c Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data path is required")
	}

	if c.Agents <= 0 {
		return fmt.Errorf("agents must be positive, got %d", c.Agents)
	}

	if c.KeepCheckpoints < 0 {
		return fmt.Errorf("keep checkpoints must not be negative, got %d", c.KeepCheckpoints)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	checks := []struct {
		name string
		err  error
	}{
		{"population", c.Population.Validate()},
		{"aggregation", c.Aggregation.Validate()},
		{"control", c.Control.Validate()},
		{"round", c.Round.Validate()},
		{"channel", c.Channel.Validate()},
	}

	for _, ch := range checks {
		if ch.err != nil {
			return fmt.Errorf("%s config:\n%w", ch.name, ch.err)
		}
	}

	return nil
}
