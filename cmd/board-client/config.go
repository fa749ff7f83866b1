package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const configFileName = "client.toml"

// clientConfig is what the client needs to reach a board. Values come from
// the TOML config file and are overridden by flags.
type clientConfig struct {
	Server   string `toml:"server"`
	Token    string `toml:"token"`
	Name     string `toml:"name"`
	QueueDir string `toml:"queue_dir"`
}

func defaultConfig() clientConfig {
	cfg := clientConfig{Server: "http://localhost:8080"}
	if dir := defaultConfigDir(); dir != "" {
		cfg.QueueDir = filepath.Join(dir, "queue")
	}
	return cfg
}

// defaultConfigDir returns $XDG_CONFIG_HOME/taskboard, falling back to
// ~/.config/taskboard.
func defaultConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "taskboard")
}

// loadConfig merges the file at path over the defaults. A missing file is
// only an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (clientConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		dir := defaultConfigDir()
		if dir == "" {
			return cfg, nil
		}
		path = filepath.Join(dir, configFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return clientConfig{}, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return clientConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
