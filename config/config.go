// Package config loads tunedmoded's INI configuration file, writing out a
// defaults-populated copy on first run per the XDG base directory spec.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

const (
	appName              = "tunedmode"
	fileName             = "tunedmode.ini"
	sectionTuned         = "tuned"
	keyGamingProfile     = "gaming-profile"
	defaultGamingProfile = "latency-performance"
)

// Config is the parsed content of tunedmode.ini.
type Config struct {
	// GamingProfile is the TuneD profile activated while at least one game
	// is registered.
	GamingProfile string
}

// Load reads the configuration file at its XDG-resolved path, creating it
// with defaults if absent, and returns the parsed result.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := ini.Empty()
	if _, err := os.Stat(path); err == nil {
		loaded, err := ini.Load(path)
		if err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
		cfg = loaded
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat %s: %w", path, err)
	}

	section := cfg.Section(sectionTuned)
	if !section.HasKey(keyGamingProfile) {
		section.Key(keyGamingProfile).SetValue(defaultGamingProfile)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.SaveTo(path); err != nil {
			return Config{}, fmt.Errorf("write default config %s: %w", path, err)
		}
	}

	return Config{
		GamingProfile: section.Key(keyGamingProfile).MustString(defaultGamingProfile),
	}, nil
}

// Path resolves the configuration file location under
// $XDG_CONFIG_HOME/tunedmode/tunedmode.ini, falling back to the standard
// base-directory location ($HOME/.config) when XDG_CONFIG_HOME is unset.
func Path() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName, fileName), nil
}
