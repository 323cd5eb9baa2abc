// Package config loads hookctx settings from a YAML or TOML document and
// the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds every hookctx setting. Environment variables override the
// document.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level" toml:"log_level" env:"HOOKCTX_LOG_LEVEL"`

	// UpgradeLegacySwaps turns raw method swaps issued by LegacyModules into
	// tracked detours owned by the issuing module.
	UpgradeLegacySwaps bool     `yaml:"upgrade_legacy_swaps" toml:"upgrade_legacy_swaps" env:"HOOKCTX_UPGRADE_LEGACY_SWAPS"`
	LegacyModules      []string `yaml:"legacy_modules" toml:"legacy_modules" env:"HOOKCTX_LEGACY_MODULES" envSeparator:","`

	// ExclusivePatching refuses to chain detours on an already patched
	// target.
	ExclusivePatching bool `yaml:"exclusive_patching" toml:"exclusive_patching" env:"HOOKCTX_EXCLUSIVE_PATCHING"`

	// StackAttribution enables the call stack fallback for installs that
	// carry no explicit owner.
	StackAttribution bool `yaml:"stack_attribution" toml:"stack_attribution" env:"HOOKCTX_STACK_ATTRIBUTION"`
}

// Default returns the settings used when no document is given.
func Default() Config {
	return Config{
		LogLevel:         "info",
		StackAttribution: true,
	}
}

// Format of a configuration document.
type Format int

const (
	YAML Format = iota
	TOML
)

// FormatOf picks the format from a file extension. Anything that is not
// .toml is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOML
	}
	return YAML
}

// Load reads the document at path. An empty path reads no document. When
// the document is missing or corrupt, Load returns the defaults, with the
// environment applied, along with the error.
func Load(path string) (Config, error) {
	if path == "" {
		return FromEnv(Default())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		cfg, _ := FromEnv(Default())
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data, FormatOf(path))
	if err != nil {
		cfg, _ := FromEnv(Default())
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return FromEnv(cfg)
}

// Parse decodes a document on top of the defaults.
func Parse(data []byte, format Format) (Config, error) {
	cfg := Default()
	switch format {
	case TOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return Default(), fmt.Errorf("parse toml: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Default(), fmt.Errorf("parse yaml: %w", err)
		}
	}
	return cfg, nil
}

// FromEnv applies HOOKCTX_* environment variables to cfg.
func FromEnv(cfg Config) (Config, error) {
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// IsLegacy reports whether module is listed in LegacyModules.
func (c Config) IsLegacy(module string) bool {
	return slices.Contains(c.LegacyModules, module)
}
