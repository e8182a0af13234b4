// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched, in
// priority order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/roomsync/config.yaml",
	"/etc/roomsync/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces environment overrides, e.g.
// ROOMSYNC_ROOM_MEMORY_CEILING_BYTES=16777216.
const envPrefix = "ROOMSYNC_"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML config file.
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment overrides. ROOMSYNC_SERVER_PORT=9000 maps to
	// server.port.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// configSections lists top-level section names, longest first so that
// rate_limit matches before a bare "rate" would.
var configSections = []string{
	"rate_limit", "server", "database", "room", "backup",
	"events", "journal", "security", "logging",
}

// envKeyTransform maps ROOMSYNC_SECTION_SOME_KEY to section.some_key.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range configSections {
		if strings.HasPrefix(s, section+"_") {
			return section + "." + strings.TrimPrefix(s, section+"_")
		}
	}
	return s
}

// findConfigFile returns the config file path to load, or "" if none exists.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
