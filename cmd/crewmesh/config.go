package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/crewmesh/crewmesh/internal/agents"
)

// Config holds all crewmesh configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string                        `json:"db_path"`
	LogLevel         string                        `json:"log_level"`
	LogFormat        string                        `json:"log_format"` // "json" or "text"
	PoolSize         int                           `json:"pool_size"`
	RetentionMinutes int                           `json:"retention_minutes"`
	Scheduler        bool                          `json:"scheduler"`
	Agents           map[string]agents.CommandSpec `json:"agents"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(crewmeshDir(), "crewmesh.db"),
		LogLevel:         "info",
		LogFormat:        "json",
		PoolSize:         16,
		RetentionMinutes: 10,
	}
}

func crewmeshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewmesh"
	}
	return filepath.Join(home, ".crewmesh")
}

func settingsPath() string {
	return filepath.Join(crewmeshDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CREWMESH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CREWMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CREWMESH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CREWMESH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CREWMESH_RETENTION_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionMinutes = n
		}
	}
	if v := os.Getenv("CREWMESH_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
