// Package config assembles the backend's startup defaults. Precedence, last
// writer wins: embedded defaults, then a JSON or TOML override file, then
// AEDTHUB_* environment variables.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed defaults.json
var embeddedDefaults []byte

// Config holds everything the backend needs to start. The json tags double
// as the property-document keys the values are seeded into.
type Config struct {
	URL          string  `json:"url" toml:"url"`
	Port         int     `json:"port" toml:"port"`
	Debug        bool    `json:"debug" toml:"debug"`
	LogFile      string  `json:"log_file" toml:"log_file"`
	ToolkitName  string  `json:"toolkit_name" toml:"toolkit_name"`
	AedtVersion  string  `json:"aedt_version" toml:"aedt_version"`
	NonGraphical bool    `json:"non_graphical" toml:"non_graphical"`
	UseGrpc      bool    `json:"use_grpc" toml:"use_grpc"`
	GrpcTimeout  float64 `json:"grpc_timeout" toml:"grpc_timeout"`

	PythonPath string `json:"python_path" toml:"python_path"`
	BridgePath string `json:"bridge_path" toml:"bridge_path"`
}

// ValidationError holds warnings for values that were replaced by defaults.
type ValidationError struct {
	Warnings []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Warnings, "; ")
}

func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Load builds the effective configuration. overridePath may be empty; a
// .toml suffix selects the TOML decoder, anything else is parsed as JSON.
func Load(overridePath string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(embeddedDefaults, &cfg); err != nil {
		return nil, fmt.Errorf("embedded defaults are corrupt: %w", err)
	}

	if overridePath != "" {
		if err := applyFile(&cfg, overridePath); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config override: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays AEDTHUB_* variables. Unparsable values are skipped so a
// stray export cannot prevent startup.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AEDTHUB_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("AEDTHUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("AEDTHUB_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = debug
		}
	}
	if v := os.Getenv("AEDTHUB_AEDT_VERSION"); v != "" {
		cfg.AedtVersion = v
	}
	if v := os.Getenv("AEDTHUB_NON_GRAPHICAL"); v != "" {
		if ng, err := strconv.ParseBool(v); err == nil {
			cfg.NonGraphical = ng
		}
	}
	if v := os.Getenv("AEDTHUB_USE_GRPC"); v != "" {
		if grpc, err := strconv.ParseBool(v); err == nil {
			cfg.UseGrpc = grpc
		}
	}
	if v := os.Getenv("AEDTHUB_PYTHON_PATH"); v != "" {
		cfg.PythonPath = v
	}
	if v := os.Getenv("AEDTHUB_BRIDGE_PATH"); v != "" {
		cfg.BridgePath = v
	}
}

// Validate replaces out-of-range values with defaults and reports each
// replacement as a warning.
func (c *Config) Validate() *ValidationError {
	var warnings []string

	if c.URL == "" {
		warnings = append(warnings, "empty url, using default 0.0.0.0")
		c.URL = "0.0.0.0"
	}
	if c.Port < 1024 || c.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("invalid port %d (must be 1024-65535), using default 5001", c.Port))
		c.Port = 5001
	}
	if c.GrpcTimeout <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid gRPC timeout %v, using default 120", c.GrpcTimeout))
		c.GrpcTimeout = 120
	}
	if c.ToolkitName == "" {
		warnings = append(warnings, "empty toolkit name, using default aedthub")
		c.ToolkitName = "aedthub"
	}

	if len(warnings) > 0 {
		return &ValidationError{Warnings: warnings}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.URL, c.Port)
}

// PropertyDefaults returns the mapping the property record is seeded from.
// Backend-only keys (bridge paths) stay out of the shared document.
func (c *Config) PropertyDefaults() map[string]any {
	return map[string]any{
		"url":           c.URL,
		"port":          c.Port,
		"debug":         c.Debug,
		"log_file":      c.LogFile,
		"toolkit_name":  c.ToolkitName,
		"aedt_version":  c.AedtVersion,
		"non_graphical": c.NonGraphical,
		"use_grpc":      c.UseGrpc,
		"grpc_timeout":  c.GrpcTimeout,
	}
}
