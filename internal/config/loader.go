package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals into Config, and applies defaults.
// A missing file yields a default config rather than an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment templates before stripping, since they live in strings.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Models.Default == "" {
		cfg.Models.Default = "claude-sonnet-4-5"
	}
	if cfg.Models.MaxTokens == 0 {
		cfg.Models.MaxTokens = 8192
	}
	if cfg.Subagents.MaxConcurrent == 0 {
		cfg.Subagents.MaxConcurrent = 4
	}
	if cfg.Subagents.OutputMaxBytes == 0 {
		cfg.Subagents.OutputMaxBytes = 50_000
	}
	if cfg.Subagents.OutputMaxLines == 0 {
		cfg.Subagents.OutputMaxLines = 1000
	}
	if cfg.Subagents.AgentsDir == "" {
		cfg.Subagents.AgentsDir = filepath.Join(OmpPath(), "agents")
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18510
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = filepath.Join(OmpPath(), "artifacts")
	}
}
