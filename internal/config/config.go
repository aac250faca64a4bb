// Package config loads the omp configuration file (JSONC) and resolves paths.
package config

// Config is the root configuration.
type Config struct {
	Models    ModelsConfig    `json:"models"`
	Subagents SubagentsConfig `json:"subagents"`
	Gateway   GatewayConfig   `json:"gateway"`
	Events    EventsConfig    `json:"events"`
	Artifacts ArtifactsConfig `json:"artifacts"`
}

// ModelsConfig configures the model registry and provider transport.
type ModelsConfig struct {
	Default   string `json:"default"`    // model id or fuzzy pattern
	BaseURL   string `json:"base_url"`   // override provider endpoint
	MaxTokens int    `json:"max_tokens"` // per-response cap
}

// SubagentsConfig configures concurrent subagent execution.
type SubagentsConfig struct {
	MaxConcurrent  int    `json:"max_concurrent"`
	OutputMaxBytes int    `json:"output_max_bytes"`
	OutputMaxLines int    `json:"output_max_lines"`
	AgentsDir      string `json:"agents_dir"` // directory of YAML agent definitions
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig configures the in-memory event bus.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// ArtifactsConfig configures the per-task artifact sink.
type ArtifactsConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}
