// Package agents manages agent definitions and the tool-handler registry.
package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Definition describes one agent kind a task can invoke.
type Definition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"` // allow-list patterns, e.g. "edit*", "bash"
	Model        string   `yaml:"model"` // id or fuzzy pattern; empty = batch default
}

// AllowsTool reports whether the definition's allow-list admits a tool name.
// An empty list admits everything; entries are doublestar patterns.
func (d Definition) AllowsTool(name string) bool {
	if len(d.Tools) == 0 {
		return true
	}
	for _, pattern := range d.Tools {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// FilterTools returns the subset of names the allow-list admits.
func (d Definition) FilterTools(names []string) []string {
	var out []string
	for _, n := range names {
		if d.AllowsTool(n) {
			out = append(out, n)
		}
	}
	return out
}

// Registry holds loaded agent definitions.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition, rejecting duplicates.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("agent definition has no name")
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("agent %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown agent %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return def, nil
}

// Names returns registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir scans a directory for *.yaml agent definitions and loads them.
// A missing directory is not an error; malformed files are skipped loudly.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("agents directory not found, skipping", "dir", dir)
			return nil
		}
		return fmt.Errorf("read agents dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		def, err := LoadDefinition(path)
		if err != nil {
			slog.Warn("failed to load agent definition", "path", path, "error", err)
			continue
		}
		if err := r.Register(def); err != nil {
			slog.Warn("failed to register agent", "name", def.Name, "error", err)
		}
	}
	return nil
}

// LoadDefinition parses a single YAML agent definition.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read agent definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse agent definition %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	return def, nil
}
