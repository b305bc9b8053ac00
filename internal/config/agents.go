package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"ollisten/internal/domain"
)

// ErrAgentNotFound is returned when no file exists for an agent name.
var ErrAgentNotFound = errors.New("agent not found")

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeAgentName maps a display name to a safe file stem.
func SanitizeAgentName(name string) string {
	return unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
}

// AgentStore reads and writes agent definitions, one YAML file each.
type AgentStore struct {
	dir string
}

// NewAgentStore creates a store rooted at dir.
func NewAgentStore(dir string) *AgentStore {
	return &AgentStore{dir: dir}
}

// Dir returns the directory holding agent files.
func (s *AgentStore) Dir() string {
	return s.dir
}

// List returns every agent definition sorted by name.
func (s *AgentStore) List() ([]domain.AgentConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents directory: %w", err)
	}

	var out []domain.AgentConfig
	for _, entry := range entries {
		if entry.IsDir() || !IsAgentFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		agent, err := ReadAgentFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.AgentConfig{Name: AgentNameFromPath(path), Agent: agent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one agent by name.
func (s *AgentStore) Get(name string) (domain.AgentConfig, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, name+ext)
		agent, err := ReadAgentFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return domain.AgentConfig{}, err
		}
		return domain.AgentConfig{Name: name, Agent: agent}, nil
	}
	return domain.AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
}

// Save writes cfg to <name>.yaml. When initialName differs from the new
// name, the old file is removed, which renames the agent.
func (s *AgentStore) Save(initialName string, cfg domain.AgentConfig) error {
	name := SanitizeAgentName(cfg.Name)
	if name == "" {
		return errors.New("agent name is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create agents directory: %w", err)
	}

	data, err := yaml.Marshal(cfg.Agent)
	if err != nil {
		return fmt.Errorf("serialize agent: %w", err)
	}
	path := filepath.Join(s.dir, name+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write agent file %s: %w", path, err)
	}

	if initialName != "" && initialName != name {
		if err := s.Delete(initialName); err != nil && !errors.Is(err, ErrAgentNotFound) {
			return err
		}
	}
	return nil
}

// Delete removes the file of an agent.
func (s *AgentStore) Delete(name string) error {
	removed := false
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, name+ext)
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete agent file %s: %w", path, err)
		}
		removed = true
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return nil
}

// ParseAgent decodes one agent definition.
func ParseAgent(data []byte) (domain.Agent, error) {
	var agent domain.Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return domain.Agent{}, fmt.Errorf("parse agent: %w", err)
	}
	return agent, nil
}

// ReadAgentFile reads and decodes path.
func ReadAgentFile(path string) (domain.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Agent{}, err
	}
	agent, err := ParseAgent(data)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("%s: %w", path, err)
	}
	return agent, nil
}

// IsAgentFile reports whether name has a YAML extension.
func IsAgentFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// AgentNameFromPath returns the file name up to its first dot.
func AgentNameFromPath(path string) string {
	base := filepath.Base(path)
	name, _, _ := strings.Cut(base, ".")
	return name
}
