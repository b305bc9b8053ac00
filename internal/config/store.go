package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ollisten/internal/domain"
)

// Store defines persistence operations for the app configuration.
type Store interface {
	Load() (domain.AppConfig, error)
	Save(domain.AppConfig) error
}

// JSONStore persists the configuration in a single JSON file on disk.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSON-backed configuration store.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Path returns the backing file.
func (s *JSONStore) Path() string {
	return s.path
}

// Load reads the configuration from disk or returns defaults when missing.
func (s *JSONStore) Load() (domain.AppConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppConfig(), nil
		}
		return domain.AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg domain.AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.AppConfig{}, fmt.Errorf("parse config %s: %w", s.path, err)
	}

	return withDefaults(cfg), nil
}

// Save writes the configuration as indented JSON through a temp file.
func (s *JSONStore) Save(cfg domain.AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
