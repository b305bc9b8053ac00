package config

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ollisten/internal/domain"
)

// ErrModeNotFound is returned for operations on an unknown mode id.
var ErrModeNotFound = errors.New("mode not found")

// CreateMode adds an empty mode and returns its id.
func (s *Saver) CreateMode(ctx context.Context, label string) string {
	id := uuid.NewString()
	s.Update(ctx, func(cfg *domain.AppConfig) {
		if cfg.Modes == nil {
			cfg.Modes = map[string]domain.Mode{}
		}
		cfg.Modes[id] = domain.Mode{Label: label, Agents: []string{}}
	})
	return id
}

// RenameMode changes a mode label.
func (s *Saver) RenameMode(ctx context.Context, id, label string) error {
	return s.updateMode(ctx, id, func(m *domain.Mode) { m.Label = label })
}

// SetModeAgents replaces the agents a mode starts.
func (s *Saver) SetModeAgents(ctx context.Context, id string, agents []string) error {
	return s.updateMode(ctx, id, func(m *domain.Mode) {
		m.Agents = append([]string{}, agents...)
	})
}

// DeleteMode removes a mode.
func (s *Saver) DeleteMode(ctx context.Context, id string) error {
	if _, ok := s.Mode(id); !ok {
		return ErrModeNotFound
	}
	s.Update(ctx, func(cfg *domain.AppConfig) {
		delete(cfg.Modes, id)
	})
	return nil
}

// Mode returns one mode by id.
func (s *Saver) Mode(id string) (domain.Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cfg.Modes[id]
	return m, ok
}

func (s *Saver) updateMode(ctx context.Context, id string, fn func(*domain.Mode)) error {
	if _, ok := s.Mode(id); !ok {
		return ErrModeNotFound
	}
	s.Update(ctx, func(cfg *domain.AppConfig) {
		m, ok := cfg.Modes[id]
		if !ok {
			return
		}
		fn(&m)
		cfg.Modes[id] = m
	})
	return nil
}
