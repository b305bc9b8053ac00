package config

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// SaveDelay coalesces bursts of edits, such as window drags, into one write.
const SaveDelay = 500 * time.Millisecond

// Saver owns the in-memory configuration. Updates are published as
// app-config-changed and written to the store after SaveDelay.
type Saver struct {
	store    Store
	bus      *events.Bus
	log      zerolog.Logger
	schedule func(func())

	mu  sync.Mutex
	cfg domain.AppConfig
}

// NewSaver loads the configuration from store.
func NewSaver(store Store, bus *events.Bus, log zerolog.Logger) (*Saver, error) {
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Saver{
		store:    store,
		bus:      bus,
		log:      log,
		schedule: debounce.New(SaveDelay),
		cfg:      cfg,
	}, nil
}

// Get returns a copy of the current configuration.
func (s *Saver) Get() domain.AppConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Update applies fn to the configuration, announces the result and
// schedules a save.
func (s *Saver) Update(ctx context.Context, fn func(*domain.AppConfig)) domain.AppConfig {
	s.mu.Lock()
	next := s.cfg.Clone()
	fn(&next)
	s.cfg = next
	snapshot := next.Clone()
	s.mu.Unlock()

	s.bus.Send(ctx, events.AppConfigChanged{Config: snapshot})
	s.schedule(func() {
		if err := s.Flush(); err != nil {
			s.log.Error().Err(err).Msg("save config failed")
			s.bus.ShowError(context.Background(), "Failed to save configuration: "+err.Error())
		}
	})
	return snapshot
}

// Flush writes the current configuration immediately.
func (s *Saver) Flush() error {
	return s.store.Save(s.Get())
}

// SetWindowGeometry remembers where an agent surface was placed.
func (s *Saver) SetWindowGeometry(ctx context.Context, label string, geometry domain.WindowGeometry) {
	s.Update(ctx, func(cfg *domain.AppConfig) {
		if cfg.WindowProps == nil {
			cfg.WindowProps = map[string]domain.WindowGeometry{}
		}
		cfg.WindowProps[label] = geometry
	})
}

// WindowGeometry returns the remembered placement for label.
func (s *Saver) WindowGeometry(label string) (domain.WindowGeometry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.cfg.WindowProps[label]
	return g, ok
}
