// Package agents starts and stops agent surfaces and keeps the set of
// running agents consistent with window-close and file events.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// Handle is one open agent surface.
type Handle interface {
	Close() error
}

// Surface opens the presentation of a running agent. The surface announces
// itself with agent-window-open and must publish agent-window-closed when
// it goes away for any reason.
type Surface interface {
	Open(ctx context.Context, cfg domain.AgentConfig, geometry domain.WindowGeometry) (Handle, error)
}

// Definitions lists agent definitions.
type Definitions interface {
	List() ([]domain.AgentConfig, error)
}

// Geometry returns remembered window placement by label.
type Geometry interface {
	WindowGeometry(label string) (domain.WindowGeometry, bool)
}

// ScreenFunc returns the bounds of the current display.
type ScreenFunc func(ctx context.Context) (domain.Rect, bool)

// Manager tracks running agents.
type Manager struct {
	bus      *events.Bus
	defs     Definitions
	geometry Geometry
	screen   ScreenFunc
	surface  Surface
	log      zerolog.Logger

	mu       sync.Mutex
	running  map[string]Handle
	all      bool
	mode     string
	fileSub  events.Unsubscribe
	closeSub events.Unsubscribe
}

// NewManager creates a manager with no running agents.
func NewManager(bus *events.Bus, defs Definitions, geometry Geometry, screen ScreenFunc, surface Surface, log zerolog.Logger) *Manager {
	m := &Manager{
		bus:      bus,
		defs:     defs,
		geometry: geometry,
		screen:   screen,
		surface:  surface,
		log:      log,
		running:  map[string]Handle{},
	}
	m.closeSub = bus.Subscribe(m.onWindowClosed, events.TypeAgentWindowClosed)
	return m
}

// SetSurface swaps how new agents are presented. Running agents keep their
// surface.
func (m *Manager) SetSurface(surface Surface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surface = surface
}

// Start launches the named agents, or every defined agent when names is
// empty. Agents already running are left alone.
func (m *Manager) Start(ctx context.Context, names ...string) error {
	configs, err := m.defs.List()
	if err != nil {
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to load agents: %v", err))
		return fmt.Errorf("list agents: %w", err)
	}

	if len(names) == 0 {
		m.mu.Lock()
		m.all = true
		m.mu.Unlock()
	} else {
		configs = lo.Filter(configs, func(c domain.AgentConfig, _ int) bool {
			return lo.Contains(names, c.Name)
		})
	}

	var errs []error
	for _, cfg := range configs {
		if err := m.launch(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartMode starts a mode's agents and remembers it as the running mode
// until the last agent stops.
func (m *Manager) StartMode(ctx context.Context, id string, mode domain.Mode) error {
	if len(mode.Agents) == 0 {
		return fmt.Errorf("mode %q has no agents", mode.Label)
	}
	m.mu.Lock()
	m.mode = id
	m.mu.Unlock()
	return m.Start(ctx, mode.Agents...)
}

// RunningMode returns the id of the running mode, or "".
func (m *Manager) RunningMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) launch(ctx context.Context, cfg domain.AgentConfig) error {
	m.mu.Lock()
	_, running := m.running[cfg.Name]
	surface := m.surface
	m.mu.Unlock()
	if running {
		return nil
	}

	handle, err := surface.Open(ctx, cfg, m.placement(ctx, cfg.Name))
	if err != nil {
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to start agent %s: %v", cfg.Name, err))
		return fmt.Errorf("open agent %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	if _, dup := m.running[cfg.Name]; dup {
		m.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	m.running[cfg.Name] = handle
	if m.fileSub == nil {
		m.fileSub = m.bus.Subscribe(m.onFileEvent, events.TypeFileAgentCreated, events.TypeFileAgentDeleted)
	}
	m.mu.Unlock()

	m.log.Info().Str("agent", cfg.Name).Msg("agent started")
	return nil
}

func (m *Manager) placement(ctx context.Context, name string) domain.WindowGeometry {
	g := DefaultGeometry
	if m.geometry != nil {
		if saved, ok := m.geometry.WindowGeometry(WindowLabel(name)); ok {
			g = saved
		}
	}
	if m.screen != nil {
		if screen, ok := m.screen(ctx); ok {
			g = Clamp(g, screen)
		}
	}
	return g
}

// Stop closes the named agents, or all of them when names is empty.
func (m *Manager) Stop(names ...string) {
	m.mu.Lock()
	if len(names) == 0 {
		names = lo.Keys(m.running)
	}
	var handles []Handle
	for _, name := range names {
		if h, ok := m.running[name]; ok {
			handles = append(handles, h)
			delete(m.running, name)
		}
	}
	release := m.releaseIfIdleLocked()
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			m.log.Warn().Err(err).Msg("close agent surface")
		}
	}
	release()
}

// releaseIfIdleLocked resets per-run state once nothing is running and
// returns the subscription release to call without the lock.
func (m *Manager) releaseIfIdleLocked() func() {
	if len(m.running) > 0 {
		return func() {}
	}
	m.all = false
	m.mode = ""
	sub := m.fileSub
	m.fileSub = nil
	if sub == nil {
		return func() {}
	}
	return func() { sub() }
}

// Running returns the sorted names of running agents.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := lo.Keys(m.running)
	sort.Strings(names)
	return names
}

// IsRunning reports whether name is running.
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[name]
	return ok
}

// Close stops every agent and detaches from the bus.
func (m *Manager) Close() {
	m.Stop()
	m.closeSub()
}

func (m *Manager) onWindowClosed(_ context.Context, ev events.Event) error {
	e, ok := ev.(events.AgentWindowClosed)
	if !ok {
		return nil
	}
	m.mu.Lock()
	if _, running := m.running[e.AgentName]; !running {
		m.mu.Unlock()
		return nil
	}
	delete(m.running, e.AgentName)
	release := m.releaseIfIdleLocked()
	m.mu.Unlock()

	m.log.Info().Str("agent", e.AgentName).Msg("agent window closed")
	release()
	return nil
}

func (m *Manager) onFileEvent(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.FileAgentCreated:
		m.mu.Lock()
		all := m.all
		m.mu.Unlock()
		if all {
			// launch reports its own failures
			_ = m.launch(ctx, domain.AgentConfig{Name: e.Name, Agent: e.Agent})
		}
	case events.FileAgentDeleted:
		if m.IsRunning(e.Name) {
			m.Stop(e.Name)
		}
	}
	return nil
}
