package agents

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"ollisten/internal/domain"
	"ollisten/internal/events"
	"ollisten/internal/prompter"
)

// InProcess runs each agent's prompter inside this process and leaves
// display to the frontend listening on the bus.
type InProcess struct {
	ctx     context.Context
	bus     *events.Bus
	model   prompter.Talker
	sources prompter.SourceResolver
	log     zerolog.Logger
}

// NewInProcess creates the in-process surface. ctx bounds model calls of
// every prompter it starts.
func NewInProcess(ctx context.Context, bus *events.Bus, model prompter.Talker, sources prompter.SourceResolver, log zerolog.Logger) *InProcess {
	return &InProcess{ctx: ctx, bus: bus, model: model, sources: sources, log: log}
}

// Open configures and starts a prompter for cfg.
func (s *InProcess) Open(ctx context.Context, cfg domain.AgentConfig, geometry domain.WindowGeometry) (Handle, error) {
	p := prompter.New(s.ctx, s.bus, s.model, s.sources, s.log.With().Str("agent", cfg.Name).Logger())
	if err := p.Configure(cfg); err != nil {
		return nil, err
	}
	stop := p.Start(true)
	s.bus.Send(ctx, events.AgentWindowOpen{AgentName: cfg.Name, Geometry: geometry})
	return &inProcessHandle{name: cfg.Name, bus: s.bus, stop: stop, prompter: p}, nil
}

type inProcessHandle struct {
	name     string
	bus      *events.Bus
	stop     func()
	prompter *prompter.Prompter
	once     sync.Once
}

func (h *inProcessHandle) Close() error {
	h.once.Do(func() {
		h.stop()
		h.bus.Send(context.Background(), events.AgentWindowClosed{AgentName: h.name})
	})
	return nil
}
