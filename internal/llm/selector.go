package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// ErrNoModel is returned by Talk before a model is selected.
var ErrNoModel = errors.New("No LLM model selected")

// Backend is the language-model endpoint.
type Backend interface {
	Models(ctx context.Context) ([]domain.LlmModel, error)
	Chat(ctx context.Context, model, prompt, schema string) (string, error)
}

// Selector holds the model options and the selected model. Selections made
// in other processes arrive as llm-model-option-selected events.
type Selector struct {
	bus     *events.Bus
	backend Backend
	log     zerolog.Logger

	mu       sync.Mutex
	options  []domain.LlmModel
	selected string

	unsubscribe events.Unsubscribe
}

// NewSelector creates a selector with no options.
func NewSelector(bus *events.Bus, backend Backend, log zerolog.Logger) *Selector {
	s := &Selector{bus: bus, backend: backend, log: log}
	s.unsubscribe = bus.Subscribe(s.handle, events.TypeLlmModelOptionSelected, events.TypeAgentWindowOpen)
	return s
}

// Close detaches the selector from the bus.
func (s *Selector) Close() {
	s.unsubscribe()
}

// Initialize fetches model options and restores preferred when present.
func (s *Selector) Initialize(ctx context.Context, preferred string) {
	options, err := s.backend.Models(ctx)
	if err != nil {
		s.bus.ShowError(ctx, fmt.Sprintf("Failed to get LLM model options: %v", err))
		return
	}
	if len(options) == 0 {
		s.bus.ShowError(ctx, "No LLM models available")
		return
	}

	s.mu.Lock()
	s.options = options
	current := s.selected
	s.mu.Unlock()
	s.bus.Send(ctx, events.LlmModelOptionsUpdated{Options: options})

	has := func(name string) bool {
		return lo.ContainsBy(options, func(m domain.LlmModel) bool { return m.Name == name })
	}
	switch {
	case preferred != "" && has(preferred):
		s.Select(ctx, preferred)
	case current == "" || !has(current):
		s.Select(ctx, options[0].Name)
	}
}

// Options returns the known models.
func (s *Selector) Options() []domain.LlmModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LlmModel(nil), s.options...)
}

// Selected returns the selected model name, or "".
func (s *Selector) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// ValidateStart reports whether prompts can be sent.
func (s *Selector) ValidateStart() domain.Validation {
	if s.Selected() == "" {
		return domain.Invalid(ErrNoModel.Error())
	}
	return domain.Valid
}

// Select changes the model and announces it.
func (s *Selector) Select(ctx context.Context, name string) {
	s.mu.Lock()
	s.selected = name
	s.mu.Unlock()
	s.bus.Send(ctx, events.LlmModelOptionSelected{Option: name})
}

// Talk sends prompt to the selected model.
func (s *Selector) Talk(ctx context.Context, prompt, schema string) (string, error) {
	model := s.Selected()
	if model == "" {
		return "", ErrNoModel
	}
	return s.backend.Chat(ctx, model, prompt, schema)
}

func (s *Selector) handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.LlmModelOptionSelected:
		s.mu.Lock()
		s.selected = e.Option
		s.mu.Unlock()
	case events.AgentWindowOpen:
		// only the process that fetched options owns the selection
		if len(s.Options()) == 0 {
			return nil
		}
		if name := s.Selected(); name != "" {
			if err := s.bus.SendExternal(ctx, events.LlmModelOptionSelected{Option: name}); err != nil {
				s.log.Warn().Err(err).Msg("announce llm selection")
			}
		}
	}
	return nil
}
