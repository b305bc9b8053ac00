// Package prompter turns the live transcript into periodic LLM prompts for
// one agent, rendering answers through the agent's templates.
package prompter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"ollisten/internal/debounce"
	"ollisten/internal/domain"
	"ollisten/internal/events"
	"ollisten/internal/tmpl"
)

// Talker sends one prompt to the language model. A non-empty schema asks
// for JSON output conforming to it.
type Talker interface {
	Talk(ctx context.Context, prompt, schema string) (string, error)
}

// SourceResolver labels transcript fragments by the device they came from.
type SourceResolver interface {
	DeviceSource(deviceID int) domain.DeviceSource
}

// ErrAnswerSchema wraps answers that fail structured-output validation.
var ErrAnswerSchema = errors.New("answer does not match schema")

type compiled struct {
	name            string
	prompt          *tmpl.Template
	mapper          *tmpl.Template
	schema          *jsonschema.Schema
	schemaSource    string
	historyMaxChars int
}

// Prompter is bound to one agent at a time.
type Prompter struct {
	bus     *events.Bus
	model   Talker
	sources SourceResolver
	log     zerolog.Logger
	ctx     context.Context
	clock   []debounce.Option

	mu          sync.Mutex
	agent       *compiled
	cadence     time.Duration
	invoker     *debounce.Debouncer[struct{}, *events.LlmResponse]
	unsubscribe events.Unsubscribe
	session     uint64
	paused      bool
	history     []string
	latest      []string
	prevAnswer  string
	prevJSON    any
}

// New creates an unconfigured prompter. ctx bounds model calls.
func New(ctx context.Context, bus *events.Bus, model Talker, sources SourceResolver, log zerolog.Logger) *Prompter {
	return &Prompter{
		bus:     bus,
		model:   model,
		sources: sources,
		log:     log,
		ctx:     ctx,
	}
}

// Name returns the configured agent name.
func (p *Prompter) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.agent == nil {
		return ""
	}
	return p.agent.name
}

// Cadence returns the current debounce window.
func (p *Prompter) Cadence() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cadence
}

// Configure compiles the agent's templates and schema. The debounced
// invoker is rebuilt only when the cadence changes.
func (p *Prompter) Configure(cfg domain.AgentConfig) error {
	c, err := compile(cfg)
	if err != nil {
		return err
	}

	interval := cfg.Agent.IntervalInSec
	if interval == 0 {
		interval = domain.DefaultIntervalInSec
	}
	cadence := time.Duration(max(1, interval) * float64(time.Second))

	p.mu.Lock()
	defer p.mu.Unlock()

	p.agent = c
	if p.invoker != nil && cadence == p.cadence {
		return nil
	}
	if p.invoker != nil {
		p.invoker.Cancel("cadence changed")
	}
	p.cadence = cadence
	opts := append([]debounce.Option{debounce.Immediate()}, p.clock...)
	p.invoker = debounce.New(p.tick, cadence, opts...)
	return nil
}

func compile(cfg domain.AgentConfig) (*compiled, error) {
	prompt, err := tmpl.Compile(cfg.Agent.Prompt)
	if err != nil {
		return nil, fmt.Errorf("agent %s prompt: %w", cfg.Name, err)
	}
	c := &compiled{
		name:            cfg.Name,
		prompt:          prompt,
		historyMaxChars: cfg.Agent.TranscriptionHistoryMaxChars,
	}
	if !cfg.Agent.Structured() {
		return c, nil
	}

	so := cfg.Agent.StructuredOutput
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(so.Schema))
	if err != nil {
		return nil, fmt.Errorf("agent %s schema: %w", cfg.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("agent.json", doc); err != nil {
		return nil, fmt.Errorf("agent %s schema: %w", cfg.Name, err)
	}
	schema, err := compiler.Compile("agent.json")
	if err != nil {
		return nil, fmt.Errorf("agent %s schema: %w", cfg.Name, err)
	}
	mapper, err := tmpl.Compile(so.Mapper)
	if err != nil {
		return nil, fmt.Errorf("agent %s mapper: %w", cfg.Name, err)
	}
	c.schema = schema
	c.schemaSource = so.Schema
	c.mapper = mapper
	return c, nil
}

// Start subscribes to transcript fragments and, when watchFileChanges is
// set, to edits of the agent's own definition file. A second Start while
// running returns a no-op stop function.
func (p *Prompter) Start(watchFileChanges bool) (stop func()) {
	p.mu.Lock()
	if p.unsubscribe != nil {
		p.mu.Unlock()
		return func() {}
	}
	p.session++
	p.history = nil
	p.latest = nil
	p.prevAnswer = ""
	p.prevJSON = nil

	types := []events.Type{events.TypeTranscriptionData, events.TypePrompterControl}
	if watchFileChanges {
		types = append(types, events.TypeFileAgentCreated, events.TypeFileAgentModified, events.TypeFileAgentDeleted)
	}
	p.unsubscribe = p.bus.Subscribe(p.handle, types...)
	p.mu.Unlock()

	p.publishStatus()
	var once sync.Once
	return func() { once.Do(p.stop) }
}

// Stop detaches the prompter and cancels queued invocations.
func (p *Prompter) Stop() {
	p.stop()
}

func (p *Prompter) stop() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	if unsubscribe == nil {
		p.mu.Unlock()
		return
	}
	p.unsubscribe = nil
	invoker := p.invoker
	if len(p.latest) > 0 {
		p.history = append(p.history, strings.Join(p.latest, "\n"))
		p.latest = nil
		if p.agent != nil {
			p.history = truncateHistory(p.history, p.agent.historyMaxChars)
		}
	}
	p.mu.Unlock()

	unsubscribe()
	if invoker != nil {
		invoker.Cancel("prompter stopped")
	}
	p.publishStatus()
}

// Pause drops incoming fragments until Resume.
func (p *Prompter) Pause() {
	p.setPaused(true)
}

// Resume accepts fragments again.
func (p *Prompter) Resume() {
	p.setPaused(false)
}

func (p *Prompter) setPaused(paused bool) {
	p.mu.Lock()
	changed := p.paused != paused
	p.paused = paused
	p.mu.Unlock()

	if changed {
		p.publishStatus()
	}
}

// Status is derived from the subscription and the pause flag.
func (p *Prompter) Status() domain.PrompterStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Prompter) statusLocked() domain.PrompterStatus {
	switch {
	case p.unsubscribe == nil:
		return domain.PrompterStatusStopped
	case p.paused:
		return domain.PrompterStatusPaused
	default:
		return domain.PrompterStatusRunning
	}
}

func (p *Prompter) publishStatus() {
	p.mu.Lock()
	name := ""
	if p.agent != nil {
		name = p.agent.name
	}
	status := p.statusLocked()
	p.mu.Unlock()

	p.bus.Send(p.ctx, events.PrompterStatusChanged{AgentName: name, Status: status})
}

// History returns a copy of the transcript history buffer.
func (p *Prompter) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

func (p *Prompter) handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.TranscriptionData:
		p.onFragment(e)
	case events.PrompterControl:
		if e.AgentName != p.Name() {
			return nil
		}
		switch e.Action {
		case events.PrompterActionPause:
			p.Pause()
		case events.PrompterActionResume:
			p.Resume()
		}
	case events.FileAgentCreated:
		return p.reconfigure(e.Name, e.Agent)
	case events.FileAgentModified:
		return p.reconfigure(e.Name, e.Agent)
	case events.FileAgentDeleted:
		if e.Name == p.Name() {
			p.log.Info().Str("agent", e.Name).Msg("agent definition deleted, stopping prompter")
			p.stop()
		}
	}
	return nil
}

func (p *Prompter) reconfigure(name string, agent domain.Agent) error {
	if name != p.Name() {
		return nil
	}
	if err := p.Configure(domain.AgentConfig{Name: name, Agent: agent}); err != nil {
		return err
	}
	p.log.Info().Str("agent", name).Msg("agent definition reloaded")
	return nil
}

func (p *Prompter) onFragment(e events.TranscriptionData) {
	p.mu.Lock()
	if p.paused || p.invoker == nil || p.unsubscribe == nil {
		p.mu.Unlock()
		return
	}

	text := e.Text
	if p.sources != nil {
		if label := p.sources.DeviceSource(e.DeviceID).Label(); label != "" {
			text = label + ": " + text
		}
	}
	p.history = append(p.history, text)
	p.latest = append(p.latest, text)
	p.history = truncateHistory(p.history, p.agent.historyMaxChars)
	invoker := p.invoker
	p.mu.Unlock()

	invoker.Call(struct{}{})
}

// truncateHistory drops the oldest entries until the joined history fits
// maxChars characters. The newest entry is always kept.
func truncateHistory(history []string, maxChars int) []string {
	if maxChars <= 0 || len(history) == 0 {
		return history
	}
	total := len(history) - 1
	for _, h := range history {
		total += utf8.RuneCountInString(h)
	}
	start := 0
	for total > maxChars && start < len(history)-1 {
		total -= utf8.RuneCountInString(history[start]) + 1
		start++
	}
	if start == 0 {
		return history
	}
	return append([]string(nil), history[start:]...)
}

// tick is the debounced invocation: it drains the latest buffer and asks
// the model, discarding the answer if the prompter stopped or paused
// meanwhile.
func (p *Prompter) tick(struct{}) (*events.LlmResponse, error) {
	p.mu.Lock()
	if p.unsubscribe == nil || p.agent == nil {
		p.mu.Unlock()
		return nil, nil
	}
	session := p.session
	history := strings.Join(p.history, "\n")
	latest := strings.Join(p.latest, "\n")
	p.latest = nil
	prevAnswer, prevJSON := p.prevAnswer, p.prevJSON
	paused := p.paused
	p.mu.Unlock()

	if paused {
		return nil, nil
	}

	resp, err := p.Invoke(p.ctx, history, latest, prevAnswer, prevJSON)
	if err != nil {
		p.log.Error().Err(err).Str("agent", p.Name()).Msg("prompter invocation failed")
		p.bus.ShowError(p.ctx, err.Error())
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}

	p.mu.Lock()
	current := p.unsubscribe != nil && p.session == session && !p.paused
	if current {
		p.prevAnswer = resp.Answer
		p.prevJSON = resp.AnswerJSON
	}
	p.mu.Unlock()

	if !current {
		p.log.Debug().Str("agent", resp.AgentName).Msg("discarding late answer")
		return nil, nil
	}
	p.bus.Send(p.ctx, *resp)
	return resp, nil
}

// Invoke renders the prompt for the given transcript and asks the model.
// It returns nil when there is nothing new to say, the prompter has no
// agent, or it is paused.
func (p *Prompter) Invoke(ctx context.Context, history, latest, prevAnswer string, prevJSON any) (*events.LlmResponse, error) {
	p.mu.Lock()
	agent := p.agent
	paused := p.paused
	p.mu.Unlock()

	if latest == "" || agent == nil || paused {
		return nil, nil
	}

	prompt, err := agent.prompt.Execute(templateInput(history, latest, prevAnswer, prevJSON))
	if err != nil {
		return nil, fmt.Errorf("render prompt for %s: %w", agent.name, err)
	}

	p.bus.Send(ctx, events.LlmRequest{AgentName: agent.name, Prompt: prompt})
	raw, err := p.model.Talk(ctx, prompt, agent.schemaSource)
	if err != nil {
		return nil, fmt.Errorf("ask model for %s: %w", agent.name, err)
	}

	resp := &events.LlmResponse{
		AgentName:            agent.name,
		TranscriptionHistory: history,
		TranscriptionLatest:  latest,
		Prompt:               prompt,
		Answer:               raw,
	}
	if agent.schema == nil {
		return resp, nil
	}

	var value any
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnswerSchema, err)
	}
	if err := agent.schema.Validate(value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnswerSchema, err)
	}
	answer, err := agent.mapper.Execute(value)
	if err != nil {
		return nil, fmt.Errorf("render mapper for %s: %w", agent.name, err)
	}
	resp.Answer = answer
	resp.AnswerJSON = value
	return resp, nil
}

func templateInput(history, latest, prevAnswer string, prevJSON any) map[string]any {
	return map[string]any{
		"transcription": map[string]any{
			"all":    history,
			"latest": latest,
		},
		"answer": map[string]any{
			"previous": map[string]any{
				"text": prevAnswer,
				"json": prevJSON,
			},
		},
	}
}

// stripCodeFence unwraps answers the model wrapped in a markdown code block.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
