package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"ollisten/internal/config"
	"ollisten/internal/domain"
	"ollisten/internal/events"
	"ollisten/internal/transcription"
)

// memStore keeps configuration in memory for App tests.
type memStore struct {
	mu  sync.Mutex
	cfg domain.AppConfig
}

// Load returns the stored configuration.
func (s *memStore) Load() (domain.AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone(), nil
}

// Save replaces the stored configuration.
func (s *memStore) Save(cfg domain.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	return nil
}

// fakeTranscriber starts sessions synchronously.
type fakeTranscriber struct {
	bus *events.Bus

	mu        sync.Mutex
	starts    int
	downloads []string
}

func (f *fakeTranscriber) Start(ctx context.Context, _ string, deviceIDs []int) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.bus.SendInternal(ctx, events.TranscriptionStarted{DeviceID: deviceIDs[0]})
	return nil
}

func (f *fakeTranscriber) Stop(ctx context.Context) error {
	f.bus.SendInternal(ctx, events.TranscriptionStopped{})
	return nil
}

func (f *fakeTranscriber) Models(context.Context) ([]string, error) {
	return []string{"tiny.en", "base.en"}, nil
}

func (f *fakeTranscriber) InputDevices(context.Context) ([]domain.DeviceOption, error) {
	return []domain.DeviceOption{{ID: 1, Name: "Mic"}}, nil
}

func (f *fakeTranscriber) OutputDevice(context.Context) (*domain.DeviceOption, error) {
	return nil, nil
}

func (f *fakeTranscriber) ModelOptions() []domain.TranscriptionModelOption {
	return []domain.TranscriptionModelOption{{ID: "tiny.en"}, {ID: "base.en", Downloaded: true}}
}

func (f *fakeTranscriber) Download(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "missing" {
		return "", errors.New("404")
	}
	f.downloads = append(f.downloads, id)
	return "/models/ggml-" + id + ".bin", nil
}

// fakeLLM answers every chat with a fixed reply.
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
}

func (f *fakeLLM) Models(context.Context) ([]domain.LlmModel, error) {
	return []domain.LlmModel{{Name: "llama3"}, {Name: "qwen"}}, nil
}

func (f *fakeLLM) Chat(_ context.Context, _, prompt, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return "answer", nil
}

type testApp struct {
	*App
	store       *memStore
	transcriber *fakeTranscriber
	llm         *fakeLLM
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	root := t.TempDir()
	store := &memStore{cfg: config.DefaultAppConfig()}
	transcriber := &fakeTranscriber{}
	model := &fakeLLM{}

	app, err := assemble(deps{
		log:   zerolog.Nop(),
		store: store,
		paths: paths{
			agentDir: filepath.Join(root, "agent"),
			modelDir: filepath.Join(root, "models"),
			logDir:   filepath.Join(root, "logs"),
		},
		transcriber: func(bus *events.Bus) transcription.Backend {
			transcriber.bus = bus
			return transcriber
		},
		llm:  model,
		ping: func(context.Context, string) error { return nil },
		screen: func(context.Context) (domain.Rect, bool) {
			return domain.Rect{Width: 1920, Height: 1080}, true
		},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return &testApp{App: app, store: store, transcriber: transcriber, llm: model}
}

func record(bus *events.Bus, types ...events.Type) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	}, types...)
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

var notesAgent = domain.AgentConfig{
	Name:  "notes",
	Agent: domain.Agent{IntervalInSec: 60, Prompt: "Latest: {{transcription.latest}}"},
}

// TestInitializePersistsSelections checks the first options are selected
// and written back to the configuration.
func TestInitializePersistsSelections(t *testing.T) {
	app := newTestApp(t)
	app.initialize(context.Background())

	cfg := app.GetConfig()
	if cfg.SelectedTranscriptionModelName != "tiny.en" {
		t.Fatalf("transcription model = %q, want tiny.en", cfg.SelectedTranscriptionModelName)
	}
	if cfg.SelectedInputDeviceName != "Mic" {
		t.Fatalf("input device = %q, want Mic", cfg.SelectedInputDeviceName)
	}
	if cfg.SelectedLlmModelName != "llama3" {
		t.Fatalf("llm model = %q, want llama3", cfg.SelectedLlmModelName)
	}
	if report := app.GetDiagnostics(); len(report.Items) == 0 {
		t.Fatal("expected diagnostics after initialize")
	}
}

// TestInitializeRestoresStoredSelections checks persisted names win.
func TestInitializeRestoresStoredSelections(t *testing.T) {
	app := newTestApp(t)
	app.Config.Update(context.Background(), func(cfg *domain.AppConfig) {
		cfg.SelectedTranscriptionModelName = "base.en"
		cfg.SelectedLlmModelName = "qwen"
	})
	app.initialize(context.Background())

	if got := app.Transcription.ModelName(); got != "base.en" {
		t.Fatalf("transcription model = %q, want base.en", got)
	}
	if got := app.LLM.Selected(); got != "qwen" {
		t.Fatalf("llm model = %q, want qwen", got)
	}
}

// TestStartModeStartsTranscriptionAndAgents checks the mode round trip.
func TestStartModeStartsTranscriptionAndAgents(t *testing.T) {
	app := newTestApp(t)
	app.initialize(context.Background())
	if err := app.SaveAgent("", notesAgent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	id := app.CreateMode("Standup")
	if err := app.SetModeAgents(id, []string{"notes"}); err != nil {
		t.Fatalf("SetModeAgents: %v", err)
	}

	if err := app.StartMode(id); err != nil {
		t.Fatalf("StartMode: %v", err)
	}
	if got := app.TranscriptionStatus(); got != domain.TranscriptionStatusStarted {
		t.Fatalf("status = %s, want started", got)
	}
	if got := app.RunningAgents(); len(got) != 1 || got[0] != "notes" {
		t.Fatalf("running = %v, want [notes]", got)
	}
	if got := app.RunningMode(); got != id {
		t.Fatalf("running mode = %q, want %q", got, id)
	}

	app.StopAgents(nil)
	if got := app.RunningMode(); got != "" {
		t.Fatalf("running mode after stop = %q, want empty", got)
	}
}

// TestStartModeRejectsUnknownMode checks the sentinel error.
func TestStartModeRejectsUnknownMode(t *testing.T) {
	app := newTestApp(t)
	if err := app.StartMode("nope"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}

// TestStartAgentsRequiresModel checks agents are refused before an LLM is
// selected.
func TestStartAgentsRequiresModel(t *testing.T) {
	app := newTestApp(t)
	messages := record(app.Bus, events.TypeUserFacingMessage)
	if err := app.StartAgents([]string{"notes"}); err == nil {
		t.Fatal("expected error without a selected model")
	}
	if len(messages()) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages()))
	}
}

// TestPauseAndResumeSendControl checks the prompter control events and the
// event journal.
func TestPauseAndResumeSendControl(t *testing.T) {
	app := newTestApp(t)
	controls := record(app.Bus, events.TypePrompterControl)

	app.PauseAgent("notes")
	app.ResumeAgent("notes")

	got := controls()
	if len(got) != 2 {
		t.Fatalf("controls = %d, want 2", len(got))
	}
	if c := got[0].(events.PrompterControl); c.AgentName != "notes" || c.Action != events.PrompterActionPause {
		t.Fatalf("first control = %+v", c)
	}
	if c := got[1].(events.PrompterControl); c.Action != events.PrompterActionResume {
		t.Fatalf("second control = %+v", c)
	}

	records := app.Events(0)
	if len(records) == 0 {
		t.Fatal("expected journaled events")
	}
	last := records[len(records)-1]
	if last.Type != events.TypePrompterControl {
		t.Fatalf("last journaled type = %s", last.Type)
	}
	if newer := app.Events(last.Seq); len(newer) != 0 {
		t.Fatalf("events since last = %d, want 0", len(newer))
	}
}

// TestTestAgentInvokesModel checks a one-off prompt uses the last line as
// the latest fragment.
func TestTestAgentInvokesModel(t *testing.T) {
	app := newTestApp(t)
	app.initialize(context.Background())

	resp, err := app.TestAgent(notesAgent, "hello\n\nworld\n")
	if err != nil {
		t.Fatalf("TestAgent: %v", err)
	}
	if resp == nil || resp.Answer != "answer" || resp.TranscriptionLatest != "world" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.TranscriptionHistory != "hello\nworld" {
		t.Fatalf("history = %q", resp.TranscriptionHistory)
	}
	if len(app.llm.prompts) != 1 || app.llm.prompts[0] != "Latest: world" {
		t.Fatalf("prompts = %q", app.llm.prompts)
	}
}

// TestSaveAgentRenames checks a rename removes the previous definition.
func TestSaveAgentRenames(t *testing.T) {
	app := newTestApp(t)
	if err := app.SaveAgent("", notesAgent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	renamed := notesAgent
	renamed.Name = "minutes"
	if err := app.SaveAgent("notes", renamed); err != nil {
		t.Fatalf("rename: %v", err)
	}

	list, err := app.ListAgents()
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(list) != 1 || list[0].Name != "minutes" {
		t.Fatalf("agents = %+v", list)
	}
	if err := app.DeleteAgent("minutes"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := app.GetAgent("minutes"); !errors.Is(err, config.ErrAgentNotFound) {
		t.Fatalf("GetAgent err = %v", err)
	}
}

// TestUpdateSettingsNormalizes checks trimming and defaults.
func TestUpdateSettingsNormalizes(t *testing.T) {
	app := newTestApp(t)
	changed := record(app.Bus, events.TypeAppConfigChanged)

	got := app.UpdateSettings(domain.AppConfig{
		LlmEndpoint:  " http://10.0.0.2:11434/ ",
		AgentSurface: config.SurfaceProcess,
	})
	if got.LlmEndpoint != "http://10.0.0.2:11434" {
		t.Fatalf("endpoint = %q", got.LlmEndpoint)
	}
	if got.HubAddr != config.DefaultHubAddr || got.WhisperBinary != config.DefaultWhisperBinary {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if got.AgentSurface != config.SurfaceProcess {
		t.Fatalf("surface = %q", got.AgentSurface)
	}
	if len(changed()) != 1 {
		t.Fatalf("config change events = %d, want 1", len(changed()))
	}
}

// TestSetWindowGeometryPersists checks remembered placement.
func TestSetWindowGeometryPersists(t *testing.T) {
	app := newTestApp(t)
	g := domain.WindowGeometry{X: 10, Y: 20, Width: 300, Height: 200}
	app.SetWindowGeometry("agent-notes", g)

	if got, ok := app.Config.WindowGeometry("agent-notes"); !ok || got != g {
		t.Fatalf("geometry = %+v,%v", got, ok)
	}
	if err := app.Config.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stored, _ := app.store.Load()
	if stored.WindowProps["agent-notes"] != g {
		t.Fatal("expected geometry saved to store")
	}
}

// TestNormalizeSettingsKeepsInProcessDefault checks unknown surfaces fall
// back to in-process.
func TestNormalizeSettingsKeepsInProcessDefault(t *testing.T) {
	got := normalizeSettings(domain.AppConfig{AgentSurface: "window"})
	if got.AgentSurface != config.SurfaceInProcess {
		t.Fatalf("surface = %q", got.AgentSurface)
	}
	if !strings.HasPrefix(hubURL("127.0.0.1:7777"), "ws://127.0.0.1:7777/") {
		t.Fatalf("hub url = %q", hubURL("127.0.0.1:7777"))
	}
}
