package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"ollisten/internal/agents"
	"ollisten/internal/audio"
	"ollisten/internal/bridge"
	"ollisten/internal/config"
	"ollisten/internal/diagnostics"
	"ollisten/internal/domain"
	"ollisten/internal/events"
	"ollisten/internal/llm"
	"ollisten/internal/logging"
	"ollisten/internal/prompter"
	"ollisten/internal/transcription"
	"ollisten/internal/whisper"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

const (
	journalSize     = 1000
	shutdownTimeout = 5 * time.Second
)

// ErrUnknownMode is returned when a mode id is not in the configuration.
var ErrUnknownMode = errors.New("unknown mode")

// App is the process-wide context: it owns the bus and every component
// wired to it, and exposes the Wails bindings of the desktop frontend.
type App struct {
	Bus           *events.Bus
	Config        *config.Saver
	Agents        *config.AgentStore
	Transcription *transcription.Machine
	LLM           *llm.Selector
	Manager       *agents.Manager

	log       zerolog.Logger
	logFile   *logging.Logger
	assets    fs.FS
	paths     paths
	ctx       context.Context
	cancel    context.CancelFunc
	wails     *bridge.Wails
	hub       *bridge.Hub
	watcher   *config.Watcher
	endpoint  *llmEndpoint
	models    modelDownloader
	checker   *diagnostics.Checker
	inProcess *agents.InProcess
	process   *agents.Process
	stopSubs  events.Unsubscribe

	mu          sync.Mutex
	runtimeCtx  context.Context
	diagnostics domain.DiagnosticReport
}

// paths are the per-user directories the app reads and writes.
type paths struct {
	agentDir string
	modelDir string
	logDir   string
}

// modelDownloader fetches transcription models on request.
type modelDownloader interface {
	ModelOptions() []domain.TranscriptionModelOption
	Download(ctx context.Context, id string) (string, error)
}

// deps are the replaceable collaborators of an App.
type deps struct {
	log         zerolog.Logger
	store       config.Store
	paths       paths
	transport   events.Transport
	transcriber func(bus *events.Bus) transcription.Backend
	llm         llm.Backend
	ping        func(ctx context.Context, endpoint string) error
	screen      agents.ScreenFunc
}

// New builds the application with persisted settings and startup diagnostics.
func New() (*App, error) {
	return NewWithAssets(nil)
}

// NewWithAssets builds the application and optionally configures embedded frontend assets.
func NewWithAssets(assets fs.FS) (*App, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user home: %w", err)
	}
	if err := ensureLocalBinOnPATH(homeDir); err != nil {
		return nil, fmt.Errorf("prepare local tool path: %w", err)
	}

	p := paths{agentDir: config.AgentDir(), modelDir: config.ModelDir(), logDir: config.LogDir()}
	logFile, err := logging.New(p.logDir, "ollisten", true)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	log := logFile.Logger

	store := config.NewJSONStore(config.ConfigPath())
	cfg, err := store.Load()
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}

	wailsTransport := bridge.NewWails(log)
	hub := bridge.NewHub(log.With().Str("component", "hub").Logger())
	hub.Relay(wailsTransport)
	endpoint := newLLMEndpoint(cfg.LlmEndpoint)

	app, err := assemble(deps{
		log:       log,
		store:     store,
		paths:     p,
		transport: bridge.Multi{wailsTransport, hub},
		transcriber: func(bus *events.Bus) transcription.Backend {
			return whisper.NewBackend(bus, audio.NewDevices(), cfg.WhisperBinary, p.modelDir,
				log.With().Str("component", "whisper").Logger())
		},
		llm:  endpoint,
		ping: pingEndpoint,
	})
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}

	app.assets = assets
	app.logFile = logFile
	app.wails = wailsTransport
	app.hub = hub
	app.endpoint = endpoint

	go func() {
		if err := hub.Start(cfg.HubAddr); err != nil {
			log.Error().Err(err).Str("addr", cfg.HubAddr).Msg("bus hub stopped")
			app.Bus.ShowError(app.ctx, fmt.Sprintf("Agent bus unavailable on %s: %v", cfg.HubAddr, err))
		}
	}()
	return app, nil
}

// assemble constructs the bus and every component on top of it.
func assemble(d deps) (*App, error) {
	var busOpts []events.Option
	busOpts = append(busOpts, events.WithJournal(events.NewJournal(journalSize)), events.WithLogger(d.log))
	if d.transport != nil {
		busOpts = append(busOpts, events.WithTransport(d.transport))
	}
	bus := events.NewBus(busOpts...)

	saver, err := config.NewSaver(d.store, bus, d.log.With().Str("component", "config").Logger())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := saver.Get()

	ctx, cancel := context.WithCancel(context.Background())
	agentStore := config.NewAgentStore(d.paths.agentDir)
	transcriber := d.transcriber(bus)
	machine := transcription.New(bus, transcriber, d.log.With().Str("component", "transcription").Logger())
	selector := llm.NewSelector(bus, d.llm, d.log.With().Str("component", "llm").Logger())

	a := &App{
		Bus:           bus,
		Config:        saver,
		Agents:        agentStore,
		Transcription: machine,
		LLM:           selector,
		log:           d.log,
		paths:         d.paths,
		ctx:           ctx,
		cancel:        cancel,
		watcher:       config.NewWatcher(d.paths.agentDir, bus, d.log.With().Str("component", "watcher").Logger()),
		checker:       diagnostics.NewChecker(d.ping),
	}
	a.inProcess = agents.NewInProcess(ctx, bus, selector, machine, d.log.With().Str("component", "prompter").Logger())
	a.process = agents.NewProcess(bus, agents.AgentBinary(), hubURL(cfg.HubAddr), d.paths.logDir,
		d.log.With().Str("component", "agent-process").Logger())
	if models, ok := transcriber.(modelDownloader); ok {
		a.models = models
	}
	screen := d.screen
	if screen == nil {
		screen = a.currentScreen
	}
	a.Manager = agents.NewManager(bus, agentStore, saver, screen, a.surface(cfg.AgentSurface),
		d.log.With().Str("component", "agents").Logger())
	a.stopSubs = bus.Subscribe(a.persistSelection,
		events.TypeTranscriptionModelOptionSelected,
		events.TypeDeviceInputOptionSelected,
		events.TypeLlmModelOptionSelected,
	)
	return a, nil
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "ollisten",
		Width:       1180,
		Height:      780,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup attaches the Wails runtime and initializes option lists.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	a.runtimeCtx = ctx
	a.mu.Unlock()

	if a.wails != nil {
		a.wails.Attach(ctx)
	}
	go a.initialize(a.ctx)
}

// initialize fetches option lists, restores persisted selections, starts
// the agent directory watcher and runs diagnostics.
func (a *App) initialize(ctx context.Context) {
	cfg := a.Config.Get()
	a.Transcription.Initialize(ctx, transcriptionPreferences(cfg, ""))
	a.LLM.Initialize(ctx, cfg.SelectedLlmModelName)

	if err := a.watcher.Start(); err != nil {
		a.log.Error().Err(err).Str("dir", a.paths.agentDir).Msg("watch agents failed")
		a.Bus.ShowError(ctx, fmt.Sprintf("Failed to watch agent directory: %v", err))
	}
	a.RefreshDiagnostics()
}

// Shutdown stops agents and transcription and persists configuration.
func (a *App) Shutdown(context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Manager.Close()
	if a.Transcription.Status() != domain.TranscriptionStatusStopped {
		_ = a.Transcription.Stop(ctx)
	}
	a.stopSubs()
	a.Transcription.Close()
	a.LLM.Close()
	if err := a.watcher.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close agent watcher")
	}
	if err := a.Config.Flush(); err != nil {
		a.log.Error().Err(err).Msg("save config on shutdown")
	}
	if a.hub != nil {
		if err := a.hub.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("shutdown bus hub")
		}
	}
	if a.wails != nil {
		a.wails.Detach()
	}

	a.mu.Lock()
	a.runtimeCtx = nil
	a.mu.Unlock()
	a.cancel()

	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// GetConfig returns the current configuration.
func (a *App) GetConfig() domain.AppConfig {
	return a.Config.Get()
}

// UpdateSettings applies the user-editable connection settings. A changed
// LLM endpoint reloads the model list and a changed surface applies to
// agents started afterwards. The whisper binary and hub address are read
// at launch.
func (a *App) UpdateSettings(settings domain.AppConfig) domain.AppConfig {
	normalized := normalizeSettings(settings)
	previous := a.Config.Get()

	next := a.Config.Update(a.ctx, func(cfg *domain.AppConfig) {
		cfg.LlmEndpoint = normalized.LlmEndpoint
		cfg.HubAddr = normalized.HubAddr
		cfg.WhisperBinary = normalized.WhisperBinary
		cfg.AgentSurface = normalized.AgentSurface
	})

	if next.AgentSurface != previous.AgentSurface {
		a.Manager.SetSurface(a.surface(next.AgentSurface))
	}
	if next.LlmEndpoint != previous.LlmEndpoint && a.endpoint != nil {
		a.endpoint.set(next.LlmEndpoint)
		go a.LLM.Initialize(a.ctx, next.SelectedLlmModelName)
	}
	return next
}

// SetWindowGeometry remembers where the frontend placed a window.
func (a *App) SetWindowGeometry(label string, geometry domain.WindowGeometry) {
	a.Config.SetWindowGeometry(a.ctx, label, geometry)
}

// Events returns journaled events with sequence greater than sinceSeq.
func (a *App) Events(sinceSeq int64) []events.Record {
	return a.Bus.Journal().Since(sinceSeq)
}

// TranscriptionStatus returns the current session status.
func (a *App) TranscriptionStatus() domain.TranscriptionStatus {
	return a.Transcription.Status()
}

// ValidateTranscription reports whether a session can start.
func (a *App) ValidateTranscription() domain.Validation {
	return a.Transcription.ValidateStart()
}

// StartTranscription starts a session with the current selections.
func (a *App) StartTranscription() error {
	return a.Transcription.Start(a.ctx)
}

// StopTranscription ends the running session.
func (a *App) StopTranscription() error {
	return a.Transcription.Stop(a.ctx)
}

// SelectTranscriptionModel changes the recognition model.
func (a *App) SelectTranscriptionModel(name string) {
	a.Transcription.SelectModel(a.ctx, name)
}

// SelectInputDevice changes the microphone.
func (a *App) SelectInputDevice(id int) {
	a.Transcription.SelectInputDevice(a.ctx, id)
}

// LlmModels returns the language models offered by the endpoint.
func (a *App) LlmModels() []domain.LlmModel {
	return a.LLM.Options()
}

// SelectLlmModel changes the language model.
func (a *App) SelectLlmModel(name string) {
	a.LLM.Select(a.ctx, name)
}

// ValidateLlm reports whether agents can be started.
func (a *App) ValidateLlm() domain.Validation {
	return a.LLM.ValidateStart()
}

// ListAgents returns every agent definition.
func (a *App) ListAgents() ([]domain.AgentConfig, error) {
	return a.Agents.List()
}

// GetAgent returns one agent definition.
func (a *App) GetAgent(name string) (domain.AgentConfig, error) {
	return a.Agents.Get(name)
}

// SaveAgent writes cfg, renaming the definition from initialName when the
// name changed.
func (a *App) SaveAgent(initialName string, cfg domain.AgentConfig) error {
	if err := a.Agents.Save(initialName, cfg); err != nil {
		a.Bus.ShowError(a.ctx, fmt.Sprintf("Failed to save agent %s: %v", cfg.Name, err))
		return err
	}
	a.Bus.ShowSuccess(a.ctx, fmt.Sprintf("Agent %s saved", cfg.Name))
	return nil
}

// DeleteAgent stops and removes an agent definition.
func (a *App) DeleteAgent(name string) error {
	a.Manager.Stop(name)
	if err := a.Agents.Delete(name); err != nil {
		a.Bus.ShowError(a.ctx, fmt.Sprintf("Failed to delete agent %s: %v", name, err))
		return err
	}
	return nil
}

// TestAgent runs cfg once against transcript without starting it. The
// last line of transcript is treated as the latest fragment.
func (a *App) TestAgent(cfg domain.AgentConfig, transcript string) (*events.LlmResponse, error) {
	if v := a.LLM.ValidateStart(); !v.Valid {
		return nil, errors.New(v.Error)
	}
	p := prompter.New(a.ctx, a.Bus, a.LLM, a.Transcription, a.log.With().Str("agent", cfg.Name).Logger())
	if err := p.Configure(cfg); err != nil {
		return nil, err
	}
	lines := lo.Compact(strings.Split(strings.TrimSpace(transcript), "\n"))
	latest := ""
	if len(lines) > 0 {
		latest = lines[len(lines)-1]
	}
	return p.Invoke(a.ctx, strings.Join(lines, "\n"), latest, "", nil)
}

// StartAgents launches the named agents.
func (a *App) StartAgents(names []string) error {
	if len(names) == 0 {
		return nil
	}
	if v := a.LLM.ValidateStart(); !v.Valid {
		a.Bus.ShowError(a.ctx, v.Error)
		return errors.New(v.Error)
	}
	return a.Manager.Start(a.ctx, names...)
}

// StartAllAgents launches every defined agent and follows the agent
// directory while they run.
func (a *App) StartAllAgents() error {
	if v := a.LLM.ValidateStart(); !v.Valid {
		a.Bus.ShowError(a.ctx, v.Error)
		return errors.New(v.Error)
	}
	return a.Manager.Start(a.ctx)
}

// StopAgents closes the named agents, or all of them when names is empty.
func (a *App) StopAgents(names []string) {
	a.Manager.Stop(names...)
}

// PauseAgent suspends prompting for a running agent wherever it runs.
func (a *App) PauseAgent(name string) {
	a.Bus.Send(a.ctx, events.PrompterControl{AgentName: name, Action: events.PrompterActionPause})
}

// ResumeAgent resumes prompting for a paused agent.
func (a *App) ResumeAgent(name string) {
	a.Bus.Send(a.ctx, events.PrompterControl{AgentName: name, Action: events.PrompterActionResume})
}

// RunningAgents returns the names of running agents.
func (a *App) RunningAgents() []string {
	return a.Manager.Running()
}

// RunningMode returns the id of the running mode, or "".
func (a *App) RunningMode() string {
	return a.Manager.RunningMode()
}

// StartMode starts transcription, unless it already runs, and the agents
// of mode id.
func (a *App) StartMode(id string) error {
	mode, ok := a.Config.Mode(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMode, id)
	}
	if v := a.LLM.ValidateStart(); !v.Valid {
		a.Bus.ShowError(a.ctx, v.Error)
		return errors.New(v.Error)
	}
	if a.Transcription.Status() == domain.TranscriptionStatusStopped ||
		a.Transcription.Status() == domain.TranscriptionStatusUnknown {
		if err := a.Transcription.Start(a.ctx); err != nil {
			return err
		}
	}
	return a.Manager.StartMode(a.ctx, id, mode)
}

// CreateMode adds an empty mode and returns its id.
func (a *App) CreateMode(label string) string {
	return a.Config.CreateMode(a.ctx, label)
}

// RenameMode changes a mode label.
func (a *App) RenameMode(id, label string) error {
	return a.Config.RenameMode(a.ctx, id, label)
}

// SetModeAgents replaces the agents of a mode.
func (a *App) SetModeAgents(id string, names []string) error {
	return a.Config.SetModeAgents(a.ctx, id, names)
}

// DeleteMode removes a mode.
func (a *App) DeleteMode(id string) error {
	return a.Config.DeleteMode(a.ctx, id)
}

// OpenAgentFolder opens the agent definition directory in the file manager.
func (a *App) OpenAgentFolder() error {
	if err := os.MkdirAll(a.paths.agentDir, 0o755); err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}
	return openInFileManager(a.paths.agentDir)
}

// persistSelection stores the latest selections so they are restored on
// the next launch.
func (a *App) persistSelection(ctx context.Context, ev events.Event) error {
	cfg := a.Config.Get()
	switch e := ev.(type) {
	case events.TranscriptionModelOptionSelected:
		if cfg.SelectedTranscriptionModelName != e.Option {
			a.Config.Update(ctx, func(c *domain.AppConfig) { c.SelectedTranscriptionModelName = e.Option })
		}
	case events.DeviceInputOptionSelected:
		if cfg.SelectedInputDeviceName != e.Option.Name {
			a.Config.Update(ctx, func(c *domain.AppConfig) { c.SelectedInputDeviceName = e.Option.Name })
		}
	case events.LlmModelOptionSelected:
		if cfg.SelectedLlmModelName != e.Option {
			a.Config.Update(ctx, func(c *domain.AppConfig) { c.SelectedLlmModelName = e.Option })
		}
	}
	return nil
}

// surface returns the agent surface configured by kind.
func (a *App) surface(kind string) agents.Surface {
	if kind == config.SurfaceProcess {
		return a.process
	}
	return a.inProcess
}

// currentScreen returns the bounds of the display showing the main window.
func (a *App) currentScreen(context.Context) (domain.Rect, bool) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return domain.Rect{}, false
	}
	screens, err := wailsruntime.ScreenGetAll(ctx)
	if err != nil || len(screens) == 0 {
		return domain.Rect{}, false
	}
	screen, ok := lo.Find(screens, func(s wailsruntime.Screen) bool { return s.IsCurrent })
	if !ok {
		screen = screens[0]
	}
	return domain.Rect{Width: screen.Size.Width, Height: screen.Size.Height}, true
}

// runtimeContext returns current Wails runtime context for runtime APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

// hubURL is the WebSocket address agent processes dial.
func hubURL(addr string) string {
	return "ws://" + addr + bridge.BusPath
}

// pingEndpoint probes an Ollama endpoint.
func pingEndpoint(ctx context.Context, endpoint string) error {
	return llm.NewClient(endpoint).Ping(ctx)
}

// llmEndpoint routes model calls to the configured Ollama endpoint, which
// the user may change while the app runs.
type llmEndpoint struct {
	mu     sync.RWMutex
	client *llm.Client
}

func newLLMEndpoint(endpoint string) *llmEndpoint {
	return &llmEndpoint{client: llm.NewClient(endpoint)}
}

func (e *llmEndpoint) set(endpoint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = llm.NewClient(endpoint)
}

func (e *llmEndpoint) current() *llm.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *llmEndpoint) Models(ctx context.Context) ([]domain.LlmModel, error) {
	return e.current().Models(ctx)
}

func (e *llmEndpoint) Chat(ctx context.Context, model, prompt, schema string) (string, error) {
	return e.current().Chat(ctx, model, prompt, schema)
}

// normalizeSettings trims user inputs and applies defaults when empty.
func normalizeSettings(settings domain.AppConfig) domain.AppConfig {
	settings.LlmEndpoint = strings.TrimRight(strings.TrimSpace(settings.LlmEndpoint), "/")
	settings.HubAddr = strings.TrimSpace(settings.HubAddr)
	settings.WhisperBinary = strings.TrimSpace(settings.WhisperBinary)
	settings.AgentSurface = strings.TrimSpace(settings.AgentSurface)
	if settings.LlmEndpoint == "" {
		settings.LlmEndpoint = config.DefaultLlmEndpoint
	}
	if settings.HubAddr == "" {
		settings.HubAddr = config.DefaultHubAddr
	}
	if settings.WhisperBinary == "" {
		settings.WhisperBinary = config.DefaultWhisperBinary
	}
	if settings.AgentSurface != config.SurfaceProcess {
		settings.AgentSurface = config.SurfaceInProcess
	}
	return settings
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}
