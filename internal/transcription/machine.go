// Package transcription tracks the speech-to-text session: model and
// device selection, start and stop, and backend progress.
package transcription

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

// Backend runs the recognizer. Start replaces any running session and
// reports progress through boundary events on the bus.
type Backend interface {
	Start(ctx context.Context, model string, deviceIDs []int) error
	Stop(ctx context.Context) error
	Models(ctx context.Context) ([]string, error)
	InputDevices(ctx context.Context) ([]domain.DeviceOption, error)
	OutputDevice(ctx context.Context) (*domain.DeviceOption, error)
}

// Preferences are the persisted selections restored on Initialize.
type Preferences struct {
	ModelName       string
	InputDeviceName string
}

var (
	ErrNoModel   = errors.New("No transcription model selected")
	ErrNoDevices = errors.New("No devices to listen to")
)

// Machine is the transcription state machine.
type Machine struct {
	bus     *events.Bus
	backend Backend
	log     zerolog.Logger

	mu           sync.Mutex
	status       domain.TranscriptionStatus
	modelOptions []string
	modelName    string
	inputOptions []domain.DeviceOption
	inputID      *int
	output       *domain.DeviceOption

	unsubscribe events.Unsubscribe
}

// New creates a stopped machine listening for backend events.
func New(bus *events.Bus, backend Backend, log zerolog.Logger) *Machine {
	m := &Machine{
		bus:     bus,
		backend: backend,
		log:     log,
		status:  domain.TranscriptionStatusStopped,
	}
	m.unsubscribe = bus.Subscribe(m.onBackendEvent,
		events.TypeDownloadProgress,
		events.TypeLoadingProgress,
		events.TypeTranscriptionStarted,
		events.TypeTranscriptionStopped,
		events.TypeTranscriptionError,
		events.TypeAgentWindowOpen,
	)
	return m
}

// Close detaches the machine from the bus.
func (m *Machine) Close() {
	m.unsubscribe()
}

// Initialize loads model and device options. Failures are reported to the
// user and leave the corresponding option list empty.
func (m *Machine) Initialize(ctx context.Context, prefs Preferences) {
	m.fetchModels(ctx, prefs.ModelName)
	m.fetchInputDevices(ctx, prefs.InputDeviceName)
	m.fetchOutputDevice(ctx)
}

func (m *Machine) fetchModels(ctx context.Context, preferred string) {
	options, err := m.backend.Models(ctx)
	if err != nil {
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to get Transcription model options: %v", err))
		return
	}
	if len(options) == 0 {
		m.bus.ShowError(ctx, "No Transcription models available")
		return
	}

	m.mu.Lock()
	m.modelOptions = options
	current := m.modelName
	m.mu.Unlock()
	m.bus.Send(ctx, events.TranscriptionModelOptionsUpdated{Options: options})

	switch {
	case preferred != "" && lo.Contains(options, preferred):
		m.SelectModel(ctx, preferred)
	case current == "" || !lo.Contains(options, current):
		m.SelectModel(ctx, options[0])
	}
}

func (m *Machine) fetchInputDevices(ctx context.Context, preferredName string) {
	options, err := m.backend.InputDevices(ctx)
	if err != nil {
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to get microphone/input devices: %v", err))
		return
	}
	if len(options) == 0 {
		m.bus.ShowError(ctx, "No microphone/input devices available")
		return
	}

	m.mu.Lock()
	m.inputOptions = options
	current := m.inputID
	m.mu.Unlock()
	m.bus.Send(ctx, events.DeviceInputOptionsUpdated{Options: options})

	if preferred, ok := lo.Find(options, func(o domain.DeviceOption) bool { return o.Name == preferredName }); ok && preferredName != "" {
		m.SelectInputDevice(ctx, preferred.ID)
		return
	}
	if current == nil || !lo.ContainsBy(options, func(o domain.DeviceOption) bool { return o.ID == *current }) {
		m.SelectInputDevice(ctx, options[0].ID)
	}
}

func (m *Machine) fetchOutputDevice(ctx context.Context) {
	output, err := m.backend.OutputDevice(ctx)
	if err != nil {
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to find output device: %v", err))
		return
	}
	m.setOutputDevice(ctx, output)
}

// Status returns the current status.
func (m *Machine) Status() domain.TranscriptionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ModelOptions returns the known model names.
func (m *Machine) ModelOptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.modelOptions...)
}

// ModelName returns the selected model, or "".
func (m *Machine) ModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelName
}

// InputOptions returns the known input devices.
func (m *Machine) InputOptions() []domain.DeviceOption {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeviceOption(nil), m.inputOptions...)
}

// InputDeviceID returns the selected input device.
func (m *Machine) InputDeviceID() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputID == nil {
		return 0, false
	}
	return *m.inputID, true
}

// OutputDevice returns the loopback device, or nil.
func (m *Machine) OutputDevice() *domain.DeviceOption {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.output == nil {
		return nil
	}
	out := *m.output
	return &out
}

// DeviceSource labels fragments from the input device as the host and
// fragments from the loopback device as the guest.
func (m *Machine) DeviceSource(deviceID int) domain.DeviceSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deviceSource(m.inputID, m.output, deviceID)
}

func deviceSource(inputID *int, output *domain.DeviceOption, deviceID int) domain.DeviceSource {
	switch {
	case inputID != nil && *inputID == deviceID:
		return domain.DeviceSourceHost
	case output != nil && output.ID == deviceID:
		return domain.DeviceSourceGuest
	default:
		return domain.DeviceSourceUnknown
	}
}

// ValidateStart reports whether a session can start.
func (m *Machine) ValidateStart() domain.Validation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.startArgsLocked(); err != nil {
		return domain.Invalid(err.Error())
	}
	return domain.Valid
}

func (m *Machine) startArgsLocked() ([]int, error) {
	if m.modelName == "" {
		return nil, ErrNoModel
	}
	var ids []int
	if m.inputID != nil {
		ids = append(ids, *m.inputID)
	}
	if m.output != nil {
		ids = append(ids, m.output.ID)
	}
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}
	return ids, nil
}

// Start launches a session with the current selections.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	ids, err := m.startArgsLocked()
	model := m.modelName
	m.mu.Unlock()
	if err != nil {
		m.bus.ShowError(ctx, err.Error())
		return err
	}

	m.setStatus(ctx, domain.TranscriptionStatusStarting, "")
	if err := m.backend.Start(ctx, model, ids); err != nil {
		m.setStatus(ctx, domain.TranscriptionStatusStopped, "")
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to start transcription: %v", err))
		return fmt.Errorf("start transcription: %w", err)
	}
	return nil
}

// Stop ends the running session. If the backend refuses, the status it
// had before is restored.
func (m *Machine) Stop(ctx context.Context) error {
	previous := m.Status()
	m.setStatus(ctx, domain.TranscriptionStatusStopping, "")
	if err := m.backend.Stop(ctx); err != nil {
		m.setStatus(ctx, previous, "")
		m.bus.ShowError(ctx, fmt.Sprintf("Failed to stop transcription: %v", err))
		return fmt.Errorf("stop transcription: %w", err)
	}
	return nil
}

// restartIfRunning applies a changed selection to an active session.
func (m *Machine) restartIfRunning(ctx context.Context) {
	m.mu.Lock()
	active := isActive(m.status)
	_, err := m.startArgsLocked()
	m.mu.Unlock()

	if !active || err != nil {
		return
	}
	if err := m.Stop(ctx); err != nil {
		return
	}
	_ = m.Start(ctx)
}

// SelectModel changes the transcription model.
func (m *Machine) SelectModel(ctx context.Context, name string) {
	m.mu.Lock()
	m.modelName = name
	m.mu.Unlock()

	m.restartIfRunning(ctx)
	m.bus.Send(ctx, events.TranscriptionModelOptionSelected{Option: name})
}

// SelectInputDevice changes the microphone.
func (m *Machine) SelectInputDevice(ctx context.Context, id int) {
	m.mu.Lock()
	m.inputID = &id
	option, ok := lo.Find(m.inputOptions, func(o domain.DeviceOption) bool { return o.ID == id })
	m.mu.Unlock()
	if !ok {
		option = domain.DeviceOption{ID: id}
	}

	m.restartIfRunning(ctx)
	m.bus.Send(ctx, events.DeviceInputOptionSelected{Option: option})
}

func (m *Machine) setOutputDevice(ctx context.Context, output *domain.DeviceOption) {
	m.mu.Lock()
	m.output = output
	m.mu.Unlock()

	m.restartIfRunning(ctx)
	m.bus.Send(ctx, events.DeviceOutputUpdated{Option: output})
}

func (m *Machine) setStatus(ctx context.Context, status domain.TranscriptionStatus, detail string) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()

	if changed || detail != "" {
		m.bus.Send(ctx, events.StatusChange{Status: status, Detail: detail})
	}
}

func (m *Machine) onBackendEvent(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.DownloadProgress:
		m.setStatus(ctx, domain.TranscriptionStatusModelDownloading,
			fmt.Sprintf("Downloaded: %s / %s", FormatBytes(e.Progress), FormatBytes(e.Size)))
	case events.LoadingProgress:
		m.setStatus(ctx, domain.TranscriptionStatusModelLoading,
			fmt.Sprintf("Loaded: %d%%", int(e.Progress*100+0.5)))
	case events.TranscriptionStarted:
		m.setStatus(ctx, domain.TranscriptionStatusStarted, "")
	case events.TranscriptionStopped:
		// a late stop from a replaced session must not mark the new one stopped
		if isStarting(m.Status()) {
			return nil
		}
		m.setStatus(ctx, domain.TranscriptionStatusStopped, "")
	case events.TranscriptionError:
		m.log.Error().Str("message", e.Message).Msg("transcription backend error")
		if isStarting(m.Status()) {
			m.setStatus(ctx, domain.TranscriptionStatusStopped, "")
		}
		m.bus.ShowError(ctx, "Transcription error: "+e.Message)
	case events.AgentWindowOpen:
		m.announceSelection(ctx)
	}
	return nil
}

// announceSelection republishes device selections so newly started agent
// processes can label fragments.
func (m *Machine) announceSelection(ctx context.Context) {
	m.mu.Lock()
	var input *domain.DeviceOption
	if m.inputID != nil {
		id := *m.inputID
		option, ok := lo.Find(m.inputOptions, func(o domain.DeviceOption) bool { return o.ID == id })
		if !ok {
			option = domain.DeviceOption{ID: id}
		}
		input = &option
	}
	output := m.output
	m.mu.Unlock()

	if input != nil {
		m.bus.Send(ctx, events.DeviceInputOptionSelected{Option: *input})
	}
	m.bus.Send(ctx, events.DeviceOutputUpdated{Option: output})
}

// isActive reports whether a session is starting or running.
func isActive(status domain.TranscriptionStatus) bool {
	switch status {
	case domain.TranscriptionStatusStopping, domain.TranscriptionStatusStopped, domain.TranscriptionStatusUnknown:
		return false
	default:
		return true
	}
}

func isStarting(status domain.TranscriptionStatus) bool {
	switch status {
	case domain.TranscriptionStatusStarting, domain.TranscriptionStatusModelDownloading, domain.TranscriptionStatusModelLoading:
		return true
	default:
		return false
	}
}
