// Package events defines the closed event catalogue exchanged between the
// transcription core, prompters, agent surfaces and the frontend, and the
// bus that routes them inside a process and across the external bridge.
package events

import "ollisten/internal/domain"

// Type is the wire tag of an event.
type Type string

const (
	TypeStatusChange                     Type = "status-change"
	TypeLoadingProgress                  Type = "loading-progress"
	TypeDownloadProgress                 Type = "download-progress"
	TypeTranscriptionError               Type = "transcription-error"
	TypeTranscriptionData                Type = "TranscriptionData"
	TypeTranscriptionStarted             Type = "transcription-started"
	TypeTranscriptionStopped             Type = "transcription-stopped"
	TypeTranscriptionModelOptionsUpdated Type = "transcription-model-options-updated"
	TypeTranscriptionModelOptionSelected Type = "transcription-model-option-selected"
	TypeDeviceInputOptionsUpdated        Type = "device-input-options-updated"
	TypeDeviceInputOptionSelected        Type = "device-input-option-selected"
	TypeDeviceOutputUpdated              Type = "device-output-updated"
	TypeLlmModelOptionsUpdated           Type = "llm-model-options-updated"
	TypeLlmModelOptionSelected           Type = "llm-model-option-selected"
	TypeLlmRequest                       Type = "llm-request"
	TypeLlmResponse                      Type = "llm-response"
	TypePrompterStatusChanged            Type = "prompter-status-changed"
	TypePrompterControl                  Type = "prompter-control"
	TypeAgentWindowOpen                  Type = "agent-window-open"
	TypeAgentWindowClosed                Type = "agent-window-closed"
	TypeFileAgentCreated                 Type = "file-agent-created"
	TypeFileAgentModified                Type = "file-agent-modified"
	TypeFileAgentDeleted                 Type = "file-agent-deleted"
	TypeUserFacingMessage                Type = "user-facing-message"
	TypeAppConfigChanged                 Type = "app-config-changed"
)

// All lists every known tag in catalogue order.
var All = []Type{
	TypeStatusChange,
	TypeLoadingProgress,
	TypeDownloadProgress,
	TypeTranscriptionError,
	TypeTranscriptionData,
	TypeTranscriptionStarted,
	TypeTranscriptionStopped,
	TypeTranscriptionModelOptionsUpdated,
	TypeTranscriptionModelOptionSelected,
	TypeDeviceInputOptionsUpdated,
	TypeDeviceInputOptionSelected,
	TypeDeviceOutputUpdated,
	TypeLlmModelOptionsUpdated,
	TypeLlmModelOptionSelected,
	TypeLlmRequest,
	TypeLlmResponse,
	TypePrompterStatusChanged,
	TypePrompterControl,
	TypeAgentWindowOpen,
	TypeAgentWindowClosed,
	TypeFileAgentCreated,
	TypeFileAgentModified,
	TypeFileAgentDeleted,
	TypeUserFacingMessage,
	TypeAppConfigChanged,
}

// Event is implemented only by the payload structs in this package.
type Event interface {
	Type() Type
	event()
}

// StatusChange reports a transcription status transition. Detail carries
// the human-readable download or loading progress when there is one.
type StatusChange struct {
	Status domain.TranscriptionStatus `json:"status"`
	Detail string                     `json:"detail,omitempty"`
}

// LoadingProgress is emitted by the backend while the model loads.
type LoadingProgress struct {
	Progress float64 `json:"progress"`
}

// DownloadProgress is emitted by the backend while fetching a model file.
type DownloadProgress struct {
	Source   string `json:"source"`
	Size     int64  `json:"size"`
	Progress int64  `json:"progress"`
}

type TranscriptionError struct {
	Message string `json:"message"`
}

// TranscriptionData is one recognised text fragment from one device.
type TranscriptionData struct {
	DeviceID   int     `json:"deviceId"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type TranscriptionStarted struct {
	DeviceID int `json:"deviceId"`
}

type TranscriptionStopped struct{}

type TranscriptionModelOptionsUpdated struct {
	Options []string `json:"options"`
}

type TranscriptionModelOptionSelected struct {
	Option string `json:"option"`
}

type DeviceInputOptionsUpdated struct {
	Options []domain.DeviceOption `json:"options"`
}

type DeviceInputOptionSelected struct {
	Option domain.DeviceOption `json:"option"`
}

// DeviceOutputUpdated carries the loopback device, or nil when none exists.
type DeviceOutputUpdated struct {
	Option *domain.DeviceOption `json:"option"`
}

type LlmModelOptionsUpdated struct {
	Options []domain.LlmModel `json:"options"`
}

type LlmModelOptionSelected struct {
	Option string `json:"option"`
}

// LlmRequest is published right before a prompt is sent to the model.
type LlmRequest struct {
	AgentName string `json:"agentName"`
	Prompt    string `json:"prompt"`
}

// LlmResponse is one completed prompter invocation.
type LlmResponse struct {
	AgentName            string `json:"agentName"`
	TranscriptionHistory string `json:"transcriptionHistory"`
	TranscriptionLatest  string `json:"transcriptionLatest"`
	Prompt               string `json:"prompt"`
	Answer               string `json:"answer"`
	AnswerJSON           any    `json:"answerJson,omitempty"`
}

type PrompterStatusChanged struct {
	AgentName string                `json:"agentName"`
	Status    domain.PrompterStatus `json:"status"`
}

// PrompterAction is a remote command for a running prompter.
type PrompterAction string

const (
	PrompterActionPause  PrompterAction = "pause"
	PrompterActionResume PrompterAction = "resume"
)

type PrompterControl struct {
	AgentName string         `json:"agentName"`
	Action    PrompterAction `json:"action"`
}

// AgentWindowOpen asks the presentation layer to show an agent surface.
type AgentWindowOpen struct {
	AgentName string                `json:"agentName"`
	Geometry  domain.WindowGeometry `json:"geometry"`
}

type AgentWindowClosed struct {
	AgentName string `json:"agentName"`
}

type FileAgentCreated struct {
	Name  string       `json:"name"`
	Agent domain.Agent `json:"agent"`
}

type FileAgentModified struct {
	Name  string       `json:"name"`
	Agent domain.Agent `json:"agent"`
}

type FileAgentDeleted struct {
	Name string `json:"name"`
}

type UserFacingMessage struct {
	Severity domain.Severity `json:"severity"`
	Message  string          `json:"message"`
}

type AppConfigChanged struct {
	Config domain.AppConfig `json:"config"`
}

func (StatusChange) Type() Type                     { return TypeStatusChange }
func (LoadingProgress) Type() Type                  { return TypeLoadingProgress }
func (DownloadProgress) Type() Type                 { return TypeDownloadProgress }
func (TranscriptionError) Type() Type               { return TypeTranscriptionError }
func (TranscriptionData) Type() Type                { return TypeTranscriptionData }
func (TranscriptionStarted) Type() Type             { return TypeTranscriptionStarted }
func (TranscriptionStopped) Type() Type             { return TypeTranscriptionStopped }
func (TranscriptionModelOptionsUpdated) Type() Type { return TypeTranscriptionModelOptionsUpdated }
func (TranscriptionModelOptionSelected) Type() Type { return TypeTranscriptionModelOptionSelected }
func (DeviceInputOptionsUpdated) Type() Type        { return TypeDeviceInputOptionsUpdated }
func (DeviceInputOptionSelected) Type() Type        { return TypeDeviceInputOptionSelected }
func (DeviceOutputUpdated) Type() Type              { return TypeDeviceOutputUpdated }
func (LlmModelOptionsUpdated) Type() Type           { return TypeLlmModelOptionsUpdated }
func (LlmModelOptionSelected) Type() Type           { return TypeLlmModelOptionSelected }
func (LlmRequest) Type() Type                       { return TypeLlmRequest }
func (LlmResponse) Type() Type                      { return TypeLlmResponse }
func (PrompterStatusChanged) Type() Type            { return TypePrompterStatusChanged }
func (PrompterControl) Type() Type                  { return TypePrompterControl }
func (AgentWindowOpen) Type() Type                  { return TypeAgentWindowOpen }
func (AgentWindowClosed) Type() Type                { return TypeAgentWindowClosed }
func (FileAgentCreated) Type() Type                 { return TypeFileAgentCreated }
func (FileAgentModified) Type() Type                { return TypeFileAgentModified }
func (FileAgentDeleted) Type() Type                 { return TypeFileAgentDeleted }
func (UserFacingMessage) Type() Type                { return TypeUserFacingMessage }
func (AppConfigChanged) Type() Type                 { return TypeAppConfigChanged }

func (StatusChange) event()                     {}
func (LoadingProgress) event()                  {}
func (DownloadProgress) event()                 {}
func (TranscriptionError) event()               {}
func (TranscriptionData) event()                {}
func (TranscriptionStarted) event()             {}
func (TranscriptionStopped) event()             {}
func (TranscriptionModelOptionsUpdated) event() {}
func (TranscriptionModelOptionSelected) event() {}
func (DeviceInputOptionsUpdated) event()        {}
func (DeviceInputOptionSelected) event()        {}
func (DeviceOutputUpdated) event()              {}
func (LlmModelOptionsUpdated) event()           {}
func (LlmModelOptionSelected) event()           {}
func (LlmRequest) event()                       {}
func (LlmResponse) event()                      {}
func (PrompterStatusChanged) event()            {}
func (PrompterControl) event()                  {}
func (AgentWindowOpen) event()                  {}
func (AgentWindowClosed) event()                {}
func (FileAgentCreated) event()                 {}
func (FileAgentModified) event()                {}
func (FileAgentDeleted) event()                 {}
func (UserFacingMessage) event()                {}
func (AppConfigChanged) event()                 {}
