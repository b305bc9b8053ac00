package domain

// TranscriptionStatus tracks the lifecycle of the speech-to-text session.
type TranscriptionStatus string

const (
	TranscriptionStatusStarting         TranscriptionStatus = "starting"
	TranscriptionStatusModelDownloading TranscriptionStatus = "model-downloading"
	TranscriptionStatusModelLoading     TranscriptionStatus = "model-loading"
	TranscriptionStatusStarted          TranscriptionStatus = "started"
	TranscriptionStatusStopping         TranscriptionStatus = "stopping"
	TranscriptionStatusStopped          TranscriptionStatus = "stopped"
	TranscriptionStatusUnknown          TranscriptionStatus = "unknown"
)

// PrompterStatus is derived from a prompter's subscription and pause flag.
type PrompterStatus string

const (
	PrompterStatusStopped PrompterStatus = "stopped"
	PrompterStatusRunning PrompterStatus = "running"
	PrompterStatusPaused  PrompterStatus = "paused"
)

// DeviceSource labels which side of a conversation a device captures.
type DeviceSource string

const (
	DeviceSourceHost    DeviceSource = "host"
	DeviceSourceGuest   DeviceSource = "guest"
	DeviceSourceUnknown DeviceSource = "unknown"
)

// Label returns the transcript prefix for the source.
func (s DeviceSource) Label() string {
	switch s {
	case DeviceSourceHost:
		return "Host"
	case DeviceSourceGuest:
		return "Guest"
	default:
		return ""
	}
}

// Severity classifies user-facing notifications.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DeviceOption is one audio capture device known to the transcription backend.
type DeviceOption struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// LlmModel is one language model offered by the LLM endpoint.
type LlmModel struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Validation reports whether an operation may proceed and why not.
type Validation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Invalid builds a failed validation.
func Invalid(message string) Validation {
	return Validation{Valid: false, Error: message}
}

// Valid is the passing validation.
var Valid = Validation{Valid: true}
