package domain

// DefaultIntervalInSec is used when an agent omits its cadence.
const DefaultIntervalInSec = 3

// StructuredOutput asks the model for JSON matching Schema, rendered through Mapper.
type StructuredOutput struct {
	Schema string `json:"schema" yaml:"schema"`
	Mapper string `json:"mapper" yaml:"mapper"`
}

// Agent is the user-authored definition stored as one YAML file.
type Agent struct {
	IntervalInSec                float64           `json:"intervalInSec,omitempty" yaml:"intervalInSec,omitempty"`
	TranscriptionHistoryMaxChars int               `json:"transcriptionHistoryMaxChars,omitempty" yaml:"transcriptionHistoryMaxChars,omitempty"`
	Prompt                       string            `json:"prompt" yaml:"prompt"`
	StructuredOutput             *StructuredOutput `json:"structuredOutput,omitempty" yaml:"structuredOutput,omitempty"`
}

// AgentConfig pairs an agent definition with its name, which is its file stem.
type AgentConfig struct {
	Name  string `json:"name"`
	Agent Agent  `json:"agent"`
}

// Structured reports whether answers must be parsed as JSON.
func (a Agent) Structured() bool {
	return a.StructuredOutput != nil && a.StructuredOutput.Schema != ""
}
