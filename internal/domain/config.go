package domain

// WindowGeometry is the remembered placement of one agent surface.
type WindowGeometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect is a display area in screen coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Mode is a named group of agents started together.
type Mode struct {
	Label  string   `json:"label"`
	Agents []string `json:"agents"`
}

// AppConfig is the persisted user configuration.
type AppConfig struct {
	WindowProps                    map[string]WindowGeometry `json:"windowProps,omitempty"`
	Modes                          map[string]Mode           `json:"modes,omitempty"`
	SelectedLlmModelName           string                    `json:"selectedLlmModelName,omitempty"`
	SelectedInputDeviceName        string                    `json:"selectedInputDeviceName,omitempty"`
	SelectedTranscriptionModelName string                    `json:"selectedTranscriptionModelName,omitempty"`
	LlmEndpoint                    string                    `json:"llmEndpoint,omitempty"`
	HubAddr                        string                    `json:"hubAddr,omitempty"`
	WhisperBinary                  string                    `json:"whisperBinary,omitempty"`
	AgentSurface                   string                    `json:"agentSurface,omitempty"`
}

// Clone returns a copy that shares no maps or slices with c.
func (c AppConfig) Clone() AppConfig {
	out := c
	if c.WindowProps != nil {
		out.WindowProps = make(map[string]WindowGeometry, len(c.WindowProps))
		for k, v := range c.WindowProps {
			out.WindowProps[k] = v
		}
	}
	if c.Modes != nil {
		out.Modes = make(map[string]Mode, len(c.Modes))
		for k, v := range c.Modes {
			v.Agents = append([]string(nil), v.Agents...)
			out.Modes[k] = v
		}
	}
	return out
}
