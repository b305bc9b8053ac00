package config

import (
	"os"
	"path/filepath"

	"ollisten/internal/domain"
)

const (
	DefaultLlmEndpoint   = "http://127.0.0.1:11434"
	DefaultHubAddr       = "127.0.0.1:7777"
	DefaultWhisperBinary = "whisper-stream"

	// SurfaceInProcess runs prompters inside the desktop process.
	SurfaceInProcess = "in-process"
	// SurfaceProcess runs each agent as a separate ollisten-agent process.
	SurfaceProcess = "process"
)

// AppDir is the per-user data directory, ~/.ollisten.
func AppDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".ollisten")
}

// AgentDir holds one YAML file per agent.
func AgentDir() string {
	return filepath.Join(AppDir(), "agent")
}

// ModelDir holds downloaded transcription models.
func ModelDir() string {
	return filepath.Join(AppDir(), "models")
}

// LogDir holds process log files.
func LogDir() string {
	return filepath.Join(AppDir(), "logs")
}

// ConfigPath is the persisted AppConfig location.
func ConfigPath() string {
	return filepath.Join(AppDir(), "config.json")
}

// DefaultAppConfig returns baseline configuration for first launch.
func DefaultAppConfig() domain.AppConfig {
	return domain.AppConfig{
		WindowProps:   map[string]domain.WindowGeometry{},
		Modes:         map[string]domain.Mode{},
		LlmEndpoint:   DefaultLlmEndpoint,
		HubAddr:       DefaultHubAddr,
		WhisperBinary: DefaultWhisperBinary,
		AgentSurface:  SurfaceInProcess,
	}
}

// withDefaults fills fields a partial config file left empty.
func withDefaults(cfg domain.AppConfig) domain.AppConfig {
	def := DefaultAppConfig()
	if cfg.WindowProps == nil {
		cfg.WindowProps = def.WindowProps
	}
	if cfg.Modes == nil {
		cfg.Modes = def.Modes
	}
	if cfg.LlmEndpoint == "" {
		cfg.LlmEndpoint = def.LlmEndpoint
	}
	if cfg.HubAddr == "" {
		cfg.HubAddr = def.HubAddr
	}
	if cfg.WhisperBinary == "" {
		cfg.WhisperBinary = def.WhisperBinary
	}
	if cfg.AgentSurface == "" {
		cfg.AgentSurface = def.AgentSurface
	}
	return cfg
}
