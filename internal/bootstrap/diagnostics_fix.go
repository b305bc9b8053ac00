package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ollisten/internal/config"
	"ollisten/internal/diagnostics"
	"ollisten/internal/domain"
)

// defaultModelID is downloaded when the model directory is empty.
const defaultModelID = "base.en"

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.diagnostics
}

// RefreshDiagnostics reruns dependency checks against the current config.
func (a *App) RefreshDiagnostics() domain.DiagnosticReport {
	cfg := a.Config.Get()
	report := a.checker.Run(a.ctx, diagnostics.Options{
		WhisperBinary: cfg.WhisperBinary,
		AgentDir:      a.paths.agentDir,
		ModelDir:      a.paths.modelDir,
		LlmEndpoint:   cfg.LlmEndpoint,
	})

	a.mu.Lock()
	a.diagnostics = report
	a.mu.Unlock()
	return report
}

// FixDiagnostic applies the remediation for one diagnostic item and reruns
// the checks. Missing tools cannot be installed from here.
func (a *App) FixDiagnostic(itemID string) (domain.DiagnosticReport, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return a.GetDiagnostics(), fmt.Errorf("diagnostic item id is required")
	}

	var fixErr error
	switch id {
	case "agent_dir":
		fixErr = os.MkdirAll(a.paths.agentDir, 0o755)
	case "model_dir":
		fixErr = a.fixModelDir()
	case "llm_endpoint":
		a.LLM.Initialize(a.ctx, a.Config.Get().SelectedLlmModelName)
	default:
		if strings.HasPrefix(id, "tool_") {
			fixErr = fmt.Errorf("install %s and make sure it is on PATH or in %s",
				strings.TrimPrefix(id, "tool_"), localBinDir(filepath.Dir(config.AppDir())))
		} else {
			fixErr = fmt.Errorf("unsupported diagnostic item id: %s", id)
		}
	}

	report := a.RefreshDiagnostics()
	return report, fixErr
}

// fixModelDir downloads the default model and selects it.
func (a *App) fixModelDir() error {
	if _, err := a.DownloadTranscriptionModel(defaultModelID); err != nil {
		return err
	}
	a.Transcription.Initialize(a.ctx, transcriptionPreferences(a.Config.Get(), defaultModelID))
	return nil
}

// ensureLocalBinOnPATH lets tools installed into ~/.ollisten/bin be found
// without changing the user's shell profile.
func ensureLocalBinOnPATH(homeDir string) error {
	binDir := localBinDir(homeDir)
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}

	current := os.Getenv("PATH")
	entries := filepath.SplitList(current)
	for _, entry := range entries {
		if filepath.Clean(entry) == filepath.Clean(binDir) {
			return nil
		}
	}

	if current == "" {
		return os.Setenv("PATH", binDir)
	}
	return os.Setenv("PATH", binDir+string(os.PathListSeparator)+current)
}

func localBinDir(homeDir string) string {
	return filepath.Join(homeDir, ".ollisten", "bin")
}
