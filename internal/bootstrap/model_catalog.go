package bootstrap

import (
	"errors"
	"fmt"
	"strings"

	"ollisten/internal/domain"
	"ollisten/internal/transcription"
)

// errNoDownloader is returned when the transcription backend has no model
// catalog.
var errNoDownloader = errors.New("transcription backend does not download models")

// TranscriptionModels returns the whisper.cpp model catalog with local
// download state.
func (a *App) TranscriptionModels() []domain.TranscriptionModelOption {
	if a.models == nil {
		return nil
	}
	return a.models.ModelOptions()
}

// DownloadTranscriptionModel fetches a catalog model into the model
// directory. Progress is published as download-progress events.
func (a *App) DownloadTranscriptionModel(modelID string) (string, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return "", fmt.Errorf("model id is required")
	}
	if a.models == nil {
		return "", errNoDownloader
	}

	path, err := a.models.Download(a.ctx, id)
	if err != nil {
		a.Bus.ShowError(a.ctx, fmt.Sprintf("Failed to download model %s: %v", id, err))
		return "", err
	}
	a.Bus.ShowSuccess(a.ctx, fmt.Sprintf("Model %s downloaded", id))
	return path, nil
}

// transcriptionPreferences restores the persisted selections, preferring
// modelID when set.
func transcriptionPreferences(cfg domain.AppConfig, modelID string) transcription.Preferences {
	prefs := transcription.Preferences{
		ModelName:       cfg.SelectedTranscriptionModelName,
		InputDeviceName: cfg.SelectedInputDeviceName,
	}
	if modelID != "" {
		prefs.ModelName = modelID
	}
	return prefs
}
