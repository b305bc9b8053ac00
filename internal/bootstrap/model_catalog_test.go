package bootstrap

import (
	"context"
	"testing"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// TestTranscriptionModelsListsCatalog checks the backend catalog passes
// through.
func TestTranscriptionModelsListsCatalog(t *testing.T) {
	app := newTestApp(t)
	models := app.TranscriptionModels()
	if len(models) != 2 || !models[1].Downloaded {
		t.Fatalf("models = %+v", models)
	}
}

// TestDownloadTranscriptionModelReportsOutcome checks success and failure
// notifications.
func TestDownloadTranscriptionModelReportsOutcome(t *testing.T) {
	app := newTestApp(t)
	messages := record(app.Bus, events.TypeUserFacingMessage)

	path, err := app.DownloadTranscriptionModel("small.en")
	if err != nil || path != "/models/ggml-small.en.bin" {
		t.Fatalf("path = %q, err %v", path, err)
	}
	if _, err := app.DownloadTranscriptionModel("missing"); err == nil {
		t.Fatal("expected download error")
	}
	if _, err := app.DownloadTranscriptionModel(""); err == nil {
		t.Fatal("expected error for empty id")
	}

	got := messages()
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if m := got[0].(events.UserFacingMessage); m.Severity != domain.SeveritySuccess {
		t.Fatalf("first message = %+v", m)
	}
	if m := got[1].(events.UserFacingMessage); m.Severity != domain.SeverityError {
		t.Fatalf("second message = %+v", m)
	}
}

// TestTranscriptionPreferencesPrefersModel checks the override.
func TestTranscriptionPreferencesPrefersModel(t *testing.T) {
	app := newTestApp(t)
	app.Config.Update(context.Background(), func(cfg *domain.AppConfig) {
		cfg.SelectedTranscriptionModelName = "tiny.en"
		cfg.SelectedInputDeviceName = "Mic"
	})
	prefs := transcriptionPreferences(app.GetConfig(), "base.en")
	if prefs.ModelName != "base.en" || prefs.InputDeviceName != "Mic" {
		t.Fatalf("prefs = %+v", prefs)
	}
}
