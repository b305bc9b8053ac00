package whisper

import (
	"os"
	"path/filepath"

	"ollisten/internal/domain"
)

const modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

var modelCatalog = []domain.TranscriptionModelOption{
	{ID: "tiny.en", Name: "Tiny (English)", FileName: "ggml-tiny.en.bin", SizeLabel: "~75 MB", Description: "Fastest, English-only model."},
	{ID: "tiny", Name: "Tiny (Multilingual)", FileName: "ggml-tiny.bin", SizeLabel: "~75 MB", Description: "Fastest multilingual model."},
	{ID: "base.en", Name: "Base (English)", FileName: "ggml-base.en.bin", SizeLabel: "~142 MB", Description: "Balanced speed/quality, English-only."},
	{ID: "base", Name: "Base (Multilingual)", FileName: "ggml-base.bin", SizeLabel: "~142 MB", Description: "Balanced speed/quality, multilingual."},
	{ID: "small.en", Name: "Small (English)", FileName: "ggml-small.en.bin", SizeLabel: "~466 MB", Description: "Higher quality, English-only."},
	{ID: "small", Name: "Small (Multilingual)", FileName: "ggml-small.bin", SizeLabel: "~466 MB", Description: "Higher quality multilingual model."},
	{ID: "medium.en", Name: "Medium (English)", FileName: "ggml-medium.en.bin", SizeLabel: "~1.5 GB", Description: "High quality, English-only."},
	{ID: "large-v3-turbo", Name: "Large v3 Turbo", FileName: "ggml-large-v3-turbo.bin", SizeLabel: "~1.6 GB", Description: "Faster large-v3 variant."},
}

// Catalog returns the built-in models, marking those already present in dir.
func Catalog(dir string) []domain.TranscriptionModelOption {
	models := make([]domain.TranscriptionModelOption, len(modelCatalog))
	for i, m := range modelCatalog {
		m.URL = modelBaseURL + m.FileName
		candidate := filepath.Join(dir, m.FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			m.Downloaded = true
			m.LocalPath = candidate
		}
		models[i] = m
	}
	return models
}

// Lookup finds a catalog model by id.
func Lookup(id string) (domain.TranscriptionModelOption, bool) {
	for _, m := range modelCatalog {
		if m.ID == id {
			m.URL = modelBaseURL + m.FileName
			return m, true
		}
	}
	return domain.TranscriptionModelOption{}, false
}
