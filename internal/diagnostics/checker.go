package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"ollisten/internal/domain"
)

// pingTimeout bounds the LLM endpoint check.
const pingTimeout = 3 * time.Second

// Options names what the checks inspect.
type Options struct {
	WhisperBinary string
	AgentDir      string
	ModelDir      string
	LlmEndpoint   string
}

// Checker validates external tools, the LLM endpoint and required paths.
type Checker struct {
	lookPath   func(string) (string, error)
	readDir    func(string) ([]os.DirEntry, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	ping       func(ctx context.Context, endpoint string) error
}

// NewChecker builds a checker using real OS dependencies. ping probes the
// LLM endpoint.
func NewChecker(ping func(ctx context.Context, endpoint string) error) *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		readDir:    os.ReadDir,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		ping:       ping,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(ctx context.Context, opts Options) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkTool(opts.WhisperBinary, domain.DiagnosticStatusFail,
			"Install whisper.cpp with the stream example (whisper-stream) and ensure it is on PATH."),
		c.checkTool("ollama", domain.DiagnosticStatusWarn,
			"Install Ollama, or point the LLM endpoint at a running server."),
		c.checkEndpoint(ctx, opts.LlmEndpoint),
		c.checkAgentDir(opts.AgentDir),
		c.checkModelDir(opts.ModelDir),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool verifies a CLI executable is on PATH. missing is the status
// reported when it is not.
func (c *Checker) checkTool(name string, missing domain.DiagnosticStatus, hint string) domain.DiagnosticItem {
	id := "tool_" + strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	path, err := c.lookPath(name)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  missing,
			Message: fmt.Sprintf("Tool not found in PATH: %s", name),
			Hint:    hint,
		}
	}

	return domain.DiagnosticItem{
		ID:      id,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Found at %s", path),
	}
}

// checkEndpoint verifies the LLM server answers.
func (c *Checker) checkEndpoint(ctx context.Context, endpoint string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "llm_endpoint",
		Name: "LLM endpoint",
	}

	if strings.TrimSpace(endpoint) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "LLM endpoint is empty."
		item.Hint = "Set the Ollama URL, e.g. http://127.0.0.1:11434."
		return item
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.ping(ctx, endpoint); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("LLM endpoint unreachable: %s (%v)", endpoint, err)
		item.Hint = "Start the server with `ollama serve`."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Reachable: %s", endpoint)
	return item
}

// checkAgentDir validates agent directory existence and write access.
func (c *Checker) checkAgentDir(dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "agent_dir",
		Name: "Agent directory",
	}

	if strings.TrimSpace(dir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Agent directory is empty."
		return item
	}

	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create agent directory: %s", dir)
		item.Hint = "Adjust permissions of your home directory."
		return item
	}

	tmpFile, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Agent directory is not writable: %s", dir)
		item.Hint = "Agent definitions cannot be saved until this directory is writable."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}

// checkModelDir reports whether any transcription model is downloaded.
// Missing models are a warning because starting transcription downloads
// the selected one.
func (c *Checker) checkModelDir(dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "model_dir",
		Name: "Transcription models",
	}

	entries, err := c.readDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot read model directory: %s", dir)
		item.Hint = "Check permissions for the model directory."
		return item
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			item.Status = domain.DiagnosticStatusPass
			item.Message = fmt.Sprintf("Model found: %s", entry.Name())
			return item
		}
	}

	item.Status = domain.DiagnosticStatusWarn
	item.Message = fmt.Sprintf("No transcription model in %s yet.", dir)
	item.Hint = "The selected model is downloaded when transcription first starts."
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	readDir func(string) ([]os.DirEntry, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
	ping func(context.Context, string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		readDir:    readDir,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
		ping:       ping,
	}
}
