// Package whisper runs the whisper-stream CLI as the live speech-to-text
// backend, one process per capture device, and manages model files.
package whisper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// DownloadTimeout bounds one model download.
const DownloadTimeout = 30 * time.Minute

// stderrTail is how many stderr lines a ProcessError keeps.
const stderrTail = 20

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stderr   string   `json:"stderr"`
}

// ProcessError is a stage-aware backend failure with command context.
type ProcessError struct {
	Stage      string     `json:"stage"`
	DeviceID   int        `json:"deviceId"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats backend failures for logs and UI.
func (e *ProcessError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Stage,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *ProcessError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// process is one running recognizer.
type process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// processStarter abstracts process creation for testability.
type processStarter func(name string, args ...string) (process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func startExec(name string, args ...string) (process, error) {
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Devices lists capture devices.
type Devices interface {
	InputDevices(ctx context.Context) ([]domain.DeviceOption, error)
	OutputDevice(ctx context.Context) (*domain.DeviceOption, error)
}

// run is one started session across all its devices.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	procs   []process
}

func (r *run) add(p process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.procs = append(r.procs, p)
	return true
}

func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	procs := append([]process(nil), r.procs...)
	r.mu.Unlock()

	r.cancel()
	for _, p := range procs {
		_ = p.Kill()
	}
}

func (r *run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Backend implements the transcription backend on whisper-stream.
type Backend struct {
	bus      *events.Bus
	devices  Devices
	log      zerolog.Logger
	binary   string
	modelDir string
	baseURL  string
	client   *http.Client
	start    processStarter

	mu      sync.Mutex
	current *run
}

// NewBackend creates a backend running binary with models stored in
// modelDir.
func NewBackend(bus *events.Bus, devices Devices, binary, modelDir string, log zerolog.Logger) *Backend {
	return &Backend{
		bus:      bus,
		devices:  devices,
		log:      log,
		binary:   binary,
		modelDir: modelDir,
		baseURL:  modelBaseURL,
		client:   &http.Client{Timeout: DownloadTimeout},
		start:    startExec,
	}
}

// Models returns catalog model ids.
func (b *Backend) Models(context.Context) ([]string, error) {
	ids := make([]string, 0, len(modelCatalog))
	for _, m := range modelCatalog {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// ModelOptions returns the catalog with download state.
func (b *Backend) ModelOptions() []domain.TranscriptionModelOption {
	return Catalog(b.modelDir)
}

// Download fetches the catalog model id into the model directory unless it
// is already there, and returns its local path.
func (b *Backend) Download(ctx context.Context, id string) (string, error) {
	option, ok := Lookup(id)
	if !ok {
		return "", fmt.Errorf("unknown transcription model: %s", id)
	}
	return b.ensureModel(ctx, option)
}

// InputDevices lists microphones.
func (b *Backend) InputDevices(ctx context.Context) ([]domain.DeviceOption, error) {
	return b.devices.InputDevices(ctx)
}

// OutputDevice returns the loopback capture device, if any.
func (b *Backend) OutputDevice(ctx context.Context) (*domain.DeviceOption, error) {
	return b.devices.OutputDevice(ctx)
}

// Start replaces any running session. Download, launch and recognition
// continue in the background and report through bus events.
func (b *Backend) Start(_ context.Context, model string, deviceIDs []int) error {
	option, ok := Lookup(model)
	if !ok {
		return fmt.Errorf("unknown transcription model: %s", model)
	}
	if len(deviceIDs) == 0 {
		return errors.New("no capture devices")
	}

	b.mu.Lock()
	previous := b.current
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	b.current = r
	b.mu.Unlock()

	if previous != nil {
		previous.stop()
		<-previous.done
	}

	go b.launch(ctx, r, option, append([]int(nil), deviceIDs...))
	return nil
}

// Stop kills the running session and waits for it to exit.
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	r := b.current
	b.current = nil
	b.mu.Unlock()

	if r == nil {
		b.bus.Send(ctx, events.TranscriptionStopped{})
		return nil
	}
	r.stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) launch(ctx context.Context, r *run, option domain.TranscriptionModelOption, deviceIDs []int) {
	defer close(r.done)
	defer b.bus.Send(context.Background(), events.TranscriptionStopped{})

	modelPath, err := b.ensureModel(ctx, option)
	if err != nil {
		if !r.isStopped() {
			b.fail(&ProcessError{Stage: "downloading", Message: "model download failed", Err: err})
		}
		return
	}

	b.bus.Send(ctx, events.LoadingProgress{Progress: 0})

	var wg sync.WaitGroup
	for _, id := range deviceIDs {
		args := []string{"--capture", strconv.Itoa(id), "--model", modelPath}
		proc, err := b.start(b.binary, args...)
		if err != nil {
			r.stop()
			b.fail(&ProcessError{
				Stage:      "starting",
				DeviceID:   id,
				Message:    "failed to start " + filepath.Base(b.binary),
				CommandLog: CommandLog{Command: b.binary, Args: args, ExitCode: -1},
				Err:        err,
			})
			break
		}
		if !r.add(proc) {
			_ = proc.Kill()
			_ = proc.Wait()
			break
		}

		wg.Add(1)
		go func(id int, args []string, proc process) {
			defer wg.Done()
			b.watch(r, id, args, proc)
		}(id, args, proc)
	}

	if !r.isStopped() {
		b.bus.Send(ctx, events.LoadingProgress{Progress: 1})
		for _, id := range deviceIDs {
			b.bus.Send(ctx, events.TranscriptionStarted{DeviceID: id})
		}
	}
	wg.Wait()
}

// watch forwards one process's transcript until it exits.
func (b *Backend) watch(r *run, deviceID int, args []string, proc process) {
	var tail []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := Split(proc.Stdout(), func(text string) {
			if isAnnotation(text) {
				return
			}
			b.bus.Send(context.Background(), events.TranscriptionData{DeviceID: deviceID, Text: text, Confidence: 1})
		})
		if err != nil && !r.isStopped() {
			b.log.Warn().Err(err).Int("device", deviceID).Msg("read whisper output")
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(proc.Stderr())
		for scanner.Scan() {
			line := scanner.Text()
			b.log.Debug().Int("device", deviceID).Str("line", line).Msg("whisper-stream")
			tail = append(tail, line)
			if len(tail) > stderrTail {
				tail = tail[1:]
			}
		}
	}()
	wg.Wait()

	err := proc.Wait()
	if r.isStopped() {
		return
	}
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	b.fail(&ProcessError{
		Stage:      "transcribing",
		DeviceID:   deviceID,
		Message:    "whisper-stream exited unexpectedly",
		CommandLog: CommandLog{Command: b.binary, Args: args, ExitCode: exitCode, Stderr: strings.Join(tail, "\n")},
		Err:        err,
	})
}

func (b *Backend) fail(err *ProcessError) {
	b.log.Error().Err(err).Str("stderr", err.CommandLog.Stderr).Msg("transcription backend failed")
	b.bus.Send(context.Background(), events.TranscriptionError{Message: err.Error()})
}

// ensureModel returns the local model path, downloading it first when
// missing.
func (b *Backend) ensureModel(ctx context.Context, option domain.TranscriptionModelOption) (string, error) {
	target := filepath.Join(b.modelDir, option.FileName)
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		return target, nil
	}

	source := b.baseURL + option.FileName
	b.log.Info().Str("url", source).Str("path", target).Msg("downloading transcription model")
	lastPercent := int64(-1)
	err := downloadURLToFile(ctx, b.client, target, source, func(done, total int64) {
		if total > 0 {
			percent := done * 100 / total
			if percent == lastPercent {
				return
			}
			lastPercent = percent
		}
		b.bus.Send(ctx, events.DownloadProgress{Source: source, Size: total, Progress: done})
	})
	if err != nil {
		return "", fmt.Errorf("download model %s: %w", option.Name, err)
	}
	return target, nil
}
