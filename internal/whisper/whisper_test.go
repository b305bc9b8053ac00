package whisper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// TestSplitFlushesOnDelimiters verifies sentence and line splitting.
func TestSplitFlushesOnDelimiters(t *testing.T) {
	input := "Hello there. How are you?\nok\nShort\rfine"
	var got []string
	if err := Split(strings.NewReader(input), func(s string) { got = append(got, s) }); err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"Hello there.", "How are you?", "okShort", "fine"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestSplitClearsOnEraseLine verifies ESC[2K discards the partial line.
func TestSplitClearsOnEraseLine(t *testing.T) {
	input := "partial guess\x1b[2K final words.\x1b[2KDone"
	var got []string
	_ = Split(strings.NewReader(input), func(s string) { got = append(got, s) })
	want := []string{"final words.", "Done"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestIsAnnotation verifies whisper markers are recognised.
func TestIsAnnotation(t *testing.T) {
	for _, s := range []string{"[BLANK_AUDIO]", "(music)", "[Start speaking]"} {
		if !isAnnotation(s) {
			t.Fatalf("%q should be an annotation", s)
		}
	}
	if isAnnotation("I said [this] once.") {
		t.Fatal("speech misclassified")
	}
}

// TestCatalogMarksDownloaded verifies local files are detected.
func TestCatalogMarksDownloaded(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.en.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	for _, m := range Catalog(dir) {
		if m.URL != modelBaseURL+m.FileName {
			t.Fatalf("%s url = %q", m.ID, m.URL)
		}
		if (m.ID == "base.en") != m.Downloaded {
			t.Fatalf("%s downloaded = %v", m.ID, m.Downloaded)
		}
	}
	if _, ok := Lookup("nope"); ok {
		t.Fatal("unexpected lookup hit")
	}
}

// TestProcessErrorFormatting verifies command context in messages.
func TestProcessErrorFormatting(t *testing.T) {
	base := errors.New("exit status 2")
	err := &ProcessError{
		Stage:      "transcribing",
		Message:    "whisper-stream exited unexpectedly",
		CommandLog: CommandLog{Command: "whisper-stream", ExitCode: 2},
		Err:        base,
	}
	if got := err.Error(); got != "transcribing: whisper-stream exited unexpectedly (cmd=whisper-stream exit=2)" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected unwrap to base error")
	}
}

type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	exited           chan struct{}
	once             sync.Once
	exitErr          error
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

type fakeStarter struct {
	mu    sync.Mutex
	args  [][]string
	procs []*fakeProcess
}

func (f *fakeStarter) start(name string, args ...string) (process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newFakeProcess()
	f.args = append(f.args, append([]string{name}, args...))
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeStarter) argsAt(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.args[i]
}

func (f *fakeStarter) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.args)
}

func (f *fakeStarter) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func watchBus(bus *events.Bus) *eventLog {
	l := &eventLog{}
	bus.Subscribe(func(_ context.Context, ev events.Event) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
		return nil
	}, events.All...)
	return l
}

func (l *eventLog) count(match func(events.Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (l *eventLog) waitFor(t *testing.T, what string, match func(events.Event) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.count(match) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isType(typ events.Type) func(events.Event) bool {
	return func(ev events.Event) bool { return ev.Type() == typ }
}

func newTestBackend(t *testing.T) (*Backend, *fakeStarter, *eventLog) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-tiny.en.bin"), []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	bus := events.NewBus()
	log := watchBus(bus)
	starter := &fakeStarter{}
	b := NewBackend(bus, nil, "whisper-stream", dir, zerolog.Nop())
	b.start = starter.start
	return b, starter, log
}

// TestBackendStreamsFragments verifies launch args, startup events and
// transcript forwarding.
func TestBackendStreamsFragments(t *testing.T) {
	b, starter, log := newTestBackend(t)
	if err := b.Start(context.Background(), "tiny.en", []int{3}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	log.waitFor(t, "started", isType(events.TypeTranscriptionStarted))

	args := strings.Join(starter.argsAt(0), " ")
	if !strings.HasPrefix(args, "whisper-stream --capture 3 --model ") || !strings.HasSuffix(args, "ggml-tiny.en.bin") {
		t.Fatalf("args = %q", args)
	}

	proc := starter.proc(0)
	if _, err := io.WriteString(proc.stdoutW, "[Start speaking]\nguess\x1b[2KHello there. How"); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	log.waitFor(t, "fragment", func(ev events.Event) bool {
		d, ok := ev.(events.TranscriptionData)
		return ok && d.DeviceID == 3 && d.Text == "Hello there."
	})

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := log.count(isType(events.TypeTranscriptionStopped)); n != 1 {
		t.Fatalf("stopped events = %d, want 1", n)
	}
	if n := log.count(isType(events.TypeTranscriptionError)); n != 0 {
		t.Fatalf("unexpected error events: %d", n)
	}
	if n := log.count(func(ev events.Event) bool {
		d, ok := ev.(events.TranscriptionData)
		return ok && strings.Contains(d.Text, "Start speaking")
	}); n != 0 {
		t.Fatal("annotation forwarded as speech")
	}
}

// TestBackendReportsUnexpectedExit verifies a crashed process surfaces an
// error and a stop.
func TestBackendReportsUnexpectedExit(t *testing.T) {
	b, starter, log := newTestBackend(t)
	if err := b.Start(context.Background(), "tiny.en", []int{1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	log.waitFor(t, "started", isType(events.TypeTranscriptionStarted))

	starter.proc(0).exit(errors.New("exit status 1"))

	log.waitFor(t, "error", func(ev events.Event) bool {
		e, ok := ev.(events.TranscriptionError)
		return ok && strings.Contains(e.Message, "exited unexpectedly")
	})
	log.waitFor(t, "stopped", isType(events.TypeTranscriptionStopped))
}

// TestBackendRejectsUnknownModel verifies validation before launch.
func TestBackendRejectsUnknownModel(t *testing.T) {
	b, starter, _ := newTestBackend(t)
	if err := b.Start(context.Background(), "huge", []int{1}); err == nil {
		t.Fatal("expected error")
	}
	if starter.started() != 0 {
		t.Fatal("process started for unknown model")
	}
}

// TestBackendStopWhenIdle verifies an idle stop still reports stopped.
func TestBackendStopWhenIdle(t *testing.T) {
	b, _, log := newTestBackend(t)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := log.count(isType(events.TypeTranscriptionStopped)); n != 1 {
		t.Fatalf("stopped events = %d, want 1", n)
	}
}

// TestBackendDownloadsMissingModel verifies progress events and the
// downloaded file.
func TestBackendDownloadsMissingModel(t *testing.T) {
	payload := strings.Repeat("m", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ggml-base.en.bin" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	b, _, log := newTestBackend(t)
	b.baseURL = srv.URL + "/"
	if err := b.Start(context.Background(), "base.en", []int{1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	log.waitFor(t, "started", isType(events.TypeTranscriptionStarted))

	if n := log.count(func(ev events.Event) bool {
		p, ok := ev.(events.DownloadProgress)
		return ok && p.Progress == int64(len(payload)) && p.Size == int64(len(payload))
	}); n != 1 {
		t.Fatalf("final download progress events = %d, want 1", n)
	}
	data, err := os.ReadFile(filepath.Join(b.modelDir, "ggml-base.en.bin"))
	if err != nil || string(data) != payload {
		t.Fatalf("model file = %d bytes, err %v", len(data), err)
	}
	_ = b.Stop(context.Background())
}

type fakeDevices struct{}

func (fakeDevices) InputDevices(context.Context) ([]domain.DeviceOption, error) {
	return []domain.DeviceOption{{ID: 0, Name: "Mic"}}, nil
}

func (fakeDevices) OutputDevice(context.Context) (*domain.DeviceOption, error) {
	return nil, nil
}

// TestBackendDelegatesDevices verifies device listing and model ids.
func TestBackendDelegatesDevices(t *testing.T) {
	b := NewBackend(events.NewBus(), fakeDevices{}, "whisper-stream", t.TempDir(), zerolog.Nop())
	inputs, err := b.InputDevices(context.Background())
	if err != nil || len(inputs) != 1 {
		t.Fatalf("inputs = %+v, err %v", inputs, err)
	}
	ids, _ := b.Models(context.Background())
	if len(ids) != len(modelCatalog) || ids[0] != "tiny.en" {
		t.Fatalf("ids = %v", ids)
	}
}

// TestBackendDownloadSkipsPresentModel verifies Download returns the local
// path without fetching and rejects unknown ids.
func TestBackendDownloadSkipsPresentModel(t *testing.T) {
	b, _, _ := newTestBackend(t)
	b.baseURL = "http://127.0.0.1:0/"

	path, err := b.Download(context.Background(), "tiny.en")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if path != filepath.Join(b.modelDir, "ggml-tiny.en.bin") {
		t.Fatalf("path = %q", path)
	}
	if _, err := b.Download(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}
