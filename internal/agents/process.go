package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// AgentBinaryName is the headless agent executable.
const AgentBinaryName = "ollisten-agent"

// closeGrace is how long a child gets to exit after an interrupt.
const closeGrace = 3 * time.Second

// AgentBinary locates the agent executable next to the running binary,
// falling back to PATH lookup by name.
func AgentBinary() string {
	name := AgentBinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}

// child is a started agent process.
type child interface {
	Interrupt() error
	Kill() error
	Wait() error
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Interrupt() error {
	if runtime.GOOS == "windows" {
		return c.cmd.Process.Kill()
	}
	return c.cmd.Process.Signal(os.Interrupt)
}

func (c *execChild) Kill() error { return c.cmd.Process.Kill() }
func (c *execChild) Wait() error { return c.cmd.Wait() }

func startChild(name string, args ...string) (child, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execChild{cmd: cmd}, nil
}

// Process runs each agent as a separate ollisten-agent process connected
// to the event hub.
type Process struct {
	bus    *events.Bus
	binary string
	hubURL string
	logDir string
	log    zerolog.Logger
	start  func(name string, args ...string) (child, error)
}

// NewProcess creates the child-process surface.
func NewProcess(bus *events.Bus, binary, hubURL, logDir string, log zerolog.Logger) *Process {
	return &Process{
		bus:    bus,
		binary: binary,
		hubURL: hubURL,
		logDir: logDir,
		log:    log,
		start:  startChild,
	}
}

// Args builds the agent command line.
func (s *Process) Args(name string, g domain.WindowGeometry) []string {
	return []string{
		"--hub", s.hubURL,
		"--agent", name,
		"--geometry", FormatGeometry(g),
		"--log-dir", s.logDir,
	}
}

// Open starts the agent process. The child announces its own window once
// connected to the hub.
func (s *Process) Open(_ context.Context, cfg domain.AgentConfig, geometry domain.WindowGeometry) (Handle, error) {
	c, err := s.start(s.binary, s.Args(cfg.Name, geometry)...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", s.binary, err)
	}

	h := &processHandle{name: cfg.Name, child: c, exited: make(chan struct{})}
	go func() {
		err := c.Wait()
		close(h.exited)
		if err != nil && !h.closing() {
			s.log.Error().Err(err).Str("agent", cfg.Name).Msg("agent process exited")
		}
		// a crashed child cannot announce its own close
		s.bus.Send(context.Background(), events.AgentWindowClosed{AgentName: cfg.Name})
	}()
	return h, nil
}

type processHandle struct {
	name   string
	child  child
	exited chan struct{}

	mu      sync.Mutex
	closed  bool
	waitFor time.Duration
}

func (h *processHandle) closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *processHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	grace := h.waitFor
	h.mu.Unlock()
	if grace == 0 {
		grace = closeGrace
	}

	if err := h.child.Interrupt(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return h.child.Kill()
	}
	select {
	case <-h.exited:
		return nil
	case <-time.After(grace):
		return h.child.Kill()
	}
}
