package config

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ollisten/internal/events"
)

// Watcher publishes file-agent-* events for changes in the agent directory.
type Watcher struct {
	dir string
	bus *events.Bus
	log zerolog.Logger

	mu sync.Mutex
	w  *fsnotify.Watcher
}

// NewWatcher creates an idle watcher for dir.
func NewWatcher(dir string, bus *events.Bus, log zerolog.Logger) *Watcher {
	return &Watcher{dir: dir, bus: bus, log: log}
}

// Start begins watching. Calling it again is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.w = fw
	w.log.Info().Str("dir", w.dir).Msg("watching agent definitions")

	go w.loop(fw)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		return nil
	}
	err := w.w.Close()
	w.w = nil
	return err
}

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev := w.translate(event); ev != nil {
				w.bus.Send(context.Background(), ev)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("agent watcher error")
		}
	}
}

// translate maps a filesystem event to a bus event, or nil to ignore it.
func (w *Watcher) translate(event fsnotify.Event) events.Event {
	if !IsAgentFile(event.Name) {
		return nil
	}
	name := AgentNameFromPath(event.Name)

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		return events.FileAgentDeleted{Name: name}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return nil
	}

	info, err := os.Stat(event.Name)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	agent, err := ReadAgentFile(event.Name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Error().Err(err).Str("file", event.Name).Msg("failed to parse agent")
		}
		return nil
	}

	if event.Has(fsnotify.Create) {
		return events.FileAgentCreated{Name: name, Agent: agent}
	}
	return events.FileAgentModified{Name: name, Agent: agent}
}
