package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ollisten/internal/events"
)

// TestWatcherTranslate maps filesystem operations to bus events.
func TestWatcherTranslate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coach.yaml")
	if err := os.WriteFile(path, []byte(coachYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := NewWatcher(dir, events.NewBus(), zerolog.Nop())

	created, ok := w.translate(fsnotify.Event{Name: path, Op: fsnotify.Create}).(events.FileAgentCreated)
	if !ok || created.Name != "coach" || created.Agent.IntervalInSec != 5 {
		t.Fatalf("create = %+v", created)
	}
	if _, ok := w.translate(fsnotify.Event{Name: path, Op: fsnotify.Write}).(events.FileAgentModified); !ok {
		t.Fatal("expected modified event for write")
	}
	if deleted, ok := w.translate(fsnotify.Event{Name: path, Op: fsnotify.Remove}).(events.FileAgentDeleted); !ok || deleted.Name != "coach" {
		t.Fatalf("remove = %+v", deleted)
	}
	if ev := w.translate(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Create}); ev != nil {
		t.Fatalf("non-yaml produced %+v", ev)
	}
}

// TestWatcherTranslateSkipsUnparsable verifies broken files are not announced.
func TestWatcherTranslateSkipsUnparsable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("prompt: [unclosed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := NewWatcher(dir, events.NewBus(), zerolog.Nop())
	if ev := w.translate(fsnotify.Event{Name: path, Op: fsnotify.Write}); ev != nil {
		t.Fatalf("expected nil, got %+v", ev)
	}
}

// TestWatcherPublishesCreatedAgent exercises the fsnotify loop end to end.
func TestWatcherPublishesCreatedAgent(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	got := make(chan string, 8)
	bus.Subscribe(func(_ context.Context, ev events.Event) error {
		switch e := ev.(type) {
		case events.FileAgentCreated:
			got <- e.Name
		case events.FileAgentModified:
			got <- e.Name
		}
		return nil
	}, events.TypeFileAgentCreated, events.TypeFileAgentModified)

	w := NewWatcher(dir, bus, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "coach.yaml"), []byte(coachYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case name := <-got:
		if name != "coach" {
			t.Fatalf("name = %q, want coach", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watcher event")
	}
}
