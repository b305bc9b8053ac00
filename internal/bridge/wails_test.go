package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"ollisten/internal/events"
)

// fakeRuntime mimics the Wails runtime, which also delivers Go emits to Go listeners.
type fakeRuntime struct {
	mu        sync.Mutex
	listeners map[string][]func(optionalData ...interface{})
	cancelled int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{listeners: map[string][]func(optionalData ...interface{}){}}
}

func (f *fakeRuntime) on(_ context.Context, name string, cb func(optionalData ...interface{})) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[name] = append(f.listeners[name], cb)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}
}

func (f *fakeRuntime) emit(_ context.Context, name string, data ...interface{}) {
	f.mu.Lock()
	listeners := append(([]func(optionalData ...interface{}))(nil), f.listeners[name]...)
	f.mu.Unlock()
	for _, cb := range listeners {
		cb(data...)
	}
}

func newTestWails(rt *fakeRuntime) *Wails {
	w := NewWails(zerolog.Nop())
	w.eventsOn = rt.on
	w.eventsEmit = rt.emit
	return w
}

// TestWailsDefersListenUntilAttach verifies pre-startup subscriptions.
func TestWailsDefersListenUntilAttach(t *testing.T) {
	rt := newFakeRuntime()
	w := newTestWails(rt)

	stop, err := w.Listen(events.TypeLlmResponse, func([]byte) {})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if len(rt.listeners) != 0 {
		t.Fatal("expected no runtime listener before attach")
	}
	if err := w.Emit(events.TypeLlmResponse, []byte(`{}`)); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Emit() err = %v, want ErrNotAttached", err)
	}

	w.Attach(context.Background())
	if len(rt.listeners[string(events.TypeLlmResponse)]) != 1 {
		t.Fatal("expected runtime listener after attach")
	}

	stop()
	if rt.cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", rt.cancelled)
	}
}

// TestWailsIgnoresOwnEchoAndAcceptsFrontendMaps verifies payload normalization.
func TestWailsIgnoresOwnEchoAndAcceptsFrontendMaps(t *testing.T) {
	rt := newFakeRuntime()
	w := newTestWails(rt)
	w.Attach(context.Background())
	bus := events.NewBus(events.WithTransport(w))
	var got received
	bus.Subscribe(got.listener, events.TypePrompterControl)

	bus.Send(context.Background(), events.PrompterControl{AgentName: "coach", Action: events.PrompterActionPause})
	if got.count() != 1 {
		t.Fatalf("deliveries = %d, want 1 despite runtime echo", got.count())
	}

	var frontend map[string]interface{}
	raw := `{"origin":"frontend","event":{"type":"prompter-control","agentName":"coach","action":"resume"}}`
	if err := json.Unmarshal([]byte(raw), &frontend); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rt.emit(context.Background(), string(events.TypePrompterControl), frontend)

	if got.count() != 2 {
		t.Fatalf("deliveries = %d, want 2", got.count())
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if ctl := got.items[1].(events.PrompterControl); ctl.Action != events.PrompterActionResume {
		t.Fatalf("action = %s, want resume", ctl.Action)
	}
}

// TestHubRelaysAgentTrafficToFrontend verifies that an answer published by
// an agent process reaches the frontend once and the desktop bus once.
func TestHubRelaysAgentTrafficToFrontend(t *testing.T) {
	rt := newFakeRuntime()
	w := newTestWails(rt)
	w.Attach(context.Background())
	hub := NewHub(zerolog.Nop())
	hub.Relay(w)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	desktop := events.NewBus(events.WithTransport(Multi{w, hub}))
	var desktopGot received
	desktop.Subscribe(desktopGot.listener, events.TypeLlmResponse)

	var mu sync.Mutex
	var shown []string
	rt.on(context.Background(), string(events.TypeLlmResponse), func(optionalData ...interface{}) {
		raw, ok := optionalData[0].(json.RawMessage)
		if !ok {
			return
		}
		var env struct {
			Event struct {
				AgentName string `json:"agentName"`
			} `json:"event"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		mu.Lock()
		shown = append(shown, env.Event.AgentName)
		mu.Unlock()
	})
	frontendCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(shown)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + BusPath
	client, err := Dial(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()
	agent := events.NewBus(events.WithTransport(client))

	agent.Send(context.Background(), events.LlmResponse{AgentName: "coach", Answer: "ok"})
	waitFor(t, "answer at frontend", func() bool { return frontendCount() == 1 })
	waitFor(t, "answer at desktop bus", func() bool { return desktopGot.count() == 1 })

	mu.Lock()
	name := shown[0]
	mu.Unlock()
	if name != "coach" {
		t.Fatalf("agent name = %q, want coach", name)
	}
	if got := desktopGot.count(); got != 1 {
		t.Fatalf("desktop deliveries = %d, want 1", got)
	}
}
