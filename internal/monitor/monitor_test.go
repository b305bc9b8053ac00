package monitor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

// TestKeepsLastNineFragments verifies the transcript window.
func TestKeepsLastNineFragments(t *testing.T) {
	m := New()
	for i := 0; i < 12; i++ {
		m = update(t, m, EventMsg{Event: events.TranscriptionData{DeviceID: 1, Text: fmt.Sprintf("line %d", i)}})
	}
	if len(m.fragments) != maxFragments {
		t.Fatalf("fragments = %d, want %d", len(m.fragments), maxFragments)
	}
	if !strings.HasSuffix(m.fragments[0], "line 3") || !strings.HasSuffix(m.fragments[8], "line 11") {
		t.Fatalf("fragments = %v", m.fragments)
	}
}

// TestLabelsBySelectedDevice verifies Host and Guest prefixes.
func TestLabelsBySelectedDevice(t *testing.T) {
	m := update(t, New(),
		EventMsg{Event: events.DeviceInputOptionSelected{Option: domain.DeviceOption{ID: 1}}},
		EventMsg{Event: events.DeviceOutputUpdated{Option: &domain.DeviceOption{ID: 4}}},
		EventMsg{Event: events.TranscriptionData{DeviceID: 1, Text: "hi"}},
		EventMsg{Event: events.TranscriptionData{DeviceID: 4, Text: "hello"}},
	)
	if m.fragments[0] != "Host: hi" || m.fragments[1] != "Guest: hello" {
		t.Fatalf("fragments = %v", m.fragments)
	}
}

// TestPairsRequestsWithResponses verifies exchanges and the six-pair cap.
func TestPairsRequestsWithResponses(t *testing.T) {
	m := New()
	for i := 0; i < 8; i++ {
		agent := fmt.Sprintf("agent-%d", i)
		m = update(t, m,
			EventMsg{Event: events.LlmRequest{AgentName: agent, Prompt: "p"}},
			EventMsg{Event: events.LlmResponse{AgentName: agent, Prompt: "p", Answer: "a"}},
		)
	}
	if len(m.exchanges) != maxExchanges {
		t.Fatalf("exchanges = %d, want %d", len(m.exchanges), maxExchanges)
	}
	for _, x := range m.exchanges {
		if !x.done || x.answer != "a" {
			t.Fatalf("exchange %+v not completed", x)
		}
	}
	if m.exchanges[0].agent != "agent-2" {
		t.Fatalf("oldest = %s", m.exchanges[0].agent)
	}
}

// TestViewShowsStatusAndNotice verifies the header and footer.
func TestViewShowsStatusAndNotice(t *testing.T) {
	m := update(t, New(),
		tea.WindowSizeMsg{Width: 80, Height: 24},
		EventMsg{Event: events.StatusChange{Status: domain.TranscriptionStatusModelLoading, Detail: "Loaded: 42%"}},
		EventMsg{Event: events.UserFacingMessage{Severity: domain.SeverityError, Message: "boom"}},
	)
	view := m.View()
	if !strings.Contains(view, "model-loading (Loaded: 42%)") || !strings.Contains(view, "error: boom") {
		t.Fatalf("view = %q", view)
	}
}

// TestForwardDeliversEvents verifies the bus bridge.
func TestForwardDeliversEvents(t *testing.T) {
	bus := events.NewBus()
	var got []tea.Msg
	unsubscribe := Forward(bus, func(msg tea.Msg) { got = append(got, msg) })
	bus.SendInternal(context.Background(), events.LlmRequest{AgentName: "a"})
	unsubscribe()
	bus.SendInternal(context.Background(), events.LlmRequest{AgentName: "b"})

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
}
