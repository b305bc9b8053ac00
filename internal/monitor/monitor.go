// Package monitor is the terminal debug view of the event bus: recent
// transcript fragments and LLM request/response pairs.
package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

const (
	maxFragments = 9
	maxExchanges = 6
)

// EventMsg carries one bus event into the program.
type EventMsg struct{ Event events.Event }

// Forward subscribes to the events the monitor shows and hands them to
// send, typically (*tea.Program).Send.
func Forward(bus *events.Bus, send func(tea.Msg)) events.Unsubscribe {
	return bus.Subscribe(func(_ context.Context, ev events.Event) error {
		send(EventMsg{Event: ev})
		return nil
	},
		events.TypeTranscriptionData,
		events.TypeLlmRequest,
		events.TypeLlmResponse,
		events.TypeStatusChange,
		events.TypeUserFacingMessage,
		events.TypeDeviceInputOptionSelected,
		events.TypeDeviceOutputUpdated,
	)
}

type exchange struct {
	agent  string
	prompt string
	answer string
	done   bool
}

// Model is the bubbletea model of the monitor.
type Model struct {
	fragments []string
	exchanges []exchange
	status    string
	notice    string
	inputID   *int
	outputID  *int

	width, height int
	viewport      viewport.Model
	ready         bool
}

// New creates an empty monitor.
func New() Model {
	return Model{status: string(domain.TranscriptionStatusUnknown)}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		bodyHeight := max(msg.Height-2, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = bodyHeight
		}
		m.viewport.SetContent(m.body())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.fragments = nil
			m.exchanges = nil
			m.notice = ""
		}

	case EventMsg:
		m = m.apply(msg.Event)
	}

	if !m.ready {
		return m, nil
	}
	m.viewport.SetContent(m.body())
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) apply(ev events.Event) Model {
	switch e := ev.(type) {
	case events.TranscriptionData:
		m.fragments = appendCapped(m.fragments, m.label(e.DeviceID)+e.Text, maxFragments)
	case events.LlmRequest:
		m.exchanges = appendCapped(m.exchanges, exchange{agent: e.AgentName, prompt: e.Prompt}, maxExchanges)
	case events.LlmResponse:
		for i := len(m.exchanges) - 1; i >= 0; i-- {
			if m.exchanges[i].agent == e.AgentName && !m.exchanges[i].done {
				m.exchanges[i].answer = e.Answer
				m.exchanges[i].done = true
				return m
			}
		}
		m.exchanges = appendCapped(m.exchanges, exchange{agent: e.AgentName, prompt: e.Prompt, answer: e.Answer, done: true}, maxExchanges)
	case events.StatusChange:
		m.status = string(e.Status)
		if e.Detail != "" {
			m.status += " (" + e.Detail + ")"
		}
	case events.UserFacingMessage:
		m.notice = string(e.Severity) + ": " + e.Message
	case events.DeviceInputOptionSelected:
		id := e.Option.ID
		m.inputID = &id
	case events.DeviceOutputUpdated:
		if e.Option == nil {
			m.outputID = nil
		} else {
			id := e.Option.ID
			m.outputID = &id
		}
	}
	return m
}

func (m Model) label(deviceID int) string {
	switch {
	case m.inputID != nil && *m.inputID == deviceID:
		return "Host: "
	case m.outputID != nil && *m.outputID == deviceID:
		return "Guest: "
	default:
		return fmt.Sprintf("[%d] ", deviceID)
	}
}

func appendCapped[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

func (m Model) body() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Transcript") + "\n")
	if len(m.fragments) == 0 {
		b.WriteString(mutedStyle.Render("  waiting for speech") + "\n")
	}
	for _, f := range m.fragments {
		b.WriteString("  " + f + "\n")
	}

	b.WriteString("\n" + titleStyle.Render("LLM") + "\n")
	if len(m.exchanges) == 0 {
		b.WriteString(mutedStyle.Render("  no requests yet") + "\n")
	}
	for _, x := range m.exchanges {
		b.WriteString(agentStyle.Render(x.agent) + "\n")
		b.WriteString(mutedStyle.Render(indent(x.prompt, "  > ")) + "\n")
		if x.done {
			b.WriteString(indent(x.answer, "  < ") + "\n")
		} else {
			b.WriteString(mutedStyle.Render("  < ...") + "\n")
		}
	}
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func (m Model) View() string {
	header := headerStyle.Render("ollisten monitor") + mutedStyle.Render("  transcription: "+m.status)
	footer := mutedStyle.Render("q quit  c clear  ↑/↓ scroll")
	if m.notice != "" {
		footer = errorStyle.Render(m.notice)
	}
	if !m.ready {
		return header + "\n" + m.body() + footer
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}
