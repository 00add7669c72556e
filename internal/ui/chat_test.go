package ui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/dtp/internal/event"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakeSender) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func newTestChat(sender Sender, events <-chan event.Event) ChatModel {
	m := NewChatModel(ChatConfig{
		Server:   "127.0.0.1:29275",
		Nickname: "alice",
		Sender:   sender,
		Events:   events,
	})
	m.now = func() time.Time { return time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC) }
	return m
}

func update(t *testing.T, m ChatModel, msg tea.Msg) (ChatModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	cm, ok := next.(ChatModel)
	if !ok {
		t.Fatalf("Update() returned %T, want ChatModel", next)
	}
	return cm, cmd
}

// runUntil executes cmd, expanding batches, and returns the first message
// of type T
func runUntil[T tea.Msg](t *testing.T, cmd tea.Cmd) T {
	t.Helper()
	var zero T
	if cmd == nil {
		t.Fatal("expected a command")
		return zero
	}
	switch msg := cmd().(type) {
	case T:
		return msg
	case tea.BatchMsg:
		for _, c := range msg {
			if c == nil {
				continue
			}
			if m, ok := c().(T); ok {
				return m
			}
		}
	}
	t.Fatalf("command did not produce a %T", zero)
	return zero
}

func lastLine(m ChatModel) string {
	lines := m.Transcript()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func TestChatSend(t *testing.T) {
	sender := &fakeSender{}
	m := newTestChat(sender, make(chan event.Event))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("hi there")})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	if m.input.Value() != "" {
		t.Errorf("input = %q, want it cleared after send", m.input.Value())
	}
	if m.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", m.Pending())
	}

	result := runUntil[sendResultMsg](t, cmd)
	if result.err != nil {
		t.Fatalf("send error = %v", result.err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(sender.sent))
	}
	payload, ok := sender.sent[0].(map[string]any)
	if !ok || payload["from"] != "alice" || payload["text"] != "hi there" {
		t.Errorf("payload = %#v", sender.sent[0])
	}

	m, _ = update(t, m, result)
	if m.Pending() != 0 {
		t.Errorf("Pending() = %d after result, want 0", m.Pending())
	}
	if line := lastLine(m); !strings.Contains(line, "hi there") || !strings.Contains(line, "12:30:00") {
		t.Errorf("last line = %q", line)
	}
}

func TestChatSendWithoutNickname(t *testing.T) {
	sender := &fakeSender{}
	m := NewChatModel(ChatConfig{Server: "x", Sender: sender, Events: make(chan event.Event)})

	if msg := m.send("plain")(); msg.(sendResultMsg).err != nil {
		t.Fatalf("send error = %v", msg.(sendResultMsg).err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "plain" {
		t.Errorf("sent = %#v, want the bare string", sender.sent)
	}
}

func TestChatIgnoresBlankInput(t *testing.T) {
	sender := &fakeSender{}
	m := newTestChat(sender, make(chan event.Event))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("   ")})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("blank input should not produce a send")
	}
	if m.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", m.Pending())
	}
}

func TestChatSendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("broken pipe")}
	m := newTestChat(sender, make(chan event.Event))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("lost")})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(t, m, runUntil[sendResultMsg](t, cmd))

	if line := lastLine(m); !strings.Contains(line, "broken pipe") {
		t.Errorf("last line = %q, want the send error", line)
	}
}

func TestChatEvents(t *testing.T) {
	events := make(chan event.Event, 2)
	m := newTestChat(&fakeSender{}, events)

	events <- event.Event{Kind: event.Receive, Payload: map[string]any{"from": "bob", "text": "hello"}}
	events <- event.Event{Kind: event.Disconnect}

	m, cmd := update(t, m, waitForEvent(events)())
	if line := lastLine(m); !strings.Contains(line, "bob: hello") {
		t.Errorf("last line = %q", line)
	}
	if cmd == nil {
		t.Fatal("expected the model to keep waiting for events")
	}

	m, _ = update(t, m, cmd())
	if m.Connected() {
		t.Error("Connected() = true after a disconnect event")
	}
	if line := lastLine(m); !strings.Contains(line, "disconnected") {
		t.Errorf("last line = %q", line)
	}
	if !strings.Contains(m.View(), "disconnected") {
		t.Error("View() should show the disconnected status")
	}

	// Typing after the disconnect sends nothing
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("anyone?")})
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("send should be disabled while disconnected")
	}
}

func TestWaitForEventClosed(t *testing.T) {
	events := make(chan event.Event)
	close(events)
	if _, ok := waitForEvent(events)().(eventsClosedMsg); !ok {
		t.Error("closed channel should produce eventsClosedMsg")
	}
}

func TestChatQuitAndResize(t *testing.T) {
	m := newTestChat(&fakeSender{}, make(chan event.Event))

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 300, Height: 40})
	if m.width != MaxContentWidth {
		t.Errorf("width = %d, want %d", m.width, MaxContentWidth)
	}
	if m.transcript.Height != 35 {
		t.Errorf("transcript height = %d, want 35", m.transcript.Height)
	}

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c should quit")
	}
}

func TestFormatPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"string", "Hello, world!", "Hello, world!"},
		{"chat message", map[string]any{"from": "bob", "text": "hi"}, "bob: hi"},
		{"text only", map[string]any{"text": "hi"}, "hi"},
		{"other map", map[string]any{"n": int64(1)}, `{"n":1}`},
		{"list", []any{"a", int64(2)}, `["a",2]`},
		{"nil", nil, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatPayload(tt.payload); got != tt.want {
				t.Errorf("FormatPayload() = %q, want %q", got, tt.want)
			}
		})
	}
}
