// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, event folding, and key handling
package ui

import (
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

func event(t protocol.EventType, data map[string]any) EventMsg {
	return EventMsg{Channel: protocol.ChannelEvents, Event: protocol.Event{Type: t, Message: string(t), Data: data}}
}

func apply(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestNewModel(t *testing.T) {
	model := NewModel()

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if model.roomState != protocol.RoomIdle {
		t.Errorf("expected idle room, got %s", model.roomState)
	}
	if model.showData {
		t.Error("expected data channel hidden initially")
	}
	if len(model.services) != 0 {
		t.Error("expected no services initially")
	}
}

func TestStatusMsgConnected(t *testing.T) {
	model := NewModel()

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, ServerName: "lab-daemon"})

	if !model.connected {
		t.Error("expected connected to be true after status update")
	}
	if model.serverName != "lab-daemon" {
		t.Errorf("expected serverName 'lab-daemon', got '%s'", model.serverName)
	}

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})
	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
	if model.serverName != "lab-daemon" {
		t.Error("server name should survive a status update without one")
	}
}

func TestRoomLifecycle(t *testing.T) {
	model := apply(NewModel(),
		event(protocol.EventHotspotStarted, map[string]any{
			"roomId": "room1", "method": "hotspot", "brokerIp": "192.168.49.1", "brokerPort": float64(1883),
		}),
	)

	if model.roomState != protocol.RoomActive || model.roomID != "room1" || model.roomMethod != "hotspot" {
		t.Errorf("unexpected room state %s %s %s", model.roomState, model.roomID, model.roomMethod)
	}
	if model.brokerAddr != "192.168.49.1:1883" {
		t.Errorf("unexpected broker %s", model.brokerAddr)
	}

	model = apply(model, event(protocol.EventHotspotStopped, map[string]any{"roomId": "room1"}))
	if model.roomState != protocol.RoomFailed {
		t.Errorf("expected failed room after hotspot stop, got %s", model.roomState)
	}

	model = apply(model, event(protocol.EventDisconnected, nil))
	if model.roomState != protocol.RoomIdle || model.roomID != "" || model.brokerAddr != "" {
		t.Error("expected disconnect to clear room state")
	}
}

func TestServiceTracking(t *testing.T) {
	resolved := func(name string) EventMsg {
		return event(protocol.EventServiceResolved, map[string]any{
			"serviceName": name, "hostName": "192.168.49.1", "port": float64(1883),
		})
	}

	model := apply(NewModel(),
		event(protocol.EventDiscoveryStarted, map[string]any{"serviceType": "_attendance._tcp"}),
		resolved("Room-1"),
		resolved("Room-2"),
		event(protocol.EventServiceLost, map[string]any{"serviceName": "Room-1"}),
	)

	if model.scanning != "_attendance._tcp" {
		t.Errorf("expected scanning type, got %q", model.scanning)
	}
	if len(model.services) != 1 || model.services["Room-2"] != "192.168.49.1:1883" {
		t.Errorf("unexpected services %v", model.services)
	}

	model = apply(model, event(protocol.EventDiscoveryStopped, nil))
	if model.scanning != "" || len(model.services) != 0 {
		t.Error("expected stop to clear scan state")
	}
}

func TestBroadcastTracking(t *testing.T) {
	model := apply(NewModel(), event(protocol.EventServiceRegistered, map[string]any{"serviceName": "Room-1"}))
	if model.broadcasting != "Room-1" {
		t.Errorf("expected broadcasting Room-1, got %q", model.broadcasting)
	}
	model = apply(model, event(protocol.EventServiceUnregistered, nil))
	if model.broadcasting != "" {
		t.Error("expected broadcast cleared")
	}
}

func TestEventCounts(t *testing.T) {
	model := apply(NewModel(),
		event(protocol.EventError, map[string]any{"method": "aware"}),
		event(protocol.EventError, nil),
		EventMsg{Channel: protocol.ChannelData, Event: protocol.Event{Type: protocol.EventError}},
	)

	if model.counts[protocol.EventError] != 2 {
		t.Errorf("expected 2 lifecycle errors, got %d", model.counts[protocol.EventError])
	}
	if len(model.log) != 3 {
		t.Errorf("expected every event logged, got %d", len(model.log))
	}
}

func TestLogBounded(t *testing.T) {
	model := NewModel()
	for i := 0; i < maxLog+25; i++ {
		model.applyEvent(protocol.EventMessage{
			Channel: protocol.ChannelData,
			Event:   protocol.Event{Type: "tick", Message: fmt.Sprintf("%d", i)},
		})
	}

	if len(model.log) != maxLog {
		t.Fatalf("expected log capped at %d, got %d", maxLog, len(model.log))
	}
	if model.log[0].event.Message != "25" {
		t.Errorf("expected oldest entries dropped, first is %s", model.log[0].event.Message)
	}
}

func TestKeyHandling(t *testing.T) {
	model := NewModel()
	key := func(r rune) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}} }

	model = apply(model, key('d'), key('p'))
	if !model.showData || !model.paused {
		t.Error("expected d and p to toggle data and pause")
	}

	model = apply(model, event(protocol.EventInitialized, nil))
	if len(model.log) != 0 {
		t.Error("paused model should not log")
	}
	if model.counts[protocol.EventInitialized] != 1 {
		t.Error("paused model should still track state")
	}

	model = apply(model, key('p'), event(protocol.EventInitialized, nil), key('c'))
	if len(model.log) != 0 {
		t.Error("expected c to clear the log")
	}

	_, cmd := model.Update(key('q'))
	if cmd == nil {
		t.Error("expected q to return a quit command")
	}
}

func TestViewRendersState(t *testing.T) {
	model := NewModel()
	model.now = func() time.Time { return time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC) }

	if model.View() != "Loading..." {
		t.Error("expected loading view before the first window size")
	}

	connected := true
	model = apply(model,
		tea.WindowSizeMsg{Width: 100, Height: 40},
		StatusMsg{Connected: &connected, ServerName: "lab-daemon"},
		event(protocol.EventNetworkJoined, map[string]any{"ssid": "Attendance_room1"}),
		EventMsg{Channel: protocol.ChannelData, Event: protocol.Event{Type: "attendance", Message: "student-7"}},
	)

	view := model.View()
	for _, want := range []string{"lab-daemon", "Attendance_room1", "09:30:00", "networkJoined"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if strings.Contains(view, "student-7") {
		t.Error("data channel should be hidden by default")
	}

	model = apply(model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	if !strings.Contains(model.View(), "student-7") {
		t.Error("data channel should show after toggling")
	}
}

func TestTruncateFunction(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"this is longer than allowed", 10, "this is..."},
		{"", 10, ""},
		{"abcd", 4, "abcd"},
		{"abcde", 4, "a..."},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, expected %q",
				tt.input, tt.maxLen, result, tt.expected)
		}
	}
}
