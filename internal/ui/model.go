// ABOUTME: Bubbletea model for the live event monitor
// ABOUTME: Tracks room state, resolved services and the recent event log
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

// maxLog bounds the retained event log
const maxLog = 200

type logEntry struct {
	at      time.Time
	channel string
	event   protocol.Event
}

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	serverName string

	// Room
	roomID     string
	roomState  protocol.RoomState
	roomMethod string
	brokerAddr string
	joinedSSID string

	// Discovery
	broadcasting string
	scanning     string
	services     map[string]string

	// Events
	log    []logEntry
	counts map[protocol.EventType]int

	showData bool
	paused   bool

	now    func() time.Time
	width  int
	height int
}

// EventMsg delivers one streamed bus event
type EventMsg protocol.EventMessage

// StatusMsg updates connection state
type StatusMsg struct {
	Connected  *bool
	ServerName string
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case EventMsg:
		m.applyEvent(protocol.EventMessage(msg))
	}

	return m, nil
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "d":
		m.showData = !m.showData
	case "p":
		m.paused = !m.paused
	case "c":
		m.log = nil
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
}

// applyEvent folds one event into the derived state and the log
func (m *Model) applyEvent(msg protocol.EventMessage) {
	ev := msg.Event
	if msg.Channel == protocol.ChannelEvents {
		m.counts[ev.Type]++
		m.trackState(ev)
	}

	if m.paused {
		return
	}
	m.log = append(m.log, logEntry{at: m.now(), channel: msg.Channel, event: ev})
	if len(m.log) > maxLog {
		m.log = m.log[len(m.log)-maxLog:]
	}
}

func (m *Model) trackState(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventWifiAwarePublishStarted, protocol.EventHotspotStarted:
		m.roomID = str(ev.Data, "roomId")
		m.roomMethod = str(ev.Data, "method")
		m.roomState = protocol.RoomActive
		if ip := str(ev.Data, "brokerIp"); ip != "" {
			m.brokerAddr = fmt.Sprintf("%s:%v", ip, ev.Data["brokerPort"])
		}
	case protocol.EventHotspotStopped:
		m.roomState = protocol.RoomFailed
	case protocol.EventNetworkJoined:
		m.joinedSSID = str(ev.Data, "ssid")
	case protocol.EventServiceRegistered:
		m.broadcasting = str(ev.Data, "serviceName")
	case protocol.EventServiceUnregistered:
		m.broadcasting = ""
	case protocol.EventDiscoveryStarted:
		m.scanning = str(ev.Data, "serviceType")
	case protocol.EventDiscoveryStopped:
		m.scanning = ""
		m.services = make(map[string]string)
	case protocol.EventServiceResolved:
		m.services[str(ev.Data, "serviceName")] = fmt.Sprintf("%s:%v", str(ev.Data, "hostName"), ev.Data["port"])
	case protocol.EventServiceLost:
		delete(m.services, str(ev.Data, "serviceName"))
	case protocol.EventDisconnected:
		m.roomID, m.roomMethod, m.brokerAddr, m.joinedSSID = "", "", "", ""
		m.roomState = protocol.RoomIdle
		m.broadcasting, m.scanning = "", ""
		m.services = make(map[string]string)
	}
}

func str(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dataStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderRoom())
	b.WriteString(m.renderServices())
	b.WriteString(m.renderLog())
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	status := errorStyle.Render("Disconnected")
	if m.connected {
		status = valueStyle.Render("Connected to " + m.serverName)
	}
	return titleStyle.Render("crossp2p monitor") + "  " + status + "\n\n"
}

func (m Model) renderRoom() string {
	var b strings.Builder
	state := m.roomState
	if state == "" {
		state = protocol.RoomIdle
	}
	b.WriteString(headerStyle.Render("Room:      "))
	b.WriteString(valueStyle.Render(string(state)))
	if m.roomID != "" {
		b.WriteString(valueStyle.Render(fmt.Sprintf(" %s via %s", m.roomID, m.roomMethod)))
	}
	if m.brokerAddr != "" {
		b.WriteString(valueStyle.Render(" broker " + m.brokerAddr))
	}
	b.WriteString("\n")

	if m.joinedSSID != "" {
		b.WriteString(headerStyle.Render("Joined:    "))
		b.WriteString(valueStyle.Render(m.joinedSSID))
		b.WriteString("\n")
	}

	b.WriteString(headerStyle.Render("Broadcast: "))
	b.WriteString(valueStyle.Render(orNone(m.broadcasting)))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Scan:      "))
	b.WriteString(valueStyle.Render(orNone(m.scanning)))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Errors:    "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.counts[protocol.EventError])))
	b.WriteString("\n\n")
	return b.String()
}

func (m Model) renderServices() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Services (%d)", len(m.services))))
	b.WriteString("\n")

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(fmt.Sprintf("  %s %s\n", truncate(name, 32), valueStyle.Render(m.services[name])))
	}
	b.WriteString("\n")
	return b.String()
}

// renderLog shows the newest entries that fit the window
func (m Model) renderLog() string {
	var b strings.Builder
	title := "Events"
	if m.paused {
		title += " (paused)"
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n")

	rows := m.height - 14 - len(m.services)
	if rows < 3 {
		rows = 3
	}

	var visible []logEntry
	for _, e := range m.log {
		if e.channel == protocol.ChannelData && !m.showData {
			continue
		}
		visible = append(visible, e)
	}
	if len(visible) > rows {
		visible = visible[len(visible)-rows:]
	}

	width := m.width - 30
	if width < 20 {
		width = 20
	}
	for _, e := range visible {
		line := fmt.Sprintf("  %s %-24s %s", e.at.Format("15:04:05"), e.event.Type, truncate(e.event.Message, width))
		switch {
		case e.event.Type == protocol.EventError:
			line = errorStyle.Render(line)
		case e.channel == protocol.ChannelData:
			line = dataStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderHelp() string {
	return faintStyle.Render("d:Data channel  p:Pause  c:Clear  q:Quit")
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
