// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and pumps streamed events into it
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{
		roomState: protocol.RoomIdle,
		services:  make(map[string]string),
		counts:    make(map[protocol.EventType]int),
		now:       time.Now,
	}
}

// Run shows the monitor for client until the user quits or the connection drops
func Run(client *protocol.Client) error {
	connected := true
	model := NewModel()
	model.applyStatus(StatusMsg{Connected: &connected, ServerName: client.Server().Name})

	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		for {
			select {
			case ev := <-client.Events:
				p.Send(EventMsg(ev))
			case <-client.Done():
				disconnected := false
				p.Send(StatusMsg{Connected: &disconnected})
				return
			}
		}
	}()

	_, err := p.Run()
	return err
}
