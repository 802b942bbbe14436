package blocklist

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/ui/common"
)

var (
	hostStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	selectedStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(lipgloss.Color(common.COLOR_GREEN)).
			Bold(true)
)

// Source manages the deny-list of remote hosts.
type Source interface {
	BlockedHosts() []string
	ReloadBlocklist(ctx context.Context) ([]string, error)
	BlockHost(ctx context.Context, host string) error
}

type Model struct {
	Hosts    []string
	Selected int
	Input    textinput.Model
	Adding   bool
	Width    int
	Height   int
	Message  string
	Error    string
	source   Source
}

type hostsMsg struct {
	hosts   []string
	message string
	err     error
}

func InitialModel(source Source, width, height int) Model {
	ti := textinput.New()
	ti.Placeholder = "spam.example"
	ti.CharLimit = 253
	ti.Width = 40
	return Model{Input: ti, Width: width, Height: height, source: source}
}

func (m Model) Init() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		return hostsMsg{hosts: source.BlockedHosts()}
	}
}

func (m Model) reload() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		hosts, err := source.ReloadBlocklist(context.Background())
		if err != nil {
			log.Error("Console: deny-list reload failed", "err", err)
			return hostsMsg{hosts: source.BlockedHosts(), err: err}
		}
		log.Info("Console: deny-list reloaded", "hosts", len(hosts))
		return hostsMsg{hosts: hosts, message: fmt.Sprintf("Reloaded %d hosts", len(hosts))}
	}
}

func (m Model) block(host string) tea.Cmd {
	source := m.source
	return func() tea.Msg {
		if err := source.BlockHost(context.Background(), host); err != nil {
			log.Error("Console: blocking host failed", "host", host, "err", err)
			return hostsMsg{hosts: source.BlockedHosts(), err: err}
		}
		log.Info("Console: host blocked", "host", host)
		return hostsMsg{hosts: source.BlockedHosts(), message: "Blocked " + host}
	}
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case hostsMsg:
		m.Hosts = msg.hosts
		m.Message = msg.message
		if msg.err != nil {
			m.Error = msg.err.Error()
		}
		if m.Selected >= len(m.Hosts) {
			m.Selected = max(len(m.Hosts)-1, 0)
		}
		return m, nil

	case common.RefreshMsg:
		return m, m.Init()

	case tea.KeyMsg:
		if m.Adding {
			return m.updateInput(msg)
		}
		m.Message = ""
		m.Error = ""
		switch msg.String() {
		case "up":
			if m.Selected > 0 {
				m.Selected--
			}
		case "down":
			if m.Selected < len(m.Hosts)-1 {
				m.Selected++
			}
		case "r":
			return m, m.reload()
		case "a":
			m.Adding = true
			m.Input.Reset()
			return m, m.Input.Focus()
		}
	}
	return m, nil
}

func (m Model) updateInput(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.Adding = false
		m.Input.Blur()
		return m, nil
	case "enter":
		host := strings.ToLower(strings.TrimSpace(m.Input.Value()))
		m.Adding = false
		m.Input.Blur()
		if host == "" {
			return m, nil
		}
		return m, m.block(host)
	}
	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("deny-list (%d hosts)", len(m.Hosts))))
	s.WriteString("\n")

	if len(m.Hosts) == 0 {
		s.WriteString(common.EmptyStyle.Render("No hosts are blocked."))
		s.WriteString("\n")
	}
	for i, host := range m.Hosts {
		if i == m.Selected {
			s.WriteString(selectedStyle.Render("> " + host))
		} else {
			s.WriteString(hostStyle.Render("  " + host))
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	if m.Adding {
		s.WriteString(hostStyle.Render("block host: " + m.Input.View()))
		s.WriteString("\n")
		s.WriteString(common.HelpStyle.Render("enter: block  esc: cancel"))
	} else {
		s.WriteString(common.HelpStyle.Render("a: block a host  r: reload from file  ↑/↓: navigate"))
	}

	if m.Message != "" {
		s.WriteString("\n")
		s.WriteString(common.StatusStyle.Render(m.Message))
	}
	if m.Error != "" {
		s.WriteString("\n")
		s.WriteString(common.ErrorStyle.Render("Error: " + m.Error))
	}
	return s.String()
}
