package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/ui/blocklist"
	"github.com/deemkeen/agora/ui/common"
	"github.com/deemkeen/agora/ui/deliveries"
	"github.com/deemkeen/agora/ui/header"
)

const refreshInterval = 5 * time.Second

var (
	focusedModelStyle = lipgloss.NewStyle().
		Align(lipgloss.Top, lipgloss.Top).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(common.COLOR_LIGHTBLUE)).MarginLeft(1)
)

// Backend is everything the operator console acts on.
type Backend interface {
	deliveries.Queue
	blocklist.Source
}

type MainModel struct {
	width          int
	height         int
	state          common.SessionState
	headerModel    header.Model
	pendingModel   deliveries.Model
	failedModel    deliveries.Model
	blocklistModel blocklist.Model
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func NewModel(backend Backend, domainName, user string, width int, height int) MainModel {
	width = common.DefaultWindowWidth(width)
	height = common.DefaultWindowHeight(height)

	return MainModel{
		width:          width,
		height:         height,
		state:          common.PendingView,
		headerModel:    header.Model{Width: width, Domain: domainName, User: user, State: common.PendingView},
		pendingModel:   deliveries.InitialModel(backend, domain.DeliveryPending, width, height),
		failedModel:    deliveries.InitialModel(backend, domain.DeliveryFailed, width, height),
		blocklistModel: blocklist.InitialModel(backend, width, height),
	}
}

func (m MainModel) Init() tea.Cmd {
	return tea.Batch(
		m.pendingModel.Init(),
		m.failedModel.Init(),
		m.blocklistModel.Init(),
		tick(),
	)
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.headerModel.Width = msg.Width
		return m, nil

	case tickMsg:
		// the deny-list only changes on operator action, so only the queues poll
		m.pendingModel, cmd = m.pendingModel.Update(common.RefreshMsg{})
		cmds = append(cmds, cmd)
		m.failedModel, cmd = m.failedModel.Update(common.RefreshMsg{})
		cmds = append(cmds, cmd, tick())
		return m, tea.Batch(cmds...)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if !m.blocklistModel.Adding {
				return m, tea.Quit
			}
		case "tab":
			if !m.blocklistModel.Adding {
				m.state = (m.state + 1) % 3
				m.headerModel.State = m.state
				return m, nil
			}
		}
		return m.updateFocused(msg)
	}

	// data messages go to every view; each one ignores what is not its own
	m.pendingModel, cmd = m.pendingModel.Update(msg)
	cmds = append(cmds, cmd)
	m.failedModel, cmd = m.failedModel.Update(msg)
	cmds = append(cmds, cmd)
	m.blocklistModel, cmd = m.blocklistModel.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m MainModel) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.state {
	case common.PendingView:
		m.pendingModel, cmd = m.pendingModel.Update(msg)
	case common.FailedView:
		m.failedModel, cmd = m.failedModel.Update(msg)
	case common.BlocklistView:
		m.blocklistModel, cmd = m.blocklistModel.Update(msg)
	}
	return m, cmd
}

// State reports the focused view.
func (m MainModel) State() common.SessionState {
	return m.state
}

func (m MainModel) View() string {
	var body string
	switch m.state {
	case common.PendingView:
		body = m.pendingModel.View()
	case common.FailedView:
		body = m.failedModel.View()
	case common.BlocklistView:
		body = m.blocklistModel.View()
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.headerModel.View(),
		focusedModelStyle.Width(m.width).Render(body),
		common.HelpStyle.Render("tab: switch view  q: quit"),
	)
}
