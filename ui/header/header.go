package header

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/agora/ui/common"
	"github.com/deemkeen/agora/util"
)

type Model struct {
	Width  int
	Domain string
	User   string
	State  common.SessionState
}

func (m Model) View() string {
	return GetHeaderStyle(m, m.Width)
}

func GetHeaderStyle(m Model, width int) string {
	// four boxes, each adding padding(2) plus left/right border(2)
	availableWidth := width - 16
	if availableWidth < 40 {
		availableWidth = 40
	}

	domainWidth := availableWidth / 4
	versionWidth := availableWidth / 3
	viewWidth := availableWidth / 6
	userWidth := availableWidth - domainWidth - versionWidth - viewWidth

	box := func(text string, w int, bg string) string {
		return lipgloss.
			NewStyle().
			SetString(text).
			Align(lipgloss.Left).
			Background(lipgloss.Color(bg)).
			Padding(1).
			Height(2).
			Width(w).
			Border(lipgloss.NormalBorder(), true, false, true, false).
			BorderForeground(lipgloss.Color(common.COLOR_MAGENTA)).
			String()
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		box(m.Domain, domainWidth, common.COLOR_PURPLE),
		box(util.GetNameAndVersion(), versionWidth, common.COLOR_GREY),
		box(m.State.String(), viewWidth, common.COLOR_MAGENTA),
		box("operator: "+m.User, userWidth, common.COLOR_DARK_GREY),
	)
}
