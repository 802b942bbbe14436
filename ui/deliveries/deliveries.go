package deliveries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/ui/common"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
)

const listLimit = 200

// Queue is the part of the delivery queue the console reads and edits.
type Queue interface {
	ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryJob, error)
	Requeue(ctx context.Context, id string) error
}

type Model struct {
	Status  domain.DeliveryStatus
	Jobs    []*domain.DeliveryJob
	Table   table.Model
	Width   int
	Height  int
	Message string
	Error   string
	queue   Queue
}

type jobsLoadedMsg struct {
	status domain.DeliveryStatus
	jobs   []*domain.DeliveryJob
	err    error
}

type requeuedMsg struct {
	id  uuid.UUID
	err error
}

func InitialModel(queue Queue, status domain.DeliveryStatus, width, height int) Model {
	t := table.New(
		table.WithColumns(columns(status, width)),
		table.WithFocused(true),
		table.WithHeight(max(height-8, 3)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(common.COLOR_GREY)).
		BorderBottom(true).
		Bold(false)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color(common.COLOR_GREEN)).
		Bold(true)
	t.SetStyles(styles)

	return Model{Status: status, Table: t, Width: width, Height: height, queue: queue}
}

func columns(status domain.DeliveryStatus, width int) []table.Column {
	inbox := max(width-70, 20)
	if status == domain.DeliveryFailed {
		return []table.Column{
			{Title: "Inbox", Width: inbox},
			{Title: "Activity", Width: 30},
			{Title: "Tries", Width: 5},
			{Title: "Error", Width: 30},
		}
	}
	return []table.Column{
		{Title: "Inbox", Width: inbox},
		{Title: "Activity", Width: 30},
		{Title: "Tries", Width: 5},
		{Title: "Next attempt", Width: 19},
	}
}

func (m Model) Init() tea.Cmd {
	return m.load()
}

func (m Model) load() tea.Cmd {
	queue, status := m.queue, m.Status
	return func() tea.Msg {
		jobs, err := queue.ListDeliveries(context.Background(), status, listLimit)
		if err != nil {
			log.Error("Console: failed to load deliveries", "status", status, "err", err)
		}
		return jobsLoadedMsg{status: status, jobs: jobs, err: err}
	}
}

func (m Model) requeue(id uuid.UUID) tea.Cmd {
	queue := m.queue
	return func() tea.Msg {
		err := queue.Requeue(context.Background(), id.String())
		if err != nil {
			log.Error("Console: requeue failed", "job", id, "err", err)
		} else {
			log.Info("Console: requeued delivery", "job", id)
		}
		return requeuedMsg{id: id, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case jobsLoadedMsg:
		if msg.status != m.Status {
			return m, nil
		}
		if msg.err != nil {
			m.Error = msg.err.Error()
			return m, nil
		}
		m.Jobs = msg.jobs
		m.Table.SetRows(rows(m.Status, msg.jobs))
		if m.Table.Cursor() >= len(msg.jobs) {
			m.Table.SetCursor(max(len(msg.jobs)-1, 0))
		}
		return m, nil

	case requeuedMsg:
		if msg.err != nil {
			m.Error = msg.err.Error()
			return m, nil
		}
		m.Message = "Delivery requeued"
		return m, m.load()

	case common.RefreshMsg:
		return m, m.load()

	case tea.KeyMsg:
		m.Message = ""
		m.Error = ""
		switch msg.String() {
		case "r":
			if m.Status != domain.DeliveryFailed {
				return m, nil
			}
			if job := m.SelectedJob(); job != nil {
				return m, m.requeue(job.Id)
			}
			return m, nil
		case "R":
			return m, m.load()
		}
	}

	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

// SelectedJob returns the job under the cursor, if any.
func (m Model) SelectedJob() *domain.DeliveryJob {
	i := m.Table.Cursor()
	if i < 0 || i >= len(m.Jobs) {
		return nil
	}
	return m.Jobs[i]
}

func rows(status domain.DeliveryStatus, jobs []*domain.DeliveryJob) []table.Row {
	out := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		last := j.NextRetryAt.Local().Format(util.DateTimeFormat())
		if status == domain.DeliveryFailed {
			last = common.Truncate(j.LastError, 30)
		}
		out = append(out, table.Row{
			j.InboxURI,
			common.Truncate(j.ActivityURI, 30),
			fmt.Sprintf("%d", j.Attempts),
			last,
		})
	}
	return out
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("%s deliveries (%d)", m.Status, len(m.Jobs))))
	s.WriteString("\n")

	if len(m.Jobs) == 0 {
		s.WriteString(common.EmptyStyle.Render("Nothing here."))
		s.WriteString("\n")
	} else {
		s.WriteString(m.Table.View())
		s.WriteString("\n")
		if job := m.SelectedJob(); job != nil {
			s.WriteString(common.HelpStyle.Render(detail(job, time.Now())))
			s.WriteString("\n")
		}
	}

	help := "R: refresh  ↑/↓: navigate"
	if m.Status == domain.DeliveryFailed {
		help = "r: requeue  " + help
	}
	s.WriteString("\n")
	s.WriteString(common.HelpStyle.Render(help))

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

func detail(j *domain.DeliveryJob, now time.Time) string {
	age := now.Sub(j.CreatedAt).Truncate(time.Second)
	line := fmt.Sprintf("%s  signed by %s  queued %s ago", j.ActivityURI, j.ActorURI, age)
	if j.LastError != "" {
		line += "\nlast error: " + j.LastError
	}
	return line
}
