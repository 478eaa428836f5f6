package inapp

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(56)
	titleStyle   = lipgloss.NewStyle().Bold(true)
	metaStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	actionsStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// Render draws the current modal, or "" when the slot is empty.
func Render(s Snapshot) string {
	if s.Current == nil {
		return ""
	}
	n := s.Current
	secs := int(math.Ceil(s.Remaining.Seconds()))
	lines := []string{titleStyle.Render(n.Title)}
	if strings.TrimSpace(n.Message) != "" {
		lines = append(lines, n.Message)
	}
	lines = append(lines,
		metaStyle.Render(fmt.Sprintf("%s · %s · %ds", n.Kind, n.ID, secs)),
		actionsStyle.Render("[查看] [忽略]"),
	)
	if len(s.Backlog) > 0 {
		lines = append(lines, metaStyle.Render(fmt.Sprintf("+%d 条待显示", len(s.Backlog))))
	}
	return modalStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// ConsoleRenderer prints the modal whenever a different notification takes
// the slot. Countdown ticks alone do not reprint.
type ConsoleRenderer struct {
	w      io.Writer
	lastID string
}

func NewConsoleRenderer(w io.Writer) *ConsoleRenderer {
	return &ConsoleRenderer{w: w}
}

func (r *ConsoleRenderer) Observe(s Snapshot) {
	id := ""
	if s.Current != nil {
		id = s.Current.ID
	}
	if id == r.lastID {
		return
	}
	r.lastID = id
	if out := Render(s); out != "" {
		fmt.Fprintln(r.w, out)
	}
}
