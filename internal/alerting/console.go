package alerting

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"chainwatch/internal/detection"

	"github.com/charmbracelet/lipgloss"
)

// ConsoleSink writes one line per alert.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer

	color    bool
	sevStyle map[detection.Severity]lipgloss.Style
	dim      lipgloss.Style
	bold     lipgloss.Style
}

// NewConsoleSink writes to out. With color set, severity and title are
// styled when out is a terminal that supports it.
func NewConsoleSink(out io.Writer, color bool) *ConsoleSink {
	r := lipgloss.NewRenderer(out)
	return &ConsoleSink{
		out:   out,
		color: color,
		sevStyle: map[detection.Severity]lipgloss.Style{
			detection.SeverityInfo:     r.NewStyle().Foreground(lipgloss.Color("12")),
			detection.SeverityWarning:  r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
			detection.SeverityCritical: r.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9")).Bold(true),
		},
		dim:  r.NewStyle().Faint(true),
		bold: r.NewStyle().Bold(true),
	}
}

func (c *ConsoleSink) Name() string {
	return "console"
}

func (c *ConsoleSink) Deliver(_ context.Context, alert detection.Alert) error {
	line := c.format(alert)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, line)
	return err
}

func (c *ConsoleSink) format(a detection.Alert) string {
	sev := fmt.Sprintf("%-8s", strings.ToUpper(a.Severity.String()))
	title := a.Title
	where := fmt.Sprintf("chain=%d block=%d tx=%s log=%d contract=%s",
		a.Event.ChainID, a.Event.BlockNumber, a.Event.TxHash.Hex(), a.Event.LogIndex, a.Event.Address.Hex())
	if c.color {
		sev = c.sevStyle[a.Severity].Render(sev)
		title = c.bold.Render(title)
		where = c.dim.Render(where)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s [%s] %s: %s %s",
		a.CreatedAt.UTC().Format(time.RFC3339), sev, a.RuleID, title, a.Message, where)
	for _, d := range a.Details {
		fmt.Fprintf(&b, " %s=%s", d.Key, d.Value)
	}
	b.WriteByte('\n')
	return b.String()
}
