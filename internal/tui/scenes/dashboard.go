package scenes

import (
	"fmt"
	"strings"
	"time"

	"chainwatch/internal/status"
	"chainwatch/internal/tui/api"
	"chainwatch/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const dashboardInterval = 2 * time.Second

// DashboardScene shows the pipeline counters and the ingest rate.
type DashboardScene struct {
	client *api.Client
	width  int

	cur, prev     *status.StatsResponse
	curAt, prevAt time.Time
	err           error
}

func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{client: client}
}

func (d *DashboardScene) Init() tea.Cmd    { return pollStats(d.client) }
func (d *DashboardScene) TickCmd() tea.Cmd { return tickEvery("dashboard", dashboardInterval) }

func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, pollStats(d.client)
		}
	case statsMsg:
		// A rate needs two consecutive good samples.
		d.prev, d.prevAt = nil, time.Time{}
		if msg.err == nil && d.err == nil && d.cur != nil {
			d.prev, d.prevAt = d.cur, d.curAt
		}
		d.cur, d.curAt, d.err = msg.stats, msg.at, msg.err
	}
	return d, nil
}

// Rate is logs received per second over the last poll interval.
func (d *DashboardScene) Rate() float64 {
	if d.prev == nil || d.cur == nil {
		return 0
	}
	secs := d.curAt.Sub(d.prevAt).Seconds()
	now, then := d.cur.Pipeline.Received, d.prev.Pipeline.Received
	if secs <= 0 || now < then {
		return 0
	}
	return float64(now-then) / secs
}

func (d *DashboardScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Chainwatch Dashboard") + "\n\n")
	if d.cur == nil {
		b.WriteString(styles.Muted.Render("  waiting for first poll..."))
		return b.String()
	}

	health := d.cur.HealthStatus
	if d.err != nil {
		health = "unhealthy"
	}
	fmt.Fprintf(&b, "  Status: %s %s\n\n", styles.Health(health), styles.Muted.Render(d.cur.StatusReason))

	p := d.cur.Pipeline
	rows := [][2][]string{
		{
			{"received", "logs/sec", "units", "uptime"},
			{formatNumber(p.Received), fmt.Sprintf("%.1f", d.Rate()), formatNumber(p.Units), api.FormatUptime(d.cur.UptimeSeconds)},
		},
		{
			{"alerts", "suppressed", "malformed", "failed"},
			{formatNumber(p.Alerts), formatNumber(p.Suppressed), formatNumber(p.Malformed), formatNumber(p.Failed)},
		},
	}
	for _, row := range rows {
		cards := make([]string, len(row[0]))
		for i := range cards {
			cards[i] = styles.Card.Align(lipgloss.Center).Render(
				styles.MetricValue.Render(row[1][i]) + "\n" + styles.MetricLabel.Render(row[0][i]))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...) + "\n")
	}

	fmt.Fprintf(&b, "\n  %s %d in cooldown, %s reorged logs dropped\n",
		styles.Subtitle.Render("Dedup"), d.cur.GuardEntries, formatNumber(p.Removed))
	b.WriteString(styles.Muted.Render("  updated " + d.curAt.Format("15:04:05")))
	return b.String()
}
