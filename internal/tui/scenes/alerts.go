package scenes

import (
	"fmt"
	"strings"
	"time"

	"chainwatch/internal/detection"
	"chainwatch/internal/tui/api"
	"chainwatch/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// alertFetchLimit is how many recent alerts the scene requests.
const alertFetchLimit = 100

// AlertsScene displays recently delivered alerts, newest first.
type AlertsScene struct {
	client      *api.Client
	alerts      []detection.Alert
	totalCount  uint64
	err         string
	width       int
	height      int
	cursor      int
	offset      int
	loading     bool
	maxRows     int
	showDetail  bool
	minSeverity detection.Severity
	lastUpdate  time.Time
}

// alertsMsg carries updated alerts
type alertsMsg struct {
	alerts     []detection.Alert
	totalCount uint64
	err        string
}

// NewAlertsScene creates a new alerts scene
func NewAlertsScene(client *api.Client) *AlertsScene {
	return &AlertsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the alerts scene
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		resp, err := a.client.GetAlerts(alertFetchLimit)
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		return alertsMsg{
			alerts:     resp.Alerts,
			totalCount: resp.TotalCount,
		}
	}
}

func (a *AlertsScene) TickCmd() tea.Cmd { return tickEvery("alerts", 5*time.Second) }

// visible returns the alerts at or above the severity filter.
func (a *AlertsScene) visible() []detection.Alert {
	if a.minSeverity == detection.SeverityInfo {
		return a.alerts
	}
	var out []detection.Alert
	for _, alert := range a.alerts {
		if alert.Severity >= a.minSeverity {
			out = append(out, alert)
		}
	}
	return out
}

// Selected returns the alert under the cursor.
func (a *AlertsScene) Selected() (detection.Alert, bool) {
	list := a.visible()
	if a.cursor < 0 || a.cursor >= len(list) {
		return detection.Alert{}, false
	}
	return list[a.cursor], true
}

// Update handles messages for the alerts scene
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-14)
		return a, nil

	case tea.KeyMsg:
		n := len(a.visible())
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < n-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "pgup":
			a.cursor = max(0, a.cursor-a.maxRows)
			a.offset = max(0, a.offset-a.maxRows)
		case "pgdown":
			a.cursor = max(0, min(n-1, a.cursor+a.maxRows))
			a.offset = min(max(0, n-a.maxRows), a.offset+a.maxRows)
		case "enter":
			a.showDetail = !a.showDetail
		case "s":
			a.minSeverity = (a.minSeverity + 1) % (detection.SeverityCritical + 1)
			a.cursor, a.offset = 0, 0
		case "r":
			a.loading = true
			return a, a.fetchAlerts()
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.alerts = msg.alerts
		a.totalCount = msg.totalCount
		a.err = msg.err
		a.lastUpdate = time.Now()
		if n := len(a.visible()); a.cursor >= n {
			a.cursor = max(0, n-1)
		}
		a.offset = min(a.offset, a.cursor)
		return a, nil

	case TickMsg:
		if msg.Scene == "alerts" {
			return a, a.fetchAlerts()
		}
		return a, nil
	}

	return a, nil
}

// View renders the alert list
func (a *AlertsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Recent Alerts"))
	b.WriteString("\n\n")

	if a.loading && len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  Loading alerts..."))
		return b.String()
	}

	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Make sure metrics.enabled is set so the daemon serves /api/alerts."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	list := a.visible()
	if len(list) == 0 {
		b.WriteString(styles.Muted.Render("  No alerts."))
		if a.minSeverity > detection.SeverityInfo {
			b.WriteString(styles.Muted.Render(fmt.Sprintf(" (filter: %s and above, [s] to change)", a.minSeverity)))
		}
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Alerts appear here once a rule fires and the dedup guard admits it."))
		return b.String()
	}

	countText := fmt.Sprintf("  Showing %d of %d alerts", len(list), a.totalCount)
	if a.minSeverity > detection.SeverityInfo {
		countText += fmt.Sprintf(" (%s and above)", a.minSeverity)
	}
	b.WriteString(styles.Subtitle.Render(countText))
	if a.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-20s %-10s %-22s %-14s %s",
		"Block Time", "Severity", "Rule", "Protocol", "Title")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(a.offset+a.maxRows, len(list))
	for i, alert := range list[a.offset:endIdx] {
		b.WriteString(a.renderAlertRow(alert, a.offset+i == a.cursor))
		b.WriteString("\n")
	}

	if len(list) > a.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [enter] details, [s] severity, [r] refresh)",
			a.offset+1, endIdx, len(list))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [enter] Details  [s] Severity filter  [r] Refresh"))
	}
	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}

	if a.showDetail {
		if alert, ok := a.Selected(); ok {
			b.WriteString("\n\n")
			b.WriteString(renderAlertDetail(alert))
		}
	}

	return b.String()
}

func (a *AlertsScene) renderAlertRow(alert detection.Alert, selected bool) string {
	protocol := alert.Protocol
	if protocol == "" {
		protocol = "-"
	}
	row := fmt.Sprintf("  %-20s %s %-22s %-14s %s",
		alert.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		formatSeverity(alert.Severity),
		truncate(alert.RuleID, 22),
		truncate(protocol, 14),
		truncate(alert.Title, 50),
	)

	if selected {
		return styles.RowSelected.Render(row)
	}
	return row
}

func renderAlertDetail(alert detection.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", styles.MetricValue.Render(alert.Title))
	fmt.Fprintf(&b, "%s\n\n", alert.Message)
	fmt.Fprintf(&b, "rule:        %s\n", alert.RuleID)
	fmt.Fprintf(&b, "fingerprint: %s\n", alert.Fingerprint)
	fmt.Fprintf(&b, "chain/block: %d / %d\n", alert.Event.ChainID, alert.Event.BlockNumber)
	fmt.Fprintf(&b, "tx:          %s (log %d)\n", alert.Event.TxHash.Hex(), alert.Event.LogIndex)
	fmt.Fprintf(&b, "contract:    %s %s", alert.Event.Address.Hex(), alert.Event.EventName)
	for _, d := range alert.Details {
		fmt.Fprintf(&b, "\n%-12s %s", d.Key+":", d.Value)
	}
	return styles.Box.Render(b.String())
}

func formatSeverity(sev detection.Severity) string {
	return styles.Severity(sev).Render(fmt.Sprintf("%-10s", strings.ToUpper(sev.String())))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
