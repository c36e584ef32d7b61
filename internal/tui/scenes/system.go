package scenes

import (
	"fmt"
	"strings"
	"time"

	"chainwatch/internal/status"
	"chainwatch/internal/tui/api"
	"chainwatch/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

const systemInterval = 10 * time.Second

// SystemScene lists what the daemon watches and where alerts go.
type SystemScene struct {
	client *api.Client
	width  int
	stats  *status.StatsResponse
	err    error
	at     time.Time
}

func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{client: client}
}

func (s *SystemScene) Init() tea.Cmd    { return pollStats(s.client) }
func (s *SystemScene) TickCmd() tea.Cmd { return tickEvery("system", systemInterval) }

func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
	case TickMsg:
		if msg.Scene == "system" {
			return s, pollStats(s.client)
		}
	case statsMsg:
		s.stats, s.err, s.at = msg.stats, msg.err, msg.at
	}
	return s, nil
}

func (s *SystemScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  System Information") + "\n\n")
	if s.stats == nil {
		b.WriteString(styles.Muted.Render("  waiting for first poll..."))
		return b.String()
	}

	section := func(title string, lines ...string) {
		b.WriteString(styles.Subtitle.Render("  "+title) + "\n")
		for _, l := range lines {
			b.WriteString("  " + l + "\n")
		}
		b.WriteString("\n")
	}
	bullets := func(items []string) []string {
		if len(items) == 0 {
			return []string{styles.Muted.Render("○ none")}
		}
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = styles.StatusOK.Render("●") + " " + it
		}
		return out
	}

	if s.err != nil {
		section("Daemon",
			styles.StatusError.Render("●")+" unreachable at "+s.client.BaseURL(),
			styles.Muted.Render(s.stats.StatusReason))
		return b.String()
	}

	st := s.stats
	section("Daemon",
		styles.StatusOK.Render("●")+" "+s.client.BaseURL(),
		"version  "+st.Version,
		"status   "+st.HealthStatus,
		"uptime   "+api.FormatUptime(st.UptimeSeconds))
	section("Chain",
		fmt.Sprintf("chain id  %s", styles.MetricValue.Render(fmt.Sprint(st.ChainID))),
		"source    "+st.Source)

	registry := []string{
		fmt.Sprintf("%d protocols, %d addresses", len(st.Protocols), st.Addresses),
	}
	if !st.RegistryAt.IsZero() {
		registry = append(registry, "loaded "+st.RegistryAt.Local().Format(time.DateTime))
	}
	if len(st.Protocols) > 0 {
		registry = append(registry, styles.Muted.Render(truncate(strings.Join(st.Protocols, ", "), max(20, s.width-4))))
	}
	section("Registry", registry...)
	section("Rules", bullets(st.Rules)...)
	section("Sinks", bullets(st.Sinks)...)

	b.WriteString(styles.Muted.Render("  updated " + s.at.Format("15:04:05")))
	return b.String()
}
