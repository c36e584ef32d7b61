// Package scenes holds the TUI tabs. Each scene polls the status API on
// its own tick while it is the active tab.
package scenes

import (
	"fmt"
	"time"

	"chainwatch/internal/status"
	"chainwatch/internal/tui/api"

	tea "github.com/charmbracelet/bubbletea"
)

// TickMsg asks the scene named Scene to poll again.
type TickMsg struct {
	Scene string
	Time  time.Time
}

func tickEvery(scene string, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg{Scene: scene, Time: t}
	})
}

// statsMsg is the result of one GET /api/stats. On failure stats still
// carries the reason so it can be rendered.
type statsMsg struct {
	stats *status.StatsResponse
	err   error
	at    time.Time
}

func pollStats(c *api.Client) tea.Cmd {
	return func() tea.Msg {
		s, err := c.GetStats()
		return statsMsg{stats: s, err: err, at: time.Now()}
	}
}

func formatNumber(n uint64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	}
	return fmt.Sprint(n)
}
