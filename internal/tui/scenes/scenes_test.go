package scenes

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/status"
	"chainwatch/internal/tui/api"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethereum/go-ethereum/common"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func alertAt(i int, sev detection.Severity) detection.Alert {
	ev := chainlog.LogEvent{
		ChainID:     1,
		BlockNumber: uint64(100 + i),
		BlockTime:   time.Unix(1_700_000_000+int64(i), 0).UTC(),
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		LogIndex:    uint(i),
		EventName:   "Paused",
	}
	return *detection.NewAlert("pause", sev, ev, "Contract paused", "Vault paused").
		WithProtocol("Vault").
		WithDetail("account", "0xaa")
}

func loadedAlertsScene() *AlertsScene {
	a := NewAlertsScene(api.NewClient("http://localhost:9464"))
	a.Update(alertsMsg{
		alerts: []detection.Alert{
			alertAt(2, detection.SeverityCritical),
			alertAt(1, detection.SeverityInfo),
			alertAt(0, detection.SeverityWarning),
		},
		totalCount: 3,
	})
	return a
}

func TestAlertsSceneNavigation(t *testing.T) {
	a := loadedAlertsScene()

	a.Update(key("down"))
	a.Update(key("down"))
	a.Update(key("down"))
	sel, ok := a.Selected()
	if !ok || sel.Event.LogIndex != 0 {
		t.Fatalf("cursor should stop at the last alert, got %+v", sel.Event)
	}

	a.Update(key("up"))
	if sel, _ := a.Selected(); sel.Event.LogIndex != 1 {
		t.Errorf("after up: log %d, want 1", sel.Event.LogIndex)
	}
}

func TestAlertsSceneSeverityFilter(t *testing.T) {
	a := loadedAlertsScene()

	a.Update(key("s"))
	if got := len(a.visible()); got != 2 {
		t.Errorf("warning filter shows %d alerts, want 2", got)
	}
	a.Update(key("s"))
	if got := len(a.visible()); got != 1 {
		t.Errorf("critical filter shows %d alerts, want 1", got)
	}
	a.Update(key("s"))
	if got := len(a.visible()); got != 3 {
		t.Errorf("filter should wrap to info, shows %d", got)
	}
}

func TestAlertsSceneDetail(t *testing.T) {
	a := loadedAlertsScene()

	if strings.Contains(a.View(), "fingerprint:") {
		t.Error("detail pane should be hidden by default")
	}
	a.Update(key("enter"))
	view := a.View()
	for _, want := range []string{"fingerprint:", "Vault paused", "account:"} {
		if !strings.Contains(view, want) {
			t.Errorf("detail view missing %q", want)
		}
	}
}

func TestAlertsSceneError(t *testing.T) {
	a := NewAlertsScene(api.NewClient("http://localhost:9464"))
	a.Update(alertsMsg{err: "connection failed"})
	if !strings.Contains(a.View(), "connection failed") {
		t.Error("view should show the fetch error")
	}
}

func TestAlertsSceneRefreshKey(t *testing.T) {
	a := loadedAlertsScene()
	_, cmd := a.Update(key("r"))
	if cmd == nil || !a.loading {
		t.Error("r should start a refresh")
	}
}

func TestDashboardRate(t *testing.T) {
	d := NewDashboardScene(api.NewClient("http://localhost:9464"))
	start := time.Unix(1_700_000_000, 0)

	d.Update(statsMsg{stats: &status.StatsResponse{Pipeline: pipeline.Stats{Received: 100}}, at: start})
	if d.Rate() != 0 {
		t.Errorf("rate with one sample = %f, want 0", d.Rate())
	}

	d.Update(statsMsg{stats: &status.StatsResponse{Pipeline: pipeline.Stats{Received: 300}}, at: start.Add(2 * time.Second)})
	if d.Rate() != 100 {
		t.Errorf("rate = %f, want 100", d.Rate())
	}

	d.Update(statsMsg{stats: &status.StatsResponse{StatusReason: "down"}, err: errors.New("down"), at: start.Add(4 * time.Second)})
	if d.Rate() != 0 {
		t.Errorf("rate after a failed poll = %f, want 0", d.Rate())
	}
	if !strings.Contains(d.View(), "UNHEALTHY") {
		t.Error("failed poll should render as unhealthy")
	}
}

func TestDashboardTickOnlyForOwnScene(t *testing.T) {
	d := NewDashboardScene(api.NewClient("http://localhost:9464"))
	if _, cmd := d.Update(TickMsg{Scene: "alerts"}); cmd != nil {
		t.Error("dashboard should ignore other scenes' ticks")
	}
	if _, cmd := d.Update(TickMsg{Scene: "dashboard"}); cmd == nil {
		t.Error("dashboard should fetch on its own tick")
	}
}

func TestFormatNumber(t *testing.T) {
	tests := map[uint64]string{
		999:       "999",
		1500:      "1.5K",
		2_500_000: "2.5M",
	}
	for in, want := range tests {
		if got := formatNumber(in); got != want {
			t.Errorf("formatNumber(%d) = %q, want %q", in, got, want)
		}
	}
}
