// Package tui is a terminal dashboard for a running chainwatch daemon. It
// polls the daemon's status API and renders one scene at a time.
package tui

import (
	"fmt"
	"strings"

	"chainwatch/internal/tui/api"
	"chainwatch/internal/tui/scenes"
	"chainwatch/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene identifies a tab.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneAlerts
	SceneSystem

	sceneCount = 3
)

var (
	tabNames = [sceneCount]string{"Dashboard", "Alerts", "System"}
	tickKeys = [sceneCount]string{"dashboard", "alerts", "system"}
)

// Model is the root bubbletea model. Only the active scene polls.
type Model struct {
	client *api.Client
	scene  Scene

	dashboard *scenes.DashboardScene
	alerts    *scenes.AlertsScene
	system    *scenes.SystemScene

	width, height int
	quitting      bool
}

// New creates a model talking to the status API at baseURL.
func New(baseURL string) *Model {
	client := api.NewClient(baseURL)
	return &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		alerts:    scenes.NewAlertsScene(client),
		system:    scenes.NewSystemScene(client),
	}
}

func (m *Model) Init() tea.Cmd {
	return m.activate()
}

// activate fetches fresh data for the active scene and starts its ticker.
func (m *Model) activate() tea.Cmd {
	switch m.scene {
	case SceneAlerts:
		return tea.Batch(m.alerts.Init(), m.alerts.TickCmd())
	case SceneSystem:
		return tea.Batch(m.system.Init(), m.system.TickCmd())
	default:
		return tea.Batch(m.dashboard.Init(), m.dashboard.TickCmd())
	}
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if s == m.scene {
		return nil
	}
	m.scene = s
	return m.activate()
}

// forward passes msg to the active scene.
func (m *Model) forward(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneAlerts:
		m.alerts, cmd = m.alerts.Update(msg)
	case SceneSystem:
		m.system, cmd = m.system.Update(msg)
	}
	return cmd
}

func (m *Model) tick() tea.Cmd {
	switch m.scene {
	case SceneAlerts:
		return m.alerts.TickCmd()
	case SceneSystem:
		return m.system.TickCmd()
	default:
		return m.dashboard.TickCmd()
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1", "2", "3":
			return m, m.switchTo(Scene(key[0] - '1'))
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.alerts, _ = m.alerts.Update(msg)
		m.system, _ = m.system.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// Ticks from a scene that is no longer active are dropped so at
		// most one ticker runs.
		if msg.Scene != tickKeys[m.scene] {
			return m, nil
		}
		return m, tea.Batch(m.forward(msg), m.tick())
	}

	return m, m.forward(msg)
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderTabs())
	b.WriteString("\n")
	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneAlerts:
		b.WriteString(m.alerts.View())
	case SceneSystem:
		b.WriteString(m.system.View())
	}
	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "))
	return b.String()
}

func (m *Model) renderTabs() string {
	tabs := make([]string, 0, sceneCount)
	for i, name := range tabNames {
		label := fmt.Sprintf(" %d %s ", i+1, name)
		style := styles.TabInactive
		if Scene(i) == m.scene {
			style = styles.TabActive
		}
		tabs = append(tabs, style.Render(label))
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
}

// Run starts the TUI on the alternate screen and blocks until it exits.
func Run(baseURL string) error {
	_, err := tea.NewProgram(New(baseURL), tea.WithAltScreen()).Run()
	return err
}
