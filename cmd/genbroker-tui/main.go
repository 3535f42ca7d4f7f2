package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/genbroker/pkg/client"
)

const (
	pollRate       = 2 * time.Second
	fetchTimeout   = time.Second
	viewportHeight = 16
)

var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	idStyle     = lipgloss.NewStyle().Width(38)
	fpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Width(18)
	tierStyle   = lipgloss.NewStyle().Width(12)
	healthWidth = lipgloss.NewStyle().Width(10)
	usageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)

	healthStyles = map[string]lipgloss.Style{
		"healthy":  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"degraded": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"invalid":  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"expired":  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// poolSource is the slice of the daemon API the dashboard reads.
type poolSource interface {
	PoolStats(ctx context.Context) (client.PoolStats, error)
	ListCredentials(ctx context.Context) ([]client.CredentialInfo, error)
}

type tickMsg time.Time

type dataMsg struct {
	stats client.PoolStats
	creds []client.CredentialInfo
	// listErr is set when the admin listing was refused; stats still render.
	listErr error
	err     error
}

type model struct {
	src      poolSource
	spinner  spinner.Model
	viewport viewport.Model
	stats    client.PoolStats
	creds    []client.CredentialInfo
	listErr  error
	err      error
	ready    bool
}

func initialModel(src poolSource) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		src:      src,
		spinner:  s,
		viewport: newViewport(100),
	}
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.src),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchData(m.src)
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.src), tick())

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.creds = msg.creds
			m.listErr = msg.listErr
			m.updateViewportContent()
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
	}

	return m, tea.Batch(cmds...)
}

// updateViewportContent lists credentials, unhealthy ones first.
func (m *model) updateViewportContent() {
	if m.listErr != nil {
		m.viewport.SetContent(subtleStyle.Render(fmt.Sprintf("Credential list unavailable: %v\nSet GENBROKER_ADMIN_TOKEN to see pooled credentials.", m.listErr)))
		return
	}

	creds := append([]client.CredentialInfo(nil), m.creds...)
	sort.SliceStable(creds, func(i, j int) bool {
		ri, rj := healthRank(creds[i].Health), healthRank(creds[j].Health)
		if ri != rj {
			return ri < rj
		}
		return creds[i].ExpiresAt.Before(creds[j].ExpiresAt)
	})

	var sb strings.Builder
	for _, c := range creds {
		hs, ok := healthStyles[c.Health]
		if !ok {
			hs = subtleStyle
		}
		sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			idStyle.Render(c.ID),
			fpStyle.Render(c.Fingerprint),
			tierStyle.Render(c.Tier),
			healthWidth.Render(hs.Render(c.Health)),
			usageStyle.Render(fmt.Sprintf("%d/%d", c.UsageCount, c.DailyQuota)),
			subtleStyle.Render("exp "+c.ExpiresAt.Local().Format("Jan 02 15:04")),
		))
		sb.WriteString("\n")
	}
	if len(creds) == 0 {
		sb.WriteString(subtleStyle.Render("No credentials pooled."))
	}
	m.viewport.SetContent(sb.String())
}

func healthRank(h string) int {
	switch h {
	case "invalid":
		return 0
	case "degraded":
		return 1
	case "expired":
		return 2
	}
	return 3
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	var top strings.Builder
	top.WriteString(titleStyle.Render("Credential Pool") + "\n\n")
	top.WriteString(fmt.Sprintf("Total %d • Active %d • Healthy %d • Expired %d • Invalid %d\n",
		m.stats.Total, m.stats.Active, m.stats.Healthy, m.stats.Expired, m.stats.Invalid))
	top.WriteString(fmt.Sprintf("Utilization %.1f%%\n", m.stats.UtilizationPercent))
	top.WriteString(subtleStyle.Render(formatCounts("Tiers", m.stats.ByTier)) + "\n")
	top.WriteString(subtleStyle.Render(formatCounts("Sources", m.stats.BySource)))
	topPane := paneStyle.Render(top.String())

	header := headerStyle.Render(fmt.Sprintf("%s Credentials", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • updated %s", m.stats.GeneratedAt.Local().Format(time.TimeOnly)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress r to refresh, q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, m.viewport.View(), footer)
}

func formatCounts(label string, counts map[string]int) string {
	if len(counts) == 0 {
		return label + ": none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return label + ": " + strings.Join(parts, " ")
}

// Commands

func fetchData(src poolSource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		stats, err := src.PoolStats(ctx)
		if err != nil {
			return dataMsg{err: err}
		}

		creds, err := src.ListCredentials(ctx)
		if err != nil {
			if errors.Is(err, client.ErrForbidden) {
				return dataMsg{stats: stats, listErr: err}
			}
			return dataMsg{err: err}
		}
		return dataMsg{stats: stats, creds: creds}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	var opts []client.Option
	if token := os.Getenv("GENBROKER_ADMIN_TOKEN"); token != "" {
		opts = append(opts, client.WithAdminToken(token))
	}
	api := client.NewClient(os.Getenv("GENBROKER_ENDPOINT"), opts...)

	p := tea.NewProgram(initialModel(api), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
