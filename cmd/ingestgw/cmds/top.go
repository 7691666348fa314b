package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ingestgw/pkg/server"
)

var (
	topTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	topPane       = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 2)
	topKeyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Width(16)
	topValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))
	topErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	topHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func NewTopCommand() *cobra.Command {
	var url string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch the counters of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := newTopModel(strings.TrimRight(url, "/")+"/stats", interval)
			_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&url, "admin", "http://localhost:8081", "admin base URL")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}

type statsMsg struct {
	stats server.Stats
	at    time.Time
}

type statsErrMsg struct{ err error }

type topTickMsg time.Time

type topModel struct {
	url      string
	interval time.Duration
	client   *http.Client

	stats  *server.Stats
	at     time.Time
	rate   float64
	err    error
	width  int
	frames int
}

func newTopModel(url string, interval time.Duration) topModel {
	if interval <= 0 {
		interval = time.Second
	}
	return topModel{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func fetchStats(client *http.Client, url string) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
		if err != nil {
			return statsErrMsg{err: err}
		}
		resp, err := client.Do(req)
		if err != nil {
			return statsErrMsg{err: err}
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return statsErrMsg{err: errors.Errorf("GET %s: %s", url, resp.Status)}
		}
		var st server.Stats
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return statsErrMsg{err: errors.Wrap(err, "decode stats")}
		}
		return statsMsg{stats: st, at: time.Now()}
	}
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return topTickMsg(t) })
}

func (m topModel) Init() tea.Cmd {
	return fetchStats(m.client, m.url)
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case statsMsg:
		if m.stats != nil {
			if dt := msg.at.Sub(m.at).Seconds(); dt > 0 {
				m.rate = float64(msg.stats.Dispatch.Dispatched-m.stats.Dispatch.Dispatched) / dt
			}
		}
		st := msg.stats
		m.stats, m.at, m.err = &st, msg.at, nil
		m.frames++
		return m, m.tick()
	case statsErrMsg:
		m.err = msg.err
		return m, m.tick()
	case topTickMsg:
		return m, fetchStats(m.client, m.url)
	}
	return m, nil
}

func (m topModel) View() string {
	var b strings.Builder
	b.WriteString(topTitleStyle.Render("ingestgw " + m.url))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(topErrStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.stats == nil {
		b.WriteString("waiting for stats...\n")
		return b.String()
	}
	st := m.stats

	rows := [][2]string{
		{"connections", fmt.Sprint(st.Connections)},
		{"opened", fmt.Sprint(st.Gateway.Opened)},
		{"acked", fmt.Sprint(st.Gateway.Acked)},
		{"rejected", fmt.Sprint(st.Gateway.Rejected)},
		{"aborted", fmt.Sprint(st.Gateway.Aborted)},
		{"dispatched", fmt.Sprintf("%d (%.1f/s)", st.Dispatch.Dispatched, m.rate)},
		{"delivered", fmt.Sprint(st.Dispatch.Delivered)},
		{"dropped", fmt.Sprint(st.Dispatch.Dropped)},
		{"overflowed", fmt.Sprint(st.Dispatch.Overflowed)},
		{"pending", fmt.Sprint(st.Dispatch.Pending)},
		{"panics", fmt.Sprint(st.Dispatch.ConsumerPanics)},
	}
	if st.Bridge != nil {
		rows = append(rows, [2]string{"bridged", fmt.Sprintf("%d (%d failed)", st.Bridge.Published, st.Bridge.Failed)})
	}
	if st.Journal != nil {
		rows = append(rows, [2]string{"journaled", fmt.Sprintf("%d (%d failed)", st.Journal.Saved, st.Journal.Failed)})
	}
	if st.Script != nil {
		rows = append(rows, [2]string{"script calls", fmt.Sprintf("%d (%d failed)", st.Script.Calls, st.Script.Failed)})
	}

	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, topKeyStyle.Render(r[0]), topValueStyle.Render(r[1])))
	}
	b.WriteString(topPane.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")
	b.WriteString(topHelpStyle.Render("q: quit"))
	return b.String()
}
