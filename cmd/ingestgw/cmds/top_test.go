package cmds

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ingestgw/pkg/server"
)

func TestFetchStats(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := server.Stats{Connections: 3}
		st.Dispatch.Dispatched = 7
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer ts.Close()

	msg := fetchStats(ts.Client(), ts.URL)()
	sm, ok := msg.(statsMsg)
	require.True(t, ok)
	require.Equal(t, 3, sm.stats.Connections)
	require.Equal(t, uint64(7), sm.stats.Dispatch.Dispatched)

	bad := fetchStats(ts.Client(), ts.URL+"\x7f")()
	_, ok = bad.(statsErrMsg)
	require.True(t, ok)
}

func TestTopModelUpdatesAndRenders(t *testing.T) {
	m := newTopModel("http://gw/stats", time.Second)
	require.Contains(t, m.View(), "waiting for stats")

	now := time.Now()
	first := server.Stats{Connections: 1}
	first.Dispatch.Dispatched = 10
	next, cmd := m.Update(statsMsg{stats: first, at: now})
	require.NotNil(t, cmd)

	second := server.Stats{Connections: 2, Bridge: &server.BridgeStats{Published: 4}}
	second.Dispatch.Dispatched = 30
	next, _ = next.Update(statsMsg{stats: second, at: now.Add(2 * time.Second)})
	tm := next.(topModel)
	require.InDelta(t, 10.0, tm.rate, 0.001)

	view := tm.View()
	require.Contains(t, view, "connections")
	require.Contains(t, view, "30 (10.0/s)")
	require.Contains(t, view, "bridged")

	next, _ = tm.Update(statsErrMsg{err: http.ErrServerClosed})
	require.Contains(t, next.View(), "error:")

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	require.True(t, quit)
}
