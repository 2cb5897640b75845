// Package main provides poolctl, a terminal dashboard for the session pool.
// It polls GET /api/pool/status on an interval and renders the slot table,
// wait queue, and system diagnostics - a read-only operator view, it never
// calls acquire/send/release/reset itself.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/saltenhof/gemini-session-pool/internal/types"
)

const pollInterval = 2 * time.Second

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9200", "base URL of the session pool server")
	apiKey := flag.String("api-key", "", "X-API-Key header value, if the server requires one")
	flag.Parse()

	m := &model{
		client: &http.Client{Timeout: 5 * time.Second},
		addr:   *addr,
		apiKey: *apiKey,
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "poolctl: %v\n", err)
		os.Exit(1)
	}
}

type statusMsg struct {
	status types.PoolStatus
	err    error
}

type tickMsg time.Time

type model struct {
	client *http.Client
	addr   string
	apiKey string

	status    types.PoolStatus
	lastErr   error
	lastFetch time.Time
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), tick())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchStatus(), tick())
	case statusMsg:
		m.lastFetch = time.Now()
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.status = msg.status
		}
	}
	return m, nil
}

func (m *model) View() string {
	return render(m)
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.addr+"/api/pool/status", nil)
		if err != nil {
			return statusMsg{err: err}
		}
		if m.apiKey != "" {
			req.Header.Set("X-API-Key", m.apiKey)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return statusMsg{err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusMsg{err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}

		var status types.PoolStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{status: status}
	}
}
