package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type tickMsg time.Time

type statusMsg []cameraResult

type watchModel struct {
	idxs     []int
	interval time.Duration
	fetch    func(idx int) cameraResult

	results []cameraResult
	updated time.Time
	width   int
}

func newWatchModel(idxs []int, interval time.Duration, fetch func(int) cameraResult) watchModel {
	return watchModel{idxs: idxs, interval: interval, fetch: fetch}
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		out := make([]cameraResult, len(m.idxs))
		for i, idx := range m.idxs {
			out[i] = m.fetch(idx)
		}
		return statusMsg(out)
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return m.poll()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case statusMsg:
		m.results = msg
		m.updated = time.Now()
		return m, m.tick()
	case tickMsg:
		return m, m.poll()
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.results == nil {
		return faintStyle.Render("connecting...") + "\n"
	}
	body := renderTable(m.results)
	footer := faintStyle.Render(fmt.Sprintf("updated %s  r refresh  q quit", m.updated.Format("15:04:05")))
	frame := frameStyle
	if m.width > 0 {
		frame = frame.MaxWidth(m.width)
	}
	return frame.Render(body) + "\n" + footer + "\n"
}
