package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dj-oyu/netcam/internal/control"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	recStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
	frameStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).Padding(0, 1)
	tableColumns = []string{"CAM", "TITLE", "STATE", "FPS", "DECODED", "SKIPPED", "CLIPS", "QUALITY", "UPTIME", "LINK"}
)

// cameraResult is one row: a status or the error reaching the worker.
type cameraResult struct {
	Index  int
	Status control.Status
	Err    error
}

func stateCell(st control.Status) string {
	switch st.RecordingState {
	case "recording", "stopping":
		return recStyle.Render(st.RecordingState)
	case "terminated", "illegal":
		return warnStyle.Render(st.RecordingState)
	}
	return okStyle.Render(st.RecordingState)
}

func linkCell(st control.Status) string {
	switch {
	case !st.Reachable:
		return errorStyle.Render("unreachable")
	case st.ConnectionProblem:
		return warnStyle.Render("problem")
	}
	return okStyle.Render("ok")
}

func row(r cameraResult) []string {
	if r.Err != nil {
		return []string{fmt.Sprint(r.Index), "", errorStyle.Render("down"), "", "", "", "", "", "", faintStyle.Render(r.Err.Error())}
	}
	st := r.Status
	return []string{
		fmt.Sprint(st.CameraIndex),
		st.Title,
		stateCell(st),
		fmt.Sprintf("%.1f", st.EstimatedFPS),
		fmt.Sprint(st.FramesDecoded),
		fmt.Sprint(st.FramesSkipped),
		fmt.Sprint(st.ClipsRecorded),
		fmt.Sprintf("%.1f%%", st.LastQuality),
		(time.Duration(st.UptimeSeconds) * time.Second).String(),
		linkCell(st),
	}
}

// renderTable lays the results out in aligned columns.
func renderTable(results []cameraResult) string {
	rows := [][]string{tableColumns}
	for _, r := range results {
		rows = append(rows, row(r))
	}

	widths := make([]int, len(tableColumns))
	for _, cells := range rows {
		for i, c := range cells {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for n, cells := range rows {
		line := make([]string, len(cells))
		for i, c := range cells {
			line[i] = cellStyle.Width(widths[i] + 2).Render(c)
		}
		text := lipgloss.JoinHorizontal(lipgloss.Top, line...)
		if n == 0 {
			text = headerStyle.Render(text)
		}
		b.WriteString(strings.TrimRight(text, " "))
		if n < len(rows)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
