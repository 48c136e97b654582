package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"accession/internal/api"
	"accession/internal/preflight"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// pipelineKind maps a pipeline state to the colour it is shown in.
func pipelineKind(state string) statusKind {
	switch state {
	case "active":
		return statusOK
	case "quieted", "starting":
		return statusWarn
	case "stopped", "shutdown":
		return statusError
	default:
		return statusInfo
	}
}

func pipelineLines(p api.PipelineStatus, colorize bool) []string {
	detail := p.State
	if p.Action != "" {
		detail = fmt.Sprintf("%s (last action: %s)", p.State, p.Action)
	}
	lines := []string{renderStatusLine("Pipeline", pipelineKind(p.State), detail, colorize)}
	if p.UpdatedBy != "" || p.UpdatedAt != "" {
		lines = append(lines, renderStatusLine("Updated", statusInfo, strings.TrimSpace(p.UpdatedAt+" by "+p.UpdatedBy), colorize))
	}
	lines = append(lines, renderStatusLine("Working jobs", statusInfo, fmt.Sprintf("%d", p.WorkingJobs), colorize))
	return lines
}

func jobHealthLines(health []api.JobHealth, colorize bool) []string {
	lines := make([]string, 0, len(health))
	for _, h := range health {
		if h.Ready {
			lines = append(lines, renderStatusLine(h.Name, statusOK, "Ready", colorize))
			continue
		}
		detail := strings.TrimSpace(h.Detail)
		if detail == "" {
			detail = "not ready"
		}
		lines = append(lines, renderStatusLine(h.Name, statusError, detail, colorize))
	}
	return lines
}

func preflightLines(results []preflight.Result, colorize bool) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		kind := statusOK
		switch {
		case r.Passed:
		case r.Optional:
			kind = statusWarn
		default:
			kind = statusError
		}
		lines = append(lines, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
	return lines
}

// depositCountRows lists states in lifecycle order, skipping empty ones.
func depositCountRows(counts map[string]int, order []string) [][]string {
	rows := make([][]string, 0, len(counts))
	for _, state := range order {
		if n := counts[state]; n > 0 {
			rows = append(rows, []string{state, fmt.Sprintf("%d", n)})
		}
	}
	return rows
}
