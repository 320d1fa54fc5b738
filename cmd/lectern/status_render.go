package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"lectern/internal/results"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

var statusStyles = map[statusKind]struct {
	label  string
	colors text.Colors
}{
	statusInfo:  {"INFO", text.Colors{text.FgBlue}},
	statusOK:    {"OK", text.Colors{text.FgGreen}},
	statusWarn:  {"WARN", text.Colors{text.FgYellow}},
	statusError: {"ERROR", text.Colors{text.FgRed}},
}

const statusLabelWidth = 20

func paint(s string, kind statusKind, colorize bool) string {
	if !colorize {
		return s
	}
	return statusStyles[kind].colors.Sprint(s)
}

// renderStatusLine formats "  Label:   [KIND] message", colored by kind on a terminal.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	badge := "[" + statusStyles[kind].label + "]"
	line := fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", strings.TrimSpace(badge+" "+message))
	return paint(line, kind, colorize)
}

func writeSection(out io.Writer, title string, lines []string, colorize bool) {
	heading := "== " + strings.TrimSpace(title) + " =="
	fmt.Fprintln(out, paint(heading, statusInfo, colorize))
	fmt.Fprintln(out, paint(strings.Repeat("-", len(heading)), statusInfo, colorize))
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)
}

// stateKind maps a pipeline state onto the status palette: failures are
// errors, degraded completions warnings, clean completions OK.
func stateKind(state string, degraded bool) statusKind {
	status, ok := results.ParseStatus(state)
	if !ok {
		return statusInfo
	}
	switch status {
	case results.StatusFailed:
		return statusError
	case results.StatusProcessingComplete:
		if degraded {
			return statusWarn
		}
		return statusOK
	}
	return statusInfo
}

func colorizeState(label, state string, degraded, colorize bool) string {
	return paint(label, stateKind(state, degraded), colorize)
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
