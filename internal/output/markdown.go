package output

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const minMarkdownWidth = 20

// stdoutWidth reports the width of stdout and whether it is a terminal.
// COLUMNS is honoured when stdout is piped.
func stdoutWidth() (int, bool) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			return w, true
		}
	}
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n, false
	}
	return 80, false
}

// RenderMarkdown renders the attribute tables for stdout. Piped output gets
// glamour's plain style so it stays free of escape codes.
func RenderMarkdown(text string) (string, error) {
	width, tty := stdoutWidth()
	style := "notty"
	if tty && os.Getenv("NO_COLOR") == "" {
		style = ""
	}
	return renderMarkdown(text, width, style)
}

// renderMarkdown renders with the named glamour standard style, or the
// terminal's auto style when style is empty.
func renderMarkdown(text string, width int, style string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	width = max(width, minMarkdownWidth)

	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	out, err := r.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}
