// Package output provides styled terminal output helpers (success, error,
// warning, sync state formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stateStyles  = map[string]lipgloss.Style{
		"idle":      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		"draining":  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"caught-up": lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"pending":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"error":     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"locked":    lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		"closed":    lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Format selects how commands print structured results.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, json or yaml)", s)
}

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	return WriteJSON(os.Stdout, v)
}

// WriteJSON writes indented JSON followed by a newline.
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// WriteYAML writes v as a YAML document.
func WriteYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// FormatState renders a sync or attempt state with color.
func FormatState(state string) string {
	style, ok := stateStyles[state]
	if !ok {
		return "[" + state + "]"
	}
	return style.Render("[" + state + "]")
}

// Title renders s in bold.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Subtle renders s dimmed.
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

// FormatBytes formats a byte count for display ("1.2 MB").
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// FormatProgress formats acked/put as "acked/put (pending N)".
func FormatProgress(acked, put uint64) string {
	if put <= acked {
		return fmt.Sprintf("%d/%d", acked, put)
	}
	return fmt.Sprintf("%d/%d (%d pending)", acked, put, put-acked)
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// ShortID shortens an attempt directory name ("exec-20240102T030405-<uuid>")
// to its timestamp and the first 8 characters of the uuid.
func ShortID(attempt string) string {
	rest, ok := strings.CutPrefix(attempt, "exec-")
	if !ok {
		return attempt
	}
	ts, id, ok := strings.Cut(rest, "-")
	if !ok || len(id) <= 8 {
		return attempt
	}
	return ts + "-" + id[:8]
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nATTEMPTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

// AttributeRow is one line of an attribute table.
type AttributeRow struct {
	Path  string
	Type  string
	Value string
}

// AttributesMarkdown builds a markdown document listing an entity's
// attributes, for rendering with RenderMarkdown.
func AttributesMarkdown(title string, rows []AttributeRow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	if len(rows) == 0 {
		sb.WriteString("_no attributes_\n")
		return sb.String()
	}
	sb.WriteString("| path | type | value |\n|---|---|---|\n")
	for _, r := range rows {
		fmt.Fprintf(&sb, "| `%s` | %s | %s |\n", r.Path, r.Type, escapeCell(r.Value))
	}
	return sb.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
