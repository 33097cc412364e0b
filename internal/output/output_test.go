package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// TestFormatTimeAgoJustNow tests times less than a minute ago
func TestFormatTimeAgoJustNow(t *testing.T) {
	now := time.Now()
	tests := []time.Time{
		now,
		now.Add(-30 * time.Second),
		now.Add(-59 * time.Second),
	}

	for _, tm := range tests {
		result := FormatTimeAgo(tm)
		if result != "just now" {
			t.Errorf("FormatTimeAgo(%v) = %q, want 'just now'", tm, result)
		}
	}
}

// TestFormatTimeAgoMinutes tests times 1-59 minutes ago
func TestFormatTimeAgoMinutes(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Minute, "1m ago"},
		{2 * time.Minute, "2m ago"},
		{30 * time.Minute, "30m ago"},
		{59 * time.Minute, "59m ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoHours tests times 1-23 hours ago
func TestFormatTimeAgoHours(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Hour, "1h ago"},
		{2 * time.Hour, "2h ago"},
		{12 * time.Hour, "12h ago"},
		{23 * time.Hour, "23h ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoDays tests times 1-6 days ago
func TestFormatTimeAgoDays(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{24 * time.Hour, "1d ago"},
		{48 * time.Hour, "2d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoDate tests times 7+ days ago (returns date)
func TestFormatTimeAgoDate(t *testing.T) {
	tm := time.Now().Add(-8 * 24 * time.Hour)
	result := FormatTimeAgo(tm)
	expected := tm.Format("2006-01-02")
	if result != expected {
		t.Errorf("FormatTimeAgo(-8d) = %q, want %q", result, expected)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFormat(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatState(t *testing.T) {
	for _, s := range []string{"idle", "draining", "caught-up", "error", "locked", "something-else"} {
		if got := FormatState(s); !strings.Contains(got, s) {
			t.Errorf("FormatState(%q) = %q", s, got)
		}
	}
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		acked, put uint64
		want       string
	}{
		{0, 0, "0/0"},
		{5, 5, "5/5"},
		{3, 10, "3/10 (7 pending)"},
	}
	for _, tc := range tests {
		if got := FormatProgress(tc.acked, tc.put); got != tc.want {
			t.Errorf("FormatProgress(%d, %d) = %q, want %q", tc.acked, tc.put, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if got := FormatBytes(1500); got != "1.5 kB" {
		t.Errorf("FormatBytes(1500) = %q", got)
	}
	if got := FormatBytes(-1); got != "0 B" {
		t.Errorf("FormatBytes(-1) = %q", got)
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"exec-20240102T030405-0b5c9a4e-1111-2222-3333-444455556666", "20240102T030405-0b5c9a4e"},
		{"exec-short", "exec-short"},
		{"other", "other"},
	}
	for _, tc := range tests {
		if got := ShortID(tc.in); got != tc.want {
			t.Errorf("ShortID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSectionHeader(t *testing.T) {
	if got := SectionHeader("attempts"); got != "\nATTEMPTS:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}

func TestIndentString(t *testing.T) {
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if got := IndentString("", 4); got != "" {
		t.Errorf("IndentString(empty) = %q", got)
	}
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	v := map[string]any{"dir": "async/abc", "pending": 3}
	if err := WriteYAML(&buf, v); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "dir: async/abc") || !strings.Contains(out, "pending: 3") {
		t.Errorf("yaml output:\n%s", out)
	}
}

func TestAttributesMarkdown(t *testing.T) {
	md := AttributesMarkdown("team/exp/EXP-1", []AttributeRow{
		{Path: "params/lr", Type: "float", Value: "0.01"},
		{Path: "notes", Type: "string", Value: "a|b\nc"},
	})
	for _, want := range []string{"# team/exp/EXP-1", "| `params/lr` | float | 0.01 |", `a\|b c`} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if md := AttributesMarkdown("x", nil); !strings.Contains(md, "no attributes") {
		t.Errorf("empty table: %q", md)
	}
}

func TestRenderMarkdown(t *testing.T) {
	out, err := renderMarkdown("   ", 80, "notty")
	if err != nil || out != "" {
		t.Errorf("renderMarkdown(blank) = %q, %v", out, err)
	}

	out, err = renderMarkdown(AttributesMarkdown("team/exp/EXP-1", []AttributeRow{
		{Path: "params/lr", Type: "float", Value: "0.01"},
	}), 80, "notty")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "params/lr") || strings.Contains(out, "\x1b[") {
		t.Errorf("plain render: %q", out)
	}
}
