package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/flowbatch/internal/engine/batch"
	"github.com/rshade/flowbatch/internal/objectstore"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Summary layout constants.
const (
	defaultBoxWidth     = 72
	minBoxWidth         = 40
	boxPaddingWidth     = 4
	maxListedLineErrors = 5
)

func boxBorderColor() lipgloss.Color { return lipgloss.Color("240") }
func boxTitleColor() lipgloss.Color  { return lipgloss.Color("39") }

func statusColor(s runinfo.Status) lipgloss.Color {
	switch s {
	case runinfo.StatusCompleted:
		return lipgloss.Color("42")
	case runinfo.StatusCanceled:
		return lipgloss.Color("214")
	default:
		return lipgloss.Color("196")
	}
}

// jsonResult is the --output-format json document.
type jsonResult struct {
	Result    *batch.Result          `json:"result"`
	Published *objectstore.Published `json:"published,omitempty"`
}

// renderResult writes res in format. Table output is styled when w is a
// terminal.
func renderResult(w io.Writer, res *batch.Result, published *objectstore.Published, format string) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonResult{Result: res, Published: published})
	}
	lines := summaryLines(res, published)
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		return renderStyledSummary(w, res, lines)
	}
	return renderPlainSummary(w, res, lines)
}

// summaryLines returns the body of the summary, shared by both renderers.
func summaryLines(res *batch.Result, published *objectstore.Published) []string {
	p := message.NewPrinter(language.English)
	lines := []string{
		p.Sprintf("Lines: %d total, %d completed, %d failed", res.TotalLines, res.CompletedLines, res.FailedLines),
		p.Sprintf("Duration: %.2fs", res.SystemMetrics.DurationSeconds),
	}
	if sm := res.SystemMetrics; sm.TotalTokens > 0 {
		lines = append(lines, p.Sprintf("Tokens: %d (prompt %d, completion %d)",
			sm.TotalTokens, sm.PromptTokens, sm.CompletionTokens))
	}

	if len(res.NodeStatus) > 0 {
		lines = append(lines, "", "Node status:")
		for _, key := range sortedKeys(res.NodeStatus) {
			lines = append(lines, p.Sprintf("  %s: %d", key, res.NodeStatus[key]))
		}
	}
	if len(res.Metrics) > 0 {
		lines = append(lines, "", "Metrics:")
		for _, key := range sortedKeys(res.Metrics) {
			lines = append(lines, fmt.Sprintf("  %s: %v", key, res.Metrics[key]))
		}
	}

	es := res.ErrorSummary
	if res.FailedLines > 0 {
		lines = append(lines, "", p.Sprintf("Failed lines: %d user errors, %d system errors",
			es.FailedUserErrorLines, es.FailedSystemErrorLines))
		for i, le := range es.ErrorList {
			if i == maxListedLineErrors {
				lines = append(lines, p.Sprintf("  ... and %d more", len(es.ErrorList)-maxListedLineErrors))
				break
			}
			msg := ""
			if le.Error != nil {
				msg = le.Error.Message
			}
			lines = append(lines, fmt.Sprintf("  line %d: %s", le.LineNumber, msg))
		}
	}
	if len(es.AggrErrorDict) > 0 {
		lines = append(lines, "", "Aggregation errors:")
		for _, node := range sortedKeys(es.AggrErrorDict) {
			lines = append(lines, fmt.Sprintf("  %s: %s", node, es.AggrErrorDict[node]))
		}
	}
	if res.Err != nil {
		lines = append(lines, "", "Error: "+res.Err.Error())
	}

	if res.OutputPath != "" {
		lines = append(lines, "", "Outputs: "+res.OutputPath)
	}
	if published != nil {
		if published.OutputKey != "" {
			lines = append(lines, fmt.Sprintf("Published: s3://%s/%s", published.Bucket, published.OutputKey))
		}
		lines = append(lines, fmt.Sprintf("Summary: s3://%s/%s", published.Bucket, published.SummaryKey))
	}
	return lines
}

func renderStyledSummary(w io.Writer, res *batch.Result, lines []string) error {
	boxWidth := calculateBoxWidth(terminalWidth(w))

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(boxTitleColor())
	statusStyle := lipgloss.NewStyle().Bold(true).Foreground(statusColor(res.Status))
	borderStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(boxBorderColor()).
		Padding(0, 1).
		Width(boxWidth)

	var content strings.Builder
	content.WriteString(titleStyle.Render("BATCH RUN " + res.RunID))
	content.WriteString("\n")
	content.WriteString(strings.Repeat("─", boxWidth-boxPaddingWidth))
	content.WriteString("\n")
	content.WriteString("Status: " + statusStyle.Render(string(res.Status)))
	content.WriteString("\n")
	content.WriteString(strings.Join(lines, "\n"))

	_, err := fmt.Fprintln(w, borderStyle.Render(content.String()))
	return err
}

func renderPlainSummary(w io.Writer, res *batch.Result, lines []string) error {
	title := "BATCH RUN " + res.RunID
	if _, err := fmt.Fprintf(w, "%s\n%s\nStatus: %s\n", title, strings.Repeat("=", len(title)), res.Status); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultBoxWidth + boxPaddingWidth
}

func calculateBoxWidth(termWidth int) int {
	return max(min(termWidth-boxPaddingWidth, defaultBoxWidth), minBoxWidth)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
