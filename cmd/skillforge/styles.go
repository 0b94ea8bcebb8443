package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"skillforge/internal/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Semantic colors
var (
	Destructive = lipgloss.Color("#e53935") // Red
	Success     = lipgloss.Color("#8BC34A") // Lime Green
	Warning     = lipgloss.Color("#FFC107") // Yellow
	Info        = lipgloss.Color("#2196F3") // Blue
	Border      = lipgloss.Color("#2a3850")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Info)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(Destructive)
	warningStyle = lipgloss.NewStyle().Foreground(Warning)
	mutedStyle   = lipgloss.NewStyle().Faint(true)
)

// statusStyle colors a verdict status.
func statusStyle(s types.VerdictStatus) lipgloss.Style {
	switch s {
	case types.StatusPassed:
		return cellStyle.Foreground(Success)
	case types.StatusPartial:
		return cellStyle.Foreground(Warning)
	case types.StatusFailed:
		return cellStyle.Foreground(Destructive)
	default:
		return cellStyle
	}
}

// diffStyle colors a regression diff kind.
func diffStyle(k types.DiffKind) lipgloss.Style {
	switch k {
	case types.DiffRegressed, types.DiffMissing:
		return cellStyle.Foreground(Destructive)
	case types.DiffImproved:
		return cellStyle.Foreground(Success)
	case types.DiffNew:
		return cellStyle.Foreground(Info)
	default:
		return cellStyle
	}
}

// renderTable draws rows under headers. colorCol, when >= 0, names the column
// whose cell text picks the row style through pick.
func renderTable(headers []string, rows [][]string, colorCol int, pick func(string) lipgloss.Style) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Border)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == colorCol && pick != nil && row >= 0 && row < len(rows) {
				return pick(rows[row][col])
			}
			return cellStyle
		})
	return t.String()
}

func byStatus(cell string) lipgloss.Style { return statusStyle(types.VerdictStatus(cell)) }

func byDiff(cell string) lipgloss.Style { return diffStyle(types.DiffKind(cell)) }

func printTitle(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf(format, args...)))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func levels(ls []int) string {
	if len(ls) == 0 {
		return "-"
	}
	parts := make([]string, len(ls))
	for i, l := range ls {
		parts[i] = fmt.Sprint(l)
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
