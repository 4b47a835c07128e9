package outbound

import (
	"fmt"
	"strings"
)

// Table rendering modes. Markdown tables render poorly in the vendor's
// plain-text bubbles, so replies can rewrite them before chunking.
const (
	TableModePreserve = "preserve"
	TableModeBullets  = "bullets"
	TableModePlain    = "plain"
)

// ConvertTables rewrites markdown tables in text according to the
// mode. Preserve (and unknown modes) return the text untouched.
func ConvertTables(text, mode string) string {
	if mode != TableModeBullets && mode != TableModePlain {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	for i := 0; i < len(lines); {
		end := tableEnd(lines, i)
		if end < 0 {
			out = append(out, lines[i])
			i++
			continue
		}
		out = append(out, renderTable(lines[i:end], mode)...)
		i = end
	}
	return strings.Join(out, "\n")
}

// tableEnd returns the line index one past the markdown table starting
// at start, or -1 when no table starts there. A table is a header row,
// a separator row, and zero or more data rows.
func tableEnd(lines []string, start int) int {
	if start+1 >= len(lines) || !isTableRow(lines[start]) || !isSeparatorRow(lines[start+1]) {
		return -1
	}
	end := start + 2
	for end < len(lines) && isTableRow(lines[end]) {
		end++
	}
	return end
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

func isSeparatorRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !isTableRow(trimmed) {
		return false
	}
	for _, cell := range splitRow(trimmed) {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			return false
		}
		for _, r := range cell {
			if r != '-' && r != ':' {
				return false
			}
		}
	}
	return true
}

func splitRow(line string) []string {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "|")
	trimmed = strings.TrimSuffix(trimmed, "|")
	cells := strings.Split(trimmed, "|")
	for i, cell := range cells {
		cells[i] = strings.TrimSpace(cell)
	}
	return cells
}

func renderTable(table []string, mode string) []string {
	headers := splitRow(table[0])
	var out []string
	for _, row := range table[2:] {
		cells := splitRow(row)
		switch mode {
		case TableModeBullets:
			out = append(out, "- "+joinCells(headers, cells, "; "))
		case TableModePlain:
			if len(out) > 0 {
				out = append(out, "")
			}
			for i := range cells {
				out = append(out, pairCell(headers, cells, i))
			}
		}
	}
	return out
}

func joinCells(headers, cells []string, sep string) string {
	parts := make([]string, 0, len(cells))
	for i := range cells {
		parts = append(parts, pairCell(headers, cells, i))
	}
	return strings.Join(parts, sep)
}

func pairCell(headers, cells []string, i int) string {
	value := cells[i]
	if i < len(headers) && headers[i] != "" {
		return fmt.Sprintf("%s: %s", headers[i], value)
	}
	return value
}
