package display

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment of a table column
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Table is a bordered text table sized to its content and the terminal
type Table struct {
	headers  []string
	rows     [][]string
	align    map[int]Alignment
	palette  *Palette
	maxWidth int
}

// NewTable creates a table. Cells wider than the terminal share are truncated.
func NewTable(p *Palette, headers ...string) *Table {
	if p == nil {
		p = PlainPalette()
	}
	return &Table{headers: headers, align: make(map[int]Alignment), palette: p, maxWidth: terminalWidth()}
}

// AlignRight right-aligns column i, for sizes and counts
func (t *Table) AlignRight(i int) *Table {
	t.align[i] = AlignRight
	return t
}

// AddRow appends a row
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Len is the number of data rows
func (t *Table) Len() int { return len(t.rows) }

// Render writes the table to w
func (t *Table) Render(w io.Writer) {
	widths := t.widths()
	border := t.border(widths)

	fmt.Fprintln(w, border)
	if len(t.headers) > 0 {
		fmt.Fprintln(w, t.row(t.headers, widths, true))
		fmt.Fprintln(w, border)
	}
	for _, r := range t.rows {
		fmt.Fprintln(w, t.row(r, widths, false))
	}
	fmt.Fprintln(w, border)
}

func (t *Table) columns() int {
	n := len(t.headers)
	for _, r := range t.rows {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

func (t *Table) widths() []int {
	widths := make([]int, t.columns())
	measure := func(cells []string) {
		for i, c := range cells {
			if w := visibleWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}

	// shrink the widest column until the table fits the terminal
	total := len(widths) + 1
	for _, w := range widths {
		total += w + 2
	}
	for t.maxWidth > 0 && total > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 8 {
			break
		}
		widths[widest]--
		total--
	}
	return widths
}

func (t *Table) border(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteString("+")
	}
	return b.String()
}

func (t *Table) row(cells []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString("|")
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = truncate(cells[i], w)
		}
		pad := strings.Repeat(" ", w-visibleWidth(cell))
		if header {
			cell = t.palette.header.Sprint(cell)
		}
		if t.align[i] == AlignRight {
			b.WriteString(" " + pad + cell + " |")
		} else {
			b.WriteString(" " + cell + pad + " |")
		}
	}
	return b.String()
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func visibleWidth(s string) int {
	return utf8.RuneCountInString(ansi.ReplaceAllString(s, ""))
}

func truncate(s string, width int) string {
	if visibleWidth(s) <= width {
		return s
	}
	plain := []rune(ansi.ReplaceAllString(s, ""))
	if width <= 3 {
		return string(plain[:width])
	}
	return string(plain[:width-3]) + "..."
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
