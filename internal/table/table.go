// Package table sorts, renders and exports query result rows.
package table

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/xaenox/sql-assistant/internal/models"
)

type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// Toggle flips the direction.
func (d Direction) Toggle() Direction {
	if d == Descending {
		return Ascending
	}
	return Descending
}

const maxCellWidth = 40

// Sort returns the rows of rs ordered by column. The input is not modified and
// equal keys keep their original order. Nil values always sort last.
func Sort(rs models.ResultSet, column string, dir Direction) []map[string]any {
	rows := make([]map[string]any, len(rs.Results))
	copy(rows, rs.Results)
	if column == "" {
		return rows
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i][column], rows[j][column]
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		c := compare(a, b)
		if dir == Descending {
			return c > 0
		}
		return c < 0
	})
	return rows
}

func compare(a, b any) int {
	fa, aok := number(a)
	fb, bok := number(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(Cell(a)), strings.ToLower(Cell(b)))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Cell formats a single value the way it is shown to the user.
func Cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
	return fmt.Sprint(v)
}

// Render draws rows as a fixed-width text grid. At most maxRows rows are
// drawn; zero draws all of them.
func Render(columns []string, rows []map[string]any, maxRows int) string {
	if len(columns) == 0 {
		return "(no columns)"
	}
	shown := rows
	if maxRows > 0 && len(shown) > maxRows {
		shown = shown[:maxRows]
	}

	widths := make([]int, len(columns))
	for i, c := range columns {
		widths[i] = utf8.RuneCountInString(c)
	}
	cells := make([][]string, len(shown))
	for r, row := range shown {
		cells[r] = make([]string, len(columns))
		for i, c := range columns {
			s := clip(Cell(row[c]), maxCellWidth)
			cells[r][i] = s
			if w := utf8.RuneCountInString(s); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	writeRow(&sb, columns, widths)
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-+-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteByte('\n')
	for _, row := range cells {
		writeRow(&sb, row, widths)
	}
	if len(shown) < len(rows) {
		fmt.Fprintf(&sb, "... %d more rows\n", len(rows)-len(shown))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeRow(sb *strings.Builder, vals []string, widths []int) {
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(v)
		sb.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(v)))
	}
	sb.WriteByte('\n')
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}

// WriteCSV writes a header line followed by one record per row.
func WriteCSV(w io.Writer, columns []string, rows []map[string]any) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return errors.Wrap(err, "cannot write csv header")
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			record[i] = Cell(row[c])
		}
		if err := cw.Write(record); err != nil {
			return errors.Wrap(err, "cannot write csv row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "cannot flush csv")
}

// ExportFilename names an export after the first three words of the question
// and the export time, e.g. how_many_vehicles_20250515_071022.csv.
func ExportFilename(question string, now time.Time) string {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(words) > 3 {
		words = words[:3]
	}
	prefix := strings.Join(words, "_")
	if prefix == "" {
		prefix = "query"
	}
	return prefix + "_" + now.Format("20060102_150405") + ".csv"
}
