package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one table column. Numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

func label(title string) column { return column{title: title} }

func count(title string) column { return column{title: title, numeric: true} }

// statTable collects rows for one rounded go-pretty table, with an
// optional title and a totals footer.
type statTable struct {
	title   string
	columns []column
	rows    [][]string
	footer  []string
}

func newStatTable(title string, columns ...column) *statTable {
	return &statTable{title: title, columns: columns}
}

func (t *statTable) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

// total sets the footer row; missing trailing cells render empty.
func (t *statTable) total(cells ...string) {
	t.footer = cells
}

func (t *statTable) empty() bool { return len(t.rows) == 0 }

func (t *statTable) row(cells []string) table.Row {
	r := make(table.Row, len(t.columns))
	for i := range t.columns {
		if i < len(cells) {
			r[i] = cells[i]
		} else {
			r[i] = ""
		}
	}
	return r
}

func (t *statTable) render() string {
	if len(t.columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if t.title != "" {
		tw.SetTitle(t.title)
	}

	header := make(table.Row, len(t.columns))
	configs := make([]table.ColumnConfig, 0, len(t.columns))
	for i, c := range t.columns {
		header[i] = c.title
		align := text.AlignLeft
		if c.numeric {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignFooter: align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.AppendHeader(header)
	for _, cells := range t.rows {
		tw.AppendRow(t.row(cells))
	}
	if len(t.footer) > 0 {
		tw.AppendFooter(t.row(t.footer))
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}
