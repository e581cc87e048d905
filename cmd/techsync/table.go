package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column. MaxWidth of zero leaves the cell
// unbounded; longer cells are trimmed.
type column struct {
	Title    string
	Align    text.Align
	MaxWidth int
}

var (
	actionColumns = []column{
		{Title: "ID"},
		{Title: "Type"},
		{Title: "Order"},
		{Title: "Retries", Align: text.AlignRight},
		{Title: "Queued"},
	}
	statusColumns = []column{
		{Title: "Metric"},
		{Title: "Value", Align: text.AlignRight},
	}
	resultColumns = []column{
		{Title: "ID"},
		{Title: "Result"},
		{Title: "Error", MaxWidth: 60},
	}
	agendaColumns = []column{
		{Title: "ID"},
		{Title: "Cached"},
		{Title: "Data"},
	}
)

func renderTable(columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		header[i] = c.Title
		configs[i] = table.ColumnConfig{Number: i + 1, Align: c.Align, AlignHeader: text.AlignLeft}
		if c.MaxWidth > 0 {
			configs[i].WidthMax = c.MaxWidth
			configs[i].WidthMaxEnforcer = text.Trim
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	return tw.Render() + "\n"
}
