package main

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// maxCellWidth bounds free-text columns such as error messages and input
// paths; longer values wrap inside the cell.
const maxCellWidth = 60

// renderTable lays out rows under headers. Missing or blank cells render as
// "-" so short rows stay aligned.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	if len(headers) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.AppendHeader(toRow(headers, len(headers), ""))
	for _, row := range rows {
		tw.AppendRow(toRow(row, len(headers), "-"))
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		configs[i] = table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
		if i < len(aligns) && aligns[i] == alignRight {
			configs[i].Align = text.AlignRight
			continue
		}
		configs[i].WidthMax = maxCellWidth
		configs[i].WidthMaxEnforcer = text.WrapSoft
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func toRow(cells []string, width int, blank string) table.Row {
	row := make(table.Row, width)
	for i := range row {
		value := ""
		if i < len(cells) {
			value = strings.TrimSpace(cells[i])
		}
		if value == "" {
			value = blank
		}
		row[i] = value
	}
	return row
}
