package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"accession/internal/api"
)

// column describes one table column. A non-zero width wraps long free-text
// cells instead of stretching the table.
type column struct {
	header string
	align  text.Align
	width  int
}

var (
	depositListColumns = []column{
		{header: "ID"},
		{header: "State"},
		{header: "Priority"},
		{header: "Depositor", width: 24},
		{header: "Current Job"},
		{header: "Submitted"},
	}
	depositJobColumns = []column{
		{header: "Job"},
		{header: "Status"},
		{header: "Progress", align: text.AlignRight},
		{header: "Attempts", align: text.AlignRight},
		{header: "Message", width: 48},
	}
	depositCountColumns = []column{
		{header: "State"},
		{header: "Count", align: text.AlignRight},
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
	for i, col := range columns {
		header[i] = col.header
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       col.align,
			AlignHeader: text.AlignLeft,
			WidthMax:    col.width,
		}
		if col.width > 0 {
			configs[i].WidthMaxEnforcer = text.WrapSoft
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}

func depositRows(deposits []api.Deposit) [][]string {
	rows := make([][]string, 0, len(deposits))
	for _, d := range deposits {
		rows = append(rows, []string{d.ID, d.State, d.Priority, d.Depositor, dash(d.CurrentJob), d.SubmittedAt})
	}
	return rows
}

func jobRows(jobs []api.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.Label,
			j.Status,
			progressCell(j.Progress),
			fmt.Sprintf("%d", j.Attempts),
			j.Message,
		})
	}
	return rows
}

// progressCell renders "num/total (pct%)", or just the percentage for jobs
// that never reported a total.
func progressCell(p api.JobProgress) string {
	if p.Total <= 0 {
		return fmt.Sprintf("%.0f%%", p.Percent)
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", p.Num, p.Total, p.Percent)
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
