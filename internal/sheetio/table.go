package sheetio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/pavelanni/omrgrade/internal/model"
)

// RenderTable renders exp for a terminal: one row per sheet with score
// and flags, and the batch counts in the footer.
func RenderTable(exp model.ResultExport) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Student ID", "Name", "Score", "Flags"})

	for i, row := range exp.Rows {
		score := "-"
		if row.Score != nil {
			score = fmt.Sprintf("%d/%d", *row.Score, row.Total)
		}
		tw.AppendRow(table.Row{strconv.Itoa(i + 1), row.StudentID, row.StudentName, score, rowFlags(row)})
	}

	tw.AppendFooter(table.Row{
		"", "",
		fmt.Sprintf("matched %d / unmatched %d", exp.Stats.MatchedCount, exp.Stats.UnmatchedCount),
		fmt.Sprintf("valid %d", exp.Stats.ValidCount),
		"",
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func rowFlags(row model.ExportRow) string {
	var flags []string
	if row.Unmatched {
		flags = append(flags, "unmatched")
	}
	if row.Duplicate {
		flags = append(flags, "duplicate")
	}
	return strings.Join(flags, ",")
}
