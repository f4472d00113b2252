package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/icon-resolver/internal/batch"
	"github.com/JakeFAU/icon-resolver/internal/progress"
)

// SummaryRow is one label/value line of the summary table.
type SummaryRow struct {
	Label string
	Value string
}

// ResultRows lists the headline numbers of a finished batch.
func ResultRows(res *batch.Result) []SummaryRow {
	rows := []SummaryRow{
		{Label: "Batch", Value: res.BatchID.String()},
		{Label: "Mode", Value: res.Mode.String()},
		{Label: "Success", Value: fmt.Sprint(res.Counts.Success)},
		{Label: "Skipped", Value: fmt.Sprint(res.Counts.Skipped)},
		{Label: "Not Found", Value: fmt.Sprint(res.Counts.NotFound)},
		{Label: "Error", Value: fmt.Sprint(res.Counts.Error)},
	}
	if res.Counts.Canceled > 0 {
		rows = append(rows, SummaryRow{Label: "Canceled", Value: fmt.Sprint(res.Counts.Canceled)})
	}
	rows = append(rows,
		SummaryRow{Label: "Unique icons", Value: fmt.Sprint(len(res.Icons))},
		SummaryRow{Label: "Records changed", Value: fmt.Sprint(res.Changed)},
		SummaryRow{Label: "Elapsed", Value: res.Finished.Sub(res.Started).Round(time.Millisecond).String()},
	)
	return rows
}

// RenderSummary draws rows as a two-column table.
func RenderSummary(rows []SummaryRow) string {
	labelWidth := 0
	valueWidth := 0
	for _, row := range rows {
		labelWidth = max(labelWidth, len(row.Label))
		valueWidth = max(valueWidth, len(row.Value))
	}

	hline := strings.Repeat("-", labelWidth+valueWidth+3)
	lines := []string{hline}
	for _, row := range rows {
		line := fmt.Sprintf("%s | %s",
			labelStyle.Render(padRight(row.Label, labelWidth)),
			valueStyle.Render(padRight(row.Value, valueWidth)))
		lines = append(lines, line)
	}
	lines = append(lines, hline)
	return strings.Join(lines, "\n")
}

// RenderItems lists the identifiers that did not resolve, one per line.
func RenderItems(res *batch.Result) string {
	var b strings.Builder
	for _, item := range res.Items {
		if item.Outcome == progress.OutcomeSuccess || item.Outcome == progress.OutcomeSkipped {
			continue
		}
		line := fmt.Sprintf("%s %s", outcomeLabel(item.Outcome), item.Identifier)
		if item.Identifier == "" {
			line = fmt.Sprintf("%s record %s", outcomeLabel(item.Outcome), item.Key)
		}
		if item.Err != nil {
			line += dimStyle.Render("  " + item.Err.Error())
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
