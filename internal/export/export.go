package export

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/xuri/excelize/v2"
	"github.com/zombor/receipt-pipeline/internal/batch"
)

const (
	receiptsSheet = "Receipts"
	summarySheet  = "Summary"
)

var receiptHeaders = []string{
	"Item",
	"Status",
	"Merchant",
	"Date",
	"Amount",
	"Tax",
	"Payment Method",
	"Category",
	"Subcategory",
	"Confidence",
	"Needs Review",
	"Cost",
	"Reason",
}

// BatchXLSX renders a batch result as a workbook with one row per item and
// a summary sheet
func BatchXLSX(res *batch.Result) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// the default sheet becomes the receipts sheet
	if err := f.SetSheetName(f.GetSheetName(0), receiptsSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("creating summary sheet: %w", err)
	}

	for i, h := range receiptHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(receiptsSheet, cell, h)
	}

	row := 2
	writeRow := func(values ...any) {
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(receiptsSheet, cell, v)
		}
		row++
	}

	for _, r := range res.Completed {
		var merchant, date, payment string
		var amount, tax float64
		if r.Fields != nil {
			merchant, date, payment = r.Fields.Merchant, r.Fields.Date, r.Fields.PaymentMethod
			amount, tax = r.Fields.Amount, r.Fields.Tax
		}
		writeRow(r.Name, "completed", merchant, date, amount, tax, payment,
			r.Category, r.Subcategory, r.Confidence, r.NeedsReview, r.Cost, string(r.Reason))
	}
	for _, r := range res.Failed {
		writeRow(r.Name, "failed", "", "", "", "", "", "", "", "", "", r.Cost, string(r.Reason))
	}

	_ = f.SetColWidth(receiptsSheet, "A", "A", 28)
	_ = f.SetColWidth(receiptsSheet, "C", "C", 24)
	_ = f.SetColWidth(receiptsSheet, "H", "I", 18)
	_ = f.SetColWidth(receiptsSheet, "M", "M", 24)

	if err := writeSummary(f, res); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing xlsx: %w", err)
	}

	slog.Info("Exported batch",
		"batch_id", res.BatchID,
		"rows", row-2,
		"bytes", buf.Len(),
	)
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, res *batch.Result) error {
	rows := [][]any{
		{"Batch", res.BatchID},
		{"User", res.UserID},
		{"Started", res.StartedAt.Format("2006-01-02 15:04:05")},
		{"Completed", len(res.Completed)},
		{"Failed", len(res.Failed)},
		{"Total Amount", res.Summary.TotalAmount},
		{"Total Cost", res.TotalCost},
		{},
		{"Category", "Receipts"},
	}
	rows = append(rows, sortedCounts(res.Summary.Categories)...)
	rows = append(rows, []any{}, []any{"Insights"})
	for _, insight := range res.Insights {
		rows = append(rows, []any{insight})
	}

	for i, values := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if len(values) == 0 {
			continue
		}
		if err := f.SetSheetRow(summarySheet, cell, &values); err != nil {
			return fmt.Errorf("writing summary row %d: %w", i+1, err)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 48)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)
	return nil
}

// sortedCounts lists categories by count, then name
func sortedCounts(counts map[string]int) [][]any {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	rows := make([][]any, 0, len(names))
	for _, name := range names {
		rows = append(rows, []any{name, counts[name]})
	}
	return rows
}
