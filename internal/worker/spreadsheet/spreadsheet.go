// Package spreadsheet renders extracted invoice data as an XLSX workbook.
package spreadsheet

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/xuri/excelize/v2"
)

const (
	DataSheet    = "Invoice Data"
	SummarySheet = "Summary"

	// ContentType is the MIME type of the generated workbook.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Headers are the columns of the data sheet, in order.
var Headers = []string{
	"Source File",
	"Invoice Number",
	"Invoice Date",
	"Vendor Name",
	"Vendor VAT Number",
	"Client Name",
	"Client VAT Number",
	"Net Amount",
	"VAT Amount",
	"Total Amount",
	"Currency",
	"Description",
	"Processing Notes",
}

var columnWidths = []float64{24, 18, 14, 28, 20, 28, 20, 14, 14, 14, 10, 40, 40}

// Build writes one row per invoice plus a summary sheet and returns the XLSX bytes.
func Build(invoices []invoice.Data) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DataSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"D9E1F2"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, fmt.Errorf("amount style: %w", err)
	}

	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(DataSheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(DataSheet, col, col, columnWidths[i])
	}
	last, _ := excelize.CoordinatesToCellName(len(Headers), 1)
	if err := f.SetCellStyle(DataSheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, inv := range invoices {
		if err := writeRow(f, i+2, inv, amountStyle); err != nil {
			return nil, err
		}
	}

	if err := f.SetPanes(DataSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	if err := writeSummary(f, invoices, headerStyle, amountStyle); err != nil {
		return nil, err
	}

	idx, _ := f.GetSheetIndex(DataSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, row int, inv invoice.Data, amountStyle int) error {
	values := []string{
		inv.SourceFilename,
		inv.InvoiceNumber,
		inv.InvoiceDate,
		inv.VendorName,
		inv.VendorVATNumber,
		inv.ClientName,
		inv.ClientVATNumber,
		inv.NetAmount,
		inv.VATAmount,
		inv.TotalAmount,
		inv.Currency,
		inv.Description,
		inv.ProcessingNotes,
	}

	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)

		var value any = v
		// Columns H..J hold amounts; store them as numbers when they parse.
		if i >= 7 && i <= 9 {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				value = n
				_ = f.SetCellStyle(DataSheet, cell, cell, amountStyle)
			}
		}
		if err := f.SetCellValue(DataSheet, cell, value); err != nil {
			return fmt.Errorf("write cell %s: %w", cell, err)
		}
	}
	return nil
}

type totals struct {
	net, vat, gross float64
}

func writeSummary(f *excelize.File, invoices []invoice.Data, headerStyle, amountStyle int) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}

	var all totals
	vendors := map[string]*totals{}
	for _, inv := range invoices {
		net, vat, gross := amount(inv.NetAmount), amount(inv.VATAmount), amount(inv.TotalAmount)
		all.net += net
		all.vat += vat
		all.gross += gross

		name := inv.VendorName
		if name == "" {
			name = "Unknown"
		}
		v, ok := vendors[name]
		if !ok {
			v = &totals{}
			vendors[name] = v
		}
		v.net += net
		v.vat += vat
		v.gross += gross
	}

	set := func(cell string, v any) {
		_ = f.SetCellValue(SummarySheet, cell, v)
	}
	setAmount := func(cell string, v float64) {
		set(cell, v)
		_ = f.SetCellStyle(SummarySheet, cell, cell, amountStyle)
	}

	set("A1", "Invoice Processing Summary")
	_ = f.SetCellStyle(SummarySheet, "A1", "A1", headerStyle)
	set("A3", "Total Invoices:")
	set("B3", len(invoices))
	set("A4", "Total Net Amount:")
	setAmount("B4", all.net)
	set("A5", "Total VAT Amount:")
	setAmount("B5", all.vat)
	set("A6", "Total Gross Amount:")
	setAmount("B6", all.gross)

	set("A8", "Vendor Breakdown:")
	_ = f.SetCellStyle(SummarySheet, "A8", "A8", headerStyle)

	names := make([]string, 0, len(vendors))
	for name := range vendors {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		row := 9 + i
		set(fmt.Sprintf("A%d", row), name)
		setAmount(fmt.Sprintf("B%d", row), vendors[name].gross)
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 28)
	_ = f.SetColWidth(SummarySheet, "B", "B", 16)

	return nil
}

func amount(s string) float64 {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}
