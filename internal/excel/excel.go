// Package excel reads and writes the operator's costing spreadsheet.
// Export writes the full 24-column projection; Import reads back only
// the identifiers and the operator-editable fields, so engine-derived
// columns can never be corrupted from a stale file.
package excel

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/subastamon/subastamon/internal/money"
	"github.com/subastamon/subastamon/internal/store"
)

const sheetName = "Subasta"

// headers is the export column order.
var headers = []string{
	"ID SUBASTA",
	"ITEM",
	"DESCRIPCION",
	"UNIDAD DE MEDIDA",
	"CANTIDAD",
	"ITEMS POR RENGLON",
	"MARCA",
	"OBS USUARIO",
	"CONVERSION USD",
	"COSTO UNIT USD",
	"COSTO TOTAL USD",
	"COSTO UNIT ARS",
	"COSTO TOTAL ARS",
	"RENTA MINIMA %",
	"PRECIO UNIT ACEPTABLE",
	"PRECIO TOTAL ACEPTABLE",
	"PRECIO DE REFERENCIA",
	"PRECIO REF UNITARIO",
	"RENTA REFERENCIA %",
	"MEJOR OFERTA ACTUAL",
	"OFERTA PARA MEJORAR",
	"PRECIO UNIT MEJORA",
	"RENTA PARA MEJORAR %",
	"OBS / CAMBIO",
}

// Export renders the rows into a workbook.
func Export(rows []store.ExportRow) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("addressing header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, fmt.Errorf("writing header %q: %w", h, err)
		}
	}

	for i, r := range rows {
		values := []any{
			r.AuctionExtID,
			r.LocalID,
			r.Description,
			strDeref(r.UnitOfMeasure),
			numCell(r.Quantity),
			numCell(r.ItemsPerLine),
			strDeref(r.Brand),
			strDeref(r.Notes),
			numCell(r.ConvUSD),
			numCell(r.UnitCostUSD),
			numCell(r.TotalCostUSD),
			numCell(r.UnitCostARS),
			numCell(r.TotalCostARS),
			numCell(r.MinMargin),
			numCell(r.AcceptableUnit),
			numCell(r.AcceptableTotal),
			numCell(r.ReferenceTotal),
			numCell(r.ReferenceUnit),
			numCell(r.ReferenceMargin),
			r.BestOfferText,
			r.OfferToBeatText,
			numCell(r.ImprovementUnit),
			numCell(r.ImprovementMargin),
			strDeref(r.ChangeNote),
		}
		for col, v := range values {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return nil, fmt.Errorf("addressing cell: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", i+2, err)
			}
		}
	}
	return f, nil
}

// ExportToFile writes the workbook at path.
func ExportToFile(path string, rows []store.ExportRow) error {
	f, err := Export(rows)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}

// ImportRow carries the identifiers plus the operator-editable fields
// of one spreadsheet row. Nil means the cell was empty; the store's
// upsert preserves the current value.
type ImportRow struct {
	AuctionExtID string
	LocalID      string

	UnitOfMeasure *string
	ItemsPerLine  *float64
	Brand         *string
	Notes         *string
	ConvUSD       *float64
	UnitCostUSD   *float64
	TotalCostUSD  *float64
	UnitCostARS   *float64
	TotalCostARS  *float64
	MinMargin     *float64
}

// Commercial converts the row into a store upsert for itemID.
func (r ImportRow) Commercial(itemID int64) store.ItemCommercial {
	return store.ItemCommercial{
		ItemID:        itemID,
		UnitOfMeasure: r.UnitOfMeasure,
		ItemsPerLine:  r.ItemsPerLine,
		Brand:         r.Brand,
		Notes:         r.Notes,
		ConvUSD:       r.ConvUSD,
		UnitCostUSD:   r.UnitCostUSD,
		TotalCostUSD:  r.TotalCostUSD,
		UnitCostARS:   r.UnitCostARS,
		TotalCostARS:  r.TotalCostARS,
		MinMargin:     r.MinMargin,
	}
}

// Import reads a previously exported workbook. Columns are located by
// header name, so the operator may reorder or drop them. A RENTA
// MINIMA % outside [0, 1] fails with store.ErrMarginRange: legacy
// files stored whole percentages and silently dividing them would
// corrupt every margin decision.
func Import(r io.Reader) ([]ImportRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("workbook has no header row")
	}

	col := map[string]int{}
	for i, h := range rows[0] {
		col[normalizeHeader(h)] = i
	}
	for _, required := range []string{"ID SUBASTA", "ITEM"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("workbook is missing the %q column", required)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []ImportRow
	for n, row := range rows[1:] {
		extID := cell(row, "ID SUBASTA")
		localID := cell(row, "ITEM")
		if extID == "" && localID == "" {
			continue
		}
		if extID == "" || localID == "" {
			return nil, fmt.Errorf("row %d: both ID SUBASTA and ITEM are required", n+2)
		}

		ir := ImportRow{
			AuctionExtID:  extID,
			LocalID:       localID,
			UnitOfMeasure: strCell(cell(row, "UNIDAD DE MEDIDA")),
			ItemsPerLine:  floatCell(cell(row, "ITEMS POR RENGLON")),
			Brand:         strCell(cell(row, "MARCA")),
			Notes:         strCell(cell(row, "OBS USUARIO")),
			ConvUSD:       floatCell(cell(row, "CONVERSION USD")),
			UnitCostUSD:   floatCell(cell(row, "COSTO UNIT USD")),
			TotalCostUSD:  floatCell(cell(row, "COSTO TOTAL USD")),
			UnitCostARS:   floatCell(cell(row, "COSTO UNIT ARS")),
			TotalCostARS:  floatCell(cell(row, "COSTO TOTAL ARS")),
			MinMargin:     floatCell(cell(row, "RENTA MINIMA %")),
		}
		if ir.MinMargin != nil && (*ir.MinMargin < 0 || *ir.MinMargin > 1) {
			return nil, fmt.Errorf("row %d: renta minima %v: %w", n+2, *ir.MinMargin, store.ErrMarginRange)
		}
		out = append(out, ir)
	}
	return out, nil
}

func normalizeHeader(h string) string {
	return strings.ToUpper(strings.Join(strings.Fields(h), " "))
}

func strCell(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func floatCell(s string) *float64 {
	v, ok := money.ParseNumber(s)
	if !ok {
		return nil
	}
	return &v
}

func strDeref(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func numCell(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
