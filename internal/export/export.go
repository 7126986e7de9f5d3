// Package export writes persisted documents to an XLSX workbook with one
// sheet per direction and a per-type summary sheet.
package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/yourorg/taxsync/pkg/types"
)

// Sheet names.
const (
	SheetPurchases = "Purchases"
	SheetSales     = "Sales"
	SheetSummary   = "Summary"
)

var documentHeaders = []string{
	"Folio", "Issue date", "Type", "Counterparty tax id", "Counterparty", "Net", "Tax", "Exempt", "Total",
	"Status", "Kind", "Document count", "Internal id", "Warnings",
}

// extraFields mirrors what the syncer stores in extra_payload.
type extraFields struct {
	Kind          string   `json:"kind"`
	DocumentCount int      `json:"document_count"`
	InternalID    string   `json:"internal_id"`
	Warnings      []string `json:"warnings"`
}

type Exporter struct{}

func NewExporter() *Exporter {
	return &Exporter{}
}

// Export builds the workbook. counterparties resolves CounterpartyRef; it may
// be nil.
func (e *Exporter) Export(records []types.SyncRecord, counterparties []types.Counterparty) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetPurchases); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(SheetSales); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(SheetSummary); err != nil {
		return nil, err
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E2E8F0"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, err
	}
	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: 3})
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]types.Counterparty, len(counterparties))
	for _, c := range counterparties {
		byID[c.ID] = c
	}

	rows := map[types.Direction]int{types.DirectionPurchase: 1, types.DirectionSale: 1}
	for _, sheet := range []string{SheetPurchases, SheetSales} {
		if err := f.SetSheetRow(sheet, "A1", &documentHeaders); err != nil {
			return nil, err
		}
		if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
			return nil, err
		}
	}

	totals := map[summaryKey]*summaryRow{}
	for _, r := range records {
		sheet := sheetFor(r.Direction)
		rows[r.Direction]++
		row := rows[r.Direction]

		var ex extraFields
		if len(r.ExtraPayload) > 0 {
			if err := json.Unmarshal(r.ExtraPayload, &ex); err != nil {
				return nil, fmt.Errorf("extra payload of %s: %w", r.Folio, err)
			}
		}
		var taxID, name string
		if r.CounterpartyRef != nil {
			c := byID[*r.CounterpartyRef]
			taxID, name = c.NormalizedTaxID, c.DisplayName
		}
		values := []any{
			r.Folio, r.IssueDate.Format("2006-01-02"), r.TypeCode, taxID, name,
			r.NetAmount.InexactFloat64(), r.TaxAmount.InexactFloat64(), r.ExemptAmount.InexactFloat64(), r.TotalAmount.InexactFloat64(),
			r.Status, ex.Kind, ex.DocumentCount, ex.InternalID, strings.Join(ex.Warnings, ", "),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, err
		}

		k := summaryKey{r.Direction, r.TypeCode}
		s := totals[k]
		if s == nil {
			s = &summaryRow{}
			totals[k] = s
		}
		s.records++
		s.net = s.net.Add(r.NetAmount)
		s.tax = s.tax.Add(r.TaxAmount)
		s.exempt = s.exempt.Add(r.ExemptAmount)
		s.total = s.total.Add(r.TotalAmount)
		if r.Status == types.StatusDegraded {
			s.degraded++
		}
	}

	for _, sheet := range []string{SheetPurchases, SheetSales} {
		last := rows[directionFor(sheet)]
		if last > 1 {
			from, _ := excelize.CoordinatesToCellName(6, 2)
			to, _ := excelize.CoordinatesToCellName(9, last)
			if err := f.SetCellStyle(sheet, from, to, amountStyle); err != nil {
				return nil, err
			}
		}
		_ = f.SetColWidth(sheet, "A", "C", 14)
		_ = f.SetColWidth(sheet, "D", "D", 20)
		_ = f.SetColWidth(sheet, "E", "E", 36)
		_ = f.SetColWidth(sheet, "F", "N", 15)
	}

	if err := writeSummary(f, totals, headerStyle); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFile exports to path.
func (e *Exporter) WriteFile(path string, records []types.SyncRecord, counterparties []types.Counterparty) error {
	f, err := e.Export(records, counterparties)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(path)
}

type summaryKey struct {
	dir      types.Direction
	typeCode string
}

type summaryRow struct {
	records, degraded       int
	net, tax, exempt, total decimal.Decimal
}

func writeSummary(f *excelize.File, totals map[summaryKey]*summaryRow, headerStyle int) error {
	header := []any{"Direction", "Type", "Records", "Degraded", "Net", "Tax", "Exempt", "Total"}
	if err := f.SetSheetRow(SheetSummary, "A1", &header); err != nil {
		return err
	}
	if err := f.SetRowStyle(SheetSummary, 1, 1, headerStyle); err != nil {
		return err
	}
	keys := make([]summaryKey, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dir != keys[j].dir {
			return keys[i].dir < keys[j].dir
		}
		return keys[i].typeCode < keys[j].typeCode
	})
	for i, k := range keys {
		s := totals[k]
		row := []any{string(k.dir), k.typeCode, s.records, s.degraded,
			s.net.InexactFloat64(), s.tax.InexactFloat64(), s.exempt.InexactFloat64(), s.total.InexactFloat64()}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetSummary, "A", "H", 14)
}

func sheetFor(d types.Direction) string {
	if d == types.DirectionSale {
		return SheetSales
	}
	return SheetPurchases
}

func directionFor(sheet string) types.Direction {
	if sheet == SheetSales {
		return types.DirectionSale
	}
	return types.DirectionPurchase
}
