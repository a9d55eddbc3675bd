// Package csvio reads and writes the sales spreadsheets users exchange with
// the dashboard.
package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"kpiboard/backend/internal/domain"
)

const (
	HeaderStore       = "Store"
	HeaderKPI         = "KPI"
	HeaderMonthlyGoal = "Monthly Goal"
	HeaderMTDSales    = "MTD Sales"
)

var requiredHeaders = []string{HeaderStore, HeaderKPI, HeaderMonthlyGoal, HeaderMTDSales}

// SalesRow is a validated import row. Names are resolved to the spelling of
// an existing store or KPI when one matches case-insensitively.
type SalesRow struct {
	StoreName   string
	KpiName     string
	MonthlyGoal decimal.Decimal
	MTDSales    decimal.Decimal
}

type ParseResult struct {
	Success       bool
	Message       string
	NewStoreNames []string
	NewKPINames   []string
	Rows          []SalesRow
	Errors        []string
}

// nameIndex resolves names case-insensitively, remembering first spellings
// of names it has not seen before in insertion order.
type nameIndex struct {
	existing map[string]string
	added    map[string]string
	order    []string
}

func newNameIndex(names []string) *nameIndex {
	idx := &nameIndex{existing: make(map[string]string, len(names)), added: make(map[string]string)}
	for _, n := range names {
		idx.existing[strings.ToLower(strings.TrimSpace(n))] = n
	}
	return idx
}

func (idx *nameIndex) resolve(name string) string {
	key := strings.ToLower(name)
	if n, ok := idx.existing[key]; ok {
		return n
	}
	if n, ok := idx.added[key]; ok {
		return n
	}
	idx.added[key] = name
	idx.order = append(idx.order, name)
	return name
}

// ParseSalesCSV validates an import file against the organization's stores
// and KPIs. Row errors are collected, not fatal; Success means at least one
// row is usable.
func ParseSalesCSV(r io.Reader, stores []domain.Store, kpis []domain.KPI) ParseResult {
	result := ParseResult{}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		result.Message = fmt.Sprintf("Error parsing CSV: %v", err)
		return result
	}
	records = dropBlank(records)
	if len(records) < 2 {
		result.Message = "CSV file must contain a header row and at least one data row"
		return result
	}

	columns := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := columns[h]; !dup {
			columns[h] = i
		}
	}
	var missing []string
	for _, h := range requiredHeaders {
		if _, ok := columns[h]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		result.Message = "Missing required headers: " + strings.Join(missing, ", ")
		return result
	}

	storeNames := make([]string, 0, len(stores))
	for _, s := range stores {
		storeNames = append(storeNames, s.Name)
	}
	kpiNames := make([]string, 0, len(kpis))
	for _, k := range kpis {
		kpiNames = append(kpiNames, k.Name)
	}
	storeIdx := newNameIndex(storeNames)
	kpiIdx := newNameIndex(kpiNames)

	for i, record := range records[1:] {
		rowNo := i + 2
		if len(record) < len(requiredHeaders) {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d has insufficient columns", rowNo))
			continue
		}
		field := func(h string) string {
			if c := columns[h]; c < len(record) {
				return strings.TrimSpace(record[c])
			}
			return ""
		}

		storeName := field(HeaderStore)
		if storeName == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: Store name is required", rowNo))
			continue
		}
		kpiName := field(HeaderKPI)
		if kpiName == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: KPI name is required", rowNo))
			continue
		}
		goal, err := decimal.NewFromString(field(HeaderMonthlyGoal))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: Monthly Goal must be a number", rowNo))
			continue
		}
		if goal.IsNegative() {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: Monthly Goal must not be negative", rowNo))
			continue
		}
		mtd, err := decimal.NewFromString(field(HeaderMTDSales))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: MTD Sales must be a number", rowNo))
			continue
		}

		result.Rows = append(result.Rows, SalesRow{
			StoreName:   storeIdx.resolve(storeName),
			KpiName:     kpiIdx.resolve(kpiName),
			MonthlyGoal: goal,
			MTDSales:    mtd,
		})
	}

	result.NewStoreNames = storeIdx.order
	result.NewKPINames = kpiIdx.order

	if len(result.Rows) == 0 {
		result.Message = "No valid data found in the CSV file"
		return result
	}

	result.Success = true
	var b strings.Builder
	fmt.Fprintf(&b, "Successfully validated %d data rows", len(result.Rows))
	if n := len(result.NewStoreNames); n > 0 {
		fmt.Fprintf(&b, ", detected %d new stores", n)
	}
	if n := len(result.NewKPINames); n > 0 {
		fmt.Fprintf(&b, ", detected %d new KPIs", n)
	}
	if n := len(result.Errors); n > 0 {
		fmt.Fprintf(&b, " with %d errors", n)
	}
	result.Message = b.String()
	return result
}

func dropBlank(records [][]string) [][]string {
	out := records[:0]
	for _, rec := range records {
		blank := true
		for _, f := range rec {
			if strings.TrimSpace(f) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}

var exampleRows = [][]string{
	{"Store A", "Sales", "10000", "5000"},
	{"Store A", "Units", "500", "250"},
	{"Store B", "Sales", "8000", "4200"},
	{"Store B", "Units", "400", "210"},
}

// WriteTemplate writes an import template. Up to two existing stores and two
// existing KPIs seed the sample rows; otherwise fixed examples are used.
func WriteTemplate(w io.Writer, stores []domain.Store, kpis []domain.KPI) error {
	rows := [][]string{requiredHeaders}
	if len(stores) > 0 && len(kpis) > 0 {
		for i := 0; i < len(stores) && i < 2; i++ {
			for j := 0; j < len(kpis) && j < 2; j++ {
				rows = append(rows, []string{stores[i].Name, kpis[j].Name, "1000", "500"})
			}
		}
	} else {
		rows = append(rows, exampleRows...)
	}
	return writeAll(w, rows)
}

func writeAll(w io.Writer, rows [][]string) error {
	return csv.NewWriter(w).WriteAll(rows)
}
