package csvio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiboard/backend/internal/domain"
)

var (
	existingStores = []domain.Store{{ID: "s1", Name: "Downtown"}}
	existingKPIs   = []domain.KPI{{ID: "k1", Name: "Sales"}}
)

func TestParseSalesCSVResolvesAndDetectsNewNames(t *testing.T) {
	input := strings.Join([]string{
		"Store,KPI,Monthly Goal,MTD Sales",
		"downtown,SALES,10000,5000",
		"Airport,Sales,8000,4200",
		"AIRPORT,Units,400,210",
		"",
		"Airport,units,400,215.5",
	}, "\n")

	res := ParseSalesCSV(strings.NewReader(input), existingStores, existingKPIs)
	require.True(t, res.Success, res.Message)
	require.Len(t, res.Rows, 4)

	assert.Equal(t, "Downtown", res.Rows[0].StoreName)
	assert.Equal(t, "Sales", res.Rows[0].KpiName)
	assert.Equal(t, "Airport", res.Rows[2].StoreName)
	assert.Equal(t, "Units", res.Rows[3].KpiName)
	assert.True(t, res.Rows[3].MTDSales.Equal(decimal.RequireFromString("215.5")))

	assert.Equal(t, []string{"Airport"}, res.NewStoreNames)
	assert.Equal(t, []string{"Units"}, res.NewKPINames)
	assert.Equal(t, "Successfully validated 4 data rows, detected 1 new stores, detected 1 new KPIs", res.Message)
}

func TestParseSalesCSVCollectsRowErrors(t *testing.T) {
	input := strings.Join([]string{
		"MTD Sales,Monthly Goal,KPI,Store",
		"5000,10000,Sales,Downtown",
		"abc,10000,Sales,Downtown",
		"5000,ten,Sales,Downtown",
		"5000,10000,,Downtown",
		"5000,10000,Sales,",
		"5000,10000",
		"5000,-1,Sales,Downtown",
	}, "\n")

	res := ParseSalesCSV(strings.NewReader(input), existingStores, existingKPIs)
	require.True(t, res.Success)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []string{
		"Row 3: MTD Sales must be a number",
		"Row 4: Monthly Goal must be a number",
		"Row 5: KPI name is required",
		"Row 6: Store name is required",
		"Row 7 has insufficient columns",
		"Row 8: Monthly Goal must not be negative",
	}, res.Errors)
	assert.Equal(t, "Successfully validated 1 data rows with 6 errors", res.Message)
}

func TestParseSalesCSVRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"header only":     "Store,KPI,Monthly Goal,MTD Sales\n",
		"empty":           "",
		"missing headers": "Store,Goal\nDowntown,1",
		"no valid rows":   "Store,KPI,Monthly Goal,MTD Sales\nDowntown,Sales,x,y",
	}
	want := map[string]string{
		"header only":     "CSV file must contain a header row and at least one data row",
		"empty":           "CSV file must contain a header row and at least one data row",
		"missing headers": "Missing required headers: KPI, Monthly Goal, MTD Sales",
		"no valid rows":   "No valid data found in the CSV file",
	}
	for name, input := range cases {
		res := ParseSalesCSV(strings.NewReader(input), nil, nil)
		assert.False(t, res.Success, name)
		assert.Equal(t, want[name], res.Message, name)
	}
}

func TestParseSalesCSVHandlesQuotedNamesAndBOM(t *testing.T) {
	input := "\ufeffStore,KPI,Monthly Goal,MTD Sales\n\"Main St, North\",Sales,100,50\n"
	res := ParseSalesCSV(strings.NewReader(input), nil, nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Main St, North", res.Rows[0].StoreName)
}

func TestWriteTemplateUsesExistingEntities(t *testing.T) {
	stores := []domain.Store{{Name: "A"}, {Name: "B"}, {Name: "C"}}
	kpis := []domain.KPI{{Name: "Sales"}}

	var buf bytes.Buffer
	require.NoError(t, WriteTemplate(&buf, stores, kpis))
	assert.Equal(t, "Store,KPI,Monthly Goal,MTD Sales\nA,Sales,1000,500\nB,Sales,1000,500\n", buf.String())
}

func TestWriteTemplateFallsBackToExamples(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTemplate(&buf, nil, []domain.KPI{{Name: "Sales"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Store A,Sales,10000,5000", lines[1])
	assert.Equal(t, "Store B,Units,400,210", lines[4])

	res := ParseSalesCSV(strings.NewReader(buf.String()), nil, nil)
	require.True(t, res.Success)
	assert.Len(t, res.NewStoreNames, 2)
}
