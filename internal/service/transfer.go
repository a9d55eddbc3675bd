package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/csvio"
	"kpiboard/backend/internal/domain"
)

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

func ParseExportFormat(v string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(v))); f {
	case "", ExportCSV:
		return ExportCSV, nil
	case ExportXLSX:
		return ExportXLSX, nil
	default:
		return "", invalidf("unsupported export format %q", v)
	}
}

// ImportSales loads a sales spreadsheet as month-to-date statements for
// dateKey, today when empty. Stores and KPIs the file names but the
// organization lacks are created first. A file that fails validation is
// reported through the result, not the error.
func (s *Service) ImportSales(ctx context.Context, orgID string, r io.Reader, dateKey string) (domain.ImportResult, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.ImportResult{}, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return domain.ImportResult{}, err
	}
	day, err := s.resolveDate(dateKey)
	if err != nil {
		return domain.ImportResult{}, err
	}
	dateKey = calendar.DateKey(day)

	stores, err := s.repo.ListStores(ctx, orgID)
	if err != nil {
		return domain.ImportResult{}, err
	}
	kpis, err := s.repo.ListKPIs(ctx, orgID)
	if err != nil {
		return domain.ImportResult{}, err
	}

	parsed := csvio.ParseSalesCSV(r, stores, kpis)
	result := domain.ImportResult{
		Success:       parsed.Success,
		Message:       parsed.Message,
		CreatedStores: []string{},
		CreatedKPIs:   []string{},
		Errors:        append([]string{}, parsed.Errors...),
	}
	if !parsed.Success {
		s.metrics.ImportRows(0, len(parsed.Errors))
		return result, nil
	}

	storeIDs := make(map[string]string, len(stores))
	for _, st := range stores {
		storeIDs[strings.ToLower(st.Name)] = st.ID
	}
	for _, name := range parsed.NewStoreNames {
		st, err := s.createStore(ctx, orgID, name)
		if err != nil {
			return domain.ImportResult{}, fmt.Errorf("create store %q: %w", name, err)
		}
		storeIDs[strings.ToLower(name)] = st.ID
		result.CreatedStores = append(result.CreatedStores, name)
	}

	kpiIDs := make(map[string]string, len(kpis))
	for _, k := range kpis {
		kpiIDs[strings.ToLower(k.Name)] = k.ID
	}
	for _, name := range parsed.NewKPINames {
		k, err := s.createKPI(ctx, orgID, name)
		if err != nil {
			return domain.ImportResult{}, fmt.Errorf("create kpi %q: %w", name, err)
		}
		kpiIDs[strings.ToLower(name)] = k.ID
		result.CreatedKPIs = append(result.CreatedKPIs, name)
	}

	failed := len(parsed.Errors)
	for _, row := range parsed.Rows {
		_, err := s.ledger.RecordMonthToDateValue(ctx, domain.MTDEntry{
			OrgID:       orgID,
			StoreID:     storeIDs[strings.ToLower(row.StoreName)],
			KpiID:       kpiIDs[strings.ToLower(row.KpiName)],
			DateKey:     dateKey,
			MTDTotal:    row.MTDSales,
			MonthlyGoal: row.MonthlyGoal,
		}, actor)
		if err != nil {
			failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s / %s: %v", row.StoreName, row.KpiName, err))
			continue
		}
		result.RecordsLoaded++
	}

	s.metrics.ImportRows(result.RecordsLoaded, failed)
	s.log.Info("sales imported",
		zap.String("org_id", orgID),
		zap.String("date_key", dateKey),
		zap.Int("loaded", result.RecordsLoaded),
		zap.Int("failed", failed),
		zap.Int("created_stores", len(result.CreatedStores)),
		zap.Int("created_kpis", len(result.CreatedKPIs)),
	)
	return result, nil
}

func (s *Service) ImportTemplate(ctx context.Context, orgID string, w io.Writer) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return err
	}
	stores, err := s.repo.ListStores(ctx, orgID)
	if err != nil {
		return err
	}
	kpis, err := s.repo.ListKPIs(ctx, orgID)
	if err != nil {
		return err
	}
	return csvio.WriteTemplate(w, stores, kpis)
}

// ExportSales writes the dashboard for dateKey in the requested format.
func (s *Service) ExportSales(ctx context.Context, orgID, dateKey string, format ExportFormat, w io.Writer) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	board, err := s.dashboard(ctx, orgID, dateKey, actor)
	if err != nil {
		return err
	}
	exportedAt := s.clock.Now()
	switch format {
	case ExportXLSX:
		return csvio.WriteXLSX(w, board.Lines, exportedAt)
	default:
		return csvio.WriteCSV(w, board.Lines, exportedAt)
	}
}
