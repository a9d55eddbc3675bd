package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/report"
	"kpiboard/backend/internal/store"
)

// GenerateReport renders the dashboard for the selected stores, all of them
// when none are selected, and files it as a PDF.
func (s *Service) GenerateReport(ctx context.Context, orgID string, req domain.ReportCreateRequest) (domain.Report, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Report{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.Report{}, err
	}

	board, err := s.dashboard(ctx, orgID, req.DateKey, actor)
	if err != nil {
		return domain.Report{}, err
	}
	if err := selectedStoresExist(board.Lines, req.StoreIDs); err != nil {
		return domain.Report{}, err
	}

	rep, err := s.reports.Publish(ctx, report.PublishRequest{
		OrgID:     orgID,
		Name:      req.Name,
		StoreIDs:  req.StoreIDs,
		CreatedBy: actor.UserID,
		Position:  board.Position,
		Lines:     board.Lines,
	})
	if err != nil {
		return domain.Report{}, err
	}
	return *rep, nil
}

func selectedStoresExist(lines []domain.PerformanceLine, storeIDs []string) error {
	known := make(map[string]bool, len(lines))
	for _, l := range lines {
		known[l.StoreID] = true
	}
	for _, id := range storeIDs {
		if !known[id] {
			return invalidf("unknown store %s", id)
		}
	}
	return nil
}

func (s *Service) ListReports(ctx context.Context, orgID string) ([]domain.Report, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListReports(ctx, orgID)
}

// DeleteReport drops the report row; removing the stored PDF is best effort.
func (s *Service) DeleteReport(ctx context.Context, orgID, reportID string) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	if _, err := s.access.AssertOrgRole(ctx, orgID, actor, domain.RoleAdmin); err != nil {
		return err
	}
	rep, err := s.orgReport(ctx, orgID, reportID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteReport(ctx, reportID); err != nil {
		return err
	}
	if rep.ObjectKey != "" {
		if err := s.blobs.Delete(ctx, rep.ObjectKey); err != nil {
			s.log.Warn("delete report object", zap.String("report_id", reportID), zap.String("key", rep.ObjectKey), zap.Error(err))
		}
	}
	return nil
}

// DownloadReport returns the report row and its PDF bytes.
func (s *Service) DownloadReport(ctx context.Context, orgID, reportID string) (domain.Report, []byte, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Report{}, nil, err
	}
	if err := s.access.AssertOrgAccess(ctx, orgID, actor); err != nil {
		return domain.Report{}, nil, err
	}
	rep, err := s.orgReport(ctx, orgID, reportID)
	if err != nil {
		return domain.Report{}, nil, err
	}
	data, err := s.blobs.Get(ctx, rep.ObjectKey)
	if err != nil {
		return domain.Report{}, nil, err
	}
	return *rep, data, nil
}

func (s *Service) orgReport(ctx context.Context, orgID, reportID string) (*domain.Report, error) {
	rep, err := s.repo.GetReport(ctx, reportID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rep.OrgID != orgID) {
		return nil, notFoundf("report not found")
	}
	return rep, err
}
