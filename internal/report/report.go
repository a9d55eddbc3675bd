// Package report renders sales performance PDFs and files them in object
// storage.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"go.uber.org/zap"

	"kpiboard/backend/internal/blob"
	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/clock"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/metrics"
	"kpiboard/backend/internal/xid"
)

const ContentType = "application/pdf"

type Document struct {
	Name        string
	GeneratedAt time.Time
	Position    calendar.Position
	Sections    []Section
}

// Section is one store's table.
type Section struct {
	StoreName string
	Lines     []domain.PerformanceLine
}

// Sections groups lines by store, in first-seen order, keeping only storeIDs
// when any are given.
func Sections(lines []domain.PerformanceLine, storeIDs []string) []Section {
	keep := make(map[string]bool, len(storeIDs))
	for _, id := range storeIDs {
		keep[id] = true
	}

	index := make(map[string]int)
	var out []Section
	for _, l := range lines {
		if len(keep) > 0 && !keep[l.StoreID] {
			continue
		}
		i, ok := index[l.StoreID]
		if !ok {
			i = len(out)
			index[l.StoreID] = i
			out = append(out, Section{StoreName: l.StoreName})
		}
		out[i].Lines = append(out[i].Lines, l)
	}
	return out
}

var (
	headerText = props.Text{Size: 10, Style: fontstyle.Bold}
	cellText   = props.Text{Size: 10}
	numberHead = props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}
	numberCell = props.Text{Size: 10, Align: align.Right}
)

// Render lays out doc as a PDF.
func Render(doc Document) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(12, "Sales Performance Report", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Center,
		}),
	)
	m.AddRow(20,
		col.New(12).Add(
			text.New("Report: "+doc.Name, props.Text{Size: 12, Top: 0}),
			text.New("Generated: "+calendar.DateKey(doc.GeneratedAt), props.Text{Size: 12, Top: 6}),
			text.New(fmt.Sprintf("Day %d of %d (%d days remaining)",
				doc.Position.DayOfMonth, doc.Position.DaysInMonth, doc.Position.DaysRemaining),
				props.Text{Size: 12, Top: 12}),
		),
	)

	for _, section := range doc.Sections {
		m.AddRow(12,
			text.NewCol(12, section.StoreName, props.Text{Size: 16, Style: fontstyle.Bold, Top: 3}),
		)
		m.AddRow(7,
			text.NewCol(4, "KPI", headerText),
			text.NewCol(2, "Goal", numberHead),
			text.NewCol(2, "MTD Sales", numberHead),
			text.NewCol(2, "% to Goal", numberHead),
			text.NewCol(2, "Projected", numberHead),
		)
		m.AddRow(2, line.NewCol(12))
		for _, l := range section.Lines {
			m.AddRow(7,
				text.NewCol(4, l.KpiName, cellText),
				text.NewCol(2, l.MonthlyGoal.String(), numberCell),
				text.NewCol(2, l.MTDSales.String(), numberCell),
				text.NewCol(2, l.PercentToGoal.StringFixed(1)+"%", numberCell),
				text.NewCol(2, l.Projection.StringFixed(0), numberCell),
			)
		}
	}

	out, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return out.GetBytes(), nil
}

func ObjectKey(orgID, reportID string) string {
	return fmt.Sprintf("reports/%s/%s.pdf", orgID, reportID)
}

type Store interface {
	CreateReport(ctx context.Context, report domain.Report) error
}

// Publisher renders, uploads and records reports.
type Publisher struct {
	blobs   blob.Store
	store   Store
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewPublisher(blobs blob.Store, s Store, c clock.Clock, m *metrics.Metrics, log *zap.Logger) *Publisher {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{blobs: blobs, store: s, clock: c, metrics: m, log: log.Named("report")}
}

type PublishRequest struct {
	OrgID     string
	Name      string
	StoreIDs  []string
	CreatedBy string
	Position  calendar.Position
	Lines     []domain.PerformanceLine
}

// Publish stores the rendered PDF before recording it, so a failed upload
// leaves no report row behind.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*domain.Report, error) {
	now := p.clock.Now()
	reportID := xid.New("rep")

	data, err := Render(Document{
		Name:        req.Name,
		GeneratedAt: now,
		Position:    req.Position,
		Sections:    Sections(req.Lines, req.StoreIDs),
	})
	if err != nil {
		p.metrics.ReportGenerated(metrics.JobResultError)
		return nil, err
	}

	key := ObjectKey(req.OrgID, reportID)
	url, err := p.blobs.Put(ctx, key, data, ContentType)
	if err != nil {
		p.metrics.ReportGenerated(metrics.JobResultError)
		return nil, fmt.Errorf("upload report: %w", err)
	}

	storeIDs := append([]string{}, req.StoreIDs...)
	rep := domain.Report{
		ID:        reportID,
		OrgID:     req.OrgID,
		Name:      req.Name,
		URL:       url,
		ObjectKey: key,
		StoreIDs:  storeIDs,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
	}
	if err := p.store.CreateReport(ctx, rep); err != nil {
		p.metrics.ReportGenerated(metrics.JobResultError)
		if delErr := p.blobs.Delete(ctx, key); delErr != nil {
			p.log.Warn("remove orphaned report object", zap.String("key", key), zap.Error(delErr))
		}
		return nil, fmt.Errorf("create report: %w", err)
	}

	p.metrics.ReportGenerated(metrics.JobResultSuccess)
	p.log.Info("report published", zap.String("org_id", req.OrgID), zap.String("report_id", reportID), zap.Int("bytes", len(data)))
	return &rep, nil
}
