package database

import (
	"context"

	"github.com/michaelmcclelland/nimbus-requeue/internal/database/models"
	"github.com/michaelmcclelland/nimbus-requeue/internal/requeue"
)

// AuditRecorder writes one row per run to requeue_runs. Rows are never read
// back by the requeue tool.
type AuditRecorder struct {
	db models.DBTX
}

func NewAuditRecorder(db models.DBTX) *AuditRecorder {
	return &AuditRecorder{db: db}
}

func (a *AuditRecorder) Record(ctx context.Context, report *requeue.Report) error {
	return models.InsertRun(ctx, a.db, runRecord(report))
}

func runRecord(report *requeue.Report) models.RunRecord {
	s := report.Summary()
	rec := models.RunRecord{
		RunID:             report.RunID,
		Queue:             report.Queue,
		DryRun:            report.DryRun,
		Halted:            report.Halted,
		Drained:           s.Drained,
		Selected:          s.Selected,
		Published:         s.Published,
		NoRoutingMetadata: s.NoRoutingMetadata,
		PublishFailed:     s.PublishFailed,
		Duplicated:        s.Duplicated,
		NotAttempted:      s.NotAttempted,
		StartedAt:         report.StartedAt,
		FinishedAt:        report.FinishedAt,
	}
	if report.Filter != "" {
		rec.Filter = &report.Filter
	}
	if report.HaltReason != "" {
		rec.HaltReason = &report.HaltReason
	}
	return rec
}
