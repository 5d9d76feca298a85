package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/notify"
)

// OrderPurger lists and removes terminal orders.
type OrderPurger interface {
	List(filter domain.OrderFilter) []domain.Order
	Purge(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// OrderArchiver writes orders to cold storage.
type OrderArchiver interface {
	ArchiveOrders(ctx context.Context, orders []domain.Order) (string, error)
}

// ArchiveService moves filled and cancelled orders older than the retention
// period out of the book and into cold storage.
type ArchiveService struct {
	book      OrderPurger
	archiver  OrderArchiver
	retention time.Duration
	report    *Reporter
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiveService creates an ArchiveService. archiver may be nil, in
// which case old orders are purged without a copy.
func NewArchiveService(book OrderPurger, archiver OrderArchiver, retention time.Duration, report *Reporter, logger *slog.Logger) *ArchiveService {
	return &ArchiveService{
		book:      book,
		archiver:  archiver,
		retention: retention,
		report:    report,
		logger:    logger.With(slog.String("component", "archive")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce archives and then purges every terminal order last updated before
// the retention cutoff. Terminal orders never change again, so the set
// archived is the set purged. Nothing is purged when the upload fails.
func (a *ArchiveService) RunOnce(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.retention)

	var stale []domain.Order
	for _, o := range a.book.List(domain.OrderFilter{
		Status: []domain.OrderStatus{domain.OrderStatusFilled, domain.OrderStatusCancelled},
	}) {
		if o.UpdatedAt.Before(cutoff) {
			stale = append(stale, o)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var path string
	if a.archiver != nil {
		var err error
		if path, err = a.archiver.ArchiveOrders(ctx, stale); err != nil {
			a.report.alert(ctx, notify.EventArchive, "Order archive failed", map[string]string{
				"count": fmt.Sprint(len(stale)),
				"error": err.Error(),
			})
			return 0, fmt.Errorf("archive: upload: %w", err)
		}
	}

	purged, err := a.book.Purge(ctx, cutoff)
	if err != nil {
		return len(purged), fmt.Errorf("archive: purge: %w", err)
	}
	if len(purged) != len(stale) {
		a.logger.WarnContext(ctx, "purged set differs from archived set",
			slog.Int("archived", len(stale)),
			slog.Int("purged", len(purged)),
		)
	}

	a.logger.InfoContext(ctx, "orders archived",
		slog.String("path", path),
		slog.Int("count", len(purged)),
		slog.Time("cutoff", cutoff),
	)
	return len(purged), nil
}

// RunCron runs RunOnce on a five-field cron schedule until ctx is
// cancelled.
func (a *ArchiveService) RunCron(ctx context.Context, expr string) error {
	sched, err := parseSchedule(expr)
	if err != nil {
		return fmt.Errorf("archive: schedule %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archive schedule started", slog.String("cron", expr))

	for {
		next, err := sched.next(a.now())
		if err != nil {
			return fmt.Errorf("archive: schedule %q: %w", expr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
