package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/metrics"
	"github.com/alanyoungcy/pivengine/internal/notify"
)

// Reporter carries out the side effects that follow an engine operation:
// events, audit rows, metrics, settlement and operator alerts. None of them
// can undo the operation; failures are logged and dropped.
type Reporter struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	settler  domain.Settler
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// ReporterDeps lists the optional collaborators of a Reporter. Nil fields
// are skipped.
type ReporterDeps struct {
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Settler  domain.Settler
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// NewReporter creates a Reporter.
func NewReporter(deps ReporterDeps, logger *slog.Logger) *Reporter {
	return &Reporter{
		bus:      deps.Bus,
		audit:    deps.Audit,
		settler:  deps.Settler,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "reporter")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reporter) publish(ctx context.Context, evt Event) {
	if r.bus == nil {
		return
	}
	evt.At = r.now()
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.ErrorContext(ctx, "marshal event failed",
			slog.String("event", evt.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.bus.Publish(ctx, channelFor(evt.Type), payload); err != nil {
		r.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reporter) record(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// order reports a committed order transition.
func (r *Reporter) order(ctx context.Context, eventType string, o domain.Order) {
	r.metrics.OrderTransition(o.Status)
	r.publish(ctx, Event{Type: eventType, Owner: o.Owner, Order: &o})
	r.record(ctx, eventType, map[string]any{
		"order_id": o.ID,
		"owner":    o.Owner,
		"status":   string(o.Status),
		"amount":   o.CollateralAmount.String(),
		"filled":   o.FilledAmount.String(),
		"price":    o.Price.String(),
		"version":  o.Version,
	})
}

// settle hands a committed operation to the settlement layer. The engine
// state stays authoritative when settlement fails.
func (r *Reporter) settle(ctx context.Context, evt domain.SettlementEvent) {
	if r.settler == nil {
		return
	}
	evt.At = r.now()
	if err := r.settler.Settle(ctx, evt); err != nil {
		r.logger.ErrorContext(ctx, "settlement failed",
			slog.String("kind", string(evt.Kind)),
			slog.String("owner", evt.Owner),
			slog.String("error", err.Error()),
		)
		r.record(ctx, "settlement_failed", map[string]any{
			"kind":      string(evt.Kind),
			"owner":     evt.Owner,
			"order_ids": evt.OrderIDs,
			"error":     err.Error(),
		})
		r.alert(ctx, notify.EventSettlement, "Settlement failed", map[string]string{
			"kind":  string(evt.Kind),
			"owner": evt.Owner,
			"error": err.Error(),
		})
	}
}

// failed records a failed operation. Integrity errors are escalated to
// operators.
func (r *Reporter) failed(ctx context.Context, op string, err error, fields map[string]string) {
	if domain.KindOf(err) != domain.KindIntegrity {
		return
	}
	detail := map[string]any{"op": op, "error": err.Error()}
	for k, v := range fields {
		detail[k] = v
	}
	r.logger.ErrorContext(ctx, "integrity violation",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	r.record(ctx, "integrity_violation", detail)

	alert := map[string]string{"op": op, "error": err.Error()}
	for k, v := range fields {
		alert[k] = v
	}
	r.alert(ctx, notify.EventIntegrity, "Engine integrity violation", alert)
}

func (r *Reporter) alert(ctx context.Context, event, title string, fields map[string]string) {
	if err := r.notifier.Notify(ctx, event, title, fields); err != nil {
		r.logger.WarnContext(ctx, "operator alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
