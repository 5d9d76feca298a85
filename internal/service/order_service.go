package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// OrderBook is the order book as seen by the order service.
type OrderBook interface {
	Place(ctx context.Context, spec domain.OrderSpec) (domain.Order, error)
	Get(id string) (domain.Order, error)
	List(filter domain.OrderFilter) []domain.Order
	Update(ctx context.Context, id string, amount, price decimal.Decimal) (domain.Order, error)
	Cancel(ctx context.Context, id string) (domain.Order, error)
}

// OrderService places and manages resting orders.
type OrderService struct {
	book   OrderBook
	report *Reporter
	logger *slog.Logger
}

// NewOrderService creates an OrderService.
func NewOrderService(book OrderBook, report *Reporter, logger *slog.Logger) *OrderService {
	return &OrderService{
		book:   book,
		report: report,
		logger: logger.With(slog.String("component", "order_service")),
	}
}

// PlaceOrder creates a direct order.
func (s *OrderService) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.Order, error) {
	start := time.Now()
	spec.Source = domain.OrderSourceDirect
	o, err := s.book.Place(ctx, spec)
	s.report.metrics.Observe("place_order", start, err)
	if err != nil {
		s.report.failed(ctx, "place_order", err, map[string]string{"owner": spec.Owner})
		return domain.Order{}, err
	}
	s.report.order(ctx, EventOrderPlaced, o)
	return o, nil
}

// UpdateOrder changes the amount and price of a live order.
func (s *OrderService) UpdateOrder(ctx context.Context, id string, amount, price decimal.Decimal) (domain.Order, error) {
	start := time.Now()
	o, err := s.book.Update(ctx, id, amount, price)
	s.report.metrics.Observe("update_order", start, err)
	if err != nil {
		s.report.failed(ctx, "update_order", err, map[string]string{"order_id": id})
		return domain.Order{}, err
	}
	s.report.order(ctx, orderEvent(o), o)
	return o, nil
}

// CancelOrder cancels a live order.
func (s *OrderService) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	start := time.Now()
	o, err := s.book.Cancel(ctx, id)
	s.report.metrics.Observe("cancel_order", start, err)
	if err != nil {
		s.report.failed(ctx, "cancel_order", err, map[string]string{"order_id": id})
		return domain.Order{}, err
	}
	s.report.order(ctx, EventOrderCancelled, o)
	return o, nil
}

// GetOrder returns one order.
func (s *OrderService) GetOrder(id string) (domain.Order, error) {
	return s.book.Get(id)
}

// ListOrders returns the orders matching filter, oldest first.
func (s *OrderService) ListOrders(filter domain.OrderFilter) []domain.Order {
	return s.book.List(filter)
}
