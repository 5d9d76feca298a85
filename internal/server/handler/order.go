package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// OrderService is what the order handler needs from the service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.Order, error)
	UpdateOrder(ctx context.Context, id string, amount, price decimal.Decimal) (domain.Order, error)
	CancelOrder(ctx context.Context, id string) (domain.Order, error)
	GetOrder(id string) (domain.Order, error)
	ListOrders(filter domain.OrderFilter) []domain.Order
}

// OrderHandler serves resting orders.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

// ListOrders returns orders, oldest first.
// GET /api/orders?owner=0x...&status=open,partially_filled&source=migration
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.OrderFilter{
		Owner:           q.Get("owner"),
		CollateralToken: domain.NormalizeSymbol(q.Get("collateralToken")),
		DebtToken:       domain.NormalizeSymbol(q.Get("debtToken")),
		Source:          domain.OrderSource(q.Get("source")),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.OrderStatus(strings.TrimSpace(s))
			if !status.Valid() {
				writeError(w, r, h.logger, badRequest("unknown status "+s))
				return
			}
			filter.Status = append(filter.Status, status)
		}
	}

	orders := h.orders.ListOrders(filter)
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// GetOrder returns a single order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type placeOrderRequest struct {
	Owner            string                  `json:"owner"`
	CollateralToken  string                  `json:"collateralToken"`
	DebtToken        string                  `json:"debtToken"`
	CollateralAmount decimal.Decimal         `json:"collateralAmount"`
	Price            decimal.Decimal         `json:"price"`
	Quote            domain.PriceQuote       `json:"quote,omitempty"`
	InterestRateMode domain.InterestRateMode `json:"interestRateMode,omitempty"`
}

// PlaceOrder creates a resting order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	o, err := h.orders.PlaceOrder(r.Context(), domain.OrderSpec{
		Owner:            body.Owner,
		CollateralToken:  body.CollateralToken,
		DebtToken:        body.DebtToken,
		CollateralAmount: body.CollateralAmount,
		Price:            body.Price,
		Quote:            body.Quote,
		InterestRateMode: body.InterestRateMode,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type updateOrderRequest struct {
	CollateralAmount decimal.Decimal `json:"collateralAmount"`
	Price            decimal.Decimal `json:"price"`
}

// UpdateOrder changes amount and price.
// PUT /api/orders/{id}
func (h *OrderHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var body updateOrderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	o, err := h.orders.UpdateOrder(r.Context(), r.PathValue("id"), body.CollateralAmount, body.Price)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder cancels a live order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
