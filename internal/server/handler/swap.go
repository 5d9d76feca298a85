package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// SwapService is what the swap handler needs.
type SwapService interface {
	PreviewSwap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error)
	Swap(ctx context.Context, taker string, req domain.SwapRequest) (domain.SwapResult, error)
}

// SwapHandler serves swaps against resting orders.
type SwapHandler struct {
	swaps  SwapService
	logger *slog.Logger
}

// NewSwapHandler creates a SwapHandler.
func NewSwapHandler(swaps SwapService, logger *slog.Logger) *SwapHandler {
	return &SwapHandler{swaps: swaps, logger: logger}
}

type swapRequest struct {
	Taker             string          `json:"taker,omitempty"`
	TokenIn           string          `json:"tokenIn"`
	TokenOut          string          `json:"tokenOut"`
	AmountIn          decimal.Decimal `json:"amountIn"`
	MinAmountOut      decimal.Decimal `json:"minAmountOut"`
	CandidateOrderIDs []string        `json:"candidateOrderIds"`
}

func (s swapRequest) toDomain() domain.SwapRequest {
	return domain.SwapRequest{
		TokenIn:           s.TokenIn,
		TokenOut:          s.TokenOut,
		AmountIn:          s.AmountIn,
		MinAmountOut:      s.MinAmountOut,
		CandidateOrderIDs: s.CandidateOrderIDs,
	}
}

// Preview quotes a swap without filling anything.
// POST /api/swap/preview
func (h *SwapHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var body swapRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.swaps.PreviewSwap(r.Context(), body.toDomain())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Swap fills the candidate orders.
// POST /api/swap
func (h *SwapHandler) Swap(w http.ResponseWriter, r *http.Request) {
	var body swapRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.swaps.Swap(r.Context(), body.Taker, body.toDomain())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
