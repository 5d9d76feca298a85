package service

import (
	"context"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Swapper fills orders against swap requests.
type Swapper interface {
	Swap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error)
	PreviewSwap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error)
}

// SwapService executes swaps and reports the orders they touched.
type SwapService struct {
	swapper Swapper
	orders  OrderBook
	report  *Reporter
}

// NewSwapService creates a SwapService.
func NewSwapService(swapper Swapper, orders OrderBook, report *Reporter) *SwapService {
	return &SwapService{swapper: swapper, orders: orders, report: report}
}

// PreviewSwap quotes a swap without changing anything.
func (s *SwapService) PreviewSwap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	start := time.Now()
	res, err := s.swapper.PreviewSwap(ctx, req)
	s.report.metrics.Observe("preview_swap", start, err)
	return res, err
}

// Swap executes req. taker identifies the caller for audit and settlement.
func (s *SwapService) Swap(ctx context.Context, taker string, req domain.SwapRequest) (domain.SwapResult, error) {
	taker = domain.NormalizeOwner(taker)
	start := time.Now()
	res, err := s.swapper.Swap(ctx, req)
	s.report.metrics.Observe("swap", start, err)
	s.report.metrics.Swap(len(res.Fills), err == nil)
	if err != nil {
		s.report.failed(ctx, "swap", err, map[string]string{
			"taker": taker,
			"pair":  req.TokenIn + "->" + req.TokenOut,
		})
		return res, err
	}

	ids := make([]string, 0, len(res.Fills))
	for _, f := range res.Fills {
		ids = append(ids, f.OrderID)
		// The order may have moved on since the swap released its lock;
		// the event carries whatever state is current.
		if o, err := s.orders.Get(f.OrderID); err == nil {
			s.report.order(ctx, EventOrderFilled, o)
		}
	}
	s.report.publish(ctx, Event{Type: EventSwapExecuted, Owner: taker, Swap: &res})
	s.report.record(ctx, EventSwapExecuted, map[string]any{
		"taker":          taker,
		"token_in":       res.TokenIn,
		"token_out":      res.TokenOut,
		"amount_in":      res.AmountInUsed.String(),
		"net_amount_out": res.NetAmountOutText,
		"order_ids":      ids,
	})
	s.report.settle(ctx, domain.SettlementEvent{
		Kind:     domain.SettlementSwap,
		Owner:    taker,
		OrderIDs: ids,
		Swap:     &res,
	})
	return res, nil
}
