package domain

import "github.com/shopspring/decimal"

// SwapRequest fills resting orders with TokenIn to receive TokenOut.
// CandidateOrderIDs are walked in the given order.
type SwapRequest struct {
	TokenIn           string
	TokenOut          string
	AmountIn          decimal.Decimal
	MinAmountOut      decimal.Decimal
	CandidateOrderIDs []string
}

// Fill is one order's contribution to a swap.
type Fill struct {
	OrderID  string          `json:"orderId"`
	Quantity decimal.Decimal `json:"quantity"`
	Cost     decimal.Decimal `json:"cost"`
}

// SwapResult is the outcome of a swap or a preview.
type SwapResult struct {
	TokenIn      string          `json:"tokenIn"`
	TokenOut     string          `json:"tokenOut"`
	AmountInUsed decimal.Decimal `json:"amountInUsed"`
	AmountOut    decimal.Decimal `json:"amountOut"`
	NetAmountOut decimal.Decimal `json:"-"`
	// NetAmountOutText is NetAmountOut rendered at the output token precision.
	NetAmountOutText string `json:"netAmountOut"`
	Fills            []Fill `json:"fills"`
}
