package service

import (
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Event types published on the signal bus.
const (
	EventOrderPlaced        = "order_placed"
	EventOrderUpdated       = "order_updated"
	EventOrderCancelled     = "order_cancelled"
	EventOrderFilled        = "order_filled"
	EventPositionMigrated   = "position_migrated"
	EventSwapExecuted       = "swap_executed"
	EventPositionsRefreshed = "positions_refreshed"
)

// Signal bus channels. Subscribers may use EventPattern to receive all.
const (
	ChannelOrders     = "events:orders"
	ChannelMigrations = "events:migrations"
	ChannelSwaps      = "events:swaps"
	ChannelPositions  = "events:positions"
	EventPattern      = "events:*"
)

// Event is the JSON payload published on the signal bus.
type Event struct {
	Type      string                  `json:"event"`
	Owner     string                  `json:"owner,omitempty"`
	Order     *domain.Order           `json:"order,omitempty"`
	Migration *domain.MigrationResult `json:"migration,omitempty"`
	Swap      *domain.SwapResult      `json:"swap,omitempty"`
	Count     int                     `json:"count,omitempty"`
	At        time.Time               `json:"at"`
}

func channelFor(eventType string) string {
	switch eventType {
	case EventPositionMigrated:
		return ChannelMigrations
	case EventSwapExecuted:
		return ChannelSwaps
	case EventPositionsRefreshed:
		return ChannelPositions
	default:
		return ChannelOrders
	}
}

// orderEvent maps an order's resulting status to its event type.
func orderEvent(o domain.Order) string {
	switch o.Status {
	case domain.OrderStatusCancelled:
		return EventOrderCancelled
	case domain.OrderStatusFilled:
		return EventOrderFilled
	default:
		return EventOrderUpdated
	}
}
