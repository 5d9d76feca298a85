package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// ChannelSettlements carries settlement requests to the settlement layer.
const ChannelSettlements = "settlements"

// BusSettler hands settlement events to an out-of-process settlement layer
// over the signal bus. The engine state is already committed when Settle
// runs; the consumer confirms on chain.
type BusSettler struct {
	bus domain.SignalBus
}

// NewBusSettler creates a BusSettler.
func NewBusSettler(bus domain.SignalBus) *BusSettler {
	return &BusSettler{bus: bus}
}

type settlementMessage struct {
	Kind      domain.SettlementKind   `json:"kind"`
	Owner     string                  `json:"owner,omitempty"`
	OrderIDs  []string                `json:"orderIds"`
	Migration *domain.MigrationResult `json:"migration,omitempty"`
	Swap      *domain.SwapResult      `json:"swap,omitempty"`
	At        time.Time               `json:"at"`
}

// Settle implements domain.Settler.
func (s *BusSettler) Settle(ctx context.Context, evt domain.SettlementEvent) error {
	payload, err := json.Marshal(settlementMessage{
		Kind:      evt.Kind,
		Owner:     evt.Owner,
		OrderIDs:  evt.OrderIDs,
		Migration: evt.Migration,
		Swap:      evt.Swap,
		At:        evt.At,
	})
	if err != nil {
		return fmt.Errorf("settle: marshal %s: %w", evt.Kind, err)
	}
	if err := s.bus.Publish(ctx, ChannelSettlements, payload); err != nil {
		return domain.WrapError(domain.KindDownstream, "settlement bus unavailable", err)
	}
	return nil
}

var _ domain.Settler = (*BusSettler)(nil)
