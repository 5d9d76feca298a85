package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/store/memory"
)

func TestBusSettlerPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := memory.NewSignalBus()
	ch, err := bus.Subscribe(ctx, ChannelSettlements)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = NewBusSettler(bus).Settle(ctx, domain.SettlementEvent{
		Kind:     domain.SettlementSwap,
		Owner:    "0xabc",
		OrderIDs: []string{"o1", "o2"},
		At:       at,
	})
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(<-ch, &msg))
	assert.Equal(t, "swap", msg["kind"])
	assert.Equal(t, []any{"o1", "o2"}, msg["orderIds"])
	assert.NotContains(t, msg, "migration")
}

type downBus struct{}

func (downBus) Publish(context.Context, string, []byte) error { return errors.New("connection refused") }
func (downBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("connection refused")
}

func TestBusSettlerDownstreamError(t *testing.T) {
	err := NewBusSettler(downBus{}).Settle(context.Background(), domain.SettlementEvent{Kind: domain.SettlementMigration})
	assert.ErrorIs(t, err, domain.ErrDownstream)
}
