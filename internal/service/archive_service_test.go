package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
)

type fakeArchiver struct {
	archived []domain.Order
	err      error
}

func (f *fakeArchiver) ArchiveOrders(_ context.Context, orders []domain.Order) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.archived = append(f.archived, orders...)
	return "orders/test.jsonl", nil
}

func TestArchiveRunOnce(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newStack(t, orderbook.WithClock(func() time.Time { return clock }))

	place := func() domain.Order {
		o, err := s.orders.PlaceOrder(ctx, domain.OrderSpec{
			Owner: owner, CollateralToken: "ETH", DebtToken: "USDC",
			CollateralAmount: d("1"), Price: d("3000"),
		})
		require.NoError(t, err)
		return o
	}
	old := place()
	_, err := s.orders.CancelOrder(ctx, old.ID)
	require.NoError(t, err)
	live := place()

	clock = clock.Add(48 * time.Hour)
	recent := place()
	_, err = s.orders.CancelOrder(ctx, recent.ID)
	require.NoError(t, err)

	arch := &fakeArchiver{err: errors.New("bucket unavailable")}
	svc := NewArchiveService(s.book, arch, 24*time.Hour, s.report, discard())
	svc.now = func() time.Time { return clock }

	_, err = svc.RunOnce(ctx)
	assert.ErrorContains(t, err, "bucket unavailable")
	_, err = s.book.Get(old.ID)
	assert.NoError(t, err, "nothing is purged when the upload fails")
	assert.Equal(t, []string{"Order archive failed"}, s.sender.titles)

	arch.err = nil
	n, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, arch.archived, 1)
	assert.Equal(t, old.ID, arch.archived[0].ID)

	_, err = s.book.Get(old.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	for _, id := range []string{live.ID, recent.ID} {
		_, err := s.book.Get(id)
		assert.NoError(t, err)
	}

	n, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedule(t *testing.T) {
	sched, err := parseSchedule("30 3 * * *")
	require.NoError(t, err)
	next, err := sched.next(time.Date(2026, 10, 15, 3, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 3, 30, 0, 0, time.UTC), next)

	every, err := parseSchedule("*/15 * * * *")
	require.NoError(t, err)
	next, err = every.next(time.Date(2026, 10, 15, 3, 31, 10, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 3, 45, 0, 0, time.UTC), next)

	for _, bad := range []string{"* * * *", "61 * * * *", "*/0 * * * *", "x * * * *"} {
		_, err := parseSchedule(bad)
		assert.Error(t, err, bad)
	}
}
