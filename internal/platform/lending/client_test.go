package lending

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

const owner = "0x3333333333333333333333333333333333333333"

func newTestClient(url string) *Client {
	c := NewClient(url, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond
	return c
}

func TestListPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/"+owner, r.URL.Path)
		_ = json.NewEncoder(w).Encode([]APIPosition{
			{ID: "p1", Type: "collateral", Token: "eth", Amount: "2000000000000000000", FormattedAmount: "2.0000"},
			{ID: "p2", Type: "debt", Token: "USDC", Amount: "1000000", FormattedAmount: "1.0000"},
		})
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).ListPositions(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.PositionKindCollateral, got[0].Kind)
	assert.Equal(t, "ETH", got[0].Token)
	assert.Equal(t, "2000000000000000000", got[0].RawAmount.String())
	assert.Equal(t, domain.NormalizeOwner(owner), got[1].Owner)
}

func TestListPositionsRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).ListPositions(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListPositionsUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListPositions(context.Background(), owner)
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestListPositionsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"p","type":"loan","amount":"1"}]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListPositions(context.Background(), owner)
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)
}

func TestListPositionsUnknownOwner(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	got, err := newTestClient(srv.URL).ListPositions(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStatic(t *testing.T) {
	got, err := NewStatic(DefaultFixtures()).ListPositions(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, owner+"-eth-collateral", got[0].ID)
	assert.Equal(t, "2.0000", got[0].DisplayAmount)
	assert.Equal(t, domain.PositionKindDebt, got[2].Kind)

	_, err = NewStatic(DefaultFixtures()).ListPositions(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
