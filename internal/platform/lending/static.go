package lending

import (
	"context"
	"strings"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Fixture is a position template served by Static. The owner address is
// prefixed to ID so every owner gets distinct position ids.
type Fixture struct {
	ID              string
	Type            string
	Token           string
	Amount          string
	FormattedAmount string
	TokenAddress    string
}

// DefaultFixtures is a small leveraged book: two collateral and two debt
// positions.
func DefaultFixtures() []Fixture {
	return []Fixture{
		{ID: "eth-collateral", Type: "collateral", Token: "ETH", Amount: "2000000000000000000", FormattedAmount: "2.0000", TokenAddress: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"},
		{ID: "usdc-collateral", Type: "collateral", Token: "USDC", Amount: "5000000000", FormattedAmount: "5000.0000", TokenAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{ID: "dai-debt", Type: "debt", Token: "DAI", Amount: "3000000000000000000000", FormattedAmount: "3000.0000", TokenAddress: "0x6B175474E89094C44Da98b954EedeAC495271d0F"},
		{ID: "usdt-debt", Type: "debt", Token: "USDT", Amount: "1500000000", FormattedAmount: "1500.0000", TokenAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
	}
}

// Static serves the same fixture positions for every owner. It backs
// standalone mode.
type Static struct {
	fixtures []Fixture
}

// NewStatic creates a Static adapter.
func NewStatic(fixtures []Fixture) *Static {
	return &Static{fixtures: fixtures}
}

// ListPositions implements domain.LendingAdapter.
func (s *Static) ListPositions(_ context.Context, owner string) ([]domain.Position, error) {
	owner = domain.NormalizeOwner(owner)
	if owner == "" {
		return nil, domain.NewError(domain.KindValidation, "missing owner")
	}
	prefix := strings.ToLower(owner) + "-"

	out := make([]domain.Position, 0, len(s.fixtures))
	for _, f := range s.fixtures {
		p, err := APIPosition{
			ID:              prefix + f.ID,
			Type:            f.Type,
			Token:           f.Token,
			Amount:          f.Amount,
			FormattedAmount: f.FormattedAmount,
			TokenAddress:    f.TokenAddress,
		}.ToDomain(owner)
		if err != nil {
			return nil, domain.WrapError(domain.KindAdapterUnavailable, "bad fixture", err)
		}
		out = append(out, p)
	}
	return out, nil
}

var _ domain.LendingAdapter = (*Static)(nil)
