package lending

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// APIPosition is a position as returned by the lending-protocol API.
// Amounts are decimal strings: amount in base units, formattedAmount for
// display.
type APIPosition struct {
	ID              string `json:"id"`
	Type            string `json:"type"` // "collateral" or "debt"
	Token           string `json:"token"`
	Amount          string `json:"amount"`
	FormattedAmount string `json:"formattedAmount"`
	TokenAddress    string `json:"tokenAddress"`
}

// ToDomain converts the API shape into a domain.Position owned by owner.
func (p APIPosition) ToDomain(owner string) (domain.Position, error) {
	kind := domain.PositionKind(p.Type)
	if !kind.Valid() {
		return domain.Position{}, fmt.Errorf("lending: position %s: unknown type %q", p.ID, p.Type)
	}
	raw, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return domain.Position{}, fmt.Errorf("lending: position %s: invalid amount %q", p.ID, p.Amount)
	}
	return domain.Position{
		ID:            p.ID,
		Owner:         domain.NormalizeOwner(owner),
		Kind:          kind,
		Token:         domain.NormalizeSymbol(p.Token),
		RawAmount:     raw,
		DisplayAmount: p.FormattedAmount,
		TokenAddress:  p.TokenAddress,
	}, nil
}

// FromDomain is the inverse of ToDomain.
func FromDomain(p domain.Position) APIPosition {
	amount := "0"
	if p.RawAmount != nil {
		amount = p.RawAmount.String()
	}
	return APIPosition{
		ID:              p.ID,
		Type:            string(p.Kind),
		Token:           p.Token,
		Amount:          amount,
		FormattedAmount: p.DisplayAmount,
		TokenAddress:    p.TokenAddress,
	}
}
