package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed scale of every order price.
const PriceDecimals int32 = 6

// Token describes an asset the engine knows how to account for.
type Token struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
	// Decimals is the on-chain base-unit scale (18 for ETH, 6 for USDC).
	Decimals int32 `json:"decimals"`
	// Precision is the fixed-point scale the engine keeps amounts at.
	Precision int32 `json:"precision"`
}

// TokenRegistry resolves token symbols to their precision. It is immutable
// after construction and safe for concurrent use.
type TokenRegistry struct {
	bySymbol map[string]Token
}

// NewTokenRegistry validates tokens and indexes them by upper-case symbol.
func NewTokenRegistry(tokens []Token) (*TokenRegistry, error) {
	r := &TokenRegistry{bySymbol: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		sym := NormalizeSymbol(t.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("domain: token with empty symbol")
		}
		if t.Decimals < 0 || t.Precision < 0 {
			return nil, fmt.Errorf("domain: token %s: negative decimals", sym)
		}
		if t.Precision == 0 {
			t.Precision = min(t.Decimals, 6)
		}
		if t.Precision > t.Decimals {
			return nil, fmt.Errorf("domain: token %s: precision %d exceeds decimals %d", sym, t.Precision, t.Decimals)
		}
		if t.Address != "" {
			if !common.IsHexAddress(t.Address) {
				return nil, fmt.Errorf("domain: token %s: invalid address %q", sym, t.Address)
			}
			t.Address = common.HexToAddress(t.Address).Hex()
		}
		if _, dup := r.bySymbol[sym]; dup {
			return nil, fmt.Errorf("domain: duplicate token %s", sym)
		}
		t.Symbol = sym
		r.bySymbol[sym] = t
	}
	return r, nil
}

// Lookup returns the token for symbol or a validation error.
func (r *TokenRegistry) Lookup(symbol string) (Token, error) {
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return Token{}, NewError(KindValidation, "missing token")
	}
	t, ok := r.bySymbol[sym]
	if !ok {
		return Token{}, Errorf(KindValidation, "unknown token %q", symbol)
	}
	return t, nil
}

// Tokens returns every registered token.
func (r *TokenRegistry) Tokens() []Token {
	out := make([]Token, 0, len(r.bySymbol))
	for _, t := range r.bySymbol {
		out = append(out, t)
	}
	return out
}

// NormalizeSymbol upper-cases and trims a token symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeOwner canonicalises an owner address. Hex addresses become their
// EIP-55 checksum form; anything else is lower-cased.
func NormalizeOwner(owner string) string {
	owner = strings.TrimSpace(owner)
	if common.IsHexAddress(owner) {
		return common.HexToAddress(owner).Hex()
	}
	return strings.ToLower(owner)
}

// ParseAmount parses s as a decimal that must be representable exactly at
// scale decimals.
func ParseAmount(s string, scale int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, Errorf(KindValidation, "invalid amount %q", s)
	}
	if err := CheckScale(d, scale); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckScale rejects d when it carries more fractional digits than scale.
func CheckScale(d decimal.Decimal, scale int32) error {
	if !d.Truncate(scale).Equal(d) {
		return Errorf(KindValidation, "amount %s exceeds %d decimal places", d.String(), scale)
	}
	return nil
}

// ParseTokenAmount parses s at the precision of token.
func ParseTokenAmount(s string, token Token) (decimal.Decimal, error) {
	d, err := ParseAmount(s, token.Precision)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s amount: %w", token.Symbol, err)
	}
	return d, nil
}

// ParsePrice parses an order price at PriceDecimals.
func ParsePrice(s string) (decimal.Decimal, error) {
	d, err := ParseAmount(s, PriceDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, NewError(KindValidation, "price must be positive")
	}
	return d, nil
}
