package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/platform/lending"
)

// PositionService is what the position and migration handlers need.
type PositionService interface {
	RefreshPositions(ctx context.Context, owner string) ([]domain.Position, error)
	ListPositions(owner string) []domain.Position
	ListVaultPositions(owner string) []domain.VaultPosition
	CheckMigration(owner, positionID string) domain.MigrationCheck
	Migrate(ctx context.Context, req domain.MigrationRequest) (domain.MigrationResult, error)
}

// PositionHandler serves lending and vault positions.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

// vaultView renders amounts as strings so base units survive JavaScript.
type vaultView struct {
	ID              string    `json:"id"`
	Owner           string    `json:"owner"`
	Type            string    `json:"type"`
	Token           string    `json:"token"`
	Amount          string    `json:"amount"`
	FormattedAmount string    `json:"formattedAmount"`
	TokenAddress    string    `json:"tokenAddress"`
	OrderID         string    `json:"orderId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toVaultView(vp domain.VaultPosition) vaultView {
	amount := "0"
	if vp.RawAmount != nil {
		amount = vp.RawAmount.String()
	}
	return vaultView{
		ID:              vp.ID,
		Owner:           vp.Owner,
		Type:            string(vp.Kind),
		Token:           vp.Token,
		Amount:          amount,
		FormattedAmount: vp.DisplayAmount,
		TokenAddress:    vp.TokenAddress,
		OrderID:         vp.OriginOrderID,
		CreatedAt:       vp.CreatedAt,
	}
}

func toPositionViews(ps []domain.Position) []lending.APIPosition {
	out := make([]lending.APIPosition, 0, len(ps))
	for _, p := range ps {
		out = append(out, lending.FromDomain(p))
	}
	return out
}

// ListPositions returns the owner's unmigrated lending positions.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := requireOwner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": toPositionViews(h.positions.ListPositions(owner)),
	})
}

// RefreshPositions reloads the owner's positions from the lending protocol.
// POST /api/positions/refresh?owner=0x...
func (h *PositionHandler) RefreshPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := requireOwner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	positions, err := h.positions.RefreshPositions(r.Context(), owner)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": toPositionViews(positions)})
}

// ListVaultPositions returns the owner's vault positions.
// GET /api/vault/positions?owner=0x...
func (h *PositionHandler) ListVaultPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := requireOwner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	vps := h.positions.ListVaultPositions(owner)
	out := make([]vaultView, 0, len(vps))
	for _, vp := range vps {
		out = append(out, toVaultView(vp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
